package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSignAndInspect(t *testing.T) {
	s, err := NewSigner(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	raw, err := s.Sign("alice", []string{"ROLE_USER"})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	info, err := Inspect(raw)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if info.Subject != "alice" {
		t.Errorf("Expected subject alice, got %q", info.Subject)
	}
	if len(info.Roles) != 1 || info.Roles[0] != "ROLE_USER" {
		t.Errorf("Unexpected roles %v", info.Roles)
	}
	if !info.ExpiresAt.Equal(fixed.Add(time.Hour)) {
		t.Errorf("Expected expiry %v, got %v", fixed.Add(time.Hour), info.ExpiresAt)
	}
	if info.Expired(fixed) {
		t.Error("Credential should not be expired at issue time")
	}
	if !info.Expired(fixed.Add(2 * time.Hour)) {
		t.Error("Credential should be expired after ttl")
	}

	if _, err := s.Verify(raw); err != nil {
		t.Errorf("Verify failed on own credential: %v", err)
	}
}

func TestInspectDoesNotVerify(t *testing.T) {
	other, _ := NewSigner(strings.Repeat("z", 32), 0)
	raw, err := other.Sign("bob", nil)
	if err != nil {
		t.Fatal(err)
	}

	info, err := Inspect(raw)
	if err != nil {
		t.Fatalf("Inspect should accept a credential signed with any key: %v", err)
	}
	if info.Subject != "bob" || !info.ExpiresAt.IsZero() {
		t.Errorf("Unexpected info %+v", info)
	}

	mine, _ := NewSigner(testSecret, 0)
	if _, err := mine.Verify(raw); !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		t.Errorf("Expected signature error from Verify, got %v", err)
	}
}

func TestInspectErrors(t *testing.T) {
	if _, err := Inspect(""); err == nil {
		t.Error("Expected error for empty credential")
	}
	if _, err := Inspect("opaque-token"); err == nil {
		t.Error("Expected error for non-JWT credential")
	}
}

func TestNewSignerRejectsShortSecret(t *testing.T) {
	if _, err := NewSigner("short", time.Hour); err == nil {
		t.Error("Expected error for short secret")
	}
}
