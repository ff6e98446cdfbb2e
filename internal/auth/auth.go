// Package auth classifies matcher outcomes and issues the session credential.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andresmejia3/irisgate/internal/credential"
	"github.com/andresmejia3/irisgate/internal/types"
)

var (
	// ErrProtocolViolation means the matcher reply broke the result contract.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrMismatch means the matcher returned a definite negative decision.
	ErrMismatch = errors.New("iris mismatch")
)

// DefaultRoles are granted to every iris-authenticated user.
var DefaultRoles = []string{"ROLE_USER"}

// Class is the category of a Verdict.
type Class int

const (
	HardError Class = iota
	Authenticated
	ProtocolViolation
	Mismatch
)

func (c Class) String() string {
	switch c {
	case HardError:
		return "error"
	case Authenticated:
		return "authenticated"
	case ProtocolViolation:
		return "protocol-violation"
	case Mismatch:
		return "mismatch"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Verdict is the evaluated form of an AuthOutcome.
type Verdict struct {
	Class      Class
	Percent    *float64 // similarity × 100, only when the matcher reported one
	Message    string
	Identity   string // username from the outcome, may be empty
	Credential string // set only for Authenticated
}

// Err maps the verdict to its error category. Authenticated returns nil.
func (v Verdict) Err() error {
	switch v.Class {
	case Authenticated:
		return nil
	case ProtocolViolation:
		return fmt.Errorf("%w: %s", ErrProtocolViolation, v.Message)
	case Mismatch:
		return ErrMismatch
	default:
		return errors.New(v.Message)
	}
}

// Evaluate classifies a matcher outcome. It is pure apart from logging.
func Evaluate(out types.AuthOutcome, log *slog.Logger) Verdict {
	if log == nil {
		log = slog.Default()
	}
	v := Verdict{Identity: out.Username}
	if out.Similarity != nil {
		p := *out.Similarity * 100
		v.Percent = &p
	}

	switch {
	case out.Error != "":
		v.Class = HardError
		v.Message = out.Error
		v.Percent = nil
	case out.Authenticated == nil:
		v.Class = ProtocolViolation
		v.Message = "matcher returned no decision"
		log.Error("iris result without decision", "similarity", out.Similarity)
	case *out.Authenticated && out.Token != "":
		v.Class = Authenticated
		v.Credential = out.Token
		v.Message = "Authentication successful"
	case *out.Authenticated:
		v.Class = ProtocolViolation
		v.Message = "Iris verified but no credential issued"
		log.Error("iris verified without credential", "username", out.Username)
	default:
		v.Class = Mismatch
		v.Message = "Iris does not match"
		if out.Token != "" {
			log.Warn("ignoring credential attached to a failed match", "username", out.Username)
		}
		log.Info("iris mismatch", "similarity", out.Similarity)
	}
	return v
}

// CurrentUser is the user_data record stored next to the credential.
type CurrentUser struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// Issuer persists the credential of an authenticated verdict.
type Issuer struct {
	store credential.Store
	log   *slog.Logger
}

// NewIssuer returns an Issuer backed by store.
func NewIssuer(store credential.Store, log *slog.Logger) *Issuer {
	if log == nil {
		log = slog.Default()
	}
	return &Issuer{store: store, log: log}
}

// Issue stores the credential and current user for an Authenticated verdict.
// The identity is the verdict's, or fallback when the matcher sent none.
// Any other verdict is a no-op.
func (i *Issuer) Issue(ctx context.Context, v Verdict, fallback string) (CurrentUser, error) {
	if v.Class != Authenticated {
		return CurrentUser{}, nil
	}
	if v.Credential == "" {
		return CurrentUser{}, fmt.Errorf("%w: empty credential", ErrProtocolViolation)
	}
	identity := v.Identity
	if identity == "" {
		identity = fallback
	}
	user := CurrentUser{Username: identity, Roles: append([]string(nil), DefaultRoles...)}
	data, err := json.Marshal(user)
	if err != nil {
		return CurrentUser{}, fmt.Errorf("encode user data: %w", err)
	}

	if err := i.store.Put(ctx, credential.TokenKey, v.Credential); err != nil {
		return CurrentUser{}, fmt.Errorf("store credential: %w", err)
	}
	if err := i.store.Put(ctx, credential.UserKey, string(data)); err != nil {
		return CurrentUser{}, fmt.Errorf("store user data: %w", err)
	}
	i.log.Info("credential issued", "username", identity)
	return user, nil
}

// IsAuthenticated reports whether a credential is stored. Expiry is not checked.
func (i *Issuer) IsAuthenticated(ctx context.Context) (bool, error) {
	_, ok, err := i.store.Get(ctx, credential.TokenKey)
	if err != nil {
		return false, fmt.Errorf("read credential: %w", err)
	}
	return ok, nil
}

// Credential returns the stored raw credential.
func (i *Issuer) Credential(ctx context.Context) (string, bool, error) {
	return i.store.Get(ctx, credential.TokenKey)
}

// CurrentUser returns the stored user record, ok=false when logged out.
func (i *Issuer) CurrentUser(ctx context.Context) (CurrentUser, bool, error) {
	raw, ok, err := i.store.Get(ctx, credential.UserKey)
	if err != nil || !ok {
		return CurrentUser{}, false, err
	}
	var user CurrentUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return CurrentUser{}, false, fmt.Errorf("decode user data: %w", err)
	}
	return user, true, nil
}

// Logout removes the credential and the user record.
func (i *Issuer) Logout(ctx context.Context) error {
	if err := i.store.Remove(ctx, credential.TokenKey); err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	if err := i.store.Remove(ctx, credential.UserKey); err != nil {
		return fmt.Errorf("remove user data: %w", err)
	}
	return nil
}
