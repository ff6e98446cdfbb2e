package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient failed: %v", err)
	}
	if cfg.ServerURL != "ws://localhost:5000/ws" {
		t.Errorf("Unexpected server URL %q", cfg.ServerURL)
	}
	if cfg.DetectInterval != 200*time.Millisecond {
		t.Errorf("Expected 200ms cadence, got %s", cfg.DetectInterval)
	}
	if cfg.ProbeQuality != 0.7 || cfg.CaptureQuality != 0.9 {
		t.Errorf("Unexpected qualities %v/%v", cfg.ProbeQuality, cfg.CaptureQuality)
	}
	if !strings.HasSuffix(cfg.CredentialPath, "credentials.db") {
		t.Errorf("Expected default credential path, got %q", cfg.CredentialPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoadClientOverrides(t *testing.T) {
	t.Setenv("IRISGATE_IDENTITY", "alice")
	t.Setenv("IRISGATE_DETECT_INTERVAL", "50ms")
	t.Setenv("IRISGATE_CREDENTIALS", "/tmp/creds.db")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity != "alice" || cfg.DetectInterval != 50*time.Millisecond || cfg.CredentialPath != "/tmp/creds.db" {
		t.Errorf("Overrides not applied: %+v", cfg)
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("IRISGATE_ENGINES", "not-an-int")

	_, err := LoadServer()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base, _ := LoadClient()
	tests := []struct {
		name    string
		mutate  func(*Client)
		wantErr bool
	}{
		{"Valid", func(c *Client) {}, false},
		{"Zero interval", func(c *Client) { c.DetectInterval = 0 }, true},
		{"Probe quality above 1", func(c *Client) { c.ProbeQuality = 1.5 }, true},
		{"Capture quality zero", func(c *Client) { c.CaptureQuality = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	srv := Server{Threshold: 0.85, Engines: 1, JWTSecret: strings.Repeat("k", 32)}
	if err := srv.Validate(); err != nil {
		t.Errorf("Valid server config rejected: %v", err)
	}
	srv.JWTSecret = "short"
	if err := srv.Validate(); err == nil {
		t.Error("Expected short secret to be rejected")
	}
}

func TestDatabaseURL(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")
	if got := DatabaseURL(); got != "postgres://localhost:5432/irisgate" {
		t.Errorf("Unexpected fallback URL %q", got)
	}

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "iris")
	t.Setenv("POSTGRES_PORT", "")
	if got := DatabaseURL(); got != "postgres://u:p@db:5432/iris" {
		t.Errorf("Unexpected env URL %q", got)
	}
}
