package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Client configures the biometric session client.
type Client struct {
	ServerURL      string        `env:"IRISGATE_SERVER_URL" envDefault:"ws://localhost:5000/ws"`
	Identity       string        `env:"IRISGATE_IDENTITY" envDefault:"admin"`
	DetectInterval time.Duration `env:"IRISGATE_DETECT_INTERVAL" envDefault:"200ms"`
	ProbeQuality   float64       `env:"IRISGATE_PROBE_QUALITY" envDefault:"0.7"`
	CaptureQuality float64       `env:"IRISGATE_CAPTURE_QUALITY" envDefault:"0.9"`
	CredentialPath string        `env:"IRISGATE_CREDENTIALS"`
	Camera         string        `env:"IRISGATE_CAMERA" envDefault:"/dev/video0"`
	CameraFormat   string        `env:"IRISGATE_CAMERA_FORMAT" envDefault:"v4l2"`
	CameraSize     string        `env:"IRISGATE_CAMERA_SIZE" envDefault:"640x480"`
	ConnectTimeout time.Duration `env:"IRISGATE_CONNECT_TIMEOUT" envDefault:"5s"`
}

// Server configures the reference detector/matcher relay.
type Server struct {
	Listen       string        `env:"IRISGATE_LISTEN" envDefault:":5000"`
	Threshold    float64       `env:"IRISGATE_THRESHOLD" envDefault:"0.85"`
	Engines      int           `env:"IRISGATE_ENGINES" envDefault:"1"`
	WorkerScript string        `env:"IRISGATE_WORKER_SCRIPT" envDefault:"python/iris_worker.py"`
	JWTSecret    string        `env:"IRISGATE_JWT_SECRET"`
	JWTTTL       time.Duration `env:"IRISGATE_JWT_TTL" envDefault:"24h"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadClient parses the client configuration and fills derived defaults.
func LoadClient() (Client, error) {
	var cfg Client
	if err := ParseEnv(&cfg); err != nil {
		return Client{}, err
	}
	if cfg.CredentialPath == "" {
		cfg.CredentialPath = DefaultCredentialPath()
	}
	return cfg, nil
}

// LoadServer parses the server configuration.
func LoadServer() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate checks the ranges the session relies on.
func (c Client) Validate() error {
	if c.DetectInterval <= 0 {
		return fmt.Errorf("detect interval must be positive, got %s", c.DetectInterval)
	}
	if c.ProbeQuality <= 0 || c.ProbeQuality > 1 {
		return fmt.Errorf("probe quality must be in (0, 1], got %v", c.ProbeQuality)
	}
	if c.CaptureQuality <= 0 || c.CaptureQuality > 1 {
		return fmt.Errorf("capture quality must be in (0, 1], got %v", c.CaptureQuality)
	}
	return nil
}

// Validate checks the server options.
func (s Server) Validate() error {
	if s.Threshold <= 0 || s.Threshold > 1.0 {
		return fmt.Errorf("threshold must be between 0.0 and 1.0, got %f", s.Threshold)
	}
	if s.Engines < 1 {
		return fmt.Errorf("engines must be >= 1, got %d", s.Engines)
	}
	if len(s.JWTSecret) < 32 {
		return fmt.Errorf("IRISGATE_JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

// DefaultCredentialPath is ~/.irisgate/credentials.db, or a relative path when HOME is unknown.
func DefaultCredentialPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".irisgate", "credentials.db")
	}
	return filepath.Join(home, ".irisgate", "credentials.db")
}

// DatabaseURL builds the PostgreSQL connection string from the environment.
func DatabaseURL() string {
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/irisgate"
}
