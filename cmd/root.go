package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/irisgate/internal/config"
	"github.com/andresmejia3/irisgate/internal/store"
	"github.com/spf13/cobra"
)

// Options holds the flags shared by the login and enroll commands.
type Options struct {
	Camera  string
	Image   string
	Timeout string
}

var (
	// clientCfg is the client configuration after env parsing and flag overrides.
	clientCfg config.Client
	// dbURL is the connection string used by the admin commands.
	dbURL   string
	verbose bool

	serverURL   string
	identity    string
	credentials string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "irisgate",
	Short:         "Iris biometric login client and reference matcher",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("server") {
			cfg.ServerURL = serverURL
		}
		if flags.Changed("identity") {
			cfg.Identity = identity
		}
		if flags.Changed("credentials") {
			cfg.CredentialPath = credentials
		}
		clientCfg = cfg

		// If no flag was provided, build the connection string from the environment
		if dbURL == "" {
			dbURL = config.DatabaseURL()
		}
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/irisgate)")
	pf.StringVarP(&serverURL, "server", "s", "", "Iris service WebSocket endpoint (env IRISGATE_SERVER_URL)")
	pf.StringVarP(&identity, "identity", "u", "", "Identity to enroll or authenticate (env IRISGATE_IDENTITY)")
	pf.StringVar(&credentials, "credentials", "", "Path of the local credential store (env IRISGATE_CREDENTIALS)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Log session and transport activity to stderr")
}

// newLogger returns the structured logger handed to the internal packages.
// Without --verbose only warnings and errors are shown.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openStore connects to the template database for the admin commands.
func openStore(ctx context.Context) (*store.Store, error) {
	db, err := store.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
