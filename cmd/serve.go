package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/irisgate/internal/config"
	"github.com/andresmejia3/irisgate/internal/server"
	"github.com/andresmejia3/irisgate/internal/token"
	"github.com/andresmejia3/irisgate/internal/utils"
	"github.com/andresmejia3/irisgate/internal/worker"
	"github.com/spf13/cobra"
)

const shutdownGrace = 5 * time.Second

var serveCfg config.Server

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference iris detector/matcher service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("listen") {
			cfg.Listen = serveCfg.Listen
		}
		if flags.Changed("threshold") {
			cfg.Threshold = serveCfg.Threshold
		}
		if flags.Changed("engines") {
			cfg.Engines = serveCfg.Engines
		}
		if flags.Changed("worker-script") {
			cfg.WorkerScript = serveCfg.WorkerScript
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveCfg.Listen, "listen", "l", ":5000", "Address to listen on (env IRISGATE_LISTEN)")
	serveCmd.Flags().Float64VarP(&serveCfg.Threshold, "threshold", "t", 0.85, "Minimum cosine similarity for a match (env IRISGATE_THRESHOLD)")
	serveCmd.Flags().IntVarP(&serveCfg.Engines, "engines", "e", 1, "Number of parallel worker engines (env IRISGATE_ENGINES)")
	serveCmd.Flags().StringVarP(&serveCfg.WorkerScript, "worker-script", "w", "python/iris_worker.py", "Python worker script (env IRISGATE_WORKER_SCRIPT)")
	rootCmd.AddCommand(serveCmd)
}

// runServe wires the worker pool, template store and signer into the relay
// and serves it until ctx is cancelled.
func runServe(ctx context.Context, cfg config.Server) error {
	log := newLogger(os.Stderr)

	// 1. Worker Pool
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", cfg.Engines)
	pool, err := worker.NewPool(context.WithoutCancel(ctx), cfg.Engines, cfg.WorkerScript)
	if err != nil {
		utils.ShowError("Failed to start worker engines", err, nil)
		return err
	}
	defer func() {
		if logs := pool.Stderr(); logs != "" && verbose {
			fmt.Fprintf(os.Stderr, "\nWorker Logs:\n%s\n", logs)
		}
		pool.Close()
	}()

	// 2. Template Store
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	// 3. Credential Signer
	signer, err := token.NewSigner(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		return err
	}

	relay := server.New(pool, db, signer, server.Options{Threshold: cfg.Threshold, Logger: log})
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "🛰️  Listening on %s (threshold %.2f)\n", cfg.Listen, cfg.Threshold)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
