package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/irisgate/internal/auth"
	"github.com/andresmejia3/irisgate/internal/session"
	"github.com/spf13/cobra"
)

var loginOpts Options

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with your iris and store the issued credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLogin(cmd, loginOpts)
	},
}

func init() {
	addCaptureFlags(loginCmd, &loginOpts)
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, opts Options) error {
	if strings.TrimSpace(clientCfg.Identity) == "" {
		return errors.New("Please enter a username.")
	}
	fmt.Fprintf(os.Stderr, "👁️  Authenticating as %s. Look into the camera...\n", clientCfg.Identity)

	r, err := runTerminal(cmd, opts, session.RequestAuthenticate)
	if err != nil {
		return err
	}
	if r.Verdict != nil && r.Verdict.Percent != nil {
		fmt.Fprintf(os.Stderr, "📊 Similarity: %.0f%%\n", *r.Verdict.Percent)
	}
	if r.Err != nil {
		if errors.Is(r.Err, auth.ErrMismatch) {
			return errors.New("Authentication failed - Iris mismatch")
		}
		return r.Err
	}

	fmt.Printf("✅ Authentication successful! Welcome %s\n", r.User.Username)
	return nil
}
