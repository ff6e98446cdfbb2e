package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/irisgate/internal/session"
	"github.com/spf13/cobra"
)

var enrollOpts Options

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Capture your iris and register it with the iris service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnroll(cmd, enrollOpts)
	},
}

func init() {
	addCaptureFlags(enrollCmd, &enrollOpts)
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, opts Options) error {
	fmt.Fprintf(os.Stderr, "📝 Enrolling %s. Hold still and look into the camera...\n", displayIdentity(clientCfg.Identity))

	r, err := runTerminal(cmd, opts, session.RequestEnroll)
	if err != nil {
		return err
	}
	if r.Err != nil {
		return r.Err
	}

	msg := "Iris enrolled successfully!"
	if r.Enroll != nil && r.Enroll.Message != "" {
		msg = r.Enroll.Message
	}
	fmt.Printf("✅ %s\n", msg)
	return nil
}

// displayIdentity names the identity the server will use when none is set.
func displayIdentity(identity string) string {
	if identity == "" {
		return "the default identity"
	}
	return identity
}
