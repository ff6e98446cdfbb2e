package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/irisgate/internal/auth"
	"github.com/andresmejia3/irisgate/internal/credential"
	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := credential.OpenBolt(clientCfg.CredentialPath)
		if err != nil {
			return err
		}
		defer creds.Close()

		if err := auth.NewIssuer(creds, newLogger(os.Stderr)).Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("👋 Logged out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
