package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/irisgate/internal/auth"
	"github.com/andresmejia3/irisgate/internal/credential"
	"github.com/spf13/cobra"
)

var (
	resetDB          bool
	resetCredentials bool
	resetYes         bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Local Credential)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetCredentials {
			resetDB = true
			resetCredentials = true
		}

		reader := bufio.NewReader(cmd.InOrStdin())

		if resetDB {
			if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				db, err := openStore(cmd.Context())
				if err != nil {
					return err
				}
				err = db.Reset(cmd.Context())
				db.Close()
				if err != nil {
					return fmt.Errorf("failed to reset database: %w", err)
				}
			}
		}

		if resetCredentials {
			if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete the stored credential?") {
				fmt.Println("🗑️  Clearing Local Credential...")
				creds, err := credential.OpenBolt(clientCfg.CredentialPath)
				if err != nil {
					return err
				}
				err = auth.NewIssuer(creds, newLogger(os.Stderr)).Logout(cmd.Context())
				creds.Close()
				if err != nil {
					return err
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "templates", false, "Clear the PostgreSQL template database")
	resetCmd.Flags().BoolVar(&resetCredentials, "credentials", false, "Clear the local credential store")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
