package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <identity>",
	Short: "Delete an enrolled iris template and its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		deleted, err := db.DeleteTemplate(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to revoke identity: %w", err)
		}
		if !deleted {
			return fmt.Errorf("no iris enrolled for user: %s", args[0])
		}
		fmt.Printf("✅ Identity '%s' revoked\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(revokeCmd)
}
