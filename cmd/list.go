package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	templates, err := db.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("No identities enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tENROLLED\tATTEMPTS\tSUCCESSES\tLAST ATTEMPT")
	fmt.Fprintln(w, "--------\t--------\t--------\t---------\t------------")

	for _, t := range templates {
		last := "-"
		if t.LastAttempt != nil {
			last = t.LastAttempt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", t.Identity, t.EnrolledAt.Local().Format("2006-01-02 15:04"), t.Attempts, t.Successes, last)
	}
	return w.Flush()
}
