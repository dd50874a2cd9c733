package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var confirmCmd = &cobra.Command{
	Use:   "confirm <name> <value>",
	Short: "Record a confirmation of a recognition",
	Long: `Append a confirmation line to today's confirmation log.

The value is stored as given, for example "yes" or "no". Pass the
recognition ID printed by identify to link the confirmation to it.

Examples:
  face-attendance confirm "Alice Smith" yes --recognition-id 5f0c...`,
	Args: cobra.ExactArgs(2),
	RunE: runConfirm,
}

func init() {
	rootCmd.AddCommand(confirmCmd)

	confirmCmd.Flags().String("recognition-id", "", "Recognition ID being confirmed")
}

func runConfirm(cmd *cobra.Command, args []string) error {
	recognitionID := mustGetString(cmd, "recognition-id")

	ctx := context.Background()
	e, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Confirm(ctx, recognitionID, args[0], args[1]); err != nil {
		return fmt.Errorf("failed to record confirmation: %w", err)
	}
	fmt.Printf("Confirmation recorded for %s\n", args[0])
	return nil
}
