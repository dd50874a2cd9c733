package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "List the registered identities",
	Long: `List the registered identities with the state of their stored record.

Records reported as empty or corrupt break recognition under the abort
corruption policy and should be registered again or deleted.`,
	Args: cobra.NoArgs,
	RunE: runIdentities,
}

var identitiesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a registered identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentitiesDelete,
}

func init() {
	rootCmd.AddCommand(identitiesCmd)
	identitiesCmd.AddCommand(identitiesDeleteCmd)

	identitiesCmd.Flags().Bool("json", false, "Output as JSON")
}

type identityOutput struct {
	Label   string `json:"label"`
	Status  string `json:"status"`
	Vectors int    `json:"vectors"`
	Error   string `json:"error,omitempty"`
}

func runIdentities(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	e, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.Identities(ctx)
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}

	out := make([]identityOutput, 0, len(entries))
	for _, entry := range entries {
		item := identityOutput{Label: entry.Label, Status: string(entry.Status), Vectors: len(entry.Vectors)}
		if entry.Err != nil {
			item.Error = entry.Err.Error()
		}
		out = append(out, item)
	}

	if jsonOutput {
		return outputJSON(out)
	}

	if len(out) == 0 {
		fmt.Println("No identities registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tVECTORS")
	fmt.Fprintln(w, "----\t------\t-------")
	for _, item := range out {
		fmt.Fprintf(w, "%s\t%s\t%d\n", item.Label, item.Status, item.Vectors)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d\n", len(out))
	return nil
}

func runIdentitiesDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Unregister(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to delete %s: %w", args[0], err)
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}
