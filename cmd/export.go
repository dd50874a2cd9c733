package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/renameio"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export attendance and confirmation logs as a ZIP archive",
	Long: `Export the attendance and confirmation logs as a ZIP archive.

The archive is deterministic: exporting unchanged logs twice produces
identical bytes. A sha256sums.txt manifest lists every file.

Examples:
  # Everything
  face-attendance export --out logsout.zip

  # March 2024 only
  face-attendance export --from 2024-03-01 --to 2024-03-31`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().String("out", constants.ArchiveFilename, "Output file")
	exportCmd.Flags().String("from", "", "First day to include (YYYY-MM-DD)")
	exportCmd.Flags().String("to", "", "Last day to include (YYYY-MM-DD)")
}

// parseDay parses an optional YYYY-MM-DD flag value.
func parseDay(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return &t, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	out := mustGetString(cmd, "out")
	from, err := parseDay(mustGetString(cmd, "from"))
	if err != nil {
		return err
	}
	to, err := parseDay(mustGetString(cmd, "to"))
	if err != nil {
		return err
	}
	if from != nil && to != nil && to.Before(*from) {
		return fmt.Errorf("--to %s is before --from %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}

	ctx := context.Background()
	e, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := renameio.TempFile("", out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	defer f.Cleanup()

	if err := e.ExportAttendanceRange(ctx, from, to, f); err != nil {
		return fmt.Errorf("failed to export logs: %w", err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}

	fmt.Printf("Exported attendance logs to %s\n", out)
	return nil
}
