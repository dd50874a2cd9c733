package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/recognition"
	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image>",
	Short: "Recognize the person on an image and record attendance",
	Long: `Recognize the person on an image against the registered faces.

A match is appended to today's attendance log, exactly like the HTTP
identify endpoint.

Examples:
  # Identify with the configured tolerance
  face-attendance identify visitor.jpg

  # Stricter matching
  face-attendance identify visitor.jpg --tolerance 0.45

  # Every face on a group photo, as JSON
  face-attendance identify group.jpg --all --json`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)

	identifyCmd.Flags().Float64("tolerance", 0, "Maximum match distance (0 = configured tolerance)")
	identifyCmd.Flags().Bool("all", false, "Recognize every distinct face on the image")
	identifyCmd.Flags().Bool("json", false, "Output as JSON")
}

func runIdentify(cmd *cobra.Command, args []string) error {
	all := mustGetBool(cmd, "all")
	jsonOutput := mustGetBool(cmd, "json")
	var tolerance *float64
	if t := mustGetFloat64(cmd, "tolerance"); t != 0 {
		if !facematch.ValidTolerance(t) {
			return fmt.Errorf("--tolerance must be a number in (0, 1], got %v", t)
		}
		tolerance = &t
	}

	image, err := readImageFile(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	e, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var outcomes []recognition.Outcome
	if all {
		outcomes, err = e.IdentifyAll(ctx, image, tolerance)
	} else {
		var out recognition.Outcome
		out, err = e.Identify(ctx, image, tolerance)
		outcomes = []recognition.Outcome{out}
	}

	if jsonOutput {
		if all {
			if encErr := outputJSON(outcomes); encErr != nil {
				return encErr
			}
		} else if encErr := outputJSON(outcomes[0]); encErr != nil {
			return encErr
		}
	} else {
		printOutcomes(outcomes)
	}
	if err != nil {
		return fmt.Errorf("recognition not recorded: %w", err)
	}
	return nil
}

// printOutcomes prints the recognitions as a table.
func printOutcomes(outcomes []recognition.Outcome) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCONFIDENCE\tMATCHED\tRECOGNITION ID")
	fmt.Fprintln(w, "----\t----------\t-------\t--------------")
	for _, o := range outcomes {
		confidence := "-"
		if o.Confidence != nil {
			confidence = fmt.Sprintf("%.2f", *o.Confidence)
		}
		name := o.Identity
		if o.Failure != "" {
			name = fmt.Sprintf("%s (%s)", o.Identity, o.Failure)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", name, confidence, o.Matched, o.RecognitionID)
	}
	w.Flush()
}
