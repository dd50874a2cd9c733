package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kozaktomas/face-attendance/internal/engine"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register <image>",
	Short: "Register the face on an image under a name",
	Long: `Register the face on an image under a name.

Registering an existing name replaces its stored face.

Examples:
  face-attendance register alice.jpg --name "Alice Smith"`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

var registerBatchCmd = &cobra.Command{
	Use:   "batch [dir]",
	Short: "Register every image in a directory",
	Long: `Register every image in a directory, using the file name without its
extension as the name.

The directory defaults to the configured batch directory. Images that are
near-identical to each other are reported so mislabeled files can be found.

Examples:
  # Register the configured batch directory and remove registered files
  face-attendance register batch --remove

  # Register another directory with 8 workers
  face-attendance register batch ./staff --concurrency 8`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRegisterBatch,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.AddCommand(registerBatchCmd)

	registerCmd.Flags().String("name", "", "Name to register the face under")
	_ = registerCmd.MarkFlagRequired("name")

	registerBatchCmd.Flags().Int("concurrency", 0, "Number of parallel workers (0 = default)")
	registerBatchCmd.Flags().Bool("remove", false, "Remove images that were registered")
	registerBatchCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRegister(cmd *cobra.Command, args []string) error {
	name := mustGetString(cmd, "name")

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

	if err := e.Register(ctx, image, name); err != nil {
		return fmt.Errorf("failed to register %s: %w", name, err)
	}
	fmt.Printf("Registered %s\n", name)
	return nil
}

func runRegisterBatch(cmd *cobra.Command, args []string) error {
	concurrency := mustGetInt(cmd, "concurrency")
	remove := mustGetBool(cmd, "remove")
	jsonOutput := mustGetBool(cmd, "json")

	var dir string
	if len(args) == 1 {
		dir = args[0]
	}

	ctx := context.Background()
	e, cfg, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if dir == "" {
		dir = cfg.Store.BatchDir
	}
	files, err := engine.BatchFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Printf("No images found in %s\n", dir)
		return nil
	}

	opts := engine.BatchOptions{Concurrency: concurrency, RemoveRegistered: remove}
	if !jsonOutput {
		bar := progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("Registering faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		opts.OnProgress = func(engine.BatchProgress) { bar.Add(1) }
	}

	res, err := e.RegisterBatch(ctx, dir, opts)
	if err != nil {
		return err
	}

	if jsonOutput {
		return outputJSON(res)
	}
	fmt.Println()
	printBatchResult(res)

	if failed := res.Failed(); len(failed) > 0 && len(res.Registered()) == 0 {
		return errors.New("no image was registered")
	}
	return nil
}

// printBatchResult prints the failures, the near-duplicate images and the totals.
func printBatchResult(res *engine.BatchResult) {
	if failed := res.Failed(); len(failed) > 0 {
		fmt.Printf("\nFailed:\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tNAME\tERROR")
		fmt.Fprintln(w, "----\t----\t-----")
		for _, item := range failed {
			fmt.Fprintf(w, "%s\t%s\t%s\n", item.File, item.Label, item.Error)
		}
		w.Flush()
	}

	if len(res.Duplicates) > 0 {
		fmt.Printf("\nNear-identical images (check the names):\n")
		for _, d := range res.Duplicates {
			fmt.Printf("  %s ~ %s (distance %d)\n", d.First, d.Second, d.Distance)
		}
	}

	fmt.Printf("\nCompleted: %d registered, %d errors\n", len(res.Registered()), len(res.Failed()))
}
