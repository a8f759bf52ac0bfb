package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/output"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <provider:path>",
	Short: "Create an empty folder",
	Long: `Create an empty folder. Object stores keep an empty marker object under
the folder key; the file provider creates the directory with its parents.
Creating a folder that already exists succeeds.

Examples:
  nimbusgate mkdir archive:/reports/2024/
  nimbusgate mkdir local:/inbox`,
	Args: cobra.ExactArgs(1),
	RunE: runMkdir,
}

func init() {
	rootCmd.AddCommand(mkdirCmd)
}

func runMkdir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireWritable("mkdir"); err != nil {
		return err
	}
	ref, err := parseExactRef(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid reference", err)
	}
	ref.Path = ref.Path.AsFolder()

	g, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	w := newRecordWriter(cmd.OutOrStdout(), ref.Provider)
	defer func() { _ = w.Close() }()

	res, err := g.Coordinator.Execute(ctx, coordinator.Request{
		Operation:  coordinator.OpMkdir,
		ProviderID: ref.Provider,
		Path:       ref.Path,
	})
	if err != nil {
		return failure(ctx, w, "mkdir failed", ref, err)
	}
	if err := w.WriteFile(ctx, &output.FileRecord{FileMetadata: *res.Metadata}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}
