package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/output"
)

var statCmd = &cobra.Command{
	Use:   "stat <provider:path>",
	Short: "Print file or folder metadata as JSONL",
	Long: `Print normalized metadata for a file, or for a folder and its direct
children, as one nimbusgate.file.v1 record.

Examples:
  nimbusgate stat archive:/reports/2024.csv
  nimbusgate stat archive:/reports/`,
	Args: cobra.ExactArgs(1),
	RunE: runStat,
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers and their capabilities",
	Args:  cobra.NoArgs,
	RunE:  runProviders,
}

func init() {
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(providersCmd)
}

func runStat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ref, err := parseExactRef(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid reference", err)
	}

	g, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	w := newRecordWriter(cmd.OutOrStdout(), ref.Provider)
	defer func() { _ = w.Close() }()

	res, err := g.Coordinator.Execute(ctx, coordinator.Request{
		Operation:  coordinator.OpMetadata,
		ProviderID: ref.Provider,
		Path:       ref.Path,
	})
	if err != nil {
		return failure(ctx, w, "stat failed", ref, err)
	}
	if err := w.WriteFile(ctx, &output.FileRecord{FileMetadata: *res.Metadata, Children: res.Children}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func runProviders(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	g, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	w := newRecordWriter(cmd.OutOrStdout(), "")
	defer func() { _ = w.Close() }()

	for _, id := range g.Registry.IDs() {
		p, err := g.Registry.Get(id)
		if err != nil {
			continue
		}
		rec := &output.ProviderRecord{ID: id, Type: string(p.Type()), Capabilities: p.Capabilities().Names()}
		if err := w.WriteProvider(ctx, rec); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}
