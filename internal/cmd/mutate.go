package cmd

import (
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/normalize"
	"github.com/3leaps/nimbusgate/pkg/output"
)

var rmCmd = &cobra.Command{
	Use:   "rm <provider:path>",
	Short: "Delete a file or folder",
	Long: `Delete a file, or a folder and everything below it.

Deleting a path that does not exist succeeds unless --if-match is given.

Examples:
  nimbusgate rm archive:/reports/2024.csv
  nimbusgate rm archive:/reports/2024.csv --if-match 9a0364b9e99bb480dd25e1f0284c8555
  nimbusgate rm archive:/tmp/`,
	Args: cobra.ExactArgs(1),
	RunE: runRm,
}

var cpCmd = &cobra.Command{
	Use:   "cp <provider:src> <provider:dst>",
	Short: "Copy a file or folder, across providers if needed",
	Long: `Copy a file or folder. Within one provider that supports it the copy
happens server-side; otherwise bytes stream through the gateway.

Examples:
  nimbusgate cp archive:/reports/2024.csv archive:/old/2024.csv
  nimbusgate cp archive:/reports/ backup:/reports/`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error { return runRelocate(cmd, args, false) },
}

var mvCmd = &cobra.Command{
	Use:   "mv <provider:src> <provider:dst>",
	Short: "Move a file or folder, across providers if needed",
	Long: `Move a file or folder. The source is removed only after the
destination is complete.

Examples:
  nimbusgate mv archive:/inbox/a.csv archive:/done/a.csv
  nimbusgate mv archive:/reports/ cold:/reports/`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error { return runRelocate(cmd, args, true) },
}

var rmIfMatch string

func init() {
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(cpCmd)
	rootCmd.AddCommand(mvCmd)

	rmCmd.Flags().StringVar(&rmIfMatch, "if-match", "", "Only delete when the current etag matches")
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireWritable("rm"); err != nil {
		return err
	}
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

	start := time.Now()
	_, err = g.Coordinator.Execute(ctx, coordinator.Request{
		Operation:  coordinator.OpDelete,
		ProviderID: ref.Provider,
		Path:       ref.Path,
		IfMatch:    normalize.CleanETag(rmIfMatch),
	})
	if err != nil {
		return failure(ctx, w, "rm failed", ref, err)
	}
	return writeTransfer(ctx, w, &output.TransferRecord{
		Op:         "delete",
		Source:     ref.String(),
		DurationMs: time.Since(start).Milliseconds(),
	})
}

func runRelocate(cmd *cobra.Command, args []string, move bool) error {
	ctx := cmd.Context()
	op := "cp"
	if move {
		op = "mv"
	}
	if err := requireWritable(op); err != nil {
		return err
	}
	src, err := parseExactRef(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid source", err)
	}
	dst, err := parseExactRef(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid destination", err)
	}

	g, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	w := newRecordWriter(cmd.OutOrStdout(), src.Provider)
	defer func() { _ = w.Close() }()

	start := time.Now()
	relocate, kind := g.Coordinator.Copy, "copy"
	if move {
		relocate, kind = g.Coordinator.Move, "move"
	}
	m, err := relocate(ctx, src.coord(), dst.coord())
	if err != nil {
		return failure(ctx, w, op+" failed", src, err)
	}

	rec := &output.TransferRecord{
		Op:         kind,
		Source:     src.String(),
		Dest:       dst.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if m != nil {
		rec.Bytes = m.SizeOr(0)
		rec.ETag = m.ETag
	}
	return writeTransfer(ctx, w, rec)
}
