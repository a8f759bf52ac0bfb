package cmd

import (
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/output"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

var signCmd = &cobra.Command{
	Use:   "sign <provider:path>",
	Short: "Issue a time-limited URL for direct backend access",
	Long: `Ask the backend for a signed URL that grants read or write access to one
file for --ttl. Only providers with the signed_url capability can sign;
the HTTP API additionally offers gateway-signed URLs for the rest.

Examples:
  nimbusgate sign archive:/reports/2024.csv --ttl 15m
  nimbusgate sign archive:/inbox/upload.bin --op write`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

var (
	signTTL time.Duration
	signOp  string
)

func init() {
	rootCmd.AddCommand(signCmd)

	signCmd.Flags().DurationVar(&signTTL, "ttl", time.Hour, "URL lifetime")
	signCmd.Flags().StringVar(&signOp, "op", string(provider.SignRead), "Granted operation (read|write)")
}

func runSign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	op := provider.SignOperation(signOp)
	if err := op.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --op", err)
	}
	if op == provider.SignWrite {
		if err := requireWritable("sign --op write"); err != nil {
			return err
		}
	}
	if signTTL <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --ttl", fmt.Errorf("ttl must be positive, got %s", signTTL))
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

	issued := time.Now()
	res, err := g.Coordinator.Execute(ctx, coordinator.Request{
		Operation:  coordinator.OpSignedURL,
		ProviderID: ref.Provider,
		Path:       ref.Path,
		TTL:        signTTL,
		SignOp:     op,
	})
	if err != nil {
		return failure(ctx, w, "sign failed", ref, err)
	}
	rec := &output.SignedURLRecord{
		Path:      ref.Path.String(),
		Operation: string(op),
		URL:       res.URL,
		ExpiresAt: issued.Add(signTTL).UTC(),
	}
	if err := w.WriteSignedURL(ctx, rec); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}
