package cmd

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/normalize"
	"github.com/3leaps/nimbusgate/pkg/output"
)

var putCmd = &cobra.Command{
	Use:   "put <local-file|-> <provider:path>",
	Short: "Upload a file",
	Long: `Upload a local file, or stdin when the source is '-'.

A destination ending in '/' receives the file under its local name.
Stdin is spooled (memory first, then a temp file) so failed attempts can
be retried.

Examples:
  nimbusgate put 2024.csv archive:/reports/
  nimbusgate put 2024.csv archive:/reports/2024.csv --if-match 9a0364b9e99bb480dd25e1f0284c8555
  pg_dump db | nimbusgate put - archive:/backups/db.sql`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

var (
	putIfMatch     string
	putContentType string
)

func init() {
	rootCmd.AddCommand(putCmd)

	putCmd.Flags().StringVar(&putIfMatch, "if-match", "", "Only overwrite when the current etag matches")
	putCmd.Flags().StringVar(&putContentType, "content-type", "", "Content type to store")
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireWritable("put"); err != nil {
		return err
	}
	src := args[0]
	ref, err := parseExactRef(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid reference", err)
	}
	if ref.Path.IsFolder() {
		if src == "-" {
			return exitError(foundry.ExitInvalidArgument, "Invalid destination", ErrInvalidRef)
		}
		ref.Path = ref.Path.Child(filepath.Base(src), false)
	}

	g, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	var (
		body io.Reader
		size int64
	)
	if src == "-" {
		sp, err := g.Spool(ctx, cmd.InOrStdin(), -1)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read stdin", err)
		}
		defer func() { _ = sp.Close() }()
		body, size = sp.Reader(), sp.Size()
	} else {
		f, err := os.Open(src)
		if err != nil {
			if os.IsNotExist(err) {
				return exitError(foundry.ExitFileNotFound, "Source not found", err)
			}
			return exitError(foundry.ExitFileReadError, "Failed to open source", err)
		}
		defer func() { _ = f.Close() }()
		st, err := f.Stat()
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to stat source", err)
		}
		body, size = f, st.Size()
	}

	w := newRecordWriter(cmd.OutOrStdout(), ref.Provider)
	defer func() { _ = w.Close() }()

	start := time.Now()
	res, err := g.Coordinator.Execute(ctx, coordinator.Request{
		Operation:   coordinator.OpUpload,
		ProviderID:  ref.Provider,
		Path:        ref.Path,
		Body:        body,
		Size:        size,
		ContentType: putContentType,
		IfMatch:     normalize.CleanETag(putIfMatch),
	})
	if err != nil {
		return failure(ctx, w, "put failed", ref, err)
	}
	return writeTransfer(ctx, w, &output.TransferRecord{
		Op:         "put",
		Source:     src,
		Dest:       ref.String(),
		Bytes:      size,
		ETag:       etagOf(res.Metadata),
		DurationMs: time.Since(start).Milliseconds(),
	})
}
