package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/output"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

var getCmd = &cobra.Command{
	Use:   "get <provider:path>",
	Short: "Download a file",
	Long: `Download a file through the verified transfer pipeline.

Without --output the bytes go to stdout and error records to stderr.
With --output they go to the file and a nimbusgate.transfer.v1 record
is printed instead.

Examples:
  nimbusgate get archive:/reports/2024.csv > 2024.csv
  nimbusgate get archive:/reports/2024.csv -o 2024.csv
  nimbusgate get archive:/logs/app.log --range 1024-`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var zipCmd = &cobra.Command{
	Use:   "zip <provider:folder/>",
	Short: "Download a folder as a zip archive",
	Long: `Stream every file below a folder into a zip archive.

The folder may end in a glob, in which case only matching files are
archived. --pattern adds more globs; a pattern starting with '!' excludes.

Examples:
  nimbusgate zip archive:/photos/ -o photos.zip
  nimbusgate zip 'archive:/photos/**/*.jpg' -o jpgs.zip
  nimbusgate zip archive:/photos/ --pattern '!raw/**' > photos.zip`,
	Args: cobra.ExactArgs(1),
	RunE: runZip,
}

var (
	getOutput   string
	getRange    string
	zipOutput   string
	zipPatterns []string
)

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(zipCmd)

	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "Write to file instead of stdout")
	getCmd.Flags().StringVar(&getRange, "range", "", "Byte range start-end (inclusive) or start-")

	zipCmd.Flags().StringVarP(&zipOutput, "output", "o", "", "Write to file instead of stdout")
	zipCmd.Flags().StringArrayVar(&zipPatterns, "pattern", nil, "Glob relative to the folder (repeatable, '!' excludes)")
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ref, err := parseExactRef(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid reference", err)
	}
	if !ref.Path.IsFile() {
		return exitError(foundry.ExitInvalidArgument, "get requires a file", fmt.Errorf("%s names a folder; use zip", ref))
	}
	rng, err := parseRangeFlag(getRange)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --range", err)
	}

	g, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	w := newRecordWriter(recordOutput(cmd, getOutput), ref.Provider)
	defer func() { _ = w.Close() }()

	start := time.Now()
	res, err := g.Coordinator.Execute(ctx, coordinator.Request{
		Operation:  coordinator.OpDownload,
		ProviderID: ref.Provider,
		Path:       ref.Path,
		Range:      rng,
	})
	if err != nil {
		return failure(ctx, w, "get failed", ref, err)
	}
	defer func() { _ = res.Body.Close() }()

	n, err := writeDestination(getOutput, cmd.OutOrStdout(), res.Body)
	if err != nil {
		return failure(ctx, w, "get failed", ref, err)
	}
	observability.CLILogger.Debug("Download complete",
		zap.String("ref", ref.String()),
		zap.String("bytes", humanize.IBytes(uint64(n))))

	if getOutput == "" {
		return nil
	}
	return writeTransfer(ctx, w, &output.TransferRecord{
		Op:         "get",
		Source:     ref.String(),
		Dest:       getOutput,
		Bytes:      n,
		ETag:       etagOf(res.Metadata),
		DurationMs: time.Since(start).Milliseconds(),
	})
}

func runZip(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ref, err := ParseRef(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid reference", err)
	}
	patterns := append([]string(nil), zipPatterns...)
	if ref.IsPattern() {
		patterns = append(patterns, ref.Pattern)
	}

	g, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	w := newRecordWriter(recordOutput(cmd, zipOutput), ref.Provider)
	defer func() { _ = w.Close() }()

	start := time.Now()
	res, err := g.Coordinator.Execute(ctx, coordinator.Request{
		Operation:  coordinator.OpZip,
		ProviderID: ref.Provider,
		Path:       ref.Path.AsFolder(),
		Patterns:   patterns,
	})
	if err != nil {
		return failure(ctx, w, "zip failed", ref, err)
	}
	defer func() { _ = res.Body.Close() }()

	n, err := writeDestination(zipOutput, cmd.OutOrStdout(), res.Body)
	if err != nil {
		return failure(ctx, w, "zip failed", ref, err)
	}
	if zipOutput == "" {
		return nil
	}
	return writeTransfer(ctx, w, &output.TransferRecord{
		Op:         "zip",
		Source:     ref.String(),
		Dest:       zipOutput,
		Bytes:      n,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// recordOutput keeps records off stdout while stdout carries file bytes.
func recordOutput(cmd *cobra.Command, dest string) io.Writer {
	if dest == "" {
		return cmd.ErrOrStderr()
	}
	return cmd.OutOrStdout()
}

// writeDestination copies body to the named file, or to stdout when name
// is empty. A partially written file is removed on failure.
func writeDestination(name string, stdout io.Writer, body io.Reader) (int64, error) {
	if name == "" {
		return io.Copy(stdout, body)
	}
	f, err := os.Create(name)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
		return n, err
	}
	return n, nil
}

func etagOf(m *entity.FileMetadata) string {
	if m == nil {
		return ""
	}
	return m.ETag
}

func writeTransfer(ctx context.Context, w output.Writer, rec *output.TransferRecord) error {
	if err := w.WriteTransfer(ctx, rec); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

// parseRangeFlag parses "start-end" (inclusive) or "start-".
func parseRangeFlag(s string) (*provider.ByteRange, error) {
	if s == "" {
		return nil, nil
	}
	first, last, ok := strings.Cut(s, "-")
	if !ok || first == "" {
		return nil, fmt.Errorf("range %q must be start-end or start-", s)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("range %q: bad start", s)
	}
	rng := &provider.ByteRange{Start: start, End: -1}
	if last != "" {
		if rng.End, err = strconv.ParseInt(last, 10, 64); err != nil {
			return nil, fmt.Errorf("range %q: bad end", s)
		}
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	return rng, nil
}
