package cmd

import (
	"context"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/pkg/output"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// newRecordWriter returns a JSONL writer for one command invocation.
func newRecordWriter(w io.Writer, providerID string) *output.JSONLWriter {
	return output.NewJSONLWriter(w, uuid.New().String(), providerID)
}

// failure emits an error record for err and returns the matching exit error.
func failure(ctx context.Context, w output.Writer, message string, ref Ref, err error) error {
	rec := &output.ErrorRecord{
		Code:    output.ErrorCode(err),
		Message: err.Error(),
		Path:    ref.Path.String(),
	}
	if werr := w.WriteError(context.WithoutCancel(ctx), rec); werr != nil {
		observability.CLILogger.Debug("Failed to emit error record", zap.Error(werr))
	}
	return exitError(exitCodeFor(err), message, err)
}

// exitCodeFor maps an operation error to a process exit code.
func exitCodeFor(err error) int {
	switch provider.KindOf(err) {
	case provider.KindNotFound:
		return foundry.ExitFileNotFound
	case provider.KindCancelled:
		return foundry.ExitSignalInt
	case provider.KindMalformedPath, provider.KindUnsupportedOperation,
		provider.KindPreconditionFailed, provider.KindConflictOnOverwrite,
		provider.KindRangeNotSatisfiable, provider.KindPermissionDenied:
		return foundry.ExitInvalidArgument
	}
	return foundry.ExitExternalServiceUnavailable
}
