// Package output provides JSONL output for CLI results.
//
// Output is structured as typed record envelopes containing file
// metadata, transfers, signed URLs, and errors. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: nimbusgate.<type>.v<version>
const (
	// TypeFile identifies file and folder metadata records.
	TypeFile = "nimbusgate.file.v1"

	// TypeError identifies error records.
	TypeError = "nimbusgate.error.v1"

	// TypeTransfer identifies completed transfer records.
	TypeTransfer = "nimbusgate.transfer.v1"

	// TypeSignedURL identifies signed URL records.
	TypeSignedURL = "nimbusgate.signed_url.v1"

	// TypeProvider identifies configured provider records.
	TypeProvider = "nimbusgate.provider.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "nimbusgate.file.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID correlates all records of one invocation.
	JobID string `json:"job_id"`

	// Provider is the configured provider id the record concerns.
	Provider string `json:"provider"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// FileRecord is the data payload for metadata output.
type FileRecord struct {
	entity.FileMetadata

	// Children lists direct children when the record describes a folder.
	Children []entity.FileMetadata `json:"children,omitempty"`
}

// TransferRecord is the data payload for completed transfers.
type TransferRecord struct {
	// Op is the operation: get, put, copy, move, delete, or zip.
	Op string `json:"op"`

	Source     string `json:"source"`
	Dest       string `json:"dest,omitempty"`
	Bytes      int64  `json:"bytes"`
	ETag       string `json:"etag,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// SignedURLRecord is the data payload for issued URLs.
type SignedURLRecord struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProviderRecord describes one configured provider.
type ProviderRecord struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Path is the path related to this error, if applicable.
	Path string `json:"path,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidPath  = "INVALID_PATH"
	ErrCodePrecondition = "PRECONDITION_FAILED"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeRange        = "RANGE_NOT_SATISFIABLE"
	ErrCodeUnsupported  = "UNSUPPORTED"
	ErrCodeIntegrity    = "INTEGRITY_MISMATCH"
	ErrCodeCredential   = "CREDENTIAL_REFRESH_FAILED"
	ErrCodeUnavailable  = "PROVIDER_UNAVAILABLE"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeCancelled    = "CANCELLED"
	ErrCodeInternal     = "INTERNAL"
)

// ErrorCode maps err to an ErrorRecord code.
func ErrorCode(err error) string {
	switch provider.KindOf(err) {
	case provider.KindNotFound:
		return ErrCodeNotFound
	case provider.KindPermissionDenied:
		return ErrCodeAccessDenied
	case provider.KindMalformedPath:
		return ErrCodeInvalidPath
	case provider.KindPreconditionFailed:
		return ErrCodePrecondition
	case provider.KindConflictOnOverwrite:
		return ErrCodeConflict
	case provider.KindRangeNotSatisfiable:
		return ErrCodeRange
	case provider.KindUnsupportedOperation:
		return ErrCodeUnsupported
	case provider.KindIntegrityMismatch:
		return ErrCodeIntegrity
	case provider.KindCredentialRefreshFailed:
		return ErrCodeCredential
	case provider.KindBackendUnavailable:
		return ErrCodeUnavailable
	case provider.KindTimeout:
		return ErrCodeTimeout
	case provider.KindCancelled:
		return ErrCodeCancelled
	}
	return ErrCodeInternal
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
