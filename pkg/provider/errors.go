package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures independently of the backend that produced them.
type ErrorKind string

// Error kinds.
const (
	KindNotFound                ErrorKind = "NotFound"
	KindPermissionDenied        ErrorKind = "PermissionDenied"
	KindPreconditionFailed      ErrorKind = "PreconditionFailed"
	KindConflictOnOverwrite     ErrorKind = "ConflictOnOverwrite"
	KindRangeNotSatisfiable     ErrorKind = "RangeNotSatisfiable"
	KindUnsupportedOperation    ErrorKind = "UnsupportedOperation"
	KindMalformedPath           ErrorKind = "MalformedPath"
	KindIntegrityMismatch       ErrorKind = "IntegrityMismatch"
	KindCredentialRefreshFailed ErrorKind = "CredentialRefreshFailed"
	KindBackendUnavailable      ErrorKind = "BackendUnavailable"
	KindTimeout                 ErrorKind = "Timeout"
	KindCancelled               ErrorKind = "Cancelled"

	// KindInternal is returned by KindOf for errors outside the taxonomy.
	KindInternal ErrorKind = "Internal"
)

// Sentinel errors, one per kind.
var (
	// ErrNotFound indicates the requested path does not exist.
	ErrNotFound = &kindError{kind: KindNotFound, msg: "not found"}

	// ErrPermissionDenied indicates the credential lacks access.
	ErrPermissionDenied = &kindError{kind: KindPermissionDenied, msg: "permission denied"}

	// ErrPreconditionFailed indicates an etag precondition could not be satisfied.
	ErrPreconditionFailed = &kindError{kind: KindPreconditionFailed, msg: "precondition failed"}

	// ErrConflictOnOverwrite indicates the target changed since the caller read its etag.
	ErrConflictOnOverwrite = &kindError{kind: KindConflictOnOverwrite, msg: "conflict on overwrite"}

	// ErrRangeNotSatisfiable indicates the backend rejected a byte range.
	ErrRangeNotSatisfiable = &kindError{kind: KindRangeNotSatisfiable, msg: "range not satisfiable"}

	// ErrUnsupported indicates the adapter lacks the capability.
	ErrUnsupported = &kindError{kind: KindUnsupportedOperation, msg: "unsupported operation"}

	// ErrMalformedPath indicates a path failed normalization.
	ErrMalformedPath = &kindError{kind: KindMalformedPath, msg: "malformed path"}

	// ErrIntegrityMismatch indicates size or checksum verification failed.
	ErrIntegrityMismatch = &kindError{kind: KindIntegrityMismatch, msg: "integrity mismatch"}

	// ErrCredentialRefreshFailed indicates the broker could not refresh a credential.
	ErrCredentialRefreshFailed = &kindError{kind: KindCredentialRefreshFailed, msg: "credential refresh failed"}

	// ErrBackendUnavailable indicates a network or 5xx failure. Retryable.
	ErrBackendUnavailable = &kindError{kind: KindBackendUnavailable, msg: "backend unavailable"}

	// ErrTimeout indicates a deadline was exceeded.
	ErrTimeout = &kindError{kind: KindTimeout, msg: "timeout"}

	// ErrCancelled indicates the operation was cancelled.
	ErrCancelled = &kindError{kind: KindCancelled, msg: "cancelled"}
)

type kindError struct {
	kind ErrorKind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// Kind returns the error kind.
func (e *kindError) Kind() ErrorKind { return e.kind }

// ProviderError wraps a failure with the provider and path it concerns.
type ProviderError struct {
	// Op is the operation that failed (e.g., "Metadata", "Upload").
	Op string

	// Provider is the configured provider id.
	Provider string

	// Path is the canonical path, if applicable.
	Path string

	// Err is the underlying error; usually one of the sentinels, possibly wrapped.
	Err error

	// Body is the raw backend error body, preserved for diagnostics only.
	Body string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewError builds a ProviderError around a sentinel.
func NewError(op, providerID, path string, err error) *ProviderError {
	return &ProviderError{Op: op, Provider: providerID, Path: path, Err: err}
}

// Errorf wraps a sentinel with additional detail while keeping errors.Is working.
func Errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of err. Context errors map to Timeout/Cancelled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// FromContext converts a context error into the matching sentinel.
// Returns nil when ctx is still live.
func FromContext(ctx context.Context) error {
	switch {
	case ctx.Err() == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	default:
		return ErrCancelled
	}
}

// IsRetryable reports whether err is worth retrying for an idempotent call.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBackendUnavailable, KindTimeout:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing path.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPermissionDenied returns true if the error indicates insufficient permissions.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsPreconditionFailed returns true if an etag precondition failed.
func IsPreconditionFailed(err error) bool { return errors.Is(err, ErrPreconditionFailed) }

// IsConflict returns true if an overwrite lost an etag race.
func IsConflict(err error) bool { return errors.Is(err, ErrConflictOnOverwrite) }

// IsUnsupported returns true if the adapter lacks the capability.
func IsUnsupported(err error) bool { return errors.Is(err, ErrUnsupported) }

// IsIntegrityMismatch returns true if verification failed.
func IsIntegrityMismatch(err error) bool { return errors.Is(err, ErrIntegrityMismatch) }

// IsBackendUnavailable returns true if the backend could not be reached.
func IsBackendUnavailable(err error) bool { return errors.Is(err, ErrBackendUnavailable) }

// FromHTTPStatus maps a backend HTTP status code onto a sentinel.
// Returns nil for 2xx and 3xx codes.
func FromHTTPStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == 401, status == 403:
		return ErrPermissionDenied
	case status == 404:
		return ErrNotFound
	case status == 409:
		return ErrConflictOnOverwrite
	case status == 412:
		return ErrPreconditionFailed
	case status == 416:
		return ErrRangeNotSatisfiable
	case status == 501:
		return ErrUnsupported
	case status == 408, status == 429, status >= 500:
		return ErrBackendUnavailable
	}
	return Errorf(ErrUnsupported, "backend rejected request with status %d", status)
}
