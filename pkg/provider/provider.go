// Package provider defines the capability-oriented abstraction over storage
// backends.
//
// Every adapter implements the small Provider interface. Optional features
// (server-side copy, signed URLs) are separate interfaces, and each adapter
// declares what it supports through Capabilities. Callers choose a strategy
// from the declared capabilities rather than probing at call time; the
// Registry checks that declarations and implemented interfaces agree.
//
// Adapters never leak backend SDK types: every result is expressed in
// entity types and every failure wraps one of the sentinel errors.
package provider

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/3leaps/nimbusgate/pkg/entity"
)

// Provider abstracts one configured backend/credential pair.
//
// Implementations should:
//   - Obtain credentials from the credential broker, never from callers
//   - Honour ctx deadlines on every backend call
//   - Be safe for concurrent use
type Provider interface {
	// ID returns the configured provider id.
	ID() string

	// Type returns the backend type.
	Type() ProviderType

	// Capabilities returns the declared capability set.
	Capabilities() Capabilities

	// Metadata describes a file, or a folder together with its direct children.
	// Returns ErrNotFound if the path does not exist.
	Metadata(ctx context.Context, path entity.Path) (*MetadataResult, error)

	// Download opens the file content. rng may be nil for the whole object.
	// The caller must close the returned body.
	Download(ctx context.Context, path entity.Path, rng *ByteRange) (*DownloadResult, error)

	// Upload stores body at path without buffering the whole payload.
	Upload(ctx context.Context, path entity.Path, body io.Reader, opts UploadOptions) (*entity.FileMetadata, error)

	// Delete removes path. Deleting an absent path succeeds when etag is "".
	// Deleting a folder removes everything below it.
	Delete(ctx context.Context, path entity.Path, etag string) error

	// CreateFolder makes path exist as a folder. Creating a folder that
	// already exists succeeds.
	CreateFolder(ctx context.Context, path entity.Path) (*entity.FileMetadata, error)

	// RemoveFolder removes an empty folder and never its contents. It fails
	// with ErrConflictOnOverwrite while children remain. Removing an absent
	// folder succeeds.
	RemoveFolder(ctx context.Context, path entity.Path) error

	// Close releases any resources held by the provider.
	Close() error
}

// MetadataResult is the answer to a Metadata call.
type MetadataResult struct {
	// Item describes the requested path.
	Item entity.FileMetadata

	// Children lists direct children when Item is a folder.
	Children []entity.FileMetadata
}

// ByteRange is an inclusive byte range. End < 0 means "to the end".
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered, or -1 when open-ended.
func (r ByteRange) Length() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start + 1
}

// Validate checks the range is well formed.
func (r ByteRange) Validate() error {
	if r.Start < 0 {
		return Errorf(ErrRangeNotSatisfiable, "start %d must be >= 0", r.Start)
	}
	if r.End >= 0 && r.End < r.Start {
		return Errorf(ErrRangeNotSatisfiable, "end %d must be >= start %d", r.End, r.Start)
	}
	return nil
}

// Header renders the range as an HTTP Range header value.
func (r ByteRange) Header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// DownloadResult carries an open content stream.
type DownloadResult struct {
	// Body is the content stream. The caller must close it.
	Body io.ReadCloser

	// Size is the number of bytes Body will yield, or -1 when unknown.
	Size int64

	// Metadata describes the whole object, when the backend returned it.
	Metadata *entity.FileMetadata

	// Partial is true when Body covers a sub-range.
	Partial bool
}

// UploadOptions configures an Upload.
type UploadOptions struct {
	// ExpectedSize is the payload length, or -1 when unknown.
	ExpectedSize int64

	// IfMatch is an etag the existing object must carry for the write to proceed.
	IfMatch string

	// ContentType is stored with the object when the backend supports it.
	ContentType string
}

// SignOperation scopes a signed URL.
type SignOperation string

const (
	// SignRead grants download access.
	SignRead SignOperation = "read"

	// SignWrite grants upload access.
	SignWrite SignOperation = "write"
)

// Validate checks the operation is known.
func (o SignOperation) Validate() error {
	switch o {
	case SignRead, SignWrite:
		return nil
	}
	return fmt.Errorf("unknown sign operation %q", string(o))
}

// ProviderType identifies a storage backend implementation.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 through the AWS SDK.
	ProviderS3 ProviderType = "s3"

	// ProviderMinio represents S3-compatible storage through minio-go.
	ProviderMinio ProviderType = "minio"

	// ProviderSwift represents OpenStack Swift.
	ProviderSwift ProviderType = "swift"

	// ProviderAzure represents Azure Blob Storage.
	ProviderAzure ProviderType = "azure"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"

	// ProviderMemory represents an in-process store.
	ProviderMemory ProviderType = "memory"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// FolderContentType is stored on folder marker objects.
const FolderContentType = "application/directory"

// RequireFolder fails with ErrMalformedPath unless path names a folder.
func RequireFolder(op, providerID string, path entity.Path) error {
	if !path.IsFolder() {
		return NewError(op, providerID, path.String(), Errorf(ErrMalformedPath, "%s is not a folder path", path))
	}
	return nil
}

// RootNotRemovable is the error RemoveFolder returns for the root.
func RootNotRemovable(providerID string) error {
	return NewError("RemoveFolder", providerID, "/", Errorf(ErrUnsupported, "refusing to remove the root folder"))
}

// DefaultSignedURLMaxTTL bounds signed URL lifetimes across adapters.
const DefaultSignedURLMaxTTL = 7 * 24 * time.Hour
