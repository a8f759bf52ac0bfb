package entity

import (
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes files from folders.
type Kind string

const (
	// KindFile is a stored object with content.
	KindFile Kind = "file"

	// KindFolder is a container of other entities.
	KindFolder Kind = "folder"
)

// Well-known content hash algorithm names.
const (
	HashMD5    = "md5"
	HashSHA256 = "sha256"
	HashCRC64  = "crc64nvme"
)

// FileMetadata is the canonical description of a stored entity.
//
// FileMetadata is a value object. Use the constructors to get validated
// instances and the With* methods to derive modified copies.
type FileMetadata struct {
	// Path is the provider-relative location.
	Path Path `json:"path"`

	// Kind is file or folder.
	Kind Kind `json:"kind"`

	// Size is the byte count. Nil when unknown and always nil for folders.
	Size *int64 `json:"size,omitempty"`

	// ContentHash maps algorithm name to lowercase hex digest.
	ContentHash map[string]string `json:"hashes,omitempty"`

	// Modified is the provider-supplied modification time in UTC.
	Modified *time.Time `json:"modified,omitempty"`

	// ETag is an opaque backend version token used for preconditions.
	ETag string `json:"etag,omitempty"`

	// ContentType is the MIME type reported by the backend, if any.
	ContentType string `json:"content_type,omitempty"`

	// Extra holds backend-specific fields that have no canonical slot.
	Extra map[string]string `json:"extra,omitempty"`
}

// ErrInvalidMetadata reports a FileMetadata that violates an invariant.
var ErrInvalidMetadata = errors.New("invalid file metadata")

// NewFile returns metadata for a file. size < 0 means unknown.
func NewFile(p Path, size int64) FileMetadata {
	m := FileMetadata{Path: p.AsFile(), Kind: KindFile}
	if size >= 0 {
		s := size
		m.Size = &s
	}
	return m
}

// NewFolder returns metadata for a folder.
func NewFolder(p Path) FileMetadata {
	return FileMetadata{Path: p.AsFolder(), Kind: KindFolder}
}

// Validate checks the FileMetadata invariants.
func (m FileMetadata) Validate() error {
	switch m.Kind {
	case KindFile:
		if m.Path.IsRoot() {
			return fmt.Errorf("%w: file path must have at least one segment", ErrInvalidMetadata)
		}
		if m.Path.IsFolder() {
			return fmt.Errorf("%w: file %s has folder path", ErrInvalidMetadata, m.Path)
		}
		if m.Size != nil && *m.Size < 0 {
			return fmt.Errorf("%w: negative size for %s", ErrInvalidMetadata, m.Path)
		}
	case KindFolder:
		if m.Size != nil {
			return fmt.Errorf("%w: folder %s has a size", ErrInvalidMetadata, m.Path)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMetadata, m.Kind)
	}
	return nil
}

// IsFolder reports whether m describes a folder.
func (m FileMetadata) IsFolder() bool { return m.Kind == KindFolder }

// Name returns the final path segment.
func (m FileMetadata) Name() string { return m.Path.Name() }

// SizeOr returns the size or def when unknown.
func (m FileMetadata) SizeOr(def int64) int64 {
	if m.Size == nil {
		return def
	}
	return *m.Size
}

// Hash returns the digest for algorithm, or "".
func (m FileMetadata) Hash(algorithm string) string {
	return m.ContentHash[algorithm]
}

// Clone returns a deep copy.
func (m FileMetadata) Clone() FileMetadata {
	out := m
	out.Path = Path{segments: cloneStrings(m.Path.segments), folder: m.Path.folder}
	if m.Size != nil {
		s := *m.Size
		out.Size = &s
	}
	if m.Modified != nil {
		t := *m.Modified
		out.Modified = &t
	}
	out.ContentHash = cloneMap(m.ContentHash)
	out.Extra = cloneMap(m.Extra)
	return out
}

// WithPath returns a copy located at p. The kind is preserved.
func (m FileMetadata) WithPath(p Path) FileMetadata {
	out := m.Clone()
	if m.Kind == KindFolder {
		out.Path = p.AsFolder()
	} else {
		out.Path = p.AsFile()
	}
	return out
}

// WithHash returns a copy with the digest for algorithm set.
func (m FileMetadata) WithHash(algorithm, digest string) FileMetadata {
	out := m.Clone()
	if out.ContentHash == nil {
		out.ContentHash = make(map[string]string, 1)
	}
	out.ContentHash[algorithm] = digest
	return out
}

// WithExtra returns a copy with additional backend fields merged in.
// Existing keys are kept; Extra is additive.
func (m FileMetadata) WithExtra(extra map[string]string) FileMetadata {
	out := m.Clone()
	if len(extra) == 0 {
		return out
	}
	if out.Extra == nil {
		out.Extra = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		if _, ok := out.Extra[k]; !ok {
			out.Extra[k] = v
		}
	}
	return out
}

// SameContent reports whether the semantically significant fields other
// than the path agree: kind, size, and every hash both sides know.
func (m FileMetadata) SameContent(o FileMetadata) bool {
	if m.Kind != o.Kind {
		return false
	}
	if (m.Size == nil) != (o.Size == nil) {
		return false
	}
	if m.Size != nil && *m.Size != *o.Size {
		return false
	}
	for alg, d := range m.ContentHash {
		if od, ok := o.ContentHash[alg]; ok && od != d {
			return false
		}
	}
	return true
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
