// Package entity defines the provider-independent representation of stored
// files and folders.
//
// Values in this package are immutable: methods that "modify" a Path or a
// FileMetadata return a new value and never alias the receiver's slices or
// maps.
package entity

import (
	"encoding/json"
	"strings"
)

// Separator is the canonical path separator.
const Separator = "/"

// Path is an ordered sequence of provider-relative segments.
//
// The zero value is the root folder, rendered as "/". Segments never contain
// the separator; syntactic validation of untrusted input happens in the
// normalize package before a Path is built.
type Path struct {
	segments []string
	folder   bool
}

// RootPath returns the root folder path.
func RootPath() Path {
	return Path{folder: true}
}

// NewFilePath builds a file path from segments.
func NewFilePath(segments ...string) Path {
	return Path{segments: cloneStrings(segments), folder: false}
}

// NewFolderPath builds a folder path from segments.
func NewFolderPath(segments ...string) Path {
	return Path{segments: cloneStrings(segments), folder: true}
}

// FromKey builds a Path from a slash-separated object key.
//
// A trailing slash marks a folder. Empty segments are dropped; callers that
// must reject them use normalize.ParsePath instead.
func FromKey(key string) Path {
	folder := key == "" || strings.HasSuffix(key, Separator)
	var segs []string
	for _, s := range strings.Split(key, Separator) {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return Path{segments: segs, folder: folder || len(segs) == 0}
}

// Segments returns a copy of the path segments.
func (p Path) Segments() []string {
	return cloneStrings(p.segments)
}

// Depth returns the number of segments.
func (p Path) Depth() int {
	return len(p.segments)
}

// IsRoot reports whether p is the root folder.
func (p Path) IsRoot() bool {
	return len(p.segments) == 0
}

// IsFolder reports whether p names a folder.
func (p Path) IsFolder() bool {
	return p.folder || len(p.segments) == 0
}

// IsFile reports whether p names a file.
func (p Path) IsFile() bool {
	return !p.IsFolder()
}

// Name returns the final segment, or "" for the root.
func (p Path) Name() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Parent returns the containing folder. The parent of the root is the root.
func (p Path) Parent() Path {
	if len(p.segments) <= 1 {
		return RootPath()
	}
	return NewFolderPath(p.segments[:len(p.segments)-1]...)
}

// Child returns a path one level below p.
func (p Path) Child(name string, folder bool) Path {
	segs := make([]string, 0, len(p.segments)+1)
	segs = append(segs, p.segments...)
	segs = append(segs, name)
	return Path{segments: segs, folder: folder}
}

// AsFolder returns p marked as a folder.
func (p Path) AsFolder() Path {
	return Path{segments: cloneStrings(p.segments), folder: true}
}

// AsFile returns p marked as a file. The root cannot be a file and is
// returned unchanged.
func (p Path) AsFile() Path {
	if len(p.segments) == 0 {
		return p
	}
	return Path{segments: cloneStrings(p.segments), folder: false}
}

// HasPrefix reports whether p is prefix or lies below it.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix.segments) > len(p.segments) {
		return false
	}
	for i, s := range prefix.segments {
		if p.segments[i] != s {
			return false
		}
	}
	return true
}

// RelativeTo returns p's segments below base joined with the separator.
// It returns "" when p is not below base.
func (p Path) RelativeTo(base Path) string {
	if !p.HasPrefix(base) {
		return ""
	}
	rel := strings.Join(p.segments[len(base.segments):], Separator)
	if p.IsFolder() && rel != "" {
		rel += Separator
	}
	return rel
}

// Key returns the object-store key form: no leading slash, trailing slash
// for folders, "" for the root.
func (p Path) Key() string {
	if len(p.segments) == 0 {
		return ""
	}
	k := strings.Join(p.segments, Separator)
	if p.folder {
		k += Separator
	}
	return k
}

// String returns the canonical rendering, always starting with "/".
func (p Path) String() string {
	if len(p.segments) == 0 {
		return Separator
	}
	return Separator + p.Key()
}

// Equal reports whether both paths name the same entity.
func (p Path) Equal(o Path) bool {
	if p.IsFolder() != o.IsFolder() || len(p.segments) != len(o.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != o.segments[i] {
			return false
		}
	}
	return true
}

// MarshalJSON renders the path as its canonical string.
func (p Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the canonical string form.
func (p *Path) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = FromKey(strings.TrimPrefix(s, Separator))
	return nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
