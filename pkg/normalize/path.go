// Package normalize converts backend-native listing and header payloads into
// entity.FileMetadata and back, and normalizes paths and timestamps.
//
// Parsing is schema-tolerant: fields without a canonical slot are kept in
// FileMetadata.Extra under their native names. Unknown fields never cause a
// failure.
package normalize

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// escapeSeq matches a percent escape that survived one round of decoding.
var escapeSeq = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)

// ParsePath converts an untrusted, percent-encoded path into a canonical Path.
//
// Rules:
//   - "/" is the only separator; a backslash anywhere is rejected
//   - each segment is percent-decoded exactly once; an escape that is still
//     present after decoding (double encoding) is rejected
//   - a decoded segment may not contain a separator, a control character,
//     or be "." or ".."
//   - empty interior segments ("a//b") are rejected
//   - a trailing "/" marks a folder; a leading "/" is optional
//   - decoded segments are NFC-normalized
//
// All failures wrap provider.ErrMalformedPath.
func ParsePath(raw string) (entity.Path, error) {
	if raw == "" || raw == entity.Separator {
		return entity.RootPath(), nil
	}
	if strings.Contains(raw, `\`) {
		return entity.Path{}, provider.Errorf(provider.ErrMalformedPath, "mixed separators in %q", raw)
	}

	trimmed := strings.TrimPrefix(raw, entity.Separator)
	folder := strings.HasSuffix(trimmed, entity.Separator)
	trimmed = strings.TrimSuffix(trimmed, entity.Separator)
	if trimmed == "" {
		return entity.Path{}, provider.Errorf(provider.ErrMalformedPath, "empty segment in %q", raw)
	}

	parts := strings.Split(trimmed, entity.Separator)
	segs := make([]string, 0, len(parts))
	for _, part := range parts {
		seg, err := decodeSegment(part)
		if err != nil {
			return entity.Path{}, provider.Errorf(provider.ErrMalformedPath, "%q: %v", raw, err)
		}
		segs = append(segs, seg)
	}

	if folder {
		return entity.NewFolderPath(segs...), nil
	}
	return entity.NewFilePath(segs...), nil
}

type segmentError string

func (e segmentError) Error() string { return string(e) }

func decodeSegment(part string) (string, error) {
	if part == "" {
		return "", segmentError("empty segment")
	}
	seg, err := url.PathUnescape(part)
	if err != nil {
		return "", segmentError("invalid percent encoding")
	}
	if escapeSeq.MatchString(seg) && escapeSeq.MatchString(part) {
		return "", segmentError("double percent encoding")
	}
	if strings.ContainsAny(seg, `/\`) {
		return "", segmentError("encoded separator")
	}
	if seg == "." || seg == ".." {
		return "", segmentError("relative segment")
	}
	for _, r := range seg {
		if unicode.IsControl(r) {
			return "", segmentError("control character")
		}
	}
	return norm.NFC.String(seg), nil
}

// EncodePath renders p percent-encoded, the inverse of ParsePath.
func EncodePath(p entity.Path) string {
	if p.IsRoot() {
		return entity.Separator
	}
	segs := p.Segments()
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	out := entity.Separator + strings.Join(segs, entity.Separator)
	if p.IsFolder() {
		out += entity.Separator
	}
	return out
}

// KeyToPath converts a backend object key into a Path.
//
// Backend keys arrive already decoded by the wire format. When urlEncoded is
// true (S3 EncodingType=url) the key is decoded once first.
func KeyToPath(key string, urlEncoded bool) (entity.Path, error) {
	if urlEncoded {
		decoded, err := url.QueryUnescape(key)
		if err != nil {
			return entity.Path{}, provider.Errorf(provider.ErrMalformedPath, "key %q: invalid encoding", key)
		}
		key = decoded
	}
	if strings.TrimSpace(key) == "" {
		return entity.Path{}, provider.Errorf(provider.ErrMalformedPath, "empty key")
	}
	return entity.FromKey(key), nil
}
