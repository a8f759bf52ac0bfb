package normalize

import (
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/3leaps/nimbusgate/pkg/entity"
)

// Listing is a normalized folder listing page.
type Listing struct {
	// Prefix is the folder the listing describes.
	Prefix entity.Path

	// Items holds files and sub-folders in backend order.
	Items []entity.FileMetadata

	// Truncated is true when more pages are available.
	Truncated bool

	// Next is the backend continuation token or marker.
	Next string

	// Extra keeps listing-level fields without a canonical slot.
	Extra map[string]string
}

// Files returns only the file entries.
func (l *Listing) Files() []entity.FileMetadata {
	var out []entity.FileMetadata
	for _, it := range l.Items {
		if !it.IsFolder() {
			out = append(out, it)
		}
	}
	return out
}

// Folders returns only the folder entries.
func (l *Listing) Folders() []entity.FileMetadata {
	var out []entity.FileMetadata
	for _, it := range l.Items {
		if it.IsFolder() {
			out = append(out, it)
		}
	}
	return out
}

// CleanETag removes surrounding quotes from an etag.
func CleanETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

// QuoteETag adds surrounding quotes unless already present.
func QuoteETag(etag string) string {
	if etag == "" || strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, "W/") {
		return etag
	}
	return `"` + etag + `"`
}

// IsMD5ETag reports whether etag is a plain MD5 digest (not a multipart etag).
func IsMD5ETag(etag string) bool {
	etag = CleanETag(etag)
	if len(etag) != 32 {
		return false
	}
	_, err := hex.DecodeString(etag)
	return err == nil
}

// Base64MD5ToHex converts a Content-MD5 value into lowercase hex.
// Returns "" if the value is not a base64 MD5 digest.
func Base64MD5ToHex(v string) string {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil || len(raw) != 16 {
		return ""
	}
	return hex.EncodeToString(raw)
}

// HexMD5ToBase64 is the inverse of Base64MD5ToHex.
func HexMD5ToBase64(v string) string {
	raw, err := hex.DecodeString(v)
	if err != nil || len(raw) != 16 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func nonEmptyExtra(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
