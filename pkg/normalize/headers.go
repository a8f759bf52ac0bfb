package normalize

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/3leaps/nimbusgate/pkg/entity"
)

// transportHeaders never carry object metadata.
var transportHeaders = map[string]bool{
	"Date": true, "Server": true, "Connection": true, "Vary": true,
	"Accept-Ranges": true, "Content-Range": true, "Transfer-Encoding": true,
	"Keep-Alive": true, "X-Trans-Id": true, "X-Openstack-Request-Id": true,
	"X-Ms-Request-Id": true, "X-Ms-Version": true, "X-Ms-Client-Request-Id": true,
}

// FromSwiftHeaders builds metadata for p from an object HEAD/GET response.
func FromSwiftHeaders(p entity.Path, h http.Header) entity.FileMetadata {
	m := entity.NewFile(p, objectSize(h))
	m.ETag = CleanETag(h.Get("Etag"))
	if IsMD5ETag(m.ETag) && h.Get("X-Object-Manifest") == "" && h.Get("X-Static-Large-Object") == "" {
		m = m.WithHash(entity.HashMD5, m.ETag)
	}
	m.Modified = ParseTimestamp(h.Get("Last-Modified"))
	if m.Modified == nil {
		m.Modified = ParseTimestamp(h.Get("X-Timestamp"))
	}
	m.ContentType = h.Get("Content-Type")
	m.Extra = headerExtra(h, "Etag", "Last-Modified", "Content-Type", "Content-Length")
	return m
}

// FromAzureHeaders builds metadata for p from a Get Blob Properties response.
func FromAzureHeaders(p entity.Path, h http.Header) entity.FileMetadata {
	m := entity.NewFile(p, objectSize(h))
	m.ETag = CleanETag(h.Get("Etag"))
	m.Modified = ParseTimestamp(h.Get("Last-Modified"))
	m.ContentType = h.Get("Content-Type")

	// Ranged reads return the range MD5 in Content-MD5; the whole-blob
	// digest moves to x-ms-blob-content-md5.
	md5 := h.Get("X-Ms-Blob-Content-Md5")
	if md5 == "" && h.Get("Content-Range") == "" {
		md5 = h.Get("Content-Md5")
	}
	if hex := Base64MD5ToHex(md5); hex != "" {
		m = m.WithHash(entity.HashMD5, hex)
	}
	m.Extra = headerExtra(h, "Etag", "Last-Modified", "Content-Type", "Content-Length",
		"Content-Md5", "X-Ms-Blob-Content-Md5")
	return m
}

// ToSwiftHeaders renders metadata as Swift object headers.
func ToSwiftHeaders(m entity.FileMetadata) http.Header {
	h := http.Header{}
	for k, v := range m.Extra {
		h.Set(k, v)
	}
	setCommon(h, m)
	if m.Modified != nil {
		h.Set("Last-Modified", FormatHTTP(*m.Modified))
	}
	return h
}

// ToAzureHeaders renders metadata as Azure blob property headers.
func ToAzureHeaders(m entity.FileMetadata) http.Header {
	h := http.Header{}
	for k, v := range m.Extra {
		h.Set(k, v)
	}
	setCommon(h, m)
	if m.Modified != nil {
		h.Set("Last-Modified", FormatHTTP(*m.Modified))
	}
	if md5 := HexMD5ToBase64(m.Hash(entity.HashMD5)); md5 != "" {
		h.Set("Content-Md5", md5)
	}
	return h
}

func setCommon(h http.Header, m entity.FileMetadata) {
	if m.Size != nil {
		h.Set("Content-Length", strconv.FormatInt(*m.Size, 10))
	}
	if m.ETag != "" {
		h.Set("Etag", QuoteETag(m.ETag))
	}
	if m.ContentType != "" {
		h.Set("Content-Type", m.ContentType)
	}
}

// objectSize returns the full object size, preferring the Content-Range total.
func objectSize(h http.Header) int64 {
	if cr := h.Get("Content-Range"); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return n
			}
		}
	}
	if n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64); err == nil {
		return n
	}
	return -1
}

// headerExtra keeps every non-transport header not listed in known.
func headerExtra(h http.Header, known ...string) map[string]string {
	skip := make(map[string]bool, len(known))
	for _, k := range known {
		skip[http.CanonicalHeaderKey(k)] = true
	}
	extra := map[string]string{}
	for k, vs := range h {
		ck := http.CanonicalHeaderKey(k)
		if skip[ck] || transportHeaders[ck] || len(vs) == 0 {
			continue
		}
		extra[ck] = strings.Join(vs, ", ")
	}
	return nonEmptyExtra(extra)
}
