package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/3leaps/nimbusgate/pkg/entity"
)

var genericKnown = map[string]bool{
	"path": true, "name": true, "kind": true, "size": true, "etag": true,
	"modified": true, "content_type": true, "hashes": true, "extra": true,
}

// ParseJSONObject decodes a generic JSON metadata object.
//
// Recognized keys: path (or name), kind, size, etag, modified, content_type,
// hashes. Every other key lands in Extra as compact raw JSON, except plain
// strings which are stored unquoted.
func ParseJSONObject(r io.Reader) (entity.FileMetadata, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return entity.FileMetadata{}, fmt.Errorf("parse json metadata: %w", err)
	}

	str := func(key string) string {
		var s string
		if v, ok := raw[key]; ok && json.Unmarshal(v, &s) == nil {
			return s
		}
		return ""
	}

	key := str("path")
	if key == "" {
		key = str("name")
	}
	p, err := KeyToPath(strings.TrimPrefix(key, entity.Separator), false)
	if err != nil {
		return entity.FileMetadata{}, err
	}

	if str("kind") == string(entity.KindFolder) || p.IsFolder() {
		m := entity.NewFolder(p.AsFolder())
		m.Extra = jsonExtra(raw)
		return m, nil
	}

	size := int64(-1)
	if v, ok := raw["size"]; ok {
		if n, err := strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64); err == nil {
			size = n
		}
	}
	m := entity.NewFile(p.AsFile(), size)
	m.ETag = CleanETag(str("etag"))
	m.ContentType = str("content_type")
	if v, ok := raw["modified"]; ok {
		m.Modified = ParseTimestamp(strings.Trim(string(v), `"`))
	}
	if v, ok := raw["hashes"]; ok {
		var hashes map[string]string
		if json.Unmarshal(v, &hashes) == nil {
			for alg, digest := range hashes {
				m = m.WithHash(strings.ToLower(alg), strings.ToLower(digest))
			}
		}
	}
	m.Extra = jsonExtra(raw)
	return m, nil
}

func jsonExtra(raw map[string]json.RawMessage) map[string]string {
	extra := map[string]string{}
	if v, ok := raw["extra"]; ok {
		var nested map[string]string
		if json.Unmarshal(v, &nested) == nil {
			for k, s := range nested {
				extra[k] = s
			}
		}
	}
	for k, v := range raw {
		if genericKnown[k] {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			extra[k] = s
			continue
		}
		var buf bytes.Buffer
		if json.Compact(&buf, v) == nil {
			extra[k] = buf.String()
		} else {
			extra[k] = string(v)
		}
	}
	return nonEmptyExtra(extra)
}
