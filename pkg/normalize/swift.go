package normalize

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/3leaps/nimbusgate/pkg/entity"
)

var swiftObjectKnown = map[string]bool{
	"name": true, "bytes": true, "hash": true, "last_modified": true,
	"content_type": true, "subdir": true,
}

// ParseSwiftJSON parses a container listing fetched with format=json.
//
// Unknown keys are kept in Extra: strings verbatim, anything else as
// compact JSON.
func ParseSwiftJSON(r io.Reader) (*Listing, error) {
	var raw []map[string]json.RawMessage
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse swift listing: %w", err)
	}

	l := &Listing{}
	for _, obj := range raw {
		item, err := swiftJSONObject(obj)
		if err != nil {
			return nil, err
		}
		l.Items = append(l.Items, item)
	}
	return l, nil
}

func swiftJSONObject(obj map[string]json.RawMessage) (entity.FileMetadata, error) {
	str := func(key string) string {
		v, ok := obj[key]
		if !ok {
			return ""
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s
		}
		return string(v)
	}

	if subdir := str("subdir"); subdir != "" {
		p, err := KeyToPath(subdir, false)
		if err != nil {
			return entity.FileMetadata{}, err
		}
		return entity.NewFolder(p.AsFolder()), nil
	}

	p, err := KeyToPath(str("name"), false)
	if err != nil {
		return entity.FileMetadata{}, err
	}
	if p.IsFolder() {
		return entity.NewFolder(p), nil
	}

	size := int64(-1)
	if v, ok := obj["bytes"]; ok {
		if n, err := strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64); err == nil {
			size = n
		}
	}
	m := swiftFile(p, size, str("hash"), str("last_modified"), str("content_type"))

	extra := map[string]string{}
	for k := range obj {
		if swiftObjectKnown[k] {
			continue
		}
		extra[k] = str(k)
	}
	m.Extra = nonEmptyExtra(extra)
	return m, nil
}

func swiftFile(p entity.Path, size int64, hash, modified, contentType string) entity.FileMetadata {
	m := entity.NewFile(p, size)
	m.ETag = CleanETag(hash)
	if IsMD5ETag(m.ETag) {
		m = m.WithHash(entity.HashMD5, m.ETag)
	}
	m.Modified = ParseTimestamp(modified)
	m.ContentType = contentType
	return m
}

// FormatSwiftJSON renders l as a format=json container listing.
func FormatSwiftJSON(l *Listing) ([]byte, error) {
	out := make([]map[string]any, 0, len(l.Items))
	for _, it := range l.Items {
		if it.IsFolder() {
			out = append(out, map[string]any{"subdir": it.Path.Key()})
			continue
		}
		obj := map[string]any{
			"name":         it.Path.Key(),
			"bytes":        it.SizeOr(0),
			"hash":         it.ETag,
			"content_type": it.ContentType,
		}
		if it.Modified != nil {
			obj["last_modified"] = FormatSwift(*it.Modified)
		}
		for k, v := range it.Extra {
			if _, taken := obj[k]; !taken {
				obj[k] = v
			}
		}
		out = append(out, obj)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("format swift listing: %w", err)
	}
	return b, nil
}

// ParseSwiftXML parses a container listing fetched with format=xml.
func ParseSwiftXML(r io.Reader) (*Listing, error) {
	root, err := parseXMLTree(r)
	if err != nil {
		return nil, fmt.Errorf("parse swift listing: %w", err)
	}
	if root.name != "container" {
		return nil, fmt.Errorf("parse swift listing: unexpected root element %q", root.name)
	}

	l := &Listing{}
	for _, c := range root.children {
		switch c.name {
		case "subdir":
			name := c.attrs["name"]
			if name == "" {
				name = c.childText("name")
			}
			p, err := KeyToPath(name, false)
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, entity.NewFolder(p.AsFolder()))
		case "object":
			p, err := KeyToPath(c.childText("name"), false)
			if err != nil {
				return nil, err
			}
			if p.IsFolder() {
				l.Items = append(l.Items, entity.NewFolder(p))
				continue
			}
			size, err := strconv.ParseInt(c.childText("bytes"), 10, 64)
			if err != nil {
				size = -1
			}
			m := swiftFile(p, size, c.childText("hash"), c.childText("last_modified"), c.childText("content_type"))
			extra := map[string]string{}
			c.collectExtra(swiftObjectKnown, "", extra)
			m.Extra = nonEmptyExtra(extra)
			l.Items = append(l.Items, m)
		}
	}
	return l, nil
}

type swiftContainerXML struct {
	XMLName xml.Name        `xml:"container"`
	Name    string          `xml:"name,attr"`
	Entries []swiftEntryXML `xml:",any"`
}

type swiftEntryXML struct {
	XMLName      xml.Name
	NameAttr     string       `xml:"name,attr,omitempty"`
	Name         string       `xml:"name"`
	Hash         string       `xml:"hash,omitempty"`
	Bytes        *int64       `xml:"bytes,omitempty"`
	ContentType  string       `xml:"content_type,omitempty"`
	LastModified string       `xml:"last_modified,omitempty"`
	Extra        []extraField `xml:",any"`
}

// FormatSwiftXML renders l as a format=xml container listing.
func FormatSwiftXML(container string, l *Listing) ([]byte, error) {
	doc := swiftContainerXML{Name: container}
	for _, it := range l.Items {
		if it.IsFolder() {
			doc.Entries = append(doc.Entries, swiftEntryXML{
				XMLName:  xml.Name{Local: "subdir"},
				NameAttr: it.Path.Key(),
				Name:     it.Path.Key(),
			})
			continue
		}
		size := it.SizeOr(0)
		e := swiftEntryXML{
			XMLName:     xml.Name{Local: "object"},
			Name:        it.Path.Key(),
			Hash:        it.ETag,
			Bytes:       &size,
			ContentType: it.ContentType,
			Extra:       extraFields(it.Extra),
		}
		if it.Modified != nil {
			e.LastModified = FormatSwift(*it.Modified)
		}
		doc.Entries = append(doc.Entries, e)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("format swift listing: %w", err)
	}
	return buf.Bytes(), nil
}
