package normalize

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/3leaps/nimbusgate/pkg/entity"
)

const s3Namespace = "http://s3.amazonaws.com/doc/2006-03-01/"

var s3ContentsKnown = map[string]bool{
	"Key": true, "Size": true, "ETag": true, "LastModified": true,
}

var s3ListingKnown = map[string]bool{
	"Contents": true, "CommonPrefixes": true, "Prefix": true,
	"IsTruncated": true, "NextContinuationToken": true, "NextMarker": true,
	"EncodingType": true,
}

// ParseS3Listing parses a ListBucketResult (v1 or v2) document.
func ParseS3Listing(r io.Reader) (*Listing, error) {
	root, err := parseXMLTree(r)
	if err != nil {
		return nil, fmt.Errorf("parse s3 listing: %w", err)
	}
	if root.name != "ListBucketResult" {
		return nil, fmt.Errorf("parse s3 listing: unexpected root element %q", root.name)
	}

	urlEncoded := root.childText("EncodingType") == "url"
	l := &Listing{
		Truncated: root.childText("IsTruncated") == "true",
		Next:      root.childText("NextContinuationToken"),
	}
	if l.Next == "" {
		l.Next = root.childText("NextMarker")
	}
	if prefix := root.childText("Prefix"); prefix != "" {
		if p, err := KeyToPath(prefix, urlEncoded); err == nil {
			l.Prefix = p.AsFolder()
		}
	}

	extra := map[string]string{}
	root.collectExtra(s3ListingKnown, "", extra)
	l.Extra = nonEmptyExtra(extra)

	// Contents and CommonPrefixes may interleave; keep document order.
	for _, c := range root.children {
		switch c.name {
		case "Contents":
			item, err := s3Object(c, urlEncoded)
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, item)
		case "CommonPrefixes":
			p, err := KeyToPath(c.childText("Prefix"), urlEncoded)
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, entity.NewFolder(p.AsFolder()))
		}
	}
	return l, nil
}

func s3Object(n *node, urlEncoded bool) (entity.FileMetadata, error) {
	p, err := KeyToPath(n.childText("Key"), urlEncoded)
	if err != nil {
		return entity.FileMetadata{}, err
	}

	// Zero-byte "directory marker" objects are folders.
	if p.IsFolder() {
		return entity.NewFolder(p), nil
	}

	size, err := strconv.ParseInt(n.childText("Size"), 10, 64)
	if err != nil {
		size = -1
	}
	m := entity.NewFile(p, size)
	m.ETag = CleanETag(n.childText("ETag"))
	if IsMD5ETag(m.ETag) {
		m = m.WithHash(entity.HashMD5, m.ETag)
	}
	m.Modified = ParseTimestamp(n.childText("LastModified"))

	extra := map[string]string{}
	n.collectExtra(s3ContentsKnown, "", extra)
	m.Extra = nonEmptyExtra(extra)
	return m, nil
}

type s3ListXML struct {
	XMLName        xml.Name      `xml:"ListBucketResult"`
	Xmlns          string        `xml:"xmlns,attr"`
	Name           string        `xml:"Name"`
	Prefix         string        `xml:"Prefix"`
	KeyCount       int           `xml:"KeyCount"`
	IsTruncated    bool          `xml:"IsTruncated"`
	NextToken      string        `xml:"NextContinuationToken,omitempty"`
	Contents       []s3ObjectXML `xml:"Contents"`
	CommonPrefixes []s3PrefixXML `xml:"CommonPrefixes"`
}

type s3ObjectXML struct {
	Key          string       `xml:"Key"`
	LastModified string       `xml:"LastModified,omitempty"`
	ETag         string       `xml:"ETag,omitempty"`
	Size         int64        `xml:"Size"`
	Extra        []extraField `xml:",any"`
}

type s3PrefixXML struct {
	Prefix string `xml:"Prefix"`
}

// extraField renders one flat Extra entry as an element.
type extraField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// FormatS3Listing renders l as a ListBucketResult v2 document.
// Only flat Extra keys are emitted; dotted (nested) keys are omitted.
func FormatS3Listing(bucket string, l *Listing) ([]byte, error) {
	doc := s3ListXML{
		Xmlns:       s3Namespace,
		Name:        bucket,
		Prefix:      l.Prefix.Key(),
		IsTruncated: l.Truncated,
		NextToken:   l.Next,
	}
	for _, it := range l.Items {
		if it.IsFolder() {
			doc.CommonPrefixes = append(doc.CommonPrefixes, s3PrefixXML{Prefix: it.Path.Key()})
			continue
		}
		obj := s3ObjectXML{
			Key:   it.Path.Key(),
			ETag:  QuoteETag(it.ETag),
			Size:  it.SizeOr(0),
			Extra: extraFields(it.Extra),
		}
		if it.Modified != nil {
			obj.LastModified = FormatRFC3339(*it.Modified)
		}
		doc.Contents = append(doc.Contents, obj)
	}
	doc.KeyCount = len(doc.Contents) + len(doc.CommonPrefixes)

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("format s3 listing: %w", err)
	}
	return buf.Bytes(), nil
}

func extraFields(extra map[string]string) []extraField {
	var out []extraField
	for _, k := range sortedKeys(extra) {
		if !isXMLName(k) {
			continue
		}
		out = append(out, extraField{XMLName: xml.Name{Local: k}, Value: extra[k]})
	}
	return out
}

func isXMLName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}
