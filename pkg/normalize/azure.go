package normalize

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/3leaps/nimbusgate/pkg/entity"
)

var azurePropertiesKnown = map[string]bool{
	"Content-Length": true, "Etag": true, "Last-Modified": true,
	"Content-Type": true, "Content-MD5": true,
}

var azureListingKnown = map[string]bool{
	"Blobs": true, "Prefix": true, "NextMarker": true,
}

// ParseAzureListing parses a List Blobs EnumerationResults document.
//
// Blob properties other than size, etag, modified time, content type and
// MD5 are kept in Extra under their element names. User metadata is kept
// under "Metadata.<name>".
func ParseAzureListing(r io.Reader) (*Listing, error) {
	root, err := parseXMLTree(r)
	if err != nil {
		return nil, fmt.Errorf("parse azure listing: %w", err)
	}
	if root.name != "EnumerationResults" {
		return nil, fmt.Errorf("parse azure listing: unexpected root element %q", root.name)
	}

	l := &Listing{Next: root.childText("NextMarker")}
	l.Truncated = l.Next != ""
	if prefix := root.childText("Prefix"); prefix != "" {
		if p, err := KeyToPath(prefix, false); err == nil {
			l.Prefix = p.AsFolder()
		}
	}
	extra := map[string]string{}
	for k, v := range root.attrs {
		extra["@"+k] = v
	}
	root.collectExtra(azureListingKnown, "", extra)
	l.Extra = nonEmptyExtra(extra)

	for _, c := range root.child("Blobs").children {
		switch c.name {
		case "BlobPrefix":
			p, err := KeyToPath(c.childText("Name"), false)
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, entity.NewFolder(p.AsFolder()))
		case "Blob":
			item, err := azureBlob(c)
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, item)
		}
	}
	return l, nil
}

func azureBlob(n *node) (entity.FileMetadata, error) {
	p, err := KeyToPath(n.childText("Name"), false)
	if err != nil {
		return entity.FileMetadata{}, err
	}
	if p.IsFolder() {
		return entity.NewFolder(p), nil
	}

	props := n.child("Properties")
	size, err := strconv.ParseInt(props.childText("Content-Length"), 10, 64)
	if err != nil {
		size = -1
	}
	m := entity.NewFile(p, size)
	m.ETag = CleanETag(props.childText("Etag"))
	m.Modified = ParseTimestamp(props.childText("Last-Modified"))
	m.ContentType = props.childText("Content-Type")
	if md5 := Base64MD5ToHex(props.childText("Content-MD5")); md5 != "" {
		m = m.WithHash(entity.HashMD5, md5)
	}

	extra := map[string]string{}
	if props != nil {
		props.collectExtra(azurePropertiesKnown, "", extra)
	}
	n.collectExtra(map[string]bool{"Name": true, "Properties": true}, "", extra)
	m.Extra = nonEmptyExtra(extra)
	return m, nil
}

type azureListXML struct {
	XMLName    xml.Name      `xml:"EnumerationResults"`
	Container  string        `xml:"ContainerName,attr,omitempty"`
	Prefix     string        `xml:"Prefix,omitempty"`
	Blobs      azureBlobsXML `xml:"Blobs"`
	NextMarker string        `xml:"NextMarker"`
}

type azureBlobsXML struct {
	Entries []azureBlobXML `xml:",any"`
}

type azureBlobXML struct {
	XMLName    xml.Name
	Name       string              `xml:"Name"`
	Properties *azurePropertiesXML `xml:"Properties,omitempty"`
}

type azurePropertiesXML struct {
	LastModified  string       `xml:"Last-Modified,omitempty"`
	Etag          string       `xml:"Etag,omitempty"`
	ContentLength int64        `xml:"Content-Length"`
	ContentType   string       `xml:"Content-Type,omitempty"`
	ContentMD5    string       `xml:"Content-MD5,omitempty"`
	Extra         []extraField `xml:",any"`
}

// FormatAzureListing renders l as an EnumerationResults document.
func FormatAzureListing(container string, l *Listing) ([]byte, error) {
	doc := azureListXML{
		Container:  container,
		Prefix:     l.Prefix.Key(),
		NextMarker: l.Next,
	}
	for _, it := range l.Items {
		if it.IsFolder() {
			doc.Blobs.Entries = append(doc.Blobs.Entries, azureBlobXML{
				XMLName: xml.Name{Local: "BlobPrefix"},
				Name:    it.Path.Key(),
			})
			continue
		}
		props := &azurePropertiesXML{
			Etag:          it.ETag,
			ContentLength: it.SizeOr(0),
			ContentType:   it.ContentType,
			ContentMD5:    HexMD5ToBase64(it.Hash(entity.HashMD5)),
			Extra:         extraFields(it.Extra),
		}
		if it.Modified != nil {
			props.LastModified = FormatHTTP(*it.Modified)
		}
		doc.Blobs.Entries = append(doc.Blobs.Entries, azureBlobXML{
			XMLName:    xml.Name{Local: "Blob"},
			Name:       it.Path.Key(),
			Properties: props,
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("format azure listing: %w", err)
	}
	return buf.Bytes(), nil
}
