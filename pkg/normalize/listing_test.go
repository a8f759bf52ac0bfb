package normalize

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/pkg/entity"
)

const s3ListingFixture = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>bucket</Name>
  <Prefix>photos/</Prefix>
  <KeyCount>3</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <Delimiter>/</Delimiter>
  <IsTruncated>true</IsTruncated>
  <NextContinuationToken>token-1</NextContinuationToken>
  <Contents>
    <Key>photos/cat.jpg</Key>
    <LastModified>2024-03-09T16:30:05.000Z</LastModified>
    <ETag>"9e107d9d372bb6826bd81d3542a419d6"</ETag>
    <Size>1024</Size>
    <StorageClass>STANDARD</StorageClass>
    <Owner><ID>owner-1</ID></Owner>
    <FutureField>kept</FutureField>
  </Contents>
  <Contents>
    <Key>photos/big.bin</Key>
    <LastModified>2024-03-09T16:30:05.000Z</LastModified>
    <ETag>"d41d8cd98f00b204e9800998ecf8427e-12"</ETag>
    <Size>104857600</Size>
  </Contents>
  <CommonPrefixes><Prefix>photos/2024/</Prefix></CommonPrefixes>
</ListBucketResult>`

func TestParseS3Listing(t *testing.T) {
	l, err := ParseS3Listing(strings.NewReader(s3ListingFixture))
	require.NoError(t, err)

	assert.Equal(t, "/photos/", l.Prefix.String())
	assert.True(t, l.Truncated)
	assert.Equal(t, "token-1", l.Next)
	assert.Equal(t, "1000", l.Extra["MaxKeys"])
	require.Len(t, l.Items, 3)

	cat := l.Items[0]
	require.NoError(t, cat.Validate())
	assert.Equal(t, "/photos/cat.jpg", cat.Path.String())
	assert.Equal(t, int64(1024), cat.SizeOr(-1))
	assert.Equal(t, "9e107d9d372bb6826bd81d3542a419d6", cat.ETag)
	assert.Equal(t, cat.ETag, cat.Hash(entity.HashMD5))
	require.NotNil(t, cat.Modified)
	assert.Equal(t, time.Date(2024, 3, 9, 16, 30, 5, 0, time.UTC), *cat.Modified)
	assert.Equal(t, "STANDARD", cat.Extra["StorageClass"])
	assert.Equal(t, "owner-1", cat.Extra["Owner.ID"])
	assert.Equal(t, "kept", cat.Extra["FutureField"])

	big := l.Items[1]
	assert.Empty(t, big.Hash(entity.HashMD5), "multipart etag is not a digest")

	dir := l.Items[2]
	assert.True(t, dir.IsFolder())
	assert.Nil(t, dir.Size)
	assert.Equal(t, "/photos/2024/", dir.Path.String())
}

func TestParseS3Listing_URLEncoded(t *testing.T) {
	doc := `<ListBucketResult><EncodingType>url</EncodingType>
<Contents><Key>a/hello+world%21.txt</Key><Size>1</Size></Contents></ListBucketResult>`
	l, err := ParseS3Listing(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, l.Items, 1)
	assert.Equal(t, "hello world!.txt", l.Items[0].Name())
}

func TestParseS3Listing_Errors(t *testing.T) {
	_, err := ParseS3Listing(strings.NewReader(`<Error><Code>AccessDenied</Code></Error>`))
	assert.Error(t, err)

	_, err = ParseS3Listing(strings.NewReader(``))
	assert.Error(t, err)
}

const swiftJSONFixture = `[
  {"name": "docs/a.txt", "hash": "9e107d9d372bb6826bd81d3542a419d6", "bytes": 12,
   "content_type": "text/plain", "last_modified": "2024-03-09T16:30:05.000000",
   "symlink_path": "other/a.txt", "slo_etag": {"nested": true}},
  {"subdir": "docs/sub/"}
]`

func TestParseSwiftJSON(t *testing.T) {
	l, err := ParseSwiftJSON(strings.NewReader(swiftJSONFixture))
	require.NoError(t, err)
	require.Len(t, l.Items, 2)

	f := l.Items[0]
	assert.Equal(t, "/docs/a.txt", f.Path.String())
	assert.Equal(t, int64(12), f.SizeOr(-1))
	assert.Equal(t, "text/plain", f.ContentType)
	assert.Equal(t, "9e107d9d372bb6826bd81d3542a419d6", f.Hash(entity.HashMD5))
	require.NotNil(t, f.Modified)
	assert.Equal(t, time.UTC, f.Modified.Location())
	assert.Equal(t, "other/a.txt", f.Extra["symlink_path"])
	assert.JSONEq(t, `{"nested": true}`, f.Extra["slo_etag"])

	assert.True(t, l.Items[1].IsFolder())
	assert.Equal(t, "/docs/sub/", l.Items[1].Path.String())
}

const swiftXMLFixture = `<?xml version="1.0" encoding="UTF-8"?>
<container name="c">
  <object>
    <name>docs/a.txt</name>
    <hash>9e107d9d372bb6826bd81d3542a419d6</hash>
    <bytes>12</bytes>
    <content_type>text/plain</content_type>
    <last_modified>2024-03-09T16:30:05.000000</last_modified>
    <symlink_path>other/a.txt</symlink_path>
  </object>
  <subdir name="docs/sub/"><name>docs/sub/</name></subdir>
</container>`

func TestParseSwiftXML(t *testing.T) {
	l, err := ParseSwiftXML(strings.NewReader(swiftXMLFixture))
	require.NoError(t, err)
	require.Len(t, l.Items, 2)
	assert.Equal(t, "/docs/a.txt", l.Items[0].Path.String())
	assert.Equal(t, "other/a.txt", l.Items[0].Extra["symlink_path"])
	assert.True(t, l.Items[1].IsFolder())
}

const azureListingFixture = `<?xml version="1.0" encoding="utf-8"?>
<EnumerationResults ServiceEndpoint="https://acct.blob.core.windows.net/" ContainerName="c">
  <Prefix>docs/</Prefix>
  <Delimiter>/</Delimiter>
  <Blobs>
    <Blob>
      <Name>docs/a.txt</Name>
      <Properties>
        <Creation-Time>Sat, 09 Mar 2024 16:00:00 GMT</Creation-Time>
        <Last-Modified>Sat, 09 Mar 2024 16:30:05 GMT</Last-Modified>
        <Etag>0x8DC40A1B2C3D4E5</Etag>
        <Content-Length>12</Content-Length>
        <Content-Type>text/plain</Content-Type>
        <Content-MD5>nhB9nTcrtoJr2B01QqQZ1g==</Content-MD5>
        <BlobType>BlockBlob</BlobType>
        <AccessTier>Hot</AccessTier>
      </Properties>
      <Metadata><owner>alice</owner></Metadata>
    </Blob>
    <BlobPrefix><Name>docs/sub/</Name></BlobPrefix>
  </Blobs>
  <NextMarker />
</EnumerationResults>`

func TestParseAzureListing(t *testing.T) {
	l, err := ParseAzureListing(strings.NewReader(azureListingFixture))
	require.NoError(t, err)
	assert.False(t, l.Truncated)
	assert.Equal(t, "c", l.Extra["@ContainerName"])
	require.Len(t, l.Items, 2)

	b := l.Items[0]
	assert.Equal(t, "/docs/a.txt", b.Path.String())
	assert.Equal(t, "0x8DC40A1B2C3D4E5", b.ETag)
	assert.Equal(t, int64(12), b.SizeOr(-1))
	assert.Equal(t, "9e107d9d372bb6826bd81d3542a419d6", b.Hash(entity.HashMD5))
	assert.Equal(t, "BlockBlob", b.Extra["BlobType"])
	assert.Equal(t, "alice", b.Extra["Metadata.owner"])
	require.NotNil(t, b.Modified)
	assert.Equal(t, time.Date(2024, 3, 9, 16, 30, 5, 0, time.UTC), *b.Modified)

	assert.True(t, l.Items[1].IsFolder())
}

// Native -> canonical -> native -> canonical must agree on path, size,
// kind and etag.
func TestListing_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		parse  func(r *bytes.Reader) (*Listing, error)
		format func(l *Listing) ([]byte, error)
		input  string
	}{
		{
			name:   "s3",
			parse:  func(r *bytes.Reader) (*Listing, error) { return ParseS3Listing(r) },
			format: func(l *Listing) ([]byte, error) { return FormatS3Listing("bucket", l) },
			input:  s3ListingFixture,
		},
		{
			name:   "swift json",
			parse:  func(r *bytes.Reader) (*Listing, error) { return ParseSwiftJSON(r) },
			format: FormatSwiftJSON,
			input:  swiftJSONFixture,
		},
		{
			name:   "swift xml",
			parse:  func(r *bytes.Reader) (*Listing, error) { return ParseSwiftXML(r) },
			format: func(l *Listing) ([]byte, error) { return FormatSwiftXML("c", l) },
			input:  swiftXMLFixture,
		},
		{
			name:   "azure",
			parse:  func(r *bytes.Reader) (*Listing, error) { return ParseAzureListing(r) },
			format: func(l *Listing) ([]byte, error) { return FormatAzureListing("c", l) },
			input:  azureListingFixture,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, err := tt.parse(bytes.NewReader([]byte(tt.input)))
			require.NoError(t, err)

			native, err := tt.format(first)
			require.NoError(t, err)

			second, err := tt.parse(bytes.NewReader(native))
			require.NoError(t, err, string(native))
			require.Len(t, second.Items, len(first.Items))

			for i := range first.Items {
				a, b := first.Items[i], second.Items[i]
				assert.True(t, a.Path.Equal(b.Path), "path %s != %s", a.Path, b.Path)
				assert.Equal(t, a.Kind, b.Kind)
				assert.Equal(t, a.ETag, b.ETag)
				assert.Equal(t, a.Size, b.Size)
			}
		})
	}
}

func TestFromSwiftHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "12")
	h.Set("Etag", `"9e107d9d372bb6826bd81d3542a419d6"`)
	h.Set("X-Timestamp", "1710001805.12345")
	h.Set("Content-Type", "text/plain")
	h.Set("X-Object-Meta-Owner", "alice")
	h.Set("X-Trans-Id", "tx123")

	m := FromSwiftHeaders(entity.NewFilePath("a.txt"), h)
	assert.Equal(t, int64(12), m.SizeOr(-1))
	assert.Equal(t, "9e107d9d372bb6826bd81d3542a419d6", m.Hash(entity.HashMD5))
	require.NotNil(t, m.Modified)
	assert.Equal(t, int64(1710001805), m.Modified.Unix())
	assert.Equal(t, "alice", m.Extra["X-Object-Meta-Owner"])
	assert.NotContains(t, m.Extra, "X-Trans-Id")

	back := FromSwiftHeaders(m.Path, ToSwiftHeaders(m))
	assert.Equal(t, m.ETag, back.ETag)
	assert.Equal(t, m.Size, back.Size)
}

func TestFromAzureHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "4")
	h.Set("Content-Range", "bytes 0-3/12")
	h.Set("Content-Md5", "AAAAAAAAAAAAAAAAAAAAAA==")
	h.Set("X-Ms-Blob-Content-Md5", "nhB9nTcrtoJr2B01QqQZ1g==")
	h.Set("Etag", `"0x8DC"`)
	h.Set("Last-Modified", "Sat, 09 Mar 2024 16:30:05 GMT")
	h.Set("X-Ms-Blob-Type", "BlockBlob")

	m := FromAzureHeaders(entity.NewFilePath("a.txt"), h)
	assert.Equal(t, int64(12), m.SizeOr(-1), "size comes from Content-Range total")
	assert.Equal(t, "9e107d9d372bb6826bd81d3542a419d6", m.Hash(entity.HashMD5))
	assert.Equal(t, "0x8DC", m.ETag)
	assert.Equal(t, "BlockBlob", m.Extra["X-Ms-Blob-Type"])
}

func TestParseJSONObject(t *testing.T) {
	doc := `{"path": "/a/b.txt", "size": 3, "etag": "\"e1\"", "modified": 1710001805,
"hashes": {"SHA256": "ABC"}, "extra": {"tier": "cold"}, "labels": ["x", "y"]}`
	m, err := ParseJSONObject(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "/a/b.txt", m.Path.String())
	assert.Equal(t, int64(3), m.SizeOr(-1))
	assert.Equal(t, "e1", m.ETag)
	assert.Equal(t, "abc", m.Hash(entity.HashSHA256))
	require.NotNil(t, m.Modified)
	assert.Equal(t, "cold", m.Extra["tier"])
	assert.Equal(t, `["x","y"]`, m.Extra["labels"])
}
