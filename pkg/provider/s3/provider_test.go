package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/pkg/credential"
	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

// fakeObject is one stored object in fakeS3.
type fakeObject struct {
	data     []byte
	etag     string
	modified time.Time
}

// fakeS3 is an in-memory bucket implementing the api interface.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	uploads  map[string]map[int32][]byte
	aborted  []string
	parts    int
	puts     int
	failPart int32
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]fakeObject{}, uploads: map[string]map[int32][]byte{}}
}

func (f *fakeS3) put(key string, data []byte) string {
	sum := md5.Sum(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	f.objects[key] = fakeObject{data: data, etag: etag, modified: time.Date(2024, 3, 9, 16, 30, 5, 0, time.UTC)}
	return etag
}

func notFound() error { return &types.NotFound{} }

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, notFound()
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.modified),
		ContentType:   aws.String("text/plain"),
		Metadata:      map[string]string{"Owner": "ops"},
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	data := obj.data
	out := &s3.GetObjectOutput{ETag: aws.String(obj.etag), LastModified: aws.Time(obj.modified)}
	if in.Range != nil {
		var start, end int64
		_, err := fmt.Sscanf(aws.ToString(in.Range), "bytes=%d-%d", &start, &end)
		if err != nil {
			end = int64(len(data)) - 1
		}
		if start >= int64(len(data)) {
			return nil, &mockAPIError{code: "InvalidRange", message: "The requested range is not satisfiable"}
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		data = data[start : end+1]
	}
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.ContentLength = aws.Int64(int64(len(data)))
	return out, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if in.IfMatch != nil {
		obj, ok := f.objects[aws.ToString(in.Key)]
		if !ok || obj.etag != aws.ToString(in.IfMatch) {
			return nil, &mockAPIError{code: "PreconditionFailed", message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	return &s3.PutObjectOutput{ETag: aws.String(f.put(aws.ToString(in.Key), data))}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := strings.TrimPrefix(aws.ToString(in.CopySource), "bucket/")
	src = strings.ReplaceAll(src, "%20", " ")
	obj, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.objects[aws.ToString(in.Key)] = obj
	return &s3.CopyObjectOutput{CopyObjectResult: &types.CopyObjectResult{ETag: aws.String(obj.etag), LastModified: aws.Time(obj.modified)}}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := map[string]bool{}
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.data))),
			ETag:         aws.String(obj.etag),
			LastModified: aws.Time(obj.modified),
			StorageClass: types.ObjectStorageClassStandard,
		})
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("upload-%d", len(f.uploads)+1)
	f.uploads[id] = map[int32][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: in.Key}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := aws.ToInt32(in.PartNumber)
	if f.failPart != 0 && n == f.failPart {
		return nil, &mockAPIError{code: "InternalError", message: "We encountered an internal error"}
	}
	f.parts++
	f.uploads[aws.ToString(in.UploadId)][n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"part-%d"`, n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := f.uploads[aws.ToString(in.UploadId)]
	var buf bytes.Buffer
	for _, p := range in.MultipartUpload.Parts {
		buf.Write(parts[aws.ToInt32(p.PartNumber)])
	}
	delete(f.uploads, aws.ToString(in.UploadId))
	etag := fmt.Sprintf(`"deadbeef-%d"`, len(in.MultipartUpload.Parts))
	f.objects[aws.ToString(in.Key)] = fakeObject{data: buf.Bytes(), etag: etag, modified: time.Now().UTC()}
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, aws.ToString(in.UploadId))
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var po s3.PresignOptions
	for _, o := range opts {
		o(&po)
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://bucket.s3.amazonaws.com/%s?X-Amz-Expires=%d", aws.ToString(in.Key), int(po.Expires.Seconds())),
		Method: http.MethodGet,
	}, nil
}

func (fakePresigner) PresignPutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://bucket.s3.amazonaws.com/" + aws.ToString(in.Key) + "?put", Method: http.MethodPut}, nil
}

func newTestProvider(t *testing.T, partSize int64) (*Provider, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	p := newWithClient("s3-test", Config{Bucket: "bucket", PartSize: partSize}, fake, fakePresigner{}, nil)
	return p, fake
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "empty bucket",
			config:  Config{},
			wantErr: "bucket name is required",
		},
		{
			name:    "valid minimal config",
			config:  Config{Bucket: "my-bucket"},
			wantErr: "",
		},
		{
			name:    "valid config with region",
			config:  Config{Bucket: "my-bucket", Region: "us-east-1"},
			wantErr: "",
		},
		{
			name:    "part size below minimum",
			config:  Config{Bucket: "my-bucket", PartSize: 1 << 20},
			wantErr: "part size must be at least 5 MiB",
		},
		{
			name:    "explicit part size",
			config:  Config{Bucket: "my-bucket", PartSize: 16 << 20},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestConfigError_Error(t *testing.T) {
	err := &ConfigError{Field: "Bucket", Message: "is required"}
	assert.Equal(t, "s3 config: Bucket: is required", err.Error())
}

func TestWrapError(t *testing.T) {
	p := &Provider{id: "s3-test", bucket: "test-bucket"}
	path := entity.NewFilePath("a.txt")

	tests := []struct {
		name string
		err  error
		want provider.ErrorKind
	}{
		{"NotFound type", &types.NotFound{}, provider.KindNotFound},
		{"NoSuchKey type", &types.NoSuchKey{}, provider.KindNotFound},
		{"NoSuchBucket code", &mockAPIError{code: "NoSuchBucket"}, provider.KindNotFound},
		{"AccessDenied code", &mockAPIError{code: "AccessDenied"}, provider.KindPermissionDenied},
		{"SignatureDoesNotMatch code", &mockAPIError{code: "SignatureDoesNotMatch"}, provider.KindPermissionDenied},
		{"PreconditionFailed code", &mockAPIError{code: "PreconditionFailed"}, provider.KindPreconditionFailed},
		{"InvalidRange code", &mockAPIError{code: "InvalidRange"}, provider.KindRangeNotSatisfiable},
		{"SlowDown code", &mockAPIError{code: "SlowDown"}, provider.KindBackendUnavailable},
		{"InternalError code", &mockAPIError{code: "InternalError"}, provider.KindBackendUnavailable},
		{"NotImplemented code", &mockAPIError{code: "NotImplemented"}, provider.KindUnsupportedOperation},
		{"deadline", fmt.Errorf("operation error S3: GetObject: %w", context.DeadlineExceeded), provider.KindTimeout},
		{"cancelled", fmt.Errorf("operation error S3: GetObject: %w", context.Canceled), provider.KindCancelled},
		{"integrity from reader", provider.Errorf(provider.ErrIntegrityMismatch, "short body"), provider.KindIntegrityMismatch},
		{"plain network error", errors.New("dial tcp: connection refused"), provider.KindBackendUnavailable},
		{
			"http status 403 with unknown code",
			&smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 403}}, Err: errors.New("boom")},
			provider.KindPermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.wrapError("Metadata", path, tt.err)

			var provErr *provider.ProviderError
			require.True(t, errors.As(err, &provErr))
			assert.Equal(t, "Metadata", provErr.Op)
			assert.Equal(t, "s3-test", provErr.Provider)
			assert.Equal(t, "/a.txt", provErr.Path)
			assert.Equal(t, tt.want, provider.KindOf(err))
		})
	}
}

func TestWrapError_PreservesBody(t *testing.T) {
	p := &Provider{id: "s3-test"}
	err := p.wrapError("Upload", entity.NewFilePath("k"), &mockAPIError{code: "AccessDenied", message: "Access Denied"})
	var provErr *provider.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "Access Denied", provErr.Body)
}

func TestClampMaxKeys(t *testing.T) {
	tests := []struct {
		name            string
		requested       int
		providerDefault int
		want            int
	}{
		{"zero uses default", 0, 1000, 1000},
		{"negative uses default", -5, 1000, 1000},
		{"valid value unchanged", 500, 1000, 500},
		{"max value unchanged", 1000, 1000, 1000},
		{"over max clamped", 5000, 1000, 1000},
		{"custom default over max clamped", 0, 2000, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampMaxKeys(tt.requested, tt.providerDefault))
		})
	}
}

func TestResolveRegion(t *testing.T) {
	tests := []struct {
		name      string
		cfgRegion string
		endpoint  string
		sdkRegion string
		want      string
	}{
		{"SDK resolved region wins", "", "", "eu-west-1", "eu-west-1"},
		{"AWS S3 without region defaults", "", "", "", DefaultAWSRegion},
		{"S3-compatible without region stays empty", "", "http://localhost:9000", "", ""},
		{"explicit config region kept", "ap-south-1", "http://localhost:9000", "", "ap-south-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveRegion(tt.cfgRegion, tt.endpoint, tt.sdkRegion))
		})
	}
}

func TestRangeTotal(t *testing.T) {
	n, ok := rangeTotal("bytes 0-99/1234")
	assert.True(t, ok)
	assert.Equal(t, int64(1234), n)

	_, ok = rangeTotal("bytes 0-99/*")
	assert.False(t, ok)
}

func TestCopySource(t *testing.T) {
	assert.Equal(t, "bucket/dir/a%20b.txt", copySource("bucket", "dir/a b.txt"))
}

func TestProvider_MetadataFile(t *testing.T) {
	p, fake := newTestProvider(t, 0)
	fake.put("docs/a.txt", []byte("hello"))

	res, err := p.Metadata(context.Background(), entity.NewFilePath("docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, entity.KindFile, res.Item.Kind)
	assert.Equal(t, int64(5), res.Item.SizeOr(-1))
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", res.Item.ETag)
	assert.Equal(t, res.Item.ETag, res.Item.Hash(entity.HashMD5))
	assert.Equal(t, "text/plain", res.Item.ContentType)
	assert.Equal(t, "ops", res.Item.Extra["meta.owner"])

	_, err = p.Metadata(context.Background(), entity.NewFilePath("missing"))
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_MetadataFolder(t *testing.T) {
	p, fake := newTestProvider(t, 0)
	fake.put("docs/", nil)
	fake.put("docs/a.txt", []byte("a"))
	fake.put("docs/sub/b.txt", []byte("b"))
	fake.put("other.txt", []byte("o"))

	res, err := p.Metadata(context.Background(), entity.NewFolderPath("docs"))
	require.NoError(t, err)
	assert.True(t, res.Item.IsFolder())
	require.Len(t, res.Children, 2)

	names := map[string]entity.Kind{}
	for _, c := range res.Children {
		names[c.Name()] = c.Kind
	}
	assert.Equal(t, entity.KindFile, names["a.txt"])
	assert.Equal(t, entity.KindFolder, names["sub"])

	root, err := p.Metadata(context.Background(), entity.RootPath())
	require.NoError(t, err)
	assert.Len(t, root.Children, 2)

	_, err = p.Metadata(context.Background(), entity.NewFolderPath("nope"))
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_DownloadRange(t *testing.T) {
	p, fake := newTestProvider(t, 0)
	fake.put("a.bin", []byte("0123456789"))

	res, err := p.Download(context.Background(), entity.NewFilePath("a.bin"), &provider.ByteRange{Start: 2, End: 5})
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(data))
	assert.True(t, res.Partial)
	assert.Equal(t, int64(4), res.Size)
	assert.Equal(t, int64(10), res.Metadata.SizeOr(-1))

	_, err = p.Download(context.Background(), entity.NewFilePath("a.bin"), &provider.ByteRange{Start: 50, End: -1})
	assert.Equal(t, provider.KindRangeNotSatisfiable, provider.KindOf(err))
}

func TestProvider_UploadSinglePut(t *testing.T) {
	p, fake := newTestProvider(t, MinPartSize)

	m, err := p.Upload(context.Background(), entity.NewFilePath("small.txt"), strings.NewReader("hello"), provider.UploadOptions{ExpectedSize: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.SizeOr(-1))
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", m.Hash(entity.HashMD5))
	assert.Equal(t, 1, fake.puts)
	assert.Equal(t, 0, fake.parts)
}

func TestProvider_UploadMultipart(t *testing.T) {
	p, fake := newTestProvider(t, MinPartSize)
	payload := bytes.Repeat([]byte("x"), int(MinPartSize)*2+123)

	m, err := p.Upload(context.Background(), entity.NewFilePath("big.bin"), io.MultiReader(bytes.NewReader(payload)), provider.UploadOptions{ExpectedSize: -1})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), m.SizeOr(-1))
	assert.Equal(t, 3, fake.parts)
	assert.Empty(t, m.Hash(entity.HashMD5), "multipart etags are not content digests")
	assert.Equal(t, payload, fake.objects["big.bin"].data)
}

func TestProvider_UploadExactPartMultiple(t *testing.T) {
	p, fake := newTestProvider(t, MinPartSize)
	payload := bytes.Repeat([]byte("y"), int(MinPartSize)*2)

	_, err := p.Upload(context.Background(), entity.NewFilePath("even.bin"), bytes.NewReader(payload), provider.UploadOptions{ExpectedSize: -1})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.parts)
	assert.Len(t, fake.objects["even.bin"].data, len(payload))
}

func TestProvider_UploadAbortsOnPartFailure(t *testing.T) {
	p, fake := newTestProvider(t, MinPartSize)
	fake.failPart = 2
	payload := bytes.Repeat([]byte("z"), int(MinPartSize)*2+1)

	_, err := p.Upload(context.Background(), entity.NewFilePath("fail.bin"), bytes.NewReader(payload), provider.UploadOptions{ExpectedSize: -1})
	require.Error(t, err)
	assert.True(t, provider.IsBackendUnavailable(err))
	assert.Len(t, fake.aborted, 1)
	_, exists := fake.objects["fail.bin"]
	assert.False(t, exists, "aborted multipart uploads never become visible")
}

func TestProvider_UploadIfMatch(t *testing.T) {
	p, fake := newTestProvider(t, MinPartSize)
	etag := fake.put("doc.txt", []byte("v1"))

	_, err := p.Upload(context.Background(), entity.NewFilePath("doc.txt"), strings.NewReader("v2"), provider.UploadOptions{IfMatch: "stale"})
	assert.True(t, provider.IsConflict(err))

	_, err = p.Upload(context.Background(), entity.NewFilePath("gone.txt"), strings.NewReader("v2"), provider.UploadOptions{IfMatch: "abc"})
	assert.True(t, provider.IsConflict(err))

	m, err := p.Upload(context.Background(), entity.NewFilePath("doc.txt"), strings.NewReader("v2"), provider.UploadOptions{IfMatch: strings.Trim(etag, `"`)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.SizeOr(-1))
}

func TestProvider_Delete(t *testing.T) {
	p, fake := newTestProvider(t, 0)
	etag := fake.put("a.txt", []byte("a"))
	ctx := context.Background()

	t.Run("absent without etag succeeds", func(t *testing.T) {
		assert.NoError(t, p.Delete(ctx, entity.NewFilePath("missing.txt"), ""))
	})
	t.Run("absent with etag fails", func(t *testing.T) {
		assert.True(t, provider.IsPreconditionFailed(p.Delete(ctx, entity.NewFilePath("missing.txt"), "abc")))
	})
	t.Run("stale etag fails", func(t *testing.T) {
		assert.True(t, provider.IsPreconditionFailed(p.Delete(ctx, entity.NewFilePath("a.txt"), "stale")))
		_, ok := fake.objects["a.txt"]
		assert.True(t, ok)
	})
	t.Run("matching etag deletes", func(t *testing.T) {
		require.NoError(t, p.Delete(ctx, entity.NewFilePath("a.txt"), etag))
		_, ok := fake.objects["a.txt"]
		assert.False(t, ok)
	})
	t.Run("folder deletes recursively", func(t *testing.T) {
		fake.put("dir/x", []byte("x"))
		fake.put("dir/sub/y", []byte("y"))
		fake.put("dirty", []byte("keep"))
		require.NoError(t, p.Delete(ctx, entity.NewFolderPath("dir"), ""))
		assert.Len(t, fake.objects, 1)
	})
	t.Run("root refused", func(t *testing.T) {
		assert.True(t, provider.IsUnsupported(p.Delete(ctx, entity.RootPath(), "")))
	})
}

func TestProvider_CopyMove(t *testing.T) {
	p, fake := newTestProvider(t, 0)
	fake.put("src dir/a.txt", []byte("payload"))
	ctx := context.Background()

	m, err := provider.CopyObject(ctx, p, entity.NewFilePath("src dir", "a.txt"), entity.NewFilePath("b.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.SizeOr(-1))
	assert.Contains(t, fake.objects, "src dir/a.txt")
	assert.Contains(t, fake.objects, "b.txt")

	_, err = provider.MoveObject(ctx, p, entity.NewFilePath("b.txt"), entity.NewFilePath("c.txt"))
	require.NoError(t, err)
	assert.NotContains(t, fake.objects, "b.txt")
	assert.Equal(t, []byte("payload"), fake.objects["c.txt"].data)
}

func TestProvider_SignedURL(t *testing.T) {
	p, _ := newTestProvider(t, 0)
	ctx := context.Background()

	u, err := provider.SignURL(ctx, p, entity.NewFilePath("a.txt"), 15*time.Minute, provider.SignRead)
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Expires=900")

	u, err = provider.SignURL(ctx, p, entity.NewFilePath("a.txt"), time.Minute, provider.SignWrite)
	require.NoError(t, err)
	assert.Contains(t, u, "?put")

	_, err = provider.SignURL(ctx, p, entity.NewFilePath("a.txt"), 30*24*time.Hour, provider.SignRead)
	assert.True(t, provider.IsUnsupported(err))
}

func TestBrokerCredentials(t *testing.T) {
	b, err := credential.NewBroker(credential.Options{})
	require.NoError(t, err)
	require.NoError(t, b.Configure("s3-test", credential.Config{
		Kind:            credential.KindStaticKeyPair,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	}))

	creds, err := (&brokerCredentials{source: b, providerID: "s3-test"}).Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
	assert.False(t, creds.CanExpire)
}

func TestProvider_Capabilities(t *testing.T) {
	p, _ := newTestProvider(t, 0)
	caps := p.Capabilities()
	for _, c := range []provider.Capability{
		provider.CapMetadata, provider.CapStream, provider.CapServerSideCopy,
		provider.CapRangeRead, provider.CapSignedURL, provider.CapAtomicCommit,
	} {
		assert.True(t, caps.Has(c))
	}
	assert.NoError(t, provider.NewRegistry().Register(p))
}

func TestProvider_Folders(t *testing.T) {
	p, fake := newTestProvider(t, 0)
	ctx := context.Background()
	dir := entity.NewFolderPath("reports")

	_, err := p.CreateFolder(ctx, dir)
	require.NoError(t, err)
	_, ok := fake.objects["reports/"]
	assert.True(t, ok, "marker object written")

	res, err := p.Metadata(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, res.Children)

	fake.put("reports/q1.csv", []byte("1"))
	assert.True(t, provider.IsConflict(p.RemoveFolder(ctx, dir)))
	assert.Contains(t, fake.objects, "reports/q1.csv")

	require.NoError(t, p.Delete(ctx, entity.NewFilePath("reports", "q1.csv"), ""))
	require.NoError(t, p.RemoveFolder(ctx, dir))
	assert.Empty(t, fake.objects)

	assert.True(t, provider.IsUnsupported(p.RemoveFolder(ctx, entity.RootPath())))
}
