//go:build cloudintegration

package s3_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/s3"
	"github.com/3leaps/nimbusgate/test/cloudtest"
)

func newMotoProvider(t *testing.T, ctx context.Context, bucket string) *s3.Provider {
	t.Helper()
	p, err := s3.New(ctx, "moto", s3.Config{
		Bucket:         bucket,
		Endpoint:       cloudtest.Endpoint,
		Region:         cloudtest.Region,
		ForcePathStyle: true,
		PartSize:       s3.MinPartSize,
	}, s3.WithCredentials(cloudtest.Broker(t, "moto")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProvider_Metadata_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	t.Run("lists folder children", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		cloudtest.PutObjects(t, ctx, bucket, []string{
			"data/file1.txt",
			"data/file2.txt",
			"data/nested/file3.txt",
			"other/file4.txt",
		})
		p := newMotoProvider(t, ctx, bucket)

		res, err := p.Metadata(ctx, entity.NewFolderPath("data"))
		require.NoError(t, err)
		assert.Len(t, res.Children, 3)
	})

	t.Run("heads a file", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		cloudtest.PutObject(t, ctx, bucket, "a.txt", []byte("hello"))
		p := newMotoProvider(t, ctx, bucket)

		res, err := p.Metadata(ctx, entity.NewFilePath("a.txt"))
		require.NoError(t, err)
		assert.Equal(t, int64(5), res.Item.SizeOr(-1))
		assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", res.Item.ETag)
	})

	t.Run("missing bucket is not found", func(t *testing.T) {
		p := newMotoProvider(t, ctx, "nonexistent-bucket-12345")
		_, err := p.Metadata(ctx, entity.NewFilePath("a.txt"))
		require.Error(t, err)
		assert.True(t, provider.IsNotFound(err))
	})
}

func TestProvider_DownloadRange_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObject(t, ctx, bucket, "r.txt", []byte("hello range world"))
	p := newMotoProvider(t, ctx, bucket)

	res, err := p.Download(ctx, entity.NewFilePath("r.txt"), &provider.ByteRange{Start: 6, End: 10})
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("range"), b)
	assert.Equal(t, int64(17), res.Metadata.SizeOr(-1))
}

func TestProvider_UploadDelete_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	p := newMotoProvider(t, ctx, bucket)

	payload := bytes.Repeat([]byte("m"), int(s3.MinPartSize)+17)
	m, err := p.Upload(ctx, entity.NewFilePath("big.bin"), bytes.NewReader(payload), provider.UploadOptions{ExpectedSize: int64(len(payload))})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), m.SizeOr(-1))

	small, err := p.Upload(ctx, entity.NewFilePath("small.txt"), strings.NewReader("v1"), provider.UploadOptions{ExpectedSize: 2})
	require.NoError(t, err)

	err = p.Delete(ctx, entity.NewFilePath("small.txt"), "stale")
	assert.True(t, provider.IsPreconditionFailed(err))
	require.NoError(t, p.Delete(ctx, entity.NewFilePath("small.txt"), small.ETag))
	require.NoError(t, p.Delete(ctx, entity.NewFilePath("small.txt"), ""))

	_, err = p.Copy(ctx, entity.NewFilePath("big.bin"), entity.NewFilePath("copy.bin"))
	require.NoError(t, err)
	res, err := p.Metadata(ctx, entity.NewFilePath("copy.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.Item.SizeOr(-1))
}
