package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/memory"
)

func md5Hex(b []byte) string {
	s := md5.Sum(b)
	return hex.EncodeToString(s[:])
}

func sha256Hex(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func TestPipeline_UploadCompletes(t *testing.T) {
	payload := bytes.Repeat([]byte("nimbus"), 50_000)

	tests := []struct {
		name     string
		expected int64
		inline   int64
	}{
		{"known size streamed", int64(len(payload)), -1},
		{"known size inline", int64(len(payload)), 1 << 20},
		{"unknown size", -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.New("mem", memory.Config{})
			pl := New(Config{ChunkSize: 4096, InlineThreshold: tt.inline}, nil)
			s := NewSession(Upload, tt.expected)

			m, err := pl.Upload(context.Background(), s, mem, entity.NewFilePath("dir", "obj.bin"), bytes.NewReader(payload), provider.UploadOptions{})
			require.NoError(t, err)

			assert.Equal(t, StateCompleted, s.State())
			assert.Equal(t, int64(len(payload)), s.BytesTransferred())
			assert.Equal(t, md5Hex(payload), m.Hash(entity.HashMD5))
			assert.Equal(t, sha256Hex(payload), m.Hash(entity.HashSHA256))
			assert.Equal(t, int64(len(payload)), m.SizeOr(-1))
			<-s.Done()
			assert.NoError(t, s.Err())

			stored, ok := mem.Bytes("dir/obj.bin")
			require.True(t, ok)
			assert.Equal(t, payload, stored)
		})
	}
}

// chunkRecorder is a provider whose Upload reads with a large buffer and
// records the largest read it was handed.
type chunkRecorder struct {
	*memory.Provider
	largest int
}

func (c *chunkRecorder) Upload(ctx context.Context, path entity.Path, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	buf := make([]byte, 1<<20)
	var all []byte
	for {
		n, err := body.Read(buf)
		if n > c.largest {
			c.largest = n
		}
		all = append(all, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return c.Provider.Upload(ctx, path, bytes.NewReader(all), opts)
}

func TestPipeline_UploadBoundsChunks(t *testing.T) {
	rec := &chunkRecorder{Provider: memory.New("mem", memory.Config{})}
	pl := New(Config{ChunkSize: 1000, InlineThreshold: -1}, nil)
	payload := bytes.Repeat([]byte{7}, 10_500)

	_, err := pl.Upload(context.Background(), NewSession(Upload, -1), rec, entity.NewFilePath("x"), bytes.NewReader(payload), provider.UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1000, rec.largest)
}

func TestPipeline_UploadSizeMismatchLeavesNoObject(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected int64
	}{
		{"short stream", "hello", 10},
		{"long stream", "hello world", 5},
	}
	for _, tt := range tests {
		for _, atomic := range []bool{false, true} {
			name := tt.name + " non-atomic"
			if atomic {
				name = tt.name + " atomic"
			}
			t.Run(name, func(t *testing.T) {
				mem := memory.New("mem", memory.Config{AtomicCommit: atomic})
				pl := New(Config{ChunkSize: 2, InlineThreshold: -1}, nil)
				s := NewSession(Upload, tt.expected)

				_, err := pl.Upload(context.Background(), s, mem, entity.NewFilePath("obj"), strings.NewReader(tt.payload), provider.UploadOptions{})
				require.Error(t, err)
				assert.True(t, provider.IsIntegrityMismatch(err), "got %v", err)
				assert.Equal(t, StateFailed, s.State())
				assert.Empty(t, mem.Keys())
			})
		}
	}

	t.Run("inline short stream never reaches the backend", func(t *testing.T) {
		mem := memory.New("mem", memory.Config{})
		s := NewSession(Upload, 10)
		_, err := New(Config{}, nil).Upload(context.Background(), s, mem, entity.NewFilePath("obj"), strings.NewReader("abc"), provider.UploadOptions{})
		assert.True(t, provider.IsIntegrityMismatch(err))
		assert.Empty(t, mem.Keys())
	})
}

// cancellingReader cancels the session after handing out a number of chunks.
type cancellingReader struct {
	s     *Session
	after int
	reads int
}

func (c *cancellingReader) Read(b []byte) (int, error) {
	c.reads++
	if c.reads > c.after {
		c.s.Cancel()
	}
	for i := range b {
		b[i] = 'z'
	}
	return len(b), nil
}

func TestPipeline_UploadCancelRemovesPartialObject(t *testing.T) {
	mem := memory.New("mem", memory.Config{})
	pl := New(Config{ChunkSize: 512, InlineThreshold: -1}, nil)
	s := NewSession(Upload, -1)
	body := &cancellingReader{s: s, after: 3}

	_, err := pl.Upload(context.Background(), s, mem, entity.NewFilePath("big.bin"), body, provider.UploadOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrCancelled)
	assert.Equal(t, StateCancelled, s.State())
	assert.GreaterOrEqual(t, s.BytesTransferred(), int64(3*512))
	assert.Empty(t, mem.Keys(), "partial object must be cleaned up")

	// A finished session cannot be reused.
	_, err = pl.Upload(context.Background(), s, mem, entity.NewFilePath("big.bin"), strings.NewReader("x"), provider.UploadOptions{})
	assert.ErrorIs(t, err, provider.ErrCancelled)
}

func TestPipeline_UploadContextCancelled(t *testing.T) {
	mem := memory.New("mem", memory.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSession(Upload, -1)

	_, err := New(Config{}, nil).Upload(ctx, s, mem, entity.NewFilePath("obj"), strings.NewReader("abc"), provider.UploadOptions{})
	assert.Equal(t, provider.KindCancelled, provider.KindOf(err))
	assert.Equal(t, StateCancelled, s.State())
}

func TestSession_CancelPending(t *testing.T) {
	s := NewSession(Download, 10)
	assert.Equal(t, StatePending, s.State())
	s.Cancel()
	assert.Equal(t, StateCancelled, s.State())
	<-s.Done()
	assert.ErrorIs(t, s.Err(), provider.ErrCancelled)

	s.Cancel()
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, "cancelled", s.State().String())
	assert.True(t, s.State().Terminal())
}

// lyingProvider reports digests that do not match the stored bytes.
type lyingProvider struct {
	*memory.Provider
}

func (l *lyingProvider) Upload(ctx context.Context, path entity.Path, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	m, err := l.Provider.Upload(ctx, path, body, opts)
	if err != nil {
		return nil, err
	}
	out := m.WithHash(entity.HashMD5, "00000000000000000000000000000000")
	return &out, nil
}

func (l *lyingProvider) Download(ctx context.Context, path entity.Path, rng *provider.ByteRange) (*provider.DownloadResult, error) {
	res, err := l.Provider.Download(ctx, path, rng)
	if err != nil {
		return nil, err
	}
	m := res.Metadata.WithHash(entity.HashMD5, "00000000000000000000000000000000")
	res.Metadata = &m
	return res, nil
}

func TestPipeline_UploadDigestMismatch(t *testing.T) {
	mem := memory.New("mem", memory.Config{AtomicCommit: true})
	s := NewSession(Upload, 5)

	_, err := New(Config{}, nil).Upload(context.Background(), s, &lyingProvider{mem}, entity.NewFilePath("obj"), strings.NewReader("hello"), provider.UploadOptions{})
	require.Error(t, err)
	assert.True(t, provider.IsIntegrityMismatch(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, mem.Keys(), "a corrupted commit is removed")
}

func TestPipeline_UploadTooLarge(t *testing.T) {
	mem := memory.New("mem", memory.Config{})
	pl := New(Config{MaxBodySize: 4, InlineThreshold: -1}, nil)

	_, err := pl.Upload(context.Background(), NewSession(Upload, 10), mem, entity.NewFilePath("obj"), strings.NewReader("0123456789"), provider.UploadOptions{})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.True(t, provider.IsUnsupported(err))

	_, err = pl.Upload(context.Background(), NewSession(Upload, -1), mem, entity.NewFilePath("obj"), strings.NewReader("0123456789"), provider.UploadOptions{})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, mem.Keys())
}

func TestPipeline_UploadConflictKeepsExisting(t *testing.T) {
	mem := memory.New("mem", memory.Config{})
	mem.Put("obj", []byte("original"))

	_, err := New(Config{}, nil).Upload(context.Background(), NewSession(Upload, -1), mem, entity.NewFilePath("obj"),
		strings.NewReader("replacement"), provider.UploadOptions{IfMatch: "stale"})
	assert.True(t, provider.IsConflict(err))
	data, ok := mem.Bytes("obj")
	require.True(t, ok)
	assert.Equal(t, "original", string(data))
}

func TestPipeline_Download(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	mem := memory.New("mem", memory.Config{})
	mem.Put("obj", payload)
	pl := New(Config{ChunkSize: 256}, nil)
	ctx := context.Background()

	t.Run("whole object", func(t *testing.T) {
		s := NewSession(Download, -1)
		st, err := pl.Download(ctx, s, mem, entity.NewFilePath("obj"), nil)
		require.NoError(t, err)
		defer st.Close()

		buf := make([]byte, 4096)
		n, err := st.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, 256, n, "reads are capped at the chunk size")

		rest, err := io.ReadAll(st)
		require.NoError(t, err)
		assert.Equal(t, payload, append(buf[:n], rest...))
		assert.Equal(t, StateCompleted, s.State())
		assert.Equal(t, int64(len(payload)), s.ExpectedSize)
		assert.Equal(t, md5Hex(payload), s.Digest(entity.HashMD5))
		require.NoError(t, st.Close())
		assert.Equal(t, StateCompleted, s.State(), "close after completion keeps the state")
	})

	t.Run("range", func(t *testing.T) {
		s := NewSession(Download, -1)
		st, err := pl.Download(ctx, s, mem, entity.NewFilePath("obj"), &provider.ByteRange{Start: 10, End: 19})
		require.NoError(t, err)
		data, err := io.ReadAll(st)
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(data))
		assert.True(t, st.Partial)
		assert.Equal(t, StateCompleted, s.State())
	})

	t.Run("closed early", func(t *testing.T) {
		s := NewSession(Download, -1)
		st, err := pl.Download(ctx, s, mem, entity.NewFilePath("obj"), nil)
		require.NoError(t, err)
		_, err = st.Read(make([]byte, 10))
		require.NoError(t, err)
		require.NoError(t, st.Close())
		assert.Equal(t, StateCancelled, s.State())
	})

	t.Run("missing", func(t *testing.T) {
		s := NewSession(Download, -1)
		_, err := pl.Download(ctx, s, mem, entity.NewFilePath("nope"), nil)
		assert.True(t, provider.IsNotFound(err))
		assert.Equal(t, StateFailed, s.State())
	})

	t.Run("digest mismatch", func(t *testing.T) {
		s := NewSession(Download, -1)
		st, err := pl.Download(ctx, s, &lyingProvider{mem}, entity.NewFilePath("obj"), nil)
		require.NoError(t, err)
		defer st.Close()
		_, err = io.ReadAll(st)
		assert.True(t, provider.IsIntegrityMismatch(err))
		assert.Equal(t, StateFailed, s.State())
	})

	t.Run("cancel mid stream", func(t *testing.T) {
		s := NewSession(Download, -1)
		st, err := pl.Download(ctx, s, mem, entity.NewFilePath("obj"), nil)
		require.NoError(t, err)
		defer st.Close()
		_, err = st.Read(make([]byte, 10))
		require.NoError(t, err)
		s.Cancel()
		_, err = st.Read(make([]byte, 10))
		assert.ErrorIs(t, err, provider.ErrCancelled)
		assert.Equal(t, StateCancelled, s.State())
	})
}

// maskingProvider reports every body failure as a backend outage, the way an
// HTTP transport does when a request body aborts.
type maskingProvider struct {
	*memory.Provider
}

func (m *maskingProvider) Upload(ctx context.Context, path entity.Path, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return nil, provider.NewError("Upload", m.ID(), path.String(), provider.Errorf(provider.ErrBackendUnavailable, "%v", err))
	}
	return m.Provider.Upload(ctx, path, strings.NewReader(""), opts)
}

func TestPipeline_UploadReportsReaderError(t *testing.T) {
	mem := memory.New("mem", memory.Config{AtomicCommit: true})
	pl := New(Config{ChunkSize: 4, InlineThreshold: -1}, nil)

	_, err := pl.Upload(context.Background(), NewSession(Upload, 100), &maskingProvider{mem}, entity.NewFilePath("obj"),
		strings.NewReader("short"), provider.UploadOptions{})
	require.Error(t, err)
	assert.True(t, provider.IsIntegrityMismatch(err), "got %v", err)
	assert.False(t, provider.IsRetryable(err))
}

// exactProvider reads exactly ExpectedSize bytes and commits them.
type exactProvider struct {
	*memory.Provider
}

func (e *exactProvider) Upload(ctx context.Context, path entity.Path, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	data, err := io.ReadAll(io.LimitReader(body, opts.ExpectedSize))
	if err != nil {
		return nil, err
	}
	return e.Provider.Upload(ctx, path, bytes.NewReader(data), opts)
}

func TestPipeline_UploadOverlongStreamNeverCompletesBody(t *testing.T) {
	mem := memory.New("mem", memory.Config{AtomicCommit: true})
	mem.Put("obj", []byte("original"))
	pl := New(Config{ChunkSize: 5, InlineThreshold: -1}, nil)

	_, err := pl.Upload(context.Background(), NewSession(Upload, 10), &exactProvider{mem}, entity.NewFilePath("obj"),
		strings.NewReader(strings.Repeat("x", 40)), provider.UploadOptions{})
	require.Error(t, err)
	assert.True(t, provider.IsIntegrityMismatch(err), "got %v", err)

	data, ok := mem.Bytes("obj")
	require.True(t, ok)
	assert.Equal(t, "original", string(data))
}

func TestPipeline_UploadExactStreamWithLimitedAdapter(t *testing.T) {
	mem := memory.New("mem", memory.Config{AtomicCommit: true})
	pl := New(Config{ChunkSize: 5, InlineThreshold: -1}, nil)

	m, err := pl.Upload(context.Background(), NewSession(Upload, 10), &exactProvider{mem}, entity.NewFilePath("obj"),
		strings.NewReader("0123456789"), provider.UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.SizeOr(-1))
	data, ok := mem.Bytes("obj")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(data))
}
