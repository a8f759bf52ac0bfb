// Package transfer moves payload bytes between callers and providers with
// bounded memory.
//
// Every upload or download runs inside a Session: bytes are pulled in
// chunks, counted, and hashed (md5 and sha256) as they pass. At the end the
// totals are checked against the expected size and any digest the backend
// reports. A failed or cancelled upload removes what it wrote on backends
// that expose partial objects.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

const (
	// DefaultChunkSize is the largest read issued per pull.
	DefaultChunkSize = 64 << 10

	// DefaultInlineThreshold is the largest known-size payload buffered in
	// memory, which makes it restartable.
	DefaultInlineThreshold = 256 << 10

	// DefaultMaxBodySize caps a single payload.
	DefaultMaxBodySize int64 = 50 << 30

	cleanupTimeout = 30 * time.Second
)

// ErrTooLarge reports a payload above the configured maximum body size.
var ErrTooLarge = errors.New("payload exceeds maximum body size")

// Config tunes the pipeline.
type Config struct {
	ChunkSize       int   `mapstructure:"chunk_size"`
	InlineThreshold int64 `mapstructure:"inline_threshold"`
	MaxBodySize     int64 `mapstructure:"max_body_size"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       DefaultChunkSize,
		InlineThreshold: DefaultInlineThreshold,
		MaxBodySize:     DefaultMaxBodySize,
	}
}

// Pipeline runs transfer sessions. It is stateless and safe for concurrent use.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a pipeline. Zero config fields take their defaults.
func New(cfg Config, logger *zap.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.InlineThreshold < 0 {
		cfg.InlineThreshold = 0
	} else if cfg.InlineThreshold == 0 {
		cfg.InlineThreshold = def.InlineThreshold
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (pl *Pipeline) Config() Config { return pl.cfg }

// Upload streams body into path on p under session s.
//
// The adapter pulls chunks from the session reader. When the stream ends
// short of, or runs past, s.ExpectedSize the reader fails before the
// adapter can commit. On any failure the partial object is deleted unless
// the backend commits atomically.
func (pl *Pipeline) Upload(ctx context.Context, s *Session, p provider.Provider, path entity.Path, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	ctx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	log := pl.logger.With(
		zap.String("session", s.ID),
		zap.String("provider", p.ID()),
		zap.String("path", path.String()))

	if s.ExpectedSize > pl.cfg.MaxBodySize {
		return nil, s.fail(ctx, pl.tooLarge(p, path))
	}

	opts.ExpectedSize = s.ExpectedSize
	r := &sessionReader{s: s, ctx: ctx, r: body, chunk: pl.cfg.ChunkSize, max: pl.cfg.MaxBodySize, p: p, path: path}

	var src io.Reader = r
	if s.ExpectedSize >= 0 && s.ExpectedSize <= pl.cfg.InlineThreshold {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		src = bytes.NewReader(data)
	}

	meta, err := p.Upload(ctx, path, src, opts)
	if err != nil {
		if r.err != nil {
			// The adapter only saw the reader abort; report why it did.
			err = r.err
		}
		if r.n > 0 && !p.Capabilities().Has(provider.CapAtomicCommit) && !preconditionError(err) {
			pl.cleanup(ctx, p, path, log)
		}
		err = s.fail(ctx, err)
		log.Debug("Upload failed", zap.Int64("bytes", s.BytesTransferred()), zap.Error(err))
		return nil, err
	}
	if err := r.finished(); err != nil {
		// The adapter stopped pulling before EOF but still committed.
		pl.cleanup(ctx, p, path, log)
		return nil, s.fail(ctx, err)
	}

	s.verifying()
	for _, alg := range []string{entity.HashMD5, entity.HashSHA256} {
		if got := meta.Hash(alg); got != "" && got != s.Digest(alg) {
			pl.cleanup(ctx, p, path, log)
			return nil, s.fail(ctx, provider.NewError("Upload", p.ID(), path.String(),
				provider.Errorf(provider.ErrIntegrityMismatch, "%s: backend reported %s, streamed %s", alg, got, s.Digest(alg))))
		}
	}

	out := meta.WithHash(entity.HashMD5, s.Digest(entity.HashMD5)).WithHash(entity.HashSHA256, s.Digest(entity.HashSHA256))
	n := s.BytesTransferred()
	out.Size = &n
	s.finish(StateCompleted, nil)
	log.Debug("Upload completed", zap.Int64("bytes", n))
	return &out, nil
}

func preconditionError(err error) bool {
	return provider.IsConflict(err) || provider.IsPreconditionFailed(err) || provider.IsPermissionDenied(err)
}

func (pl *Pipeline) tooLarge(p provider.Provider, path entity.Path) error {
	return provider.NewError("Upload", p.ID(), path.String(),
		fmt.Errorf("%w: %w (max %d bytes)", ErrTooLarge, provider.ErrUnsupported, pl.cfg.MaxBodySize))
}

// cleanup deletes path best-effort, detached from the caller's cancellation.
func (pl *Pipeline) cleanup(ctx context.Context, p provider.Provider, path entity.Path, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := p.Delete(ctx, path, ""); err != nil {
		log.Warn("Partial object cleanup failed", zap.Error(err))
		return
	}
	log.Debug("Partial object removed")
}

// sessionReader is the upload side of a session: it caps reads at the chunk
// size, observes every byte, and enforces the expected and maximum sizes.
type sessionReader struct {
	s     *Session
	ctx   context.Context
	r     io.Reader
	chunk int
	max   int64
	n     int64
	eof   bool
	err   error

	p    provider.Provider
	path entity.Path
}

func (r *sessionReader) Read(b []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if err := provider.FromContext(r.ctx); err != nil {
		r.err = provider.NewError("Upload", r.p.ID(), r.path.String(), err)
		return 0, r.err
	}
	if r.eof {
		return 0, io.EOF
	}
	if len(b) > r.chunk {
		b = b[:r.chunk]
	}

	n, err := r.r.Read(b)
	if n > 0 {
		r.n += int64(n)
		r.s.observe(b[:n])
		if exp := r.s.ExpectedSize; exp >= 0 && r.n > exp {
			return 0, r.mismatch("stream longer than expected %d bytes", exp)
		}
		if exp := r.s.ExpectedSize; exp >= 0 && r.n == exp && err == nil {
			// Hold back the final bytes until the source confirms EOF, so a
			// backend never receives a complete body for an overlong stream.
			err = r.peekEOF()
			if err != nil && !errors.Is(err, io.EOF) {
				return 0, err
			}
		}
		if r.n > r.max {
			r.err = provider.NewError("Upload", r.p.ID(), r.path.String(),
				fmt.Errorf("%w: %w", ErrTooLarge, provider.ErrUnsupported))
			return 0, r.err
		}
	}
	if errors.Is(err, io.EOF) {
		if exp := r.s.ExpectedSize; exp >= 0 && r.n != exp {
			return n, r.mismatch("stream ended at %d of %d expected bytes", r.n, exp)
		}
		r.eof = true
	}
	return n, err
}

// peekEOF reads past the announced size. It returns io.EOF when the source
// is exhausted and a mismatch when more bytes follow.
func (r *sessionReader) peekEOF() error {
	var one [1]byte
	for range 100 {
		n, err := r.r.Read(one[:])
		if n > 0 {
			r.n += int64(n)
			r.s.observe(one[:n])
			return r.mismatch("stream longer than expected %d bytes", r.s.ExpectedSize)
		}
		if err != nil {
			return err
		}
	}
	return io.ErrNoProgress
}

func (r *sessionReader) mismatch(format string, args ...any) error {
	r.err = provider.NewError("Upload", r.p.ID(), r.path.String(), provider.Errorf(provider.ErrIntegrityMismatch, format, args...))
	return r.err
}

// finished reports whether the whole stream was consumed. Payloads with a
// known size count as consumed once that many bytes have passed.
func (r *sessionReader) finished() error {
	if r.eof {
		return nil
	}
	if exp := r.s.ExpectedSize; exp >= 0 && r.n == exp {
		// Confirm there is nothing beyond the announced size.
		var one [1]byte
		n, err := r.r.Read(one[:])
		if n > 0 {
			return r.mismatch("stream longer than expected %d bytes", exp)
		}
		if err == nil || errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return r.mismatch("adapter stopped after %d bytes", r.n)
}

// Stream is the download side of a session. The caller pulls from it and
// must Close it.
type Stream struct {
	Session  *Session
	Metadata *entity.FileMetadata
	Size     int64
	Partial  bool

	ctx   context.Context
	body  io.ReadCloser
	chunk int
	p     provider.Provider
	path  entity.Path
	n     int64
}

// Download opens path on p and returns a stream bound to session s.
func (pl *Pipeline) Download(ctx context.Context, s *Session, p provider.Provider, path entity.Path, rng *provider.ByteRange) (*Stream, error) {
	ctx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	if rng != nil && !p.Capabilities().Has(provider.CapRangeRead) {
		return nil, s.fail(ctx, provider.NewError("Download", p.ID(), path.String(),
			provider.Errorf(provider.ErrUnsupported, "provider has no range reads")))
	}
	res, err := p.Download(ctx, path, rng)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	if res.Size >= 0 {
		s.ExpectedSize = res.Size
	}
	return &Stream{
		Session:  s,
		Metadata: res.Metadata,
		Size:     res.Size,
		Partial:  res.Partial,
		ctx:      ctx,
		body:     res.Body,
		chunk:    pl.cfg.ChunkSize,
		p:        p,
		path:     path,
	}, nil
}

// Read pulls the next chunk. At end of stream the byte count and, for
// whole-object reads, the backend md5 are verified.
func (st *Stream) Read(b []byte) (int, error) {
	s := st.Session
	if s.State().Terminal() {
		if err := s.Err(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	if err := provider.FromContext(st.ctx); err != nil {
		return 0, s.fail(st.ctx, provider.NewError("Download", st.p.ID(), st.path.String(), err))
	}
	if len(b) > st.chunk {
		b = b[:st.chunk]
	}

	n, err := st.body.Read(b)
	if n > 0 {
		st.n += int64(n)
		s.observe(b[:n])
		if st.Size >= 0 && st.n > st.Size {
			return 0, s.fail(st.ctx, st.mismatch("received more than %d bytes", st.Size))
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		if verr := st.verify(); verr != nil {
			return n, verr
		}
		return n, io.EOF
	case err != nil:
		if provider.KindOf(err) == provider.KindInternal {
			err = provider.NewError("Download", st.p.ID(), st.path.String(), provider.Errorf(provider.ErrBackendUnavailable, "%v", err))
		}
		return n, s.fail(st.ctx, err)
	}
	return n, nil
}

func (st *Stream) verify() error {
	s := st.Session
	s.verifying()
	if st.Size >= 0 && st.n != st.Size {
		return s.fail(st.ctx, st.mismatch("stream ended at %d of %d bytes", st.n, st.Size))
	}
	if !st.Partial && st.Metadata != nil {
		if want := st.Metadata.Hash(entity.HashMD5); want != "" && want != s.Digest(entity.HashMD5) {
			return s.fail(st.ctx, st.mismatch("md5: backend reported %s, received %s", want, s.Digest(entity.HashMD5)))
		}
	}
	s.finish(StateCompleted, nil)
	return nil
}

func (st *Stream) mismatch(format string, args ...any) error {
	return provider.NewError("Download", st.p.ID(), st.path.String(), provider.Errorf(provider.ErrIntegrityMismatch, format, args...))
}

// Close releases the backend body. A stream closed before the end is
// recorded as cancelled.
func (st *Stream) Close() error {
	err := st.body.Close()
	st.Session.finish(StateCancelled, provider.Errorf(provider.ErrCancelled, "stream closed after %d bytes", st.n))
	return err
}
