// Package coordinator sequences operations that span more than one adapter
// call.
//
// It picks a strategy from the capabilities each adapter declares, retries
// idempotent work with jittered exponential backoff, and orders multi-step
// mutations so that a source is never removed before its destination is
// confirmed.
package coordinator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/transfer"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	jitterPercent      = 20
)

// RetryConfig bounds local retries of retryable failures.
type RetryConfig struct {
	MaxAttempts uint64        `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

// Resolver looks up adapters by provider id. *provider.Registry satisfies it.
type Resolver interface {
	Get(id string) (provider.Provider, error)
}

// Options configures a Coordinator.
type Options struct {
	Providers Resolver
	Pipeline  *transfer.Pipeline
	Retry     RetryConfig
	Publisher Publisher
	Logger    *zap.Logger
}

// Coordinator runs gateway operations. It holds no lock; concurrent calls
// are independent.
type Coordinator struct {
	providers Resolver
	pipeline  *transfer.Pipeline
	retry     RetryConfig
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a coordinator.
func New(opts Options) *Coordinator {
	rc := opts.Retry
	def := DefaultRetryConfig()
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = def.MaxAttempts
	}
	if rc.BaseDelay <= 0 {
		rc.BaseDelay = def.BaseDelay
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = def.MaxDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pl := opts.Pipeline
	if pl == nil {
		pl = transfer.New(transfer.DefaultConfig(), logger)
	}
	pub := opts.Publisher
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Coordinator{
		providers: opts.Providers,
		pipeline:  pl,
		retry:     rc,
		publisher: pub,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *Coordinator) resolve(id string) (provider.Provider, error) {
	if c.providers == nil {
		return nil, provider.NewError("Resolve", id, "", provider.Errorf(provider.ErrNotFound, "no providers configured"))
	}
	return c.providers.Get(id)
}

func (c *Coordinator) backoff() retry.Backoff {
	b := retry.NewExponential(c.retry.BaseDelay)
	b = retry.WithJitterPercent(jitterPercent, b)
	b = retry.WithCappedDuration(c.retry.MaxDelay, b)
	return retry.WithMaxRetries(c.retry.MaxAttempts-1, b)
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// the attempt budget is spent.
func (c *Coordinator) withRetry(ctx context.Context, op, providerID string, path entity.Path, fn func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && provider.IsRetryable(err) && ctx.Err() == nil {
			c.logger.Debug("Retrying operation",
				zap.String("op", op),
				zap.String("provider", providerID),
				zap.String("path", path.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	var pe *provider.ProviderError
	if err != nil && ctx.Err() != nil && !errors.As(err, &pe) {
		err = provider.NewError(op, providerID, path.String(), provider.FromContext(ctx))
	}
	if err != nil && attempt > 1 {
		c.logger.Debug("Operation failed after retries",
			zap.String("op", op),
			zap.String("provider", providerID),
			zap.Int("attempts", attempt),
			zap.Error(err))
	}
	return err
}

// Metadata describes a file or a folder with its direct children.
func (c *Coordinator) Metadata(ctx context.Context, providerID string, path entity.Path) (*provider.MetadataResult, error) {
	p, err := c.resolve(providerID)
	if err != nil {
		return nil, err
	}
	var res *provider.MetadataResult
	err = c.withRetry(ctx, "Metadata", providerID, path, func(ctx context.Context) error {
		var err error
		res, err = p.Metadata(ctx, path)
		return err
	})
	return res, err
}

// Download opens a verified stream over path. Opening is retried; once
// bytes flow, failures surface to the reader.
func (c *Coordinator) Download(ctx context.Context, providerID string, path entity.Path, rng *provider.ByteRange) (*transfer.Stream, error) {
	p, err := c.resolve(providerID)
	if err != nil {
		return nil, err
	}
	return c.openDownload(ctx, p, path, rng)
}

func (c *Coordinator) openDownload(ctx context.Context, p provider.Provider, path entity.Path, rng *provider.ByteRange) (*transfer.Stream, error) {
	var st *transfer.Stream
	err := c.withRetry(ctx, "Download", p.ID(), path, func(ctx context.Context) error {
		var err error
		st, err = c.pipeline.Download(ctx, transfer.NewSession(transfer.Download, -1), p, path, rng)
		return err
	})
	return st, err
}

// UploadOptions configures an upload through the coordinator.
type UploadOptions struct {
	// Size is the payload length, or -1 when unknown.
	Size        int64
	IfMatch     string
	ContentType string
}

// Upload streams body to path. A body that implements io.Seeker is
// rewound and retried on retryable failures; any other body gets exactly
// one attempt.
func (c *Coordinator) Upload(ctx context.Context, providerID string, path entity.Path, body io.Reader, opts UploadOptions) (*entity.FileMetadata, error) {
	p, err := c.resolve(providerID)
	if err != nil {
		return nil, err
	}
	m, err := c.upload(ctx, p, path, body, opts)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, Event{Action: ActionUpload, ProviderID: providerID, Path: path.String(), Metadata: m})
	return m, nil
}

func (c *Coordinator) upload(ctx context.Context, p provider.Provider, path entity.Path, body io.Reader, opts UploadOptions) (*entity.FileMetadata, error) {
	popts := provider.UploadOptions{IfMatch: opts.IfMatch, ContentType: opts.ContentType}
	size := opts.Size
	if size < 0 {
		size = -1
	}

	seeker, ok := body.(io.Seeker)
	if !ok {
		return c.pipeline.Upload(ctx, transfer.NewSession(transfer.Upload, size), p, path, body, popts)
	}

	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return c.pipeline.Upload(ctx, transfer.NewSession(transfer.Upload, size), p, path, body, popts)
	}
	if size < 0 {
		if end, err := seeker.Seek(0, io.SeekEnd); err == nil {
			size = end - start
		}
	}

	var m *entity.FileMetadata
	err = c.withRetry(ctx, "Upload", p.ID(), path, func(ctx context.Context) error {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return provider.NewError("Upload", p.ID(), path.String(), err)
		}
		var err error
		m, err = c.pipeline.Upload(ctx, transfer.NewSession(transfer.Upload, size), p, path, body, popts)
		return err
	})
	return m, err
}

// Delete removes path. Deleting an absent path without an etag succeeds.
func (c *Coordinator) Delete(ctx context.Context, providerID string, path entity.Path, etag string) error {
	p, err := c.resolve(providerID)
	if err != nil {
		return err
	}
	err = c.withRetry(ctx, "Delete", providerID, path, func(ctx context.Context) error {
		return p.Delete(ctx, path, etag)
	})
	if err != nil {
		return err
	}
	c.publish(ctx, Event{Action: ActionDelete, ProviderID: providerID, Path: path.String()})
	return nil
}

// CreateFolder creates an empty folder. Creating a folder that already
// exists succeeds.
func (c *Coordinator) CreateFolder(ctx context.Context, providerID string, path entity.Path) (*entity.FileMetadata, error) {
	p, err := c.resolve(providerID)
	if err != nil {
		return nil, err
	}
	if err := provider.RequireFolder("CreateFolder", providerID, path); err != nil {
		return nil, err
	}
	var m *entity.FileMetadata
	err = c.withRetry(ctx, "CreateFolder", providerID, path, func(ctx context.Context) error {
		var err error
		m, err = p.CreateFolder(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.publish(ctx, Event{Action: ActionMkdir, ProviderID: providerID, Path: path.String(), Metadata: m})
	return m, nil
}

// SignedURL issues a time-limited direct-access URL from the backend.
func (c *Coordinator) SignedURL(ctx context.Context, providerID string, path entity.Path, ttl time.Duration, op provider.SignOperation) (string, error) {
	p, err := c.resolve(providerID)
	if err != nil {
		return "", err
	}
	return provider.SignURL(ctx, p, path, ttl, op)
}
