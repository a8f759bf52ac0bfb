// Package rest is the HTTP plumbing shared by the REST-based adapters
// (Swift, Azure): request pacing, transport error classification, and
// conversion of non-2xx responses into provider sentinels.
//
// The client never retries. Retry policy belongs to the coordinator, which
// knows whether an operation is idempotent.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

const (
	userAgent = "nimbusgate/1"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 64 << 10
)

// Options configures a Client.
type Options struct {
	// HTTPClient performs requests. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout applies when HTTPClient is nil. Zero means no client timeout;
	// callers are expected to bound requests with their context instead.
	Timeout time.Duration

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Defaults to 1 when pacing is enabled.
	Burst int

	// ErrorCodeHeader names a response header carrying a backend error
	// code (for example x-ms-error-code).
	ErrorCodeHeader string

	// Logger receives debug request logs.
	Logger *zap.Logger
}

// Client sends paced HTTP requests and classifies failures.
type Client struct {
	http       *http.Client
	limiter    *rate.Limiter
	codeHeader string
	logger     *zap.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{http: hc, codeHeader: opts.ErrorCodeHeader, logger: logger}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	// StatusCode is the HTTP status.
	StatusCode int

	// Code is the backend error code, when the backend reports one.
	Code string

	// Body is the (truncated) response body.
	Body string

	// Err is the sentinel the status maps to.
	Err error
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d (%s): %v", e.StatusCode, e.Code, e.Err)
	}
	return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
}

// Unwrap returns the sentinel.
func (e *StatusError) Unwrap() error { return e.Err }

// Do sends req and returns the response when the status is 2xx (or 3xx).
// On failure the body is drained and closed, and the error wraps a
// provider sentinel. Transport failures map to BackendUnavailable, and
// context expiry to Timeout or Cancelled.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if cerr := provider.FromContext(ctx); cerr != nil {
				return nil, cerr
			}
			return nil, provider.Errorf(provider.ErrTimeout, "rate limiter: %v", err)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, TransportError(ctx, err)
	}
	c.logger.Debug("backend request",
		zap.String("method", req.Method),
		zap.String("host", req.URL.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()

	se := &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		Err:        provider.FromHTTPStatus(resp.StatusCode),
	}
	if c.codeHeader != "" {
		se.Code = resp.Header.Get(c.codeHeader)
	}
	return nil, se
}

// TransportError classifies an error returned by http.Client.Do. Errors
// that already carry a kind, such as a request body reader aborting with
// IntegrityMismatch, pass through unchanged.
func TransportError(ctx context.Context, err error) error {
	if provider.KindOf(err) != provider.KindInternal && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if cerr := provider.FromContext(ctx); cerr != nil {
		return fmt.Errorf("%w: %v", cerr, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Errorf(provider.ErrTimeout, "%v", err)
	}
	return provider.Errorf(provider.ErrBackendUnavailable, "%v", err)
}

// Drain discards the rest of a body and closes it so the connection can be
// reused.
func Drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxErrorBody))
	_ = rc.Close()
}

// Wrap builds a ProviderError for op, moving a StatusError body into
// ProviderError.Body.
func Wrap(op, providerID, path string, err error) error {
	pe := &provider.ProviderError{Op: op, Provider: providerID, Path: path, Err: err}
	var se *StatusError
	if errors.As(err, &se) {
		pe.Body = se.Body
	}
	return pe
}

// EscapeKey percent-encodes each segment of an object key.
func EscapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
