// Package server hosts the gateway HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/nimbusgate/internal/errors"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/internal/server/handlers"
	"github.com/3leaps/nimbusgate/internal/server/middleware"
)

// Server is the gateway HTTP server.
type Server struct {
	host string
	port int

	version   handlers.VersionInfo
	files     *handlers.Files
	limiter   *middleware.RateLimiter
	pprof     bool
	logger    *zap.Logger
	timeouts  Timeouts
	router    chi.Router
	http      *http.Server
	listening chan string
}

// Timeouts bounds connection handling. Read applies to request headers
// only and Write defaults to zero, so transfers stream for as long as the
// object takes.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build info served on /version and /status.
func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// WithFiles mounts the file API.
func WithFiles(f *handlers.Files) Option {
	return func(s *Server) { s.files = f }
}

// WithRateLimit limits each client to rps requests per second. rps <= 0
// disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = middleware.NewRateLimiter(rps, burst)
		}
	}
}

// WithPprof mounts /debug/pprof.
func WithPprof(enabled bool) Option {
	return func(s *Server) { s.pprof = enabled }
}

// WithLogger sets the access and lifecycle logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts sets connection timeouts. A zero Read, Write, or Idle
// disables that timeout; a zero Shutdown keeps the default.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		if t.Shutdown <= 0 {
			t.Shutdown = s.timeouts.Shutdown
		}
		s.timeouts = t
	}
}

// New creates a server listening on host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:    host,
		port:    port,
		version: handlers.VersionInfo{Version: "dev"},
		logger:  observability.ServerLogger,
		timeouts: Timeouts{
			Read:     30 * time.Second,
			Idle:     120 * time.Second,
			Shutdown: 10 * time.Second,
		},
		listening: make(chan string, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recovery, middleware.AccessLog(s.logger), middleware.RawPath)
	if s.limiter != nil {
		r.Use(s.limiter.Handler)
	}
	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.version))
	r.Get("/status", handlers.StatusHandler(s.version.Version))

	if s.files != nil {
		s.files.Routes(r)
	}
	if s.pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Listening yields the bound address once Start is accepting connections.
func (s *Server) Listening() <-chan string {
	return s.listening
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()
	s.logger.Info("Server listening", zap.String("addr", ln.Addr().String()))
	s.listening <- ln.Addr().String()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeouts.Shutdown)
	defer cancel()
	return s.Shutdown(sctx)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("Server shutting down")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
