// Package gateway assembles the credential broker, provider registry,
// transfer pipeline, and coordinator from configuration.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/config"
	"github.com/3leaps/nimbusgate/internal/events"
	"github.com/3leaps/nimbusgate/internal/server/handlers"
	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/credential"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/azure"
	"github.com/3leaps/nimbusgate/pkg/provider/file"
	"github.com/3leaps/nimbusgate/pkg/provider/memory"
	"github.com/3leaps/nimbusgate/pkg/provider/minio"
	"github.com/3leaps/nimbusgate/pkg/provider/s3"
	"github.com/3leaps/nimbusgate/pkg/provider/swift"
	"github.com/3leaps/nimbusgate/pkg/transfer"
)

// Gateway holds the wired core.
type Gateway struct {
	cfg        *config.Config
	logger     *zap.Logger
	httpClient *http.Client

	Broker      *credential.Broker
	Registry    *provider.Registry
	Pipeline    *transfer.Pipeline
	Coordinator *coordinator.Coordinator

	publisher *events.Publisher

	mu      sync.Mutex
	fileIDs map[string]bool
}

// New builds a gateway from cfg and registers every configured provider.
// Providers from cfg.ProvidersFile are expected to be merged into
// cfg.Providers already (config.Load does this).
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{}

	broker, err := credential.NewBroker(credential.Options{
		RefreshSkew:    cfg.Credentials.RefreshSkew,
		RefreshTimeout: cfg.Credentials.RefreshTimeout,
		HTTPClient:     httpClient,
		Logger:         logger.Named("credential"),
		Gateway:        cfg.Signing.Gateway(),
	})
	if err != nil {
		return nil, fmt.Errorf("credential broker: %w", err)
	}

	g := &Gateway{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
		Broker:     broker,
		Registry:   provider.NewRegistry(),
		fileIDs:    make(map[string]bool),
	}

	var pub coordinator.Publisher
	if cfg.Events.NATSURL != "" {
		var signer events.Signer
		if cfg.Signing.HMACSecret != "" {
			signer = broker
		}
		g.publisher, err = events.Connect(events.Config{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Timeout:       cfg.Events.Timeout,
		}, signer, logger.Named("events"))
		if err != nil {
			return nil, err
		}
		pub = g.publisher
	}

	g.Pipeline = transfer.New(transfer.Config{
		ChunkSize:       int(cfg.Transfer.ChunkSize),
		InlineThreshold: int64(cfg.Transfer.InlineThreshold),
		MaxBodySize:     int64(cfg.Transfer.MaxBodySize),
	}, logger.Named("transfer"))
	g.Coordinator = coordinator.New(coordinator.Options{
		Providers: g.Registry,
		Pipeline:  g.Pipeline,
		Retry:     cfg.Retry,
		Publisher: pub,
		Logger:    logger.Named("coordinator"),
	})

	for _, spec := range cfg.Providers {
		if err := g.add(ctx, spec); err != nil {
			_ = g.Close()
			return nil, err
		}
	}
	return g, nil
}

// Build creates the adapter described by spec and binds its credential.
func (g *Gateway) Build(ctx context.Context, spec config.ProviderSpec) (provider.Provider, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Credentials.Kind != "" {
		if err := g.Broker.Configure(spec.ID, spec.Credentials); err != nil {
			return nil, fmt.Errorf("provider %q: %w", spec.ID, err)
		}
	}
	logger := g.logger.With(zap.String("provider", spec.ID))

	var (
		p   provider.Provider
		err error
	)
	switch provider.ProviderType(spec.Type) {
	case provider.ProviderS3:
		opts := []s3.Option{s3.WithLogger(logger)}
		if spec.Credentials.Kind != "" {
			opts = append(opts, s3.WithCredentials(g.Broker))
		}
		p, err = asProvider(s3.New(ctx, spec.ID, *spec.S3, opts...))
	case provider.ProviderMinio:
		var creds minio.CredentialSource
		if spec.Credentials.Kind != "" {
			creds = g.Broker
		}
		p, err = asProvider(minio.New(ctx, spec.ID, *spec.MinIO, creds, logger))
	case provider.ProviderSwift:
		p, err = asProvider(swift.New(spec.ID, *spec.Swift, g.Broker, g.httpClient, logger))
	case provider.ProviderAzure:
		p, err = asProvider(azure.New(spec.ID, *spec.Azure, g.Broker, g.httpClient, logger))
	case provider.ProviderFile:
		p, err = asProvider(file.New(spec.ID, *spec.File, logger))
	case provider.ProviderMemory:
		var mc memory.Config
		if spec.Memory != nil {
			mc = *spec.Memory
		}
		p = memory.New(spec.ID, mc)
	default:
		err = fmt.Errorf("provider %q: unknown type %q", spec.ID, spec.Type)
	}
	if err != nil {
		if _, gerr := g.Registry.Get(spec.ID); gerr != nil {
			g.Broker.Forget(spec.ID)
		}
		return nil, err
	}
	return p, nil
}

// asProvider drops typed nil adapters so a failed constructor never yields a
// non-nil interface.
func asProvider[P provider.Provider](p P, err error) (provider.Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (g *Gateway) add(ctx context.Context, spec config.ProviderSpec) error {
	p, err := g.Build(ctx, spec)
	if err != nil {
		return err
	}
	if err := g.Registry.Register(p); err != nil {
		_ = p.Close()
		return err
	}
	g.logger.Info("Provider registered",
		zap.String("provider", spec.ID),
		zap.String("type", spec.Type),
		zap.Strings("capabilities", p.Capabilities().Names()))
	return nil
}

// Reload swaps in the providers listed in a providers file. Providers that
// came from an earlier version of the file and are no longer listed are
// removed. Ids defined inline in the main config cannot be overridden.
func (g *Gateway) Reload(ctx context.Context, specs []config.ProviderSpec) error {
	inline := make(map[string]bool, len(g.cfg.Providers))
	for _, s := range g.cfg.Providers {
		inline[s.ID] = true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	next := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if inline[spec.ID] && !g.fileIDs[spec.ID] {
			errs = append(errs, fmt.Errorf("provider %q is defined in the main config", spec.ID))
			continue
		}
		p, err := g.Build(ctx, spec)
		if err != nil {
			errs = append(errs, err)
			if g.fileIDs[spec.ID] {
				next[spec.ID] = true
			}
			continue
		}
		if err := g.Registry.Replace(p); err != nil {
			_ = p.Close()
			errs = append(errs, err)
			continue
		}
		next[spec.ID] = true
		g.logger.Info("Provider reloaded", zap.String("provider", spec.ID), zap.String("type", spec.Type))
	}
	for id := range g.fileIDs {
		if next[id] {
			continue
		}
		if err := g.Registry.Remove(id); err != nil {
			errs = append(errs, err)
		}
		g.Broker.Forget(id)
		g.logger.Info("Provider removed", zap.String("provider", id))
	}
	g.fileIDs = next
	return errors.Join(errs...)
}

// Watch starts reloading providers whenever the providers file changes.
// Watching stops when ctx is done. Without a providers file it does nothing.
func (g *Gateway) Watch(ctx context.Context) error {
	path := g.cfg.ProvidersFile
	if path == "" {
		return nil
	}
	specs, err := config.LoadProvidersFile(path)
	if err != nil {
		return err
	}
	g.mu.Lock()
	for _, s := range specs {
		g.fileIDs[s.ID] = true
	}
	g.mu.Unlock()

	return config.WatchProvidersFile(ctx, path, g.logger, func(specs []config.ProviderSpec) {
		if err := g.Reload(ctx, specs); err != nil {
			g.logger.Warn("Provider reload incomplete", zap.Error(err))
		}
	})
}

// Files returns the HTTP file API over this gateway.
func (g *Gateway) Files() *handlers.Files {
	var sealer handlers.Sealer
	if g.cfg.Signing.JWTSecret != "" && g.cfg.Signing.JWESecret != "" {
		sealer = g.Broker
	}
	return handlers.NewFiles(handlers.FilesOptions{
		Coordinator: g.Coordinator,
		Providers:   g.Registry,
		Sealer:      sealer,
		MaxBodySize: int64(g.cfg.Transfer.MaxBodySize),
		MaxURLTTL:   g.cfg.Signing.MaxURLTTL,
		Timeout:     g.cfg.Transfer.Timeout,
		Logger:      g.logger.Named("files"),
	})
}

// Spool buffers a non-seekable body so uploads can be retried, using the
// configured memory threshold.
func (g *Gateway) Spool(ctx context.Context, body io.Reader, size int64) (*transfer.Spool, error) {
	return transfer.NewSpool(ctx, body, size, int64(g.cfg.Transfer.SpoolMemory))
}

// CheckHealth reports whether at least one provider is registered.
func (g *Gateway) CheckHealth(context.Context) error {
	if len(g.Registry.IDs()) == 0 {
		return errors.New("no providers registered")
	}
	return nil
}

// Close releases adapters and the event connection.
func (g *Gateway) Close() error {
	var errs []error
	if g.publisher != nil {
		errs = append(errs, g.publisher.Close())
	}
	errs = append(errs, g.Registry.Close())
	return errors.Join(errs...)
}
