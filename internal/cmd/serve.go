package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/gateway"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/internal/server"
	"github.com/3leaps/nimbusgate/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long: `Run the HTTP file API over every configured provider.

The providers file, when configured, is watched and reloaded on change.
SIGINT or SIGTERM drains in-flight requests and exits.

Examples:
  nimbusgate serve
  nimbusgate serve --host 0.0.0.0 --port 9000
  NIMBUSGATE_LOG_LEVEL=debug nimbusgate serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}

	if err := observability.InitServerLogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger

	g, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to build gateway", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage providers", err)
	}
	defer func() { _ = g.Close() }()

	if cfg.Health.Enabled {
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("signal", signalHealthChecker{ctx: ctx})
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: appIdentity.BinaryName,
			envPrefix:  appIdentity.EnvPrefix,
			configName: appIdentity.ConfigName,
		})
		hm.RegisterChecker("providers", g)
	}

	if err := g.Watch(ctx); err != nil {
		logger.Warn("Providers file is not watched", zap.String("path", cfg.ProvidersFile), zap.Error(err))
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithVersion(versionInfo),
		server.WithFiles(g.Files()),
		server.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		server.WithPprof(cfg.Debug.PprofEnabled),
		server.WithLogger(logger),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	)

	logger.Info("Starting nimbusgate",
		zap.String("version", versionInfo.Version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Strings("providers", g.Registry.IDs()))

	if err := srv.Start(ctx); err != nil {
		logger.Error("Server failed", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	logger.Info("Server stopped")
	return nil
}

// signalHealthChecker reports unhealthy once shutdown has been signalled.
type signalHealthChecker struct {
	ctx context.Context
}

func (c signalHealthChecker) CheckHealth(context.Context) error {
	if c.ctx != nil && c.ctx.Err() != nil {
		return errors.New("shutting down")
	}
	return nil
}

// identityHealthChecker verifies the app identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity: missing env prefix")
	case c.configName == "":
		return errors.New("app identity: missing config name")
	}
	return nil
}

var _ handlers.HealthChecker = (*gateway.Gateway)(nil)
