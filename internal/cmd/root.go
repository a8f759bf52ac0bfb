// Package cmd implements the nimbusgate command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/config"
	"github.com/3leaps/nimbusgate/internal/gateway"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/internal/server/handlers"
)

// AppIdentity names the binary for logs, env vars and config discovery.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	appIdentity = &AppIdentity{BinaryName: "nimbusgate", EnvPrefix: "NIMBUSGATE", ConfigName: "nimbusgate"}

	versionInfo = handlers.VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// Global persistent flags.
var (
	cfgFile  string
	logLevel string
	verbose  bool
	readOnly bool
)

var rootCmd = &cobra.Command{
	Use:   "nimbusgate",
	Short: "Storage gateway over S3, MinIO, Swift, Azure and local backends",
	Long: `nimbusgate serves one file API over several storage backends and
exposes the same operations from the command line.

Locations are written provider:/path, where provider is a configured
provider id. A trailing '/' names a folder.

Examples:
  nimbusgate serve
  nimbusgate stat archive:/reports/
  nimbusgate get archive:/reports/2024.csv -o 2024.csv
  nimbusgate cp archive:/reports/ backup:/reports/`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		if cfgFile != "" {
			config.SetConfigFile(cfgFile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: discovered nimbusgate.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Server log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI logging to stderr")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Refuse operations that modify storage")
}

// SetVersionInfo records build metadata injected through ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the application identity.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
// SIGINT and SIGTERM cancel the command context.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// loadConfig reads configuration with command-line overrides applied.
func loadConfig(ctx context.Context) (*config.Config, error) {
	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// openGateway loads configuration and wires every configured provider.
func openGateway(ctx context.Context) (*gateway.Gateway, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	g, err := gateway.New(ctx, cfg, observability.CLILogger)
	if err != nil {
		observability.CLILogger.Error("Failed to build gateway", zap.Error(err))
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage providers", err)
	}
	return g, nil
}

// requireWritable rejects mutating commands under --readonly.
func requireWritable(op string) error {
	if readOnly {
		return exitError(foundry.ExitInvalidArgument, op+" blocked", errors.New("readonly mode is enabled"))
	}
	return nil
}
