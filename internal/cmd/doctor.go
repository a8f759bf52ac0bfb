package cmd

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/config"
	"github.com/3leaps/nimbusgate/internal/gateway"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/pkg/credential"
	"github.com/3leaps/nimbusgate/pkg/entity"
)

var (
	doctorProvider string
	doctorTimeout  time.Duration
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment, the configuration and every
configured provider, and suggest fixes for common issues.

Examples:
  nimbusgate doctor                     # Full check
  nimbusgate doctor --provider archive  # One provider only`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Only check this provider id")
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 10*time.Second, "Per-provider reachability timeout")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	log := observability.CLILogger
	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")

	ok := true

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info("Checking Go version... ✅ "+goVersion, zap.String("go_version", goVersion))
	} else {
		log.Warn("Checking Go version... ⚠️  "+goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
		ok = false
	}

	version := crucible.GetVersion()
	if version.Crucible != "" && version.Gofulmen != "" {
		log.Info(fmt.Sprintf("Checking Fulmen libraries... ✅ crucible v%s, gofulmen v%s", version.Crucible, version.Gofulmen))
	} else {
		log.Warn("Checking Fulmen libraries... ⚠️  version metadata unavailable")
	}

	log.Info(fmt.Sprintf("Checking environment... ✅ %s/%s", runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS), zap.String("arch", runtime.GOARCH))

	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		log.Error("Checking configuration... ❌ cannot load", zap.Error(err))
		return err
	}
	log.Info(fmt.Sprintf("Checking configuration... ✅ %d provider(s)", len(cfg.Providers)))

	checkSigning(log, cfg.Signing)

	specs := cfg.Providers
	if doctorProvider != "" {
		specs = nil
		for _, s := range cfg.Providers {
			if s.ID == doctorProvider {
				specs = append(specs, s)
			}
		}
		if len(specs) == 0 {
			return exitError(foundry.ExitInvalidArgument, "Unknown provider",
				fmt.Errorf("no provider with id %q is configured", doctorProvider))
		}
		cfg.Providers = specs
	}

	g, err := gateway.New(cmd.Context(), cfg, log)
	if err != nil {
		log.Error("Building providers... ❌", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to build providers", err)
	}
	defer func() { _ = g.Close() }()

	log.Info("")
	log.Info("Provider checks:")
	for _, spec := range specs {
		if !checkProvider(cmd.Context(), log, g, spec) {
			ok = false
		}
	}

	log.Info("")
	if !ok {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", errors.New("one or more checks failed"))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	log.Info("=== End Diagnostics ===")
	return nil
}

// checkSigning reports which signed-URL fallbacks are available.
func checkSigning(log *zap.Logger, s config.SigningConfig) {
	switch {
	case s.JWESecret == "":
		log.Warn("Checking signing secrets... ⚠️  no jwe_secret, providers without native signing cannot issue URLs")
	case s.JWESalt == "":
		log.Warn("Checking signing secrets... ⚠️  jwe_secret is set without jwe_salt")
	default:
		log.Info("Checking signing secrets... ✅ gateway signed URLs enabled")
	}
}

func checkProvider(ctx context.Context, log *zap.Logger, g *gateway.Gateway, spec config.ProviderSpec) bool {
	fields := []zap.Field{zap.String("provider", spec.ID), zap.String("type", spec.Type)}
	if spec.Credentials.Kind == credential.KindStaticKeyPair && spec.Credentials.AccessKeyID != "" {
		fields = append(fields, zap.String("access_key", maskAccessKey(spec.Credentials.AccessKeyID)))
	}

	p, err := g.Registry.Get(spec.ID)
	if err != nil {
		log.Error(fmt.Sprintf("  %s... ❌ not registered", spec.ID), append(fields, zap.Error(err))...)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	start := time.Now()
	if _, err := p.Metadata(ctx, entity.RootPath()); err != nil {
		log.Error(fmt.Sprintf("  %s... ❌ unreachable", spec.ID), append(fields, zap.Error(err))...)
		printCredentialsHelp(spec.Type)
		return false
	}
	log.Info(fmt.Sprintf("  %s... ✅ reachable in %s", spec.ID, time.Since(start).Round(time.Millisecond)),
		append(fields, zap.Strings("capabilities", p.Capabilities().Names()))...)
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printCredentialsHelp prints hints for configuring credentials of a provider type.
func printCredentialsHelp(providerType string) {
	log := observability.CLILogger
	switch providerType {
	case "s3", "minio":
		log.Info("    Set credentials.kind: static with access_key_id and secret_access_key,")
		log.Info("    or leave credentials empty on s3 to use the AWS default chain (env, profile, IMDS).")
		log.Info("    For S3-compatible storage also set the endpoint in the provider block.")
	case "swift":
		log.Info("    Set credentials.kind: keystone with auth_url, username, password and project.")
	case "azure":
		log.Info("    Set credentials.kind: static with the account key (auth: shared_key), or oauth with auth: bearer.")
	case "file":
		log.Info("    Check that file.base_dir exists and is readable.")
	}
}
