package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// identity names the application for env vars and config discovery.
type identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var defaultIdentity = identity{
	BinaryName: "nimbusgate",
	EnvPrefix:  "NIMBUSGATE",
	ConfigName: "nimbusgate",
}

var (
	configMu    sync.RWMutex
	appIdentity *identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile pins an explicit config file, bypassing discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// envSpec maps one environment variable to a config key.
type envSpec struct {
	Name string
	Path string
}

var envKeys = []struct{ suffix, path string }{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DEBUG", "debug.enabled"},
	{"PPROF_ENABLED", "debug.pprof_enabled"},
	{"CHUNK_SIZE", "transfer.chunk_size"},
	{"INLINE_THRESHOLD", "transfer.inline_threshold"},
	{"MAX_BODY_SIZE", "transfer.max_body_size"},
	{"TRANSFER_TIMEOUT", "transfer.timeout"},
	{"RETRY_MAX_ATTEMPTS", "retry.max_attempts"},
	{"HMAC_SECRET", "signing.hmac_secret"},
	{"JWT_SECRET", "signing.jwt_secret"},
	{"JWE_SECRET", "signing.jwe_secret"},
	{"JWE_SALT", "signing.jwe_salt"},
	{"NATS_URL", "events.nats_url"},
	{"EVENTS_SUBJECT_PREFIX", "events.subject_prefix"},
	{"RATE_LIMIT_RPS", "ratelimit.requests_per_second"},
	{"PROVIDERS_FILE", "providers_file"},
}

// getEnvSpecs returns the explicit env mappings. Other keys are still
// reachable as NIMBUSGATE_<SECTION>_<KEY>.
func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return nil
	}
	specs := make([]envSpec, 0, len(envKeys))
	for _, k := range envKeys {
		specs = append(specs, envSpec{Name: appIdentity.EnvPrefix + "_" + k.suffix, Path: k.path})
	}
	return specs
}

// setDefaults installs the built-in defaults on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("transfer.chunk_size", "64KiB")
	v.SetDefault("transfer.inline_threshold", "256KiB")
	v.SetDefault("transfer.max_body_size", "50GiB")
	v.SetDefault("transfer.spool_memory", "16MiB")
	v.SetDefault("transfer.timeout", "0s")

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", "200ms")
	v.SetDefault("retry.max_delay", "5s")

	v.SetDefault("credentials.refresh_skew", "2m")
	v.SetDefault("credentials.refresh_timeout", "30s")

	v.SetDefault("signing.hmac_algorithm", "sha256")
	v.SetDefault("signing.max_url_ttl", "168h")

	v.SetDefault("events.subject_prefix", "nimbusgate")
	v.SetDefault("events.timeout", "5s")

	v.SetDefault("ratelimit.requests_per_second", 0)
	v.SetDefault("ratelimit.burst", 20)
}

// Load builds the configuration. Precedence, lowest first: defaults,
// config file, environment, overrides. The result becomes the value
// returned by GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()
	if appIdentity == nil {
		id := defaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(appIdentity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		byteSizeHook(),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.ProvidersFile != "" {
		specs, err := LoadProvidersFile(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		cfg.Providers = append(cfg.Providers, specs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = cfg
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}

	candidates := getUserConfigPaths()
	if root, err := findProjectRoot(); err == nil {
		candidates = append(candidates, filepath.Join(root, appIdentity.ConfigName+".yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return nil
}

// getUserConfigPaths lists per-user config locations, most general first.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return nil
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appIdentity.ConfigName, appIdentity.ConfigName+".yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+appIdentity.ConfigName+".yaml"))
	}
	return paths
}

var ciBoundaryVars = []string{"NIMBUSGATE_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot returns the nearest ancestor of the working directory
// holding go.mod or .git. In CI a workspace variable bounds the search
// when it names an absolute directory containing the working directory.
// Without a marker the working directory itself is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	boundary := ""
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, name := range ciBoundaryVars {
			b := os.Getenv(name)
			if b == "" || !filepath.IsAbs(b) {
				continue
			}
			if st, err := os.Stat(b); err != nil || !st.IsDir() {
				continue
			}
			if rel, err := filepath.Rel(b, cwd); err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			boundary = filepath.Clean(b)
			break
		}
	}

	for dir := cwd; ; dir = filepath.Dir(dir) {
		for _, marker := range []string{"go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			} else if !errors.Is(err, os.ErrNotExist) {
				return "", err
			}
		}
		if dir == boundary || filepath.Dir(dir) == dir {
			break
		}
	}
	if boundary != "" {
		return boundary, nil
	}
	return cwd, nil
}
