// Package config loads nimbusgate configuration from defaults, config
// files, NIMBUSGATE_ environment variables and runtime overrides.
package config

import (
	"fmt"
	"time"

	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/credential"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/azure"
	"github.com/3leaps/nimbusgate/pkg/provider/file"
	"github.com/3leaps/nimbusgate/pkg/provider/memory"
	"github.com/3leaps/nimbusgate/pkg/provider/minio"
	"github.com/3leaps/nimbusgate/pkg/provider/s3"
	"github.com/3leaps/nimbusgate/pkg/provider/swift"
)

// Config is the complete application configuration.
type Config struct {
	Server        ServerConfig            `mapstructure:"server"`
	Logging       LoggingConfig           `mapstructure:"logging"`
	Health        HealthConfig            `mapstructure:"health"`
	Debug         DebugConfig             `mapstructure:"debug"`
	Transfer      TransferConfig          `mapstructure:"transfer"`
	Retry         coordinator.RetryConfig `mapstructure:"retry"`
	Credentials   CredentialsConfig       `mapstructure:"credentials"`
	Signing       SigningConfig           `mapstructure:"signing"`
	Events        EventsConfig            `mapstructure:"events"`
	RateLimit     RateLimitConfig         `mapstructure:"ratelimit"`
	Providers     []ProviderSpec          `mapstructure:"providers"`
	ProvidersFile string                  `mapstructure:"providers_file"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures the server logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig toggles debug surfaces.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// TransferConfig bounds streaming transfers. Sizes accept human forms
// such as "64KiB" or "50GB".
type TransferConfig struct {
	ChunkSize       ByteSize      `mapstructure:"chunk_size"`
	InlineThreshold ByteSize      `mapstructure:"inline_threshold"`
	MaxBodySize     ByteSize      `mapstructure:"max_body_size"`
	SpoolMemory     ByteSize      `mapstructure:"spool_memory"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// CredentialsConfig tunes the credential broker.
type CredentialsConfig struct {
	RefreshSkew    time.Duration `mapstructure:"refresh_skew"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

// SigningConfig holds the gateway's own secrets.
type SigningConfig struct {
	HMACSecret    string        `mapstructure:"hmac_secret"`
	HMACAlgorithm string        `mapstructure:"hmac_algorithm"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWESecret     string        `mapstructure:"jwe_secret"`
	JWESalt       string        `mapstructure:"jwe_salt"`
	MaxURLTTL     time.Duration `mapstructure:"max_url_ttl"`
}

// Gateway converts the settings to broker secrets.
func (s SigningConfig) Gateway() credential.GatewaySecrets {
	return credential.GatewaySecrets{
		HMACSecret:    s.HMACSecret,
		HMACAlgorithm: s.HMACAlgorithm,
		JWTSecret:     s.JWTSecret,
		JWESecret:     s.JWESecret,
		JWESalt:       s.JWESalt,
	}
}

// EventsConfig configures mutation events. An empty NATSURL disables them.
type EventsConfig struct {
	NATSURL       string        `mapstructure:"nats_url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig limits requests per client address. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ProviderSpec configures one adapter instance. Exactly the block matching
// Type is read.
type ProviderSpec struct {
	ID          string            `mapstructure:"id" yaml:"id"`
	Type        string            `mapstructure:"type" yaml:"type"`
	Credentials credential.Config `mapstructure:"credentials" yaml:"credentials"`

	S3     *s3.Config     `mapstructure:"s3" yaml:"s3"`
	MinIO  *minio.Config  `mapstructure:"minio" yaml:"minio"`
	Swift  *swift.Config  `mapstructure:"swift" yaml:"swift"`
	Azure  *azure.Config  `mapstructure:"azure" yaml:"azure"`
	File   *file.Config   `mapstructure:"file" yaml:"file"`
	Memory *memory.Config `mapstructure:"memory" yaml:"memory"`
}

// Validate checks that p names a known type and carries its settings block.
func (p ProviderSpec) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	var missing bool
	switch provider.ProviderType(p.Type) {
	case provider.ProviderS3:
		missing = p.S3 == nil
	case provider.ProviderMinio:
		missing = p.MinIO == nil
	case provider.ProviderSwift:
		missing = p.Swift == nil
	case provider.ProviderAzure:
		missing = p.Azure == nil
	case provider.ProviderFile:
		missing = p.File == nil
	case provider.ProviderMemory:
	default:
		return fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
	}
	if missing {
		return fmt.Errorf("provider %q: missing %s settings", p.ID, p.Type)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Transfer.ChunkSize < 0 || c.Transfer.MaxBodySize < 0 {
		return fmt.Errorf("transfer sizes must not be negative")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %q configured twice", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
