// Package s3 implements the provider interface for AWS S3 and S3-compatible
// storage through the AWS SDK v2.
package s3

// Config configures an S3 provider.
//
// Credential priority:
//  1. A static key pair served by the credential broker (if it has an access key)
//  2. The AWS SDK v2 default chain (environment, shared config, EC2/ECS/EKS roles)
//
// Region handling:
//   - An explicit Region always wins.
//   - Otherwise the SDK resolves one from environment/profile.
//   - When UseInstanceRegion is set and nothing resolved, the region is read
//     from EC2 instance metadata (IMDS).
//   - For AWS S3 the final fallback is us-east-1. When Endpoint is set, no
//     default region is applied.
//
// For S3-compatible stores (Wasabi, MinIO, DigitalOcean Spaces), set
// Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the AWS region.
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Leave empty for AWS S3.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Profile is the AWS profile name to use from shared config.
	Profile string `mapstructure:"profile" yaml:"profile"`

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// UseInstanceRegion discovers the region from EC2 instance metadata
	// when no other source provides one.
	UseInstanceRegion bool `mapstructure:"use_instance_region" yaml:"use_instance_region"`

	// MaxKeys is the page size for folder listings.
	// Zero uses the provider default (1000). Values over 1000 are clamped.
	MaxKeys int `mapstructure:"max_keys" yaml:"max_keys"`

	// PartSize is the multipart upload part size. Payloads that fit in one
	// part are sent with a single PutObject.
	PartSize int64 `mapstructure:"part_size" yaml:"part_size"`
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Multipart part size limits.
const (
	MinPartSize     int64 = 5 << 20
	DefaultPartSize int64 = 8 << 20
	MaxParts              = 10000
)

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if c.PartSize != 0 && c.PartSize < MinPartSize {
		return &ConfigError{Field: "PartSize", Message: "part size must be at least 5 MiB"}
	}
	return nil
}

func (c *Config) partSize() int64 {
	if c.PartSize <= 0 {
		return DefaultPartSize
	}
	return c.PartSize
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
