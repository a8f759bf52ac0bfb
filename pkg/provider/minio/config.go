// Package minio implements the provider interface for S3-compatible object
// stores through minio-go.
package minio

import "fmt"

// Config configures a MinIO provider.
type Config struct {
	// Endpoint is host[:port] without scheme (required).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Bucket is the bucket name (required).
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region avoids a bucket-location lookup on first use.
	Region string `mapstructure:"region" yaml:"region"`

	// Secure selects HTTPS.
	Secure bool `mapstructure:"secure" yaml:"secure"`

	// ForcePathStyle forces path-style bucket addressing.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// PartSize is the multipart part size for uploads of unknown length.
	PartSize uint64 `mapstructure:"part_size" yaml:"part_size"`
}

const (
	// DefaultRegion is used when Region is empty.
	DefaultRegion = "us-east-1"

	// DefaultPartSize keeps per-upload buffering bounded for unknown sizes.
	DefaultPartSize uint64 = 16 << 20

	minPartSize uint64 = 5 << 20
)

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("minio config: endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("minio config: bucket is required")
	}
	if c.PartSize != 0 && c.PartSize < minPartSize {
		return fmt.Errorf("minio config: part_size must be at least 5 MiB")
	}
	return nil
}

func (c *Config) region() string {
	if c.Region == "" {
		return DefaultRegion
	}
	return c.Region
}

func (c *Config) partSize() uint64 {
	if c.PartSize == 0 {
		return DefaultPartSize
	}
	return c.PartSize
}
