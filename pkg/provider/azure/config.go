// Package azure implements the provider interface for Azure Blob Storage
// over its REST API.
//
// Requests are authorized either with SharedKey, where the account key stays
// inside the credential broker and only signatures leave it, or with an
// OAuth bearer token issued by the broker. Service SAS URLs need the account
// key and are only offered in SharedKey mode.
package azure

import (
	"fmt"
	"time"
)

// Auth modes.
const (
	AuthSharedKey = "shared_key"
	AuthBearer    = "bearer"
)

const (
	// APIVersion is the x-ms-version sent with every request.
	APIVersion = "2021-08-06"

	// DefaultBlockSize is the staged block size for large uploads.
	DefaultBlockSize = 8 << 20

	// MaxBlockSize is the service limit for one Put Block call.
	MaxBlockSize = 4000 << 20

	// MaxBlocks is the service limit of committed blocks per blob.
	MaxBlocks = 50000

	// MaxListResults is the List Blobs page limit.
	MaxListResults = 5000

	// DefaultCopyPollInterval spaces Get Blob Properties calls while an
	// asynchronous copy is pending.
	DefaultCopyPollInterval = 500 * time.Millisecond
)

// Config configures an Azure Blob provider.
type Config struct {
	// Account is the storage account name (required).
	Account string `mapstructure:"account" yaml:"account"`

	// Container is the blob container (required).
	Container string `mapstructure:"container" yaml:"container"`

	// Endpoint overrides https://<account>.blob.core.windows.net, for
	// example to target Azurite.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Auth selects shared_key (default) or bearer.
	Auth string `mapstructure:"auth" yaml:"auth"`

	// BlockSize is the staged block size in bytes.
	BlockSize int64 `mapstructure:"block_size" yaml:"block_size"`

	// ListLimit is the List Blobs page size.
	ListLimit int `mapstructure:"list_limit" yaml:"list_limit"`

	// CopyPollInterval spaces polls of a pending server-side copy.
	CopyPollInterval time.Duration `mapstructure:"copy_poll_interval" yaml:"copy_poll_interval"`

	// RequestsPerSecond paces backend requests. Zero disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Timeout bounds each backend request. Zero means none.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Account == "" {
		return fmt.Errorf("azure config: account is required")
	}
	if c.Container == "" {
		return fmt.Errorf("azure config: container is required")
	}
	switch c.Auth {
	case "", AuthSharedKey, AuthBearer:
	default:
		return fmt.Errorf("azure config: unknown auth mode %q", c.Auth)
	}
	if c.BlockSize < 0 || c.BlockSize > MaxBlockSize {
		return fmt.Errorf("azure config: block_size must be between 0 and %d", MaxBlockSize)
	}
	if c.ListLimit < 0 {
		return fmt.Errorf("azure config: list_limit must not be negative")
	}
	return nil
}

func (c *Config) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net", c.Account)
}

func (c *Config) auth() string {
	if c.Auth == "" {
		return AuthSharedKey
	}
	return c.Auth
}

func (c *Config) blockSize() int64 {
	if c.BlockSize <= 0 {
		return DefaultBlockSize
	}
	return c.BlockSize
}

func (c *Config) listLimit() int {
	if c.ListLimit <= 0 || c.ListLimit > MaxListResults {
		return MaxListResults
	}
	return c.ListLimit
}

func (c *Config) copyPollInterval() time.Duration {
	if c.CopyPollInterval <= 0 {
		return DefaultCopyPollInterval
	}
	return c.CopyPollInterval
}
