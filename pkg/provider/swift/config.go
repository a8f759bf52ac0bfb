// Package swift implements the provider interface for OpenStack Swift over
// its REST API.
//
// Authentication comes from the credential broker: a Keystone credential
// supplies both the X-Auth-Token and the object-store endpoint. TempURLs are
// signed with the provider's signing key through the broker, so the key
// never leaves it.
package swift

import (
	"fmt"
	"time"
)

// Config configures a Swift provider.
type Config struct {
	// Container is the Swift container (required).
	Container string `mapstructure:"container" yaml:"container"`

	// StorageURL overrides the object-store endpoint discovered from the
	// Keystone catalog (e.g. https://swift.example.com/v1/AUTH_project).
	StorageURL string `mapstructure:"storage_url" yaml:"storage_url"`

	// TempURLAlgorithm is the HMAC digest for TempURLs: sha1, sha256
	// (default), or sha512.
	TempURLAlgorithm string `mapstructure:"temp_url_algorithm" yaml:"temp_url_algorithm"`

	// ListLimit is the page size for container listings.
	ListLimit int `mapstructure:"list_limit" yaml:"list_limit"`

	// RequestsPerSecond paces backend requests. Zero disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Timeout bounds each backend request when the caller's context has no
	// deadline. Zero means none.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultListLimit is Swift's default container listing limit.
const DefaultListLimit = 10000

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Container == "" {
		return fmt.Errorf("swift config: container is required")
	}
	switch c.TempURLAlgorithm {
	case "", "sha1", "sha256", "sha512":
	default:
		return fmt.Errorf("swift config: unsupported temp_url_algorithm %q", c.TempURLAlgorithm)
	}
	if c.ListLimit < 0 {
		return fmt.Errorf("swift config: list_limit must not be negative")
	}
	return nil
}

func (c *Config) listLimit() int {
	if c.ListLimit <= 0 || c.ListLimit > DefaultListLimit {
		return DefaultListLimit
	}
	return c.ListLimit
}

func (c *Config) tempURLAlgorithm() string {
	if c.TempURLAlgorithm == "" {
		return "sha256"
	}
	return c.TempURLAlgorithm
}
