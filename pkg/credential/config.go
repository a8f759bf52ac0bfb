package credential

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Config is the secret material and scheme settings for one provider.
//
// Only the fields relevant to Kind are read.
type Config struct {
	Kind Kind `mapstructure:"kind" yaml:"kind"`

	// Static key pair. Also the source of the Azure account key.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`

	// OAuth. TokenURL wins over Issuer discovery. Without a RefreshToken the
	// client-credentials grant is used.
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	TokenURL     string   `mapstructure:"token_url" yaml:"token_url"`
	Issuer       string   `mapstructure:"issuer" yaml:"issuer"`
	RefreshToken string   `mapstructure:"refresh_token" yaml:"refresh_token"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`

	// JWT and JWE.
	SigningMethod string         `mapstructure:"signing_method" yaml:"signing_method"` // HS256 or RS256
	JWTSecret     string         `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	PrivateKeyPEM string         `mapstructure:"private_key_pem" yaml:"private_key_pem"`
	Subject       string         `mapstructure:"subject" yaml:"subject"`
	Audience      string         `mapstructure:"audience" yaml:"audience"`
	TTL           time.Duration  `mapstructure:"ttl" yaml:"ttl"`
	Claims        map[string]any `mapstructure:"claims" yaml:"claims"`
	JWESecret     string         `mapstructure:"jwe_secret" yaml:"jwe_secret"`
	JWESalt       string         `mapstructure:"jwe_salt" yaml:"jwe_salt"`

	// Keystone v3 password auth.
	AuthURL       string `mapstructure:"auth_url" yaml:"auth_url"`
	Username      string `mapstructure:"username" yaml:"username"`
	Password      string `mapstructure:"password" yaml:"password"`
	UserDomain    string `mapstructure:"user_domain" yaml:"user_domain"`
	Project       string `mapstructure:"project" yaml:"project"`
	ProjectDomain string `mapstructure:"project_domain" yaml:"project_domain"`
	Region        string `mapstructure:"region" yaml:"region"`
	Interface     string `mapstructure:"interface" yaml:"interface"`

	// SigningKey is the HMAC key for URL and request signing (Swift TempURL
	// key, Azure account key). Base64 keys set SigningKeyBase64.
	SigningKey       string `mapstructure:"signing_key" yaml:"signing_key"`
	SigningKeyBase64 bool   `mapstructure:"signing_key_base64" yaml:"signing_key_base64"`
}

// DefaultTokenTTL is the lifetime of self-issued JWT/JWE tokens.
const DefaultTokenTTL = time.Hour

// Validate checks the fields required by Kind are present.
func (c Config) Validate() error {
	switch c.Kind {
	case KindStaticKeyPair:
		if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
			return errors.New("both access key ID and secret access key must be provided together")
		}
	case KindOAuthBearer:
		if c.ClientID == "" {
			return errors.New("oauth: client_id is required")
		}
		if c.TokenURL == "" && c.Issuer == "" {
			return errors.New("oauth: token_url or issuer is required")
		}
	case KindSignedJWT, KindEncryptedJWE:
		switch c.SigningMethod {
		case "", "HS256":
			if c.JWTSecret == "" {
				return fmt.Errorf("%s: jwt_secret is required for HS256", c.Kind)
			}
		case "RS256":
			if c.PrivateKeyPEM == "" {
				return fmt.Errorf("%s: private_key_pem is required for RS256", c.Kind)
			}
		default:
			return fmt.Errorf("%s: unsupported signing method %q", c.Kind, c.SigningMethod)
		}
		if c.Kind == KindEncryptedJWE && (c.JWESecret == "" || c.JWESalt == "") {
			return errors.New("jwe: jwe_secret and jwe_salt are required")
		}
	case KindKeystoneToken:
		if c.AuthURL == "" || c.Username == "" || c.Password == "" {
			return errors.New("keystone: auth_url, username and password are required")
		}
	case "":
		return errors.New("credential kind is required")
	default:
		return fmt.Errorf("unknown credential kind %q", c.Kind)
	}
	return nil
}

func (c Config) signingKeyBytes() ([]byte, error) {
	if c.SigningKey == "" {
		return nil, nil
	}
	if !c.SigningKeyBase64 {
		return []byte(c.SigningKey), nil
	}
	key, err := base64.StdEncoding.DecodeString(c.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("signing_key: invalid base64: %w", err)
	}
	return key, nil
}

func (c Config) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTokenTTL
}

func newRefresher(providerID string, cfg Config, client *http.Client, now func() time.Time) (Refresher, error) {
	switch cfg.Kind {
	case KindStaticKeyPair:
		return &staticRefresher{cfg: cfg}, nil
	case KindOAuthBearer:
		return newOAuthRefresher(cfg, client), nil
	case KindSignedJWT:
		return newJWTRefresher(providerID, cfg, now)
	case KindEncryptedJWE:
		return newJWERefresher(providerID, cfg, now)
	case KindKeystoneToken:
		return newKeystoneRefresher(cfg, client), nil
	}
	return nil, fmt.Errorf("unknown credential kind %q", cfg.Kind)
}
