// Package credential obtains, caches, refreshes, and signs the credentials
// storage adapters need.
//
// Every scheme (OAuth bearer, signed JWT, encrypted JWE, Keystone token,
// static key pair) produces the same Credential value and is refreshed by an
// isolated Refresher strategy selected by Kind. The Broker owns all
// credentials: adapters read them, only the Broker replaces them, and at most
// one refresh per provider is in flight at a time.
package credential

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// Kind identifies a credential scheme.
type Kind string

const (
	// KindOAuthBearer is an OAuth 2.0 access token.
	KindOAuthBearer Kind = "oauth"

	// KindSignedJWT is a self-issued signed JWT.
	KindSignedJWT Kind = "jwt"

	// KindEncryptedJWE is a signed JWT wrapped in a compact JWE.
	KindEncryptedJWE Kind = "jwe"

	// KindKeystoneToken is an OpenStack Keystone v3 token.
	KindKeystoneToken Kind = "keystone"

	// KindStaticKeyPair is a long-lived access key id and secret.
	KindStaticKeyPair Kind = "static"
)

// Valid reports whether k is a known scheme.
func (k Kind) Valid() bool {
	switch k {
	case KindOAuthBearer, KindSignedJWT, KindEncryptedJWE, KindKeystoneToken, KindStaticKeyPair:
		return true
	}
	return false
}

const redacted = "[REDACTED]"

// Attribute keys set by strategies.
const (
	AttrStorageURL = "storage_url"
	AttrTokenType  = "token_type"
	AttrAccessKey  = "access_key_id"
)

// Credential is an opaque, provider-scoped secret bundle.
//
// The secret is unexported and never rendered: String, GoString,
// MarshalJSON and MarshalLogObject all redact it. A Credential is never
// mutated after the broker publishes it.
type Credential struct {
	// ProviderID is the owning provider.
	ProviderID string

	// Kind is the scheme that produced the credential.
	Kind Kind

	// ExpiresAt is the expiry. The zero value means the credential never expires.
	ExpiresAt time.Time

	// Attributes carries non-secret values discovered during refresh.
	Attributes map[string]string

	secret string
}

// New builds a credential. Strategies outside this package use it to
// implement custom refreshers.
func New(providerID string, kind Kind, secret string, expiresAt time.Time, attrs map[string]string) *Credential {
	return &Credential{
		ProviderID: providerID,
		Kind:       kind,
		ExpiresAt:  expiresAt,
		Attributes: copyAttrs(attrs),
		secret:     secret,
	}
}

// Token returns the raw secret (bearer token, signed token, or secret key).
// Callers must not log or persist it.
func (c *Credential) Token() string {
	if c == nil {
		return ""
	}
	return c.secret
}

// Attr returns a non-secret attribute, or "".
func (c *Credential) Attr(key string) string {
	if c == nil {
		return ""
	}
	return c.Attributes[key]
}

// NeverExpires reports whether the credential has no expiry.
func (c *Credential) NeverExpires() bool {
	return c.ExpiresAt.IsZero()
}

// Expired reports whether the credential is past its expiry at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.NeverExpires() && !now.Before(c.ExpiresAt)
}

// NeedsRefresh reports whether the expiry falls inside the skew window.
func (c *Credential) NeedsRefresh(now time.Time, skew time.Duration) bool {
	return !c.NeverExpires() && !now.Add(skew).Before(c.ExpiresAt)
}

// String implements fmt.Stringer with the secret redacted.
func (c *Credential) String() string {
	if c == nil {
		return "Credential(nil)"
	}
	exp := "never"
	if !c.NeverExpires() {
		exp = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Credential{provider=%s kind=%s expires=%s secret=%s}", c.ProviderID, c.Kind, exp, redacted)
}

// GoString implements fmt.GoStringer so %#v stays redacted.
func (c *Credential) GoString() string {
	return c.String()
}

// MarshalJSON renders the credential without its secret.
func (c *Credential) MarshalJSON() ([]byte, error) {
	out := struct {
		ProviderID string            `json:"provider"`
		Kind       Kind              `json:"kind"`
		ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
		Attributes map[string]string `json:"attributes,omitempty"`
		Secret     string            `json:"secret"`
	}{
		ProviderID: c.ProviderID,
		Kind:       c.Kind,
		Attributes: c.Attributes,
		Secret:     redacted,
	}
	if !c.NeverExpires() {
		exp := c.ExpiresAt.UTC()
		out.ExpiresAt = &exp
	}
	return json.Marshal(out)
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c *Credential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("provider", c.ProviderID)
	enc.AddString("kind", string(c.Kind))
	if !c.NeverExpires() {
		enc.AddTime("expires_at", c.ExpiresAt)
	}
	enc.AddString("secret", redacted)
	return nil
}

func copyAttrs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
