package credential

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// GatewaySecrets are the gateway's own signing secrets, distinct from any
// provider credential.
type GatewaySecrets struct {
	// HMACSecret signs outbound messages (event payloads).
	HMACSecret string

	// HMACAlgorithm is sha1, sha256 (default), or sha512.
	HMACAlgorithm string

	// JWTSecret signs sealed payloads (HS256).
	JWTSecret string

	// JWESecret and JWESalt derive the key that encrypts sealed payloads.
	JWESecret string
	JWESalt   string
}

type gatewaySigner struct {
	secrets GatewaySecrets
	jweKey  []byte
	now     func() time.Time
}

func newGatewaySigner(s GatewaySecrets, now func() time.Time) (*gatewaySigner, error) {
	if _, err := hashFor(s.HMACAlgorithm); err != nil {
		return nil, err
	}
	g := &gatewaySigner{secrets: s, now: now}
	if s.JWESecret != "" {
		g.jweKey = DeriveJWEKey(s.JWESecret, s.JWESalt)
	}
	return g, nil
}

// sealedClaims is the JWT body inside a sealed payload.
type sealedClaims struct {
	Data map[string]any `json:"data"`
	jwt.RegisteredClaims
}

// SealPayload signs data into a JWT carrying an expiry and encrypts it as
// a compact JWE. The result is URL-safe.
func (b *Broker) SealPayload(data map[string]any, ttl time.Duration) (string, error) {
	g := b.gateway
	if g.secrets.JWTSecret == "" || g.jweKey == nil {
		return "", provider.Errorf(provider.ErrUnsupported, "gateway sealing secrets are not configured")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("seal: ttl must be positive")
	}

	now := g.now()
	claims := sealedClaims{
		Data: data,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(g.secrets.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("seal: sign: %w", err)
	}
	return encryptCompact(g.jweKey, []byte(signed))
}

// OpenPayload decrypts and verifies a sealed payload and returns its data.
// Invalid, tampered, or expired tokens yield provider.ErrPermissionDenied.
func (b *Broker) OpenPayload(token string) (map[string]any, error) {
	g := b.gateway
	if g.secrets.JWTSecret == "" || g.jweKey == nil {
		return nil, provider.Errorf(provider.ErrUnsupported, "gateway sealing secrets are not configured")
	}

	signed, err := decryptCompact(g.jweKey, token)
	if err != nil {
		return nil, provider.Errorf(provider.ErrPermissionDenied, "sealed payload: %v", err)
	}

	var claims sealedClaims
	_, err = jwt.ParseWithClaims(string(signed), &claims, func(_ *jwt.Token) (any, error) {
		return []byte(g.secrets.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return nil, provider.Errorf(provider.ErrPermissionDenied, "sealed payload: %v", err)
	}
	if claims.Data == nil {
		return nil, provider.Errorf(provider.ErrPermissionDenied, "sealed payload: no data")
	}
	return claims.Data, nil
}

// SignMessage returns the hex HMAC of payload under the gateway secret.
func (b *Broker) SignMessage(payload []byte) (string, error) {
	g := b.gateway
	if g.secrets.HMACSecret == "" {
		return "", errors.New("gateway hmac secret is not configured")
	}
	newHash, _ := hashFor(g.secrets.HMACAlgorithm)
	mac := hmac.New(newHash, []byte(g.secrets.HMACSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyMessage checks a signature produced by SignMessage in constant time.
func (b *Broker) VerifyMessage(payload []byte, signature string) bool {
	want, err := b.SignMessage(payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}
