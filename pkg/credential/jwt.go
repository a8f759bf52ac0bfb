package credential

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenSigner issues signed JWTs with a fixed key.
type tokenSigner struct {
	method jwt.SigningMethod
	key    any
}

func newTokenSigner(cfg Config) (*tokenSigner, error) {
	switch cfg.SigningMethod {
	case "", "HS256":
		return &tokenSigner{method: jwt.SigningMethodHS256, key: []byte(cfg.JWTSecret)}, nil
	case "RS256":
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return &tokenSigner{method: jwt.SigningMethodRS256, key: key}, nil
	}
	return nil, fmt.Errorf("unsupported signing method %q", cfg.SigningMethod)
}

func (s *tokenSigner) sign(claims jwt.MapClaims) (string, error) {
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// verifyKey returns the key used to verify tokens this signer issued.
func (s *tokenSigner) verifyKey() any {
	if k, ok := s.key.(*rsa.PrivateKey); ok {
		return &k.PublicKey
	}
	return s.key
}

// jwtRefresher re-signs the configured claims with a fresh expiry.
type jwtRefresher struct {
	issuer string
	cfg    Config
	signer *tokenSigner
	now    func() time.Time
}

func newJWTRefresher(providerID string, cfg Config, now func() time.Time) (*jwtRefresher, error) {
	signer, err := newTokenSigner(cfg)
	if err != nil {
		return nil, err
	}
	return &jwtRefresher{issuer: providerID, cfg: cfg, signer: signer, now: now}, nil
}

func (j *jwtRefresher) claims() (jwt.MapClaims, time.Time) {
	now := j.now()
	exp := now.Add(j.cfg.ttl())

	claims := jwt.MapClaims{}
	for k, v := range j.cfg.Claims {
		claims[k] = v
	}
	claims["iss"] = "nimbusgate/" + j.issuer
	claims["iat"] = jwt.NewNumericDate(now)
	claims["nbf"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(exp)
	claims["jti"] = uuid.NewString()
	if j.cfg.Subject != "" {
		claims["sub"] = j.cfg.Subject
	}
	if j.cfg.Audience != "" {
		claims["aud"] = j.cfg.Audience
	}
	return claims, exp
}

func (j *jwtRefresher) Refresh(_ context.Context, _ *Credential) (*Credential, error) {
	claims, exp := j.claims()
	signed, err := j.signer.sign(claims)
	if err != nil {
		return nil, err
	}
	return New("", KindSignedJWT, signed, exp, nil), nil
}
