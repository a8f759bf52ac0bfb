package credential

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters for deriving JWE content keys from a secret and salt.
const (
	kdfIterations = 100000
	kdfKeyLen     = 32
)

// DeriveJWEKey derives an A256GCM direct-encryption key.
func DeriveJWEKey(secret, salt string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(salt), kdfIterations, kdfKeyLen, sha256.New)
}

var (
	jweKeyAlgorithms      = []jose.KeyAlgorithm{jose.DIRECT}
	jweContentEncryptions = []jose.ContentEncryption{jose.A256GCM}
)

// encryptCompact wraps plaintext in a compact JWE using direct A256GCM.
func encryptCompact(key []byte, plaintext []byte) (string, error) {
	enc, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		(&jose.EncrypterOptions{}).WithContentType("JWT"))
	if err != nil {
		return "", fmt.Errorf("jwe encrypter: %w", err)
	}
	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("jwe encrypt: %w", err)
	}
	return obj.CompactSerialize()
}

// decryptCompact reverses encryptCompact.
func decryptCompact(key []byte, token string) ([]byte, error) {
	obj, err := jose.ParseEncrypted(token, jweKeyAlgorithms, jweContentEncryptions)
	if err != nil {
		return nil, fmt.Errorf("jwe parse: %w", err)
	}
	plaintext, err := obj.Decrypt(key)
	if err != nil {
		return nil, fmt.Errorf("jwe decrypt: %w", err)
	}
	return plaintext, nil
}

// jweRefresher issues a signed JWT wrapped in a compact JWE.
type jweRefresher struct {
	inner *jwtRefresher
	key   []byte
}

func newJWERefresher(providerID string, cfg Config, now func() time.Time) (*jweRefresher, error) {
	inner, err := newJWTRefresher(providerID, cfg, now)
	if err != nil {
		return nil, err
	}
	return &jweRefresher{inner: inner, key: DeriveJWEKey(cfg.JWESecret, cfg.JWESalt)}, nil
}

func (j *jweRefresher) Refresh(ctx context.Context, current *Credential) (*Credential, error) {
	signed, err := j.inner.Refresh(ctx, current)
	if err != nil {
		return nil, err
	}
	sealed, err := encryptCompact(j.key, []byte(signed.Token()))
	if err != nil {
		return nil, err
	}
	return New("", KindEncryptedJWE, sealed, signed.ExpiresAt, nil), nil
}
