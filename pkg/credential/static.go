package credential

import (
	"context"
	"time"
)

// staticRefresher serves a key pair that never expires.
type staticRefresher struct {
	cfg Config
}

func (s *staticRefresher) Refresh(_ context.Context, current *Credential) (*Credential, error) {
	if current != nil {
		return current, nil
	}
	var attrs map[string]string
	if s.cfg.AccessKeyID != "" {
		attrs = map[string]string{AttrAccessKey: s.cfg.AccessKeyID}
	}
	return New("", KindStaticKeyPair, s.cfg.SecretAccessKey, time.Time{}, attrs), nil
}
