package credential

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingRefresher issues tokens that live for ttl and counts calls.
type countingRefresher struct {
	clock *fakeClock
	ttl   time.Duration
	calls atomic.Int32
	gate  chan struct{}
	fail  atomic.Bool
}

func (r *countingRefresher) Refresh(ctx context.Context, _ *Credential) (*Credential, error) {
	n := r.calls.Add(1)
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.fail.Load() {
		return nil, errors.New("token endpoint returned 500")
	}
	return New("", KindOAuthBearer, fmt.Sprintf("token-%d", n), r.clock.Now().Add(r.ttl), nil), nil
}

func newTestBroker(t *testing.T, clock *fakeClock) *Broker {
	t.Helper()
	b, err := NewBroker(Options{
		RefreshSkew:    time.Minute,
		RefreshTimeout: 5 * time.Second,
		Now:            clock.Now,
	})
	require.NoError(t, err)
	return b
}

func TestBroker_GetCachesUntilSkewWindow(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(t, clock)
	r := &countingRefresher{clock: clock, ttl: 10 * time.Minute}
	b.Register("p1", r, nil)

	ctx := context.Background()
	c1, err := b.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "token-1", c1.Token())
	assert.Equal(t, "p1", c1.ProviderID)

	clock.Advance(8 * time.Minute)
	c2, err := b.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Same(t, c1, c2, "outside the skew window the cached credential is reused")

	clock.Advance(90 * time.Second) // 30s before expiry, inside 1m skew
	c3, err := b.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "token-2", c3.Token())
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestBroker_ConcurrentGetSharesOneRefresh(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(t, clock)
	r := &countingRefresher{clock: clock, ttl: time.Hour, gate: make(chan struct{})}
	b.Register("p1", r, nil)

	const callers = 32
	var wg sync.WaitGroup
	results := make([]*Credential, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.Get(context.Background(), "p1")
		}(i)
	}

	// Wait for the single refresh to start, then let it finish.
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(r.gate)
	wg.Wait()

	assert.Equal(t, int32(1), r.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestBroker_RefreshFailureRetainsPrevious(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(t, clock)
	r := &countingRefresher{clock: clock, ttl: 10 * time.Minute}
	b.Register("p1", r, nil)

	ctx := context.Background()
	first, err := b.Get(ctx, "p1")
	require.NoError(t, err)

	clock.Advance(9*time.Minute + 30*time.Second)
	r.fail.Store(true)

	_, err = b.Get(ctx, "p1")
	require.Error(t, err)
	assert.Equal(t, provider.KindCredentialRefreshFailed, provider.KindOf(err))
	assert.Equal(t, int32(2), r.calls.Load(), "exactly one refresh attempt per Get, no hidden retry")

	e, err := b.lookup("p1")
	require.NoError(t, err)
	assert.Same(t, first, e.current(), "previous credential retained")

	r.fail.Store(false)
	next, err := b.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "token-3", next.Token())
}

func TestBroker_WaiterHonoursOwnContext(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(t, clock)
	r := &countingRefresher{clock: clock, ttl: time.Hour, gate: make(chan struct{})}
	b.Register("p1", r, nil)
	defer close(r.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Get(ctx, "p1")
	require.Error(t, err)
	assert.Equal(t, provider.KindTimeout, provider.KindOf(err))
}

func TestBroker_UnknownProvider(t *testing.T) {
	b := newTestBroker(t, newFakeClock())
	_, err := b.Get(context.Background(), "nope")
	assert.True(t, provider.IsNotFound(err))
}

func TestBroker_Forget(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(t, clock)
	b.Register("p1", &countingRefresher{clock: clock, ttl: time.Hour}, nil)

	_, err := b.Get(context.Background(), "p1")
	require.NoError(t, err)

	b.Forget("p1")
	_, err = b.Get(context.Background(), "p1")
	assert.True(t, provider.IsNotFound(err))
}

func TestBroker_StaticNeverRefreshes(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(t, clock)
	require.NoError(t, b.Configure("s3", Config{
		Kind:            KindStaticKeyPair,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	}))

	c1, err := b.Get(context.Background(), "s3")
	require.NoError(t, err)
	assert.True(t, c1.NeverExpires())
	assert.Equal(t, "AKIDEXAMPLE", c1.Attr(AttrAccessKey))

	clock.Advance(24 * 365 * time.Hour)
	c2, err := b.Get(context.Background(), "s3")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}

func TestBroker_SignHMAC(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(t, clock)
	key := []byte("account-key")
	require.NoError(t, b.Configure("az", Config{
		Kind:             KindStaticKeyPair,
		AccessKeyID:      "acct",
		SecretAccessKey:  base64.StdEncoding.EncodeToString(key),
		SigningKey:       base64.StdEncoding.EncodeToString(key),
		SigningKeyBase64: true,
	}))

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("payload"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got, err := b.SignHMACBase64(context.Background(), "az", "sha256", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = b.SignHMAC(context.Background(), "az", "md5", nil)
	assert.True(t, provider.IsUnsupported(err))

	require.NoError(t, b.Configure("nokey", Config{Kind: KindStaticKeyPair}))
	_, err = b.SignHMAC(context.Background(), "nokey", "sha256", nil)
	assert.True(t, provider.IsUnsupported(err))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"missing kind", Config{}, "credential kind is required"},
		{"unknown kind", Config{Kind: "saml"}, "unknown credential kind"},
		{"static half pair", Config{Kind: KindStaticKeyPair, AccessKeyID: "a"}, "must be provided together"},
		{"static anonymous", Config{Kind: KindStaticKeyPair}, ""},
		{"oauth no endpoint", Config{Kind: KindOAuthBearer, ClientID: "c"}, "token_url or issuer"},
		{"oauth ok", Config{Kind: KindOAuthBearer, ClientID: "c", TokenURL: "http://x"}, ""},
		{"jwt no secret", Config{Kind: KindSignedJWT}, "jwt_secret is required"},
		{"jwt rs256 no key", Config{Kind: KindSignedJWT, SigningMethod: "RS256"}, "private_key_pem"},
		{"jwe no salt", Config{Kind: KindEncryptedJWE, JWTSecret: "s", JWESecret: "x"}, "jwe_secret and jwe_salt"},
		{"keystone missing", Config{Kind: KindKeystoneToken, AuthURL: "http://k"}, "username and password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
