package credential

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // Swift TempURL deployments still negotiate sha1
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Refresher is one scheme's refresh strategy.
//
// Refresh returns a new credential; current is nil on first use. A
// Refresher is only ever called by the Broker, one call at a time per
// provider.
type Refresher interface {
	Refresh(ctx context.Context, current *Credential) (*Credential, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, current *Credential) (*Credential, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, current *Credential) (*Credential, error) {
	return f(ctx, current)
}

// Default broker settings.
const (
	DefaultRefreshSkew    = 2 * time.Minute
	DefaultRefreshTimeout = 30 * time.Second
)

// Options configures a Broker.
type Options struct {
	// RefreshSkew refreshes credentials this long before they expire.
	RefreshSkew time.Duration

	// RefreshTimeout bounds one refresh call, independently of any caller.
	RefreshTimeout time.Duration

	// HTTPClient is used by network-backed strategies. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives refresh events. Defaults to a no-op logger.
	Logger *zap.Logger

	// Gateway holds the gateway's own signing secrets.
	Gateway GatewaySecrets

	// Now overrides the clock (tests).
	Now func() time.Time
}

type entry struct {
	refresher  Refresher
	signingKey []byte

	mu   sync.RWMutex
	cred *Credential
}

func (e *entry) current() *Credential {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cred
}

// Broker is the single owner of provider credentials.
//
// Broker is safe for concurrent use.
type Broker struct {
	opts    Options
	logger  *zap.Logger
	group   singleflight.Group
	gateway *gatewaySigner

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewBroker creates a broker with no providers configured.
func NewBroker(opts Options) (*Broker, error) {
	if opts.RefreshSkew <= 0 {
		opts.RefreshSkew = DefaultRefreshSkew
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	gw, err := newGatewaySigner(opts.Gateway, opts.Now)
	if err != nil {
		return nil, err
	}
	return &Broker{
		opts:    opts,
		logger:  opts.Logger,
		gateway: gw,
		entries: make(map[string]*entry),
	}, nil
}

// Configure installs the strategy for providerID from cfg. Any cached
// credential for the provider is discarded.
func (b *Broker) Configure(providerID string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("provider %s: %w", providerID, err)
	}
	r, err := newRefresher(providerID, cfg, b.opts.HTTPClient, b.opts.Now)
	if err != nil {
		return fmt.Errorf("provider %s: %w", providerID, err)
	}
	key, err := cfg.signingKeyBytes()
	if err != nil {
		return fmt.Errorf("provider %s: %w", providerID, err)
	}
	b.install(providerID, &entry{refresher: r, signingKey: key})
	return nil
}

// Register installs a custom Refresher. signingKey may be nil.
func (b *Broker) Register(providerID string, r Refresher, signingKey []byte) {
	b.install(providerID, &entry{refresher: r, signingKey: append([]byte(nil), signingKey...)})
}

func (b *Broker) install(providerID string, e *entry) {
	b.mu.Lock()
	b.entries[providerID] = e
	b.mu.Unlock()
	b.group.Forget(providerID)
}

// Forget destroys the cached credential and strategy for providerID.
func (b *Broker) Forget(providerID string) {
	b.mu.Lock()
	delete(b.entries, providerID)
	b.mu.Unlock()
	b.group.Forget(providerID)
}

func (b *Broker) lookup(providerID string) (*entry, error) {
	b.mu.RLock()
	e, ok := b.entries[providerID]
	b.mu.RUnlock()
	if !ok {
		return nil, provider.NewError("Credential", providerID, "",
			provider.Errorf(provider.ErrNotFound, "no credential configured"))
	}
	return e, nil
}

// Get returns a valid credential for providerID, refreshing it first when
// its expiry falls inside the skew window.
//
// Concurrent callers share one in-flight refresh. Each caller waits only as
// long as its own ctx allows; the refresh itself runs under the broker's
// RefreshTimeout. On failure the previous credential stays cached and the
// error wraps provider.ErrCredentialRefreshFailed.
func (b *Broker) Get(ctx context.Context, providerID string) (*Credential, error) {
	e, err := b.lookup(providerID)
	if err != nil {
		return nil, err
	}
	if cur := e.current(); cur != nil && !cur.NeedsRefresh(b.opts.Now(), b.opts.RefreshSkew) {
		return cur, nil
	}

	ch := b.group.DoChan(providerID, func() (any, error) {
		return b.refresh(context.WithoutCancel(ctx), providerID, e)
	})

	select {
	case <-ctx.Done():
		return nil, provider.NewError("Credential", providerID, "", provider.FromContext(ctx))
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	}
}

func (b *Broker) refresh(ctx context.Context, providerID string, e *entry) (*Credential, error) {
	// Another caller may have refreshed while this one queued.
	if cur := e.current(); cur != nil && !cur.NeedsRefresh(b.opts.Now(), b.opts.RefreshSkew) {
		return cur, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.RefreshTimeout)
	defer cancel()

	prev := e.current()
	start := b.opts.Now()
	next, err := e.refresher.Refresh(ctx, prev)
	if err != nil {
		b.logger.Warn("Credential refresh failed",
			zap.String("provider", providerID),
			zap.Bool("retained_previous", prev != nil),
			zap.Error(err))
		return nil, provider.NewError("Credential", providerID, "",
			provider.Errorf(provider.ErrCredentialRefreshFailed, "%v", err))
	}
	if next == nil {
		return nil, provider.NewError("Credential", providerID, "",
			provider.Errorf(provider.ErrCredentialRefreshFailed, "strategy returned no credential"))
	}
	next.ProviderID = providerID

	e.mu.Lock()
	e.cred = next
	e.mu.Unlock()

	b.logger.Debug("Credential refreshed",
		zap.Object("credential", next),
		zap.Duration("took", b.opts.Now().Sub(start)))
	return next, nil
}

// SignHMAC signs payload with the provider's signing key.
//
// Adapters use it for Swift TempURLs and Azure SharedKey/SAS signatures so
// the key itself never leaves the broker. alg is "sha1", "sha256", or
// "sha512".
func (b *Broker) SignHMAC(_ context.Context, providerID, alg string, payload []byte) ([]byte, error) {
	e, err := b.lookup(providerID)
	if err != nil {
		return nil, err
	}
	if len(e.signingKey) == 0 {
		return nil, provider.NewError("Sign", providerID, "",
			provider.Errorf(provider.ErrUnsupported, "no signing key configured"))
	}
	newHash, err := hashFor(alg)
	if err != nil {
		return nil, provider.NewError("Sign", providerID, "", provider.Errorf(provider.ErrUnsupported, "%v", err))
	}
	mac := hmac.New(newHash, e.signingKey)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// SignHMACBase64 is SignHMAC with standard base64 output.
func (b *Broker) SignHMACBase64(ctx context.Context, providerID, alg string, payload []byte) (string, error) {
	sig, err := b.SignHMAC(ctx, providerID, alg, payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func hashFor(alg string) (func() hash.Hash, error) {
	switch alg {
	case "sha1":
		return sha1.New, nil
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	}
	return nil, fmt.Errorf("unsupported hmac algorithm %q", alg)
}
