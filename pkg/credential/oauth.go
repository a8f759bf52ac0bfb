package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// oauthRefresher exchanges a refresh token (or client credentials) for an
// access token. Rotated refresh tokens are kept for the next exchange.
type oauthRefresher struct {
	cfg    Config
	client *http.Client

	mu           sync.Mutex
	endpoint     *oauth2.Endpoint
	refreshToken string
}

func newOAuthRefresher(cfg Config, client *http.Client) *oauthRefresher {
	return &oauthRefresher{cfg: cfg, client: client, refreshToken: cfg.RefreshToken}
}

func (o *oauthRefresher) Refresh(ctx context.Context, _ *Credential) (*Credential, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.client)

	endpoint, err := o.resolveEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	refreshToken := o.refreshToken
	o.mu.Unlock()

	var tok *oauth2.Token
	if refreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     o.cfg.ClientID,
			ClientSecret: o.cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       o.cfg.Scopes,
		}
		// An expired token forces the source to hit the token endpoint.
		tok, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	} else {
		cc := &clientcredentials.Config{
			ClientID:     o.cfg.ClientID,
			ClientSecret: o.cfg.ClientSecret,
			TokenURL:     endpoint.TokenURL,
			Scopes:       o.cfg.Scopes,
			AuthStyle:    endpoint.AuthStyle,
		}
		tok, err = cc.Token(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("oauth token exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("oauth token exchange: empty access token")
	}

	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		o.mu.Lock()
		o.refreshToken = tok.RefreshToken
		o.mu.Unlock()
	}

	return New("", KindOAuthBearer, tok.AccessToken, tok.Expiry, map[string]string{
		AttrTokenType: tok.Type(),
	}), nil
}

// resolveEndpoint returns the configured token URL, or discovers it from
// the OIDC issuer on first use.
func (o *oauthRefresher) resolveEndpoint(ctx context.Context) (oauth2.Endpoint, error) {
	if o.cfg.TokenURL != "" {
		return oauth2.Endpoint{TokenURL: o.cfg.TokenURL}, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.endpoint != nil {
		return *o.endpoint, nil
	}
	p, err := oidc.NewProvider(oidc.ClientContext(ctx, o.client), o.cfg.Issuer)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("oidc discovery for %s: %w", o.cfg.Issuer, err)
	}
	ep := p.Endpoint()
	o.endpoint = &ep
	return ep, nil
}
