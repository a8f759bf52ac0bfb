package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// keystoneRefresher requests a Keystone v3 token with password auth and
// discovers the object-store endpoint from the service catalog.
type keystoneRefresher struct {
	cfg    Config
	client *http.Client
}

func newKeystoneRefresher(cfg Config, client *http.Client) *keystoneRefresher {
	return &keystoneRefresher{cfg: cfg, client: client}
}

type keystoneDomain struct {
	Name string `json:"name"`
}

type keystoneAuthRequest struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password struct {
				User struct {
					Name     string         `json:"name"`
					Domain   keystoneDomain `json:"domain"`
					Password string         `json:"password"`
				} `json:"user"`
			} `json:"password"`
		} `json:"identity"`
		Scope *keystoneScope `json:"scope,omitempty"`
	} `json:"auth"`
}

type keystoneScope struct {
	Project struct {
		Name   string         `json:"name"`
		Domain keystoneDomain `json:"domain"`
	} `json:"project"`
}

type keystoneTokenResponse struct {
	Token struct {
		ExpiresAt string `json:"expires_at"`
		Catalog   []struct {
			Type      string `json:"type"`
			Endpoints []struct {
				Interface string `json:"interface"`
				Region    string `json:"region"`
				RegionID  string `json:"region_id"`
				URL       string `json:"url"`
			} `json:"endpoints"`
		} `json:"catalog"`
	} `json:"token"`
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (k *keystoneRefresher) Refresh(ctx context.Context, _ *Credential) (*Credential, error) {
	var req keystoneAuthRequest
	req.Auth.Identity.Methods = []string{"password"}
	user := &req.Auth.Identity.Password.User
	user.Name = k.cfg.Username
	user.Password = k.cfg.Password
	user.Domain.Name = orDefault(k.cfg.UserDomain, "Default")
	if k.cfg.Project != "" {
		scope := &keystoneScope{}
		scope.Project.Name = k.cfg.Project
		scope.Project.Domain.Name = orDefault(k.cfg.ProjectDomain, user.Domain.Name)
		req.Auth.Scope = scope
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("keystone: encode request: %w", err)
	}
	url := strings.TrimSuffix(k.cfg.AuthURL, "/")
	if !strings.HasSuffix(url, "/v3") {
		url += "/v3"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/auth/tokens", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("keystone: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("keystone: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("keystone: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return nil, errors.New("keystone: response has no X-Subject-Token")
	}

	var out keystoneTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("keystone: decode response: %w", err)
	}
	expires, err := time.Parse(time.RFC3339Nano, out.Token.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("keystone: bad expires_at %q: %w", out.Token.ExpiresAt, err)
	}

	attrs := map[string]string{}
	if u := k.storageURL(out); u != "" {
		attrs[AttrStorageURL] = u
	}
	return New("", KindKeystoneToken, token, expires, attrs), nil
}

// storageURL picks the object-store endpoint matching the configured
// interface (default public) and region.
func (k *keystoneRefresher) storageURL(resp keystoneTokenResponse) string {
	iface := orDefault(k.cfg.Interface, "public")
	for _, svc := range resp.Token.Catalog {
		if svc.Type != "object-store" {
			continue
		}
		for _, ep := range svc.Endpoints {
			if ep.Interface != iface {
				continue
			}
			if k.cfg.Region != "" && ep.Region != k.cfg.Region && ep.RegionID != k.cfg.Region {
				continue
			}
			return ep.URL
		}
	}
	return ""
}
