package azure

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/nimbusgate/pkg/credential"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// authorize stamps the version and date headers and signs req.
func (p *Provider) authorize(ctx context.Context, req *http.Request) error {
	req.Header.Set("x-ms-version", APIVersion)
	req.Header.Set("x-ms-date", p.now().UTC().Format(http.TimeFormat))

	if p.cfg.auth() == AuthBearer {
		token, err := p.bearer(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}

	sig, err := p.creds.SignHMACBase64(ctx, p.id, "sha256", []byte(sharedKeyStringToSign(p.cfg.Account, req)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "SharedKey "+p.cfg.Account+":"+sig)
	return nil
}

func (p *Provider) bearer(ctx context.Context) (string, error) {
	c, err := p.creds.Get(ctx, p.id)
	if err != nil {
		return "", err
	}
	if c.Kind == credential.KindStaticKeyPair {
		return "", provider.Errorf(provider.ErrPermissionDenied, "bearer auth needs a token credential, got %s", c.Kind)
	}
	return c.Token(), nil
}

// sharedKeyStringToSign builds the Blob service SharedKey string-to-sign.
func sharedKeyStringToSign(account string, req *http.Request) string {
	h := req.Header
	contentLength := ""
	if req.ContentLength > 0 {
		contentLength = strconv.FormatInt(req.ContentLength, 10)
	}
	return strings.Join([]string{
		req.Method,
		h.Get("Content-Encoding"),
		h.Get("Content-Language"),
		contentLength,
		h.Get("Content-MD5"),
		h.Get("Content-Type"),
		"", // Date is carried by x-ms-date.
		h.Get("If-Modified-Since"),
		h.Get("If-Match"),
		h.Get("If-None-Match"),
		h.Get("If-Unmodified-Since"),
		h.Get("Range"),
		canonicalHeaders(h),
		canonicalResource(account, req.URL),
	}, "\n")
}

func canonicalHeaders(h http.Header) string {
	var names []string
	for k := range h {
		if lk := strings.ToLower(k); strings.HasPrefix(lk, "x-ms-") {
			names = append(names, lk)
		}
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, n := range names {
		lines = append(lines, n+":"+strings.TrimSpace(strings.Join(h.Values(n), ",")))
	}
	return strings.Join(lines, "\n")
}

func canonicalResource(account string, u *url.URL) string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(account)
	b.WriteString(u.EscapedPath())

	q := u.Query()
	names := make([]string, 0, len(q))
	for k := range q {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		b.WriteString("\n")
		b.WriteString(strings.ToLower(k))
		b.WriteString(":")
		b.WriteString(strings.Join(vals, ","))
	}
	return b.String()
}

// sasStringToSign builds a blob service SAS string-to-sign for API
// versions 2020-12-06 and later.
func sasStringToSign(permissions string, expiry time.Time, account, container, blob string) string {
	return strings.Join([]string{
		permissions,
		"", // signedStart
		expiry.UTC().Format(time.RFC3339),
		"/blob/" + account + "/" + container + "/" + blob,
		"", // signedIdentifier
		"", // signedIP
		"", // signedProtocol
		APIVersion,
		"b",
		"", // signedSnapshotTime
		"", // signedEncryptionScope
		"", "", "", "", "", // response header overrides
	}, "\n")
}
