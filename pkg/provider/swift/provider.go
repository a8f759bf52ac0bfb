package swift

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/credential"
	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/normalize"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/rest"
)

// Credentials is the broker surface the adapter needs.
// *credential.Broker satisfies it.
type Credentials interface {
	Get(ctx context.Context, providerID string) (*credential.Credential, error)
	SignHMAC(ctx context.Context, providerID, algorithm string, payload []byte) ([]byte, error)
}

// Provider implements provider.Provider for a Swift container.
type Provider struct {
	id     string
	cfg    Config
	creds  Credentials
	client *rest.Client
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ provider.Provider         = (*Provider)(nil)
	_ provider.ServerSideCopier = (*Provider)(nil)
	_ provider.URLSigner        = (*Provider)(nil)
)

// New creates a Swift provider.
func New(id string, cfg Config, creds Credentials, httpClient *http.Client, logger *zap.Logger) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, fmt.Errorf("swift provider %q: credentials are required", id)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", id))
	return &Provider{
		id:    id,
		cfg:   cfg,
		creds: creds,
		client: rest.New(rest.Options{
			HTTPClient:        httpClient,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Logger:            logger,
		}),
		logger: logger,
		now:    time.Now,
	}, nil
}

// ID returns the configured provider id.
func (p *Provider) ID() string { return p.id }

// Type returns provider.ProviderSwift.
func (p *Provider) Type() provider.ProviderType { return provider.ProviderSwift }

// Capabilities returns the Swift capability set. Uploads are a single PUT
// and the object only changes once that PUT completes, so commits are atomic.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.NewCapabilities(
		provider.CapMetadata,
		provider.CapStream,
		provider.CapServerSideCopy,
		provider.CapRangeRead,
		provider.CapSignedURL,
		provider.CapAtomicCommit,
	)
}

// session resolves the token and container URL for one call.
func (p *Provider) session(ctx context.Context) (token, containerURL string, err error) {
	c, err := p.creds.Get(ctx, p.id)
	if err != nil {
		return "", "", err
	}
	base := p.cfg.StorageURL
	if base == "" {
		base = c.Attr(credential.AttrStorageURL)
	}
	if base == "" {
		return "", "", provider.Errorf(provider.ErrPermissionDenied, "no object-store endpoint in credential or config")
	}
	return c.Token(), strings.TrimRight(base, "/") + "/" + url.PathEscape(p.cfg.Container), nil
}

func (p *Provider) request(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	token, _, err := p.session(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", token)
	return req, nil
}

func (p *Provider) objectURL(ctx context.Context, path entity.Path) (string, error) {
	_, base, err := p.session(ctx)
	if err != nil {
		return "", err
	}
	return base + "/" + rest.EscapeKey(path.Key()), nil
}

func (p *Provider) do(ctx context.Context, op string, path entity.Path, method string, body io.Reader, header http.Header) (*http.Response, error) {
	u, err := p.objectURL(ctx, path)
	if err != nil {
		return nil, p.wrap(op, path, err)
	}
	req, err := p.request(ctx, method, u, body)
	if err != nil {
		return nil, p.wrap(op, path, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.wrap(op, path, err)
	}
	return resp, nil
}

func (p *Provider) wrap(op string, path entity.Path, err error) error {
	return rest.Wrap(op, p.id, path.String(), err)
}

// Metadata heads an object, or lists a pseudo-folder.
func (p *Provider) Metadata(ctx context.Context, path entity.Path) (*provider.MetadataResult, error) {
	if path.IsFolder() {
		return p.listFolder(ctx, path)
	}
	resp, err := p.do(ctx, "Metadata", path, http.MethodHead, nil, nil)
	if err != nil {
		return nil, err
	}
	rest.Drain(resp.Body)
	return &provider.MetadataResult{Item: normalize.FromSwiftHeaders(path, resp.Header)}, nil
}

// list pages through the container under prefix. delimiter may be "".
func (p *Provider) list(ctx context.Context, op string, path entity.Path, delimiter string, fn func(entity.FileMetadata)) error {
	_, base, err := p.session(ctx)
	if err != nil {
		return p.wrap(op, path, err)
	}

	limit := p.cfg.listLimit()
	marker := ""
	for {
		q := url.Values{}
		q.Set("format", "json")
		q.Set("limit", strconv.Itoa(limit))
		if prefix := path.Key(); prefix != "" {
			q.Set("prefix", prefix)
		}
		if delimiter != "" {
			q.Set("delimiter", delimiter)
		}
		if marker != "" {
			q.Set("marker", marker)
		}

		req, err := p.request(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
		if err != nil {
			return p.wrap(op, path, err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return p.wrap(op, path, err)
		}
		if resp.StatusCode == http.StatusNoContent {
			rest.Drain(resp.Body)
			return nil
		}

		listing, err := normalize.ParseSwiftJSON(resp.Body)
		rest.Drain(resp.Body)
		if err != nil {
			return p.wrap(op, path, provider.Errorf(provider.ErrBackendUnavailable, "%v", err))
		}
		for _, it := range listing.Items {
			fn(it)
		}
		if len(listing.Items) < limit {
			return nil
		}
		marker = listing.Items[len(listing.Items)-1].Path.Key()
	}
}

func (p *Provider) listFolder(ctx context.Context, path entity.Path) (*provider.MetadataResult, error) {
	prefix := path.Key()
	var children []entity.FileMetadata
	marker := false
	err := p.list(ctx, "Metadata", path, "/", func(m entity.FileMetadata) {
		if m.Path.Key() == prefix {
			marker = true
			return
		}
		children = append(children, m)
	})
	if err != nil {
		return nil, err
	}
	if !path.IsRoot() && !marker && len(children) == 0 {
		return nil, provider.NewError("Metadata", p.id, path.String(), provider.ErrNotFound)
	}
	return &provider.MetadataResult{Item: entity.NewFolder(path), Children: children}, nil
}

// Download streams an object, optionally restricted to rng.
func (p *Provider) Download(ctx context.Context, path entity.Path, rng *provider.ByteRange) (*provider.DownloadResult, error) {
	if !path.IsFile() {
		return nil, provider.NewError("Download", p.id, path.String(), provider.Errorf(provider.ErrMalformedPath, "cannot download a folder"))
	}
	h := http.Header{}
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return nil, provider.NewError("Download", p.id, path.String(), err)
		}
		h.Set("Range", rng.Header())
	}
	resp, err := p.do(ctx, "Download", path, http.MethodGet, nil, h)
	if err != nil {
		return nil, err
	}
	m := normalize.FromSwiftHeaders(path, resp.Header)
	return &provider.DownloadResult{
		Body:     resp.Body,
		Size:     resp.ContentLength,
		Metadata: &m,
		Partial:  resp.StatusCode == http.StatusPartialContent,
	}, nil
}

// Upload streams body with a single PUT. Unknown sizes use chunked
// transfer encoding.
func (p *Provider) Upload(ctx context.Context, path entity.Path, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	const op = "Upload"
	if !path.IsFile() {
		return nil, provider.NewError(op, p.id, path.String(), provider.Errorf(provider.ErrMalformedPath, "upload target must be a file"))
	}
	if opts.IfMatch != "" {
		if err := p.checkETag(ctx, op, path, opts.IfMatch, provider.ErrConflictOnOverwrite); err != nil {
			return nil, err
		}
	}

	u, err := p.objectURL(ctx, path)
	if err != nil {
		return nil, p.wrap(op, path, err)
	}
	if opts.ExpectedSize == 0 {
		body = http.NoBody
	}
	req, err := p.request(ctx, http.MethodPut, u, body)
	if err != nil {
		return nil, p.wrap(op, path, err)
	}
	if opts.ExpectedSize != 0 {
		req.ContentLength = opts.ExpectedSize
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.wrap(op, path, err)
	}
	rest.Drain(resp.Body)

	m := entity.NewFile(path, opts.ExpectedSize)
	m.ETag = normalize.CleanETag(resp.Header.Get("Etag"))
	m.ContentType = opts.ContentType
	m.Modified = normalize.ParseTimestamp(resp.Header.Get("Last-Modified"))
	if normalize.IsMD5ETag(m.ETag) {
		m = m.WithHash(entity.HashMD5, m.ETag)
	}
	return &m, nil
}

// checkETag heads path and fails with sentinel when the object is missing
// or its etag differs from want. Swift has no conditional PUT or DELETE on
// etag, so the check and the following write are two requests and a writer
// landing between them is not detected.
func (p *Provider) checkETag(ctx context.Context, op string, path entity.Path, want string, sentinel error) error {
	resp, err := p.do(ctx, op, path, http.MethodHead, nil, nil)
	if err != nil {
		if provider.IsNotFound(err) {
			return provider.NewError(op, p.id, path.String(), provider.Errorf(sentinel, "object does not exist"))
		}
		return err
	}
	rest.Drain(resp.Body)
	if normalize.CleanETag(resp.Header.Get("Etag")) != normalize.CleanETag(want) {
		return provider.NewError(op, p.id, path.String(), provider.Errorf(sentinel, "etag mismatch"))
	}
	return nil
}

// Delete removes an object, or every object under a pseudo-folder.
func (p *Provider) Delete(ctx context.Context, path entity.Path, etag string) error {
	if path.IsFolder() {
		if etag != "" {
			return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrPreconditionFailed, "folders carry no etag"))
		}
		return p.deleteFolder(ctx, path)
	}
	if etag != "" {
		if err := p.checkETag(ctx, "Delete", path, etag, provider.ErrPreconditionFailed); err != nil {
			return err
		}
	}
	return p.deleteObject(ctx, path)
}

func (p *Provider) deleteObject(ctx context.Context, path entity.Path) error {
	resp, err := p.do(ctx, "Delete", path, http.MethodDelete, nil, nil)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil
		}
		return err
	}
	rest.Drain(resp.Body)
	return nil
}

func (p *Provider) deleteFolder(ctx context.Context, path entity.Path) error {
	if path.IsRoot() {
		return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrUnsupported, "refusing to delete the container root"))
	}

	var targets []entity.Path
	err := p.list(ctx, "Delete", path, "", func(m entity.FileMetadata) {
		targets = append(targets, m.Path)
	})
	if err != nil {
		return err
	}
	targets = append(targets, path)

	for _, t := range targets {
		if err := p.deleteObject(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// CreateFolder writes a zero-byte marker object named after the folder.
func (p *Provider) CreateFolder(ctx context.Context, path entity.Path) (*entity.FileMetadata, error) {
	const op = "CreateFolder"
	if err := provider.RequireFolder(op, p.id, path); err != nil {
		return nil, err
	}
	m := entity.NewFolder(path)
	if path.IsRoot() {
		return &m, nil
	}
	h := http.Header{}
	h.Set("Content-Type", provider.FolderContentType)
	resp, err := p.do(ctx, op, path, http.MethodPut, http.NoBody, h)
	if err != nil {
		return nil, err
	}
	rest.Drain(resp.Body)
	return &m, nil
}

// RemoveFolder deletes the folder marker once nothing else is listed under
// the folder.
func (p *Provider) RemoveFolder(ctx context.Context, path entity.Path) error {
	const op = "RemoveFolder"
	if err := provider.RequireFolder(op, p.id, path); err != nil {
		return err
	}
	if path.IsRoot() {
		return provider.RootNotRemovable(p.id)
	}
	prefix := path.Key()
	children := 0
	err := p.list(ctx, op, path, "/", func(m entity.FileMetadata) {
		if m.Path.Key() != prefix {
			children++
		}
	})
	if err != nil {
		return err
	}
	if children > 0 {
		return provider.NewError(op, p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "folder is not empty"))
	}
	resp, err := p.do(ctx, op, path, http.MethodDelete, nil, nil)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil
		}
		return err
	}
	rest.Drain(resp.Body)
	return nil
}

// Copy copies src to dst with X-Copy-From.
func (p *Provider) Copy(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	if !src.IsFile() || !dst.IsFile() {
		return nil, provider.NewError("Copy", p.id, src.String(), provider.Errorf(provider.ErrUnsupported, "server-side copy handles files only"))
	}

	h := http.Header{}
	h.Set("X-Copy-From", "/"+url.PathEscape(p.cfg.Container)+"/"+rest.EscapeKey(src.Key()))
	h.Set("Content-Length", "0")
	resp, err := p.do(ctx, "Copy", dst, http.MethodPut, http.NoBody, h)
	if err != nil {
		return nil, err
	}
	rest.Drain(resp.Body)

	res, err := p.Metadata(ctx, dst)
	if err != nil {
		return nil, err
	}
	return &res.Item, nil
}

// Move copies src to dst and then deletes src.
func (p *Provider) Move(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	m, err := p.Copy(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	if err := p.deleteObject(ctx, src); err != nil {
		return nil, err
	}
	return m, nil
}

// SignedURL issues a TempURL. The signing key is held by the broker.
func (p *Provider) SignedURL(ctx context.Context, path entity.Path, ttl time.Duration, op provider.SignOperation) (string, error) {
	if !path.IsFile() {
		return "", provider.NewError("SignedURL", p.id, path.String(), provider.Errorf(provider.ErrUnsupported, "only files can be signed"))
	}
	u, err := p.objectURL(ctx, path)
	if err != nil {
		return "", p.wrap("SignedURL", path, err)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return "", p.wrap("SignedURL", path, err)
	}

	method := http.MethodGet
	if op == provider.SignWrite {
		method = http.MethodPut
	}
	expires := p.now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s\n%d\n%s", method, expires, parsed.Path)

	alg := p.cfg.tempURLAlgorithm()
	mac, err := p.creds.SignHMAC(ctx, p.id, alg, []byte(payload))
	if err != nil {
		return "", p.wrap("SignedURL", path, err)
	}

	sig := hex.EncodeToString(mac)
	if alg == "sha512" {
		sig = "sha512:" + base64.RawURLEncoding.EncodeToString(mac)
	}
	q := url.Values{}
	q.Set("temp_url_sig", sig)
	q.Set("temp_url_expires", strconv.FormatInt(expires, 10))
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// Close releases resources.
func (p *Provider) Close() error {
	return nil
}
