package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
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
	SignHMACBase64(ctx context.Context, providerID, algorithm string, payload []byte) (string, error)
}

// Provider implements provider.Provider for an Azure blob container.
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

// New creates an Azure Blob provider.
func New(id string, cfg Config, creds Credentials, httpClient *http.Client, logger *zap.Logger) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, fmt.Errorf("azure provider %q: credentials are required", id)
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
			ErrorCodeHeader:   "x-ms-error-code",
			Logger:            logger,
		}),
		logger: logger,
		now:    time.Now,
	}, nil
}

// ID returns the configured provider id.
func (p *Provider) ID() string { return p.id }

// Type returns provider.ProviderAzure.
func (p *Provider) Type() provider.ProviderType { return provider.ProviderAzure }

// Capabilities returns the Azure capability set. Signed URLs need the
// account key, so bearer mode does not offer them.
func (p *Provider) Capabilities() provider.Capabilities {
	caps := provider.NewCapabilities(
		provider.CapMetadata,
		provider.CapStream,
		provider.CapServerSideCopy,
		provider.CapRangeRead,
		provider.CapAtomicCommit,
	)
	if p.cfg.auth() == AuthSharedKey {
		caps = caps.With(provider.CapSignedURL)
	}
	return caps
}

func (p *Provider) containerURL() string {
	return strings.TrimRight(p.cfg.endpoint(), "/") + "/" + url.PathEscape(p.cfg.Container)
}

func (p *Provider) blobURL(path entity.Path) string {
	return p.containerURL() + "/" + rest.EscapeKey(path.Key())
}

// send authorizes and sends one request. query is appended to rawURL.
func (p *Provider) send(ctx context.Context, method, rawURL string, query url.Values, body io.Reader, size int64, header http.Header) (*http.Response, error) {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = size
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if err := p.authorize(ctx, req); err != nil {
		return nil, err
	}
	return p.client.Do(req)
}

func (p *Provider) wrap(op string, path entity.Path, err error) error {
	return rest.Wrap(op, p.id, path.String(), err)
}

// Metadata reads blob properties, or lists a virtual directory.
func (p *Provider) Metadata(ctx context.Context, path entity.Path) (*provider.MetadataResult, error) {
	if path.IsFolder() {
		return p.listFolder(ctx, path)
	}
	resp, err := p.send(ctx, http.MethodHead, p.blobURL(path), nil, nil, 0, nil)
	if err != nil {
		return nil, p.wrap("Metadata", path, err)
	}
	rest.Drain(resp.Body)
	return &provider.MetadataResult{Item: normalize.FromAzureHeaders(path, resp.Header)}, nil
}

// list pages through List Blobs under path. delimiter may be "".
func (p *Provider) list(ctx context.Context, op string, path entity.Path, delimiter string, fn func(entity.FileMetadata)) error {
	marker := ""
	for {
		q := url.Values{}
		q.Set("restype", "container")
		q.Set("comp", "list")
		q.Set("maxresults", strconv.Itoa(p.cfg.listLimit()))
		if prefix := path.Key(); prefix != "" {
			q.Set("prefix", prefix)
		}
		if delimiter != "" {
			q.Set("delimiter", delimiter)
		}
		if marker != "" {
			q.Set("marker", marker)
		}

		resp, err := p.send(ctx, http.MethodGet, p.containerURL(), q, nil, 0, nil)
		if err != nil {
			return p.wrap(op, path, err)
		}
		listing, err := normalize.ParseAzureListing(resp.Body)
		rest.Drain(resp.Body)
		if err != nil {
			return p.wrap(op, path, provider.Errorf(provider.ErrBackendUnavailable, "%v", err))
		}
		for _, it := range listing.Items {
			fn(it)
		}
		if !listing.Truncated {
			return nil
		}
		marker = listing.Next
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

// Download streams a blob, optionally restricted to rng.
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
	resp, err := p.send(ctx, http.MethodGet, p.blobURL(path), nil, nil, 0, h)
	if err != nil {
		return nil, p.wrap("Download", path, err)
	}
	m := normalize.FromAzureHeaders(path, resp.Header)
	if total := rangeTotal(resp.Header.Get("Content-Range")); total >= 0 {
		m.Size = &total
	}
	return &provider.DownloadResult{
		Body:     resp.Body,
		Size:     resp.ContentLength,
		Metadata: &m,
		Partial:  resp.StatusCode == http.StatusPartialContent,
	}, nil
}

// rangeTotal extracts the complete length from "bytes a-b/total".
func rangeTotal(contentRange string) int64 {
	i := strings.LastIndex(contentRange, "/")
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(contentRange[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Upload writes a block blob. Payloads that fit in one block go up with
// Put Blob; larger ones are staged block by block and committed with Put
// Block List, so readers never see a partial blob.
func (p *Provider) Upload(ctx context.Context, path entity.Path, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	const op = "Upload"
	if !path.IsFile() {
		return nil, provider.NewError(op, p.id, path.String(), provider.Errorf(provider.ErrMalformedPath, "upload target must be a file"))
	}
	if opts.IfMatch != "" {
		if err := p.checkIfMatch(ctx, path, opts.IfMatch); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, p.cfg.blockSize())
	n, err := io.ReadFull(body, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, p.wrap(op, path, err)
	}
	if int64(n) < p.cfg.blockSize() {
		return p.putBlob(ctx, path, buf[:n], opts)
	}
	return p.stageBlocks(ctx, path, body, buf, opts)
}

func (p *Provider) commitHeaders(opts provider.UploadOptions) http.Header {
	h := http.Header{}
	if opts.IfMatch != "" {
		h.Set("If-Match", normalize.QuoteETag(opts.IfMatch))
	}
	return h
}

func (p *Provider) putBlob(ctx context.Context, path entity.Path, data []byte, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	h := p.commitHeaders(opts)
	h.Set("x-ms-blob-type", "BlockBlob")
	if opts.ContentType != "" {
		h.Set("Content-Type", opts.ContentType)
	}
	resp, err := p.send(ctx, http.MethodPut, p.blobURL(path), nil, bytes.NewReader(data), int64(len(data)), h)
	if err != nil {
		return nil, p.uploadError(path, err)
	}
	rest.Drain(resp.Body)

	m := p.uploaded(path, int64(len(data)), opts, resp.Header)
	if hex := normalize.Base64MD5ToHex(resp.Header.Get("Content-Md5")); hex != "" {
		m = m.WithHash(entity.HashMD5, hex)
	}
	return &m, nil
}

type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

func (p *Provider) stageBlocks(ctx context.Context, path entity.Path, body io.Reader, buf []byte, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	const op = "Upload"
	uploadID := uuid.NewString()
	var ids []string
	var total int64

	chunk := buf
	for len(chunk) > 0 {
		if len(ids) == MaxBlocks {
			return nil, provider.NewError(op, p.id, path.String(), provider.Errorf(provider.ErrUnsupported, "payload exceeds %d blocks", MaxBlocks))
		}
		id := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s-%06d", uploadID, len(ids))))
		q := url.Values{}
		q.Set("comp", "block")
		q.Set("blockid", id)
		resp, err := p.send(ctx, http.MethodPut, p.blobURL(path), q, bytes.NewReader(chunk), int64(len(chunk)), nil)
		if err != nil {
			// Uncommitted blocks are discarded by the service after a week.
			return nil, p.wrap(op, path, err)
		}
		rest.Drain(resp.Body)
		ids = append(ids, id)
		total += int64(len(chunk))

		n, err := io.ReadFull(body, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, p.wrap(op, path, err)
		}
		chunk = buf[:n]
	}

	doc, err := xml.Marshal(blockList{Latest: ids})
	if err != nil {
		return nil, p.wrap(op, path, err)
	}
	doc = append([]byte(xml.Header), doc...)

	h := p.commitHeaders(opts)
	h.Set("Content-Type", "application/xml")
	if opts.ContentType != "" {
		h.Set("x-ms-blob-content-type", opts.ContentType)
	}
	q := url.Values{}
	q.Set("comp", "blocklist")
	resp, err := p.send(ctx, http.MethodPut, p.blobURL(path), q, bytes.NewReader(doc), int64(len(doc)), h)
	if err != nil {
		return nil, p.uploadError(path, err)
	}
	rest.Drain(resp.Body)

	p.logger.Debug("Block blob committed",
		zap.String("path", path.String()),
		zap.Int("blocks", len(ids)),
		zap.Int64("bytes", total))
	m := p.uploaded(path, total, opts, resp.Header)
	return &m, nil
}

func (p *Provider) uploaded(path entity.Path, size int64, opts provider.UploadOptions, h http.Header) entity.FileMetadata {
	m := entity.NewFile(path, size)
	m.ETag = normalize.CleanETag(h.Get("Etag"))
	m.Modified = normalize.ParseTimestamp(h.Get("Last-Modified"))
	m.ContentType = opts.ContentType
	return m
}

// uploadError reports a failed If-Match commit as a conflict.
func (p *Provider) uploadError(path entity.Path, err error) error {
	if provider.IsPreconditionFailed(err) {
		return provider.NewError("Upload", p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "object changed during upload"))
	}
	return p.wrap("Upload", path, err)
}

func (p *Provider) checkIfMatch(ctx context.Context, path entity.Path, want string) error {
	res, err := p.Metadata(ctx, path)
	if err != nil {
		if provider.IsNotFound(err) {
			return provider.NewError("Upload", p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "object does not exist"))
		}
		return err
	}
	if res.Item.ETag != normalize.CleanETag(want) {
		return provider.NewError("Upload", p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "etag mismatch"))
	}
	return nil
}

// Delete removes a blob, or every blob under a virtual directory.
func (p *Provider) Delete(ctx context.Context, path entity.Path, etag string) error {
	if path.IsFolder() {
		if etag != "" {
			return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrPreconditionFailed, "folders carry no etag"))
		}
		return p.deleteFolder(ctx, path)
	}

	h := http.Header{}
	if etag != "" {
		h.Set("If-Match", normalize.QuoteETag(etag))
	}
	err := p.deleteBlob(ctx, path, h)
	if etag != "" && provider.IsNotFound(err) {
		return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrPreconditionFailed, "object does not exist"))
	}
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}

func (p *Provider) deleteBlob(ctx context.Context, path entity.Path, h http.Header) error {
	resp, err := p.send(ctx, http.MethodDelete, p.blobURL(path), nil, nil, 0, h)
	if err != nil {
		return p.wrap("Delete", path, err)
	}
	rest.Drain(resp.Body)
	return nil
}

func (p *Provider) deleteFolder(ctx context.Context, path entity.Path) error {
	if path.IsRoot() {
		return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrUnsupported, "refusing to delete the container root"))
	}
	var targets []entity.Path
	if err := p.list(ctx, "Delete", path, "", func(m entity.FileMetadata) {
		targets = append(targets, m.Path)
	}); err != nil {
		return err
	}
	for _, t := range targets {
		if err := p.deleteBlob(ctx, t, nil); err != nil && !provider.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// CreateFolder writes an empty block blob named after the folder and tags it
// with the hdi_isfolder metadata other Azure tools use for directories.
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
	h.Set("x-ms-blob-type", "BlockBlob")
	h.Set("x-ms-meta-hdi_isfolder", "true")
	h.Set("Content-Type", provider.FolderContentType)
	resp, err := p.send(ctx, http.MethodPut, p.blobURL(path), nil, http.NoBody, 0, h)
	if err != nil {
		return nil, p.wrap(op, path, err)
	}
	rest.Drain(resp.Body)
	return &m, nil
}

// RemoveFolder deletes the folder marker blob once nothing else is listed
// under the folder.
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
	if err := p.list(ctx, op, path, "/", func(m entity.FileMetadata) {
		if m.Path.Key() != prefix {
			children++
		}
	}); err != nil {
		return err
	}
	if children > 0 {
		return provider.NewError(op, p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "folder is not empty"))
	}
	if err := p.deleteBlob(ctx, path, nil); err != nil && !provider.IsNotFound(err) {
		return err
	}
	return nil
}

// Copy runs Copy Blob and waits for an asynchronous copy to settle.
func (p *Provider) Copy(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	if !src.IsFile() || !dst.IsFile() {
		return nil, provider.NewError("Copy", p.id, src.String(), provider.Errorf(provider.ErrUnsupported, "server-side copy handles files only"))
	}

	h := http.Header{}
	h.Set("x-ms-copy-source", p.blobURL(src))
	if p.cfg.auth() == AuthBearer {
		token, err := p.bearer(ctx)
		if err != nil {
			return nil, p.wrap("Copy", src, err)
		}
		h.Set("x-ms-copy-source-authorization", "Bearer "+token)
	}
	resp, err := p.send(ctx, http.MethodPut, p.blobURL(dst), nil, http.NoBody, 0, h)
	if err != nil {
		return nil, p.wrap("Copy", src, err)
	}
	rest.Drain(resp.Body)

	status := resp.Header.Get("x-ms-copy-status")
	if status == "pending" {
		if err := p.awaitCopy(ctx, dst); err != nil {
			return nil, err
		}
	} else if status != "" && status != "success" {
		return nil, provider.NewError("Copy", p.id, src.String(), provider.Errorf(provider.ErrBackendUnavailable, "copy %s", status))
	}

	res, err := p.Metadata(ctx, dst)
	if err != nil {
		return nil, err
	}
	return &res.Item, nil
}

func (p *Provider) awaitCopy(ctx context.Context, dst entity.Path) error {
	ticker := time.NewTicker(p.cfg.copyPollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return provider.NewError("Copy", p.id, dst.String(), provider.FromContext(ctx))
		case <-ticker.C:
		}

		resp, err := p.send(ctx, http.MethodHead, p.blobURL(dst), nil, nil, 0, nil)
		if err != nil {
			return p.wrap("Copy", dst, err)
		}
		rest.Drain(resp.Body)

		switch status := resp.Header.Get("x-ms-copy-status"); status {
		case "pending":
			continue
		case "", "success":
			return nil
		default:
			return provider.NewError("Copy", p.id, dst.String(), provider.Errorf(provider.ErrBackendUnavailable,
				"copy %s: %s", status, resp.Header.Get("x-ms-copy-status-description")))
		}
	}
}

// Move copies src to dst and then deletes src.
func (p *Provider) Move(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	m, err := p.Copy(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	if err := p.deleteBlob(ctx, src, nil); err != nil && !provider.IsNotFound(err) {
		return nil, err
	}
	return m, nil
}

// SignedURL issues a blob service SAS signed with the account key.
func (p *Provider) SignedURL(ctx context.Context, path entity.Path, ttl time.Duration, op provider.SignOperation) (string, error) {
	if !path.IsFile() {
		return "", provider.NewError("SignedURL", p.id, path.String(), provider.Errorf(provider.ErrUnsupported, "only files can be signed"))
	}
	if p.cfg.auth() != AuthSharedKey {
		return "", provider.NewError("SignedURL", p.id, path.String(), provider.Errorf(provider.ErrUnsupported, "SAS requires shared_key auth"))
	}

	perms := "r"
	if op == provider.SignWrite {
		perms = "cw"
	}
	expiry := p.now().Add(ttl).UTC().Truncate(time.Second)
	sig, err := p.creds.SignHMACBase64(ctx, p.id, "sha256",
		[]byte(sasStringToSign(perms, expiry, p.cfg.Account, p.cfg.Container, path.Key())))
	if err != nil {
		return "", p.wrap("SignedURL", path, err)
	}

	q := url.Values{}
	q.Set("sv", APIVersion)
	q.Set("sr", "b")
	q.Set("sp", perms)
	q.Set("se", expiry.Format(time.RFC3339))
	q.Set("sig", sig)
	return p.blobURL(path) + "?" + q.Encode(), nil
}

// Close releases resources.
func (p *Provider) Close() error {
	return nil
}
