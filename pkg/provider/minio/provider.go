package minio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/credential"
	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/normalize"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// maxCopySize is the largest object CopyObject handles; larger sources are
// copied with ComposeObject.
const maxCopySize int64 = 5 << 30

// CredentialSource serves the key pair for a provider id.
type CredentialSource interface {
	Get(ctx context.Context, providerID string) (*credential.Credential, error)
}

// Provider implements provider.Provider on minio-go.
type Provider struct {
	id       string
	client   *minio.Client
	bucket   string
	partSize uint64
	logger   *zap.Logger
}

var (
	_ provider.Provider         = (*Provider)(nil)
	_ provider.ServerSideCopier = (*Provider)(nil)
	_ provider.URLSigner        = (*Provider)(nil)
)

// New creates a MinIO provider. The key pair is read from creds once;
// MinIO deployments use static keys.
func New(ctx context.Context, id string, cfg Config, creds CredentialSource, logger *zap.Logger) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &minio.Options{
		Secure: cfg.Secure,
		Region: cfg.region(),
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	if creds != nil {
		c, err := creds.Get(ctx, id)
		if err != nil {
			return nil, provider.NewError("New", id, "", err)
		}
		opts.Creds = credentials.NewStaticV4(c.Attr(credential.AttrAccessKey), c.Token(), "")
	} else {
		opts.Creds = credentials.NewStaticV4("", "", "")
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, provider.NewError("New", id, "", provider.Errorf(provider.ErrBackendUnavailable, "create client: %v", err))
	}

	return &Provider{
		id:       id,
		client:   client,
		bucket:   cfg.Bucket,
		partSize: cfg.partSize(),
		logger:   logger.With(zap.String("provider", id)),
	}, nil
}

// ID returns the configured provider id.
func (p *Provider) ID() string { return p.id }

// Type returns provider.ProviderMinio.
func (p *Provider) Type() provider.ProviderType { return provider.ProviderMinio }

// Capabilities returns the MinIO capability set.
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

// Metadata stats a file, or lists a folder's direct children.
func (p *Provider) Metadata(ctx context.Context, path entity.Path) (*provider.MetadataResult, error) {
	if path.IsFolder() {
		return p.listFolder(ctx, path)
	}
	info, err := p.client.StatObject(ctx, p.bucket, path.Key(), minio.StatObjectOptions{})
	if err != nil {
		return nil, p.wrapError("Metadata", path, err)
	}
	return &provider.MetadataResult{Item: objectMeta(path, info)}, nil
}

func (p *Provider) listFolder(ctx context.Context, path entity.Path) (*provider.MetadataResult, error) {
	prefix := path.Key()
	var children []entity.FileMetadata
	marker := false
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, p.wrapError("Metadata", path, obj.Err)
		}
		switch {
		case obj.Key == prefix:
			marker = true
		case len(obj.Key) > 0 && obj.Key[len(obj.Key)-1] == '/':
			children = append(children, entity.NewFolder(entity.FromKey(obj.Key)))
		default:
			children = append(children, objectMeta(entity.FromKey(obj.Key), obj))
		}
	}
	if !path.IsRoot() && !marker && len(children) == 0 {
		return nil, provider.NewError("Metadata", p.id, path.String(), provider.ErrNotFound)
	}
	return &provider.MetadataResult{Item: entity.NewFolder(path), Children: children}, nil
}

// Download opens an object, optionally restricted to rng.
func (p *Provider) Download(ctx context.Context, path entity.Path, rng *provider.ByteRange) (*provider.DownloadResult, error) {
	if !path.IsFile() {
		return nil, provider.NewError("Download", p.id, path.String(), provider.Errorf(provider.ErrMalformedPath, "cannot download a folder"))
	}

	var opts minio.GetObjectOptions
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return nil, provider.NewError("Download", p.id, path.String(), err)
		}
		opts.Set("Range", rng.Header())
	}

	obj, err := p.client.GetObject(ctx, p.bucket, path.Key(), opts)
	if err != nil {
		return nil, p.wrapError("Download", path, err)
	}
	// GetObject is lazy; Stat issues the request and surfaces errors.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, p.wrapError("Download", path, err)
	}

	m := objectMeta(path, info)
	res := &provider.DownloadResult{Body: obj, Size: info.Size, Metadata: &m}
	if rng != nil {
		res.Partial = true
		m.Size = nil
	}
	return res, nil
}

// Upload streams body with PutObject. Unknown sizes use multipart with a
// bounded part size.
func (p *Provider) Upload(ctx context.Context, path entity.Path, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	if !path.IsFile() {
		return nil, provider.NewError("Upload", p.id, path.String(), provider.Errorf(provider.ErrMalformedPath, "upload target must be a file"))
	}
	if opts.IfMatch != "" {
		info, err := p.client.StatObject(ctx, p.bucket, path.Key(), minio.StatObjectOptions{})
		if err != nil {
			wrapped := p.wrapError("Upload", path, err)
			if provider.IsNotFound(wrapped) {
				return nil, provider.NewError("Upload", p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "object no longer exists"))
			}
			return nil, wrapped
		}
		if normalize.CleanETag(info.ETag) != normalize.CleanETag(opts.IfMatch) {
			return nil, provider.NewError("Upload", p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "etag changed"))
		}
	}

	size := opts.ExpectedSize
	if size < 0 {
		size = -1
	}
	info, err := p.client.PutObject(ctx, p.bucket, path.Key(), body, size, minio.PutObjectOptions{
		ContentType: opts.ContentType,
		PartSize:    p.partSize,
	})
	if err != nil {
		return nil, p.wrapError("Upload", path, err)
	}

	m := entity.NewFile(path, info.Size)
	m.ETag = normalize.CleanETag(info.ETag)
	m.ContentType = opts.ContentType
	if normalize.IsMD5ETag(m.ETag) {
		m = m.WithHash(entity.HashMD5, m.ETag)
	}
	return &m, nil
}

// Delete removes a file, or every object under a folder.
func (p *Provider) Delete(ctx context.Context, path entity.Path, etag string) error {
	if path.IsFolder() {
		if etag != "" {
			return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrPreconditionFailed, "folders carry no etag"))
		}
		return p.deleteFolder(ctx, path)
	}

	if etag != "" {
		info, err := p.client.StatObject(ctx, p.bucket, path.Key(), minio.StatObjectOptions{})
		if err != nil {
			wrapped := p.wrapError("Delete", path, err)
			if provider.IsNotFound(wrapped) {
				return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrPreconditionFailed, "object does not exist"))
			}
			return wrapped
		}
		if normalize.CleanETag(info.ETag) != normalize.CleanETag(etag) {
			return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrPreconditionFailed, "etag mismatch"))
		}
	}

	if err := p.client.RemoveObject(ctx, p.bucket, path.Key(), minio.RemoveObjectOptions{}); err != nil {
		wrapped := p.wrapError("Delete", path, err)
		if provider.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (p *Provider) deleteFolder(ctx context.Context, path entity.Path) error {
	if path.IsRoot() {
		return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrUnsupported, "refusing to delete the bucket root"))
	}

	objects := p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{
		Prefix:    path.Key(),
		Recursive: true,
	})
	for rerr := range p.client.RemoveObjects(ctx, p.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err == nil {
			continue
		}
		wrapped := p.wrapError("Delete", entity.FromKey(rerr.ObjectName), rerr.Err)
		if !provider.IsNotFound(wrapped) {
			return wrapped
		}
	}
	return nil
}

// CreateFolder writes a zero-byte marker object under the folder key.
func (p *Provider) CreateFolder(ctx context.Context, path entity.Path) (*entity.FileMetadata, error) {
	const op = "CreateFolder"
	if err := provider.RequireFolder(op, p.id, path); err != nil {
		return nil, err
	}
	m := entity.NewFolder(path)
	if path.IsRoot() {
		return &m, nil
	}
	_, err := p.client.PutObject(ctx, p.bucket, path.Key(), bytes.NewReader(nil), 0, minio.PutObjectOptions{
		ContentType: provider.FolderContentType,
	})
	if err != nil {
		return nil, p.wrapError(op, path, err)
	}
	return &m, nil
}

// RemoveFolder deletes the folder marker once no other key shares its
// prefix.
func (p *Provider) RemoveFolder(ctx context.Context, path entity.Path) error {
	const op = "RemoveFolder"
	if err := provider.RequireFolder(op, p.id, path); err != nil {
		return err
	}
	if path.IsRoot() {
		return provider.RootNotRemovable(p.id)
	}
	prefix := path.Key()
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range p.client.ListObjects(listCtx, p.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true, MaxKeys: 2}) {
		if obj.Err != nil {
			return p.wrapError(op, path, obj.Err)
		}
		if obj.Key != prefix {
			return provider.NewError(op, p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "folder is not empty"))
		}
	}
	if err := p.client.RemoveObject(ctx, p.bucket, prefix, minio.RemoveObjectOptions{}); err != nil {
		if wrapped := p.wrapError(op, path, err); !provider.IsNotFound(wrapped) {
			return wrapped
		}
	}
	return nil
}

// Copy copies src to dst inside the bucket.
func (p *Provider) Copy(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	if !src.IsFile() || !dst.IsFile() {
		return nil, provider.NewError("Copy", p.id, src.String(), provider.Errorf(provider.ErrUnsupported, "server-side copy handles files only"))
	}

	info, err := p.client.StatObject(ctx, p.bucket, src.Key(), minio.StatObjectOptions{})
	if err != nil {
		return nil, p.wrapError("Copy", src, err)
	}

	srcOpts := minio.CopySrcOptions{Bucket: p.bucket, Object: src.Key()}
	dstOpts := minio.CopyDestOptions{Bucket: p.bucket, Object: dst.Key()}
	var up minio.UploadInfo
	if info.Size > maxCopySize {
		up, err = p.client.ComposeObject(ctx, dstOpts, srcOpts)
	} else {
		up, err = p.client.CopyObject(ctx, dstOpts, srcOpts)
	}
	if err != nil {
		return nil, p.wrapError("Copy", dst, err)
	}

	m := entity.NewFile(dst, info.Size)
	m.ETag = normalize.CleanETag(up.ETag)
	m.ContentType = info.ContentType
	if !up.LastModified.IsZero() {
		t := up.LastModified.UTC()
		m.Modified = &t
	}
	return &m, nil
}

// Move copies src to dst and then deletes src.
func (p *Provider) Move(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	m, err := p.Copy(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	if err := p.Delete(ctx, src, ""); err != nil {
		return nil, err
	}
	return m, nil
}

// SignedURL presigns a GET or PUT request.
func (p *Provider) SignedURL(ctx context.Context, path entity.Path, ttl time.Duration, op provider.SignOperation) (string, error) {
	if !path.IsFile() {
		return "", provider.NewError("SignedURL", p.id, path.String(), provider.Errorf(provider.ErrUnsupported, "only files can be signed"))
	}

	var (
		u   *url.URL
		err error
	)
	if op == provider.SignWrite {
		u, err = p.client.PresignedPutObject(ctx, p.bucket, path.Key(), ttl)
	} else {
		u, err = p.client.PresignedGetObject(ctx, p.bucket, path.Key(), ttl, nil)
	}
	if err != nil {
		return "", p.wrapError("SignedURL", path, err)
	}
	return u.String(), nil
}

// Close releases resources.
func (p *Provider) Close() error {
	return nil
}

// wrapError converts minio errors to provider errors.
func (p *Provider) wrapError(op string, path entity.Path, err error) error {
	wrapped := &provider.ProviderError{
		Op:       op,
		Provider: p.id,
		Path:     path.String(),
		Err:      err,
	}

	if kind := provider.KindOf(err); kind != provider.KindInternal {
		if errors.Is(err, context.DeadlineExceeded) {
			wrapped.Err = provider.Errorf(provider.ErrTimeout, "%v", err)
		} else if errors.Is(err, context.Canceled) {
			wrapped.Err = provider.Errorf(provider.ErrCancelled, "%v", err)
		}
		return wrapped
	}

	resp := minio.ToErrorResponse(err)
	wrapped.Body = resp.Message
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound", "NoSuchUpload":
		wrapped.Err = provider.Errorf(provider.ErrNotFound, "%s", resp.Code)
		return wrapped
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		wrapped.Err = provider.Errorf(provider.ErrPermissionDenied, "%s", resp.Code)
		return wrapped
	case "PreconditionFailed":
		wrapped.Err = provider.Errorf(provider.ErrPreconditionFailed, "%s", resp.Code)
		return wrapped
	case "InvalidRange":
		wrapped.Err = provider.Errorf(provider.ErrRangeNotSatisfiable, "%s", resp.Code)
		return wrapped
	case "SlowDown", "SlowDownRead", "SlowDownWrite", "XMinioServerNotInitialized", "InternalError", "ServiceUnavailable":
		wrapped.Err = provider.Errorf(provider.ErrBackendUnavailable, "%s", resp.Code)
		return wrapped
	}

	if resp.StatusCode != 0 && resp.StatusCode != http.StatusOK {
		if sentinel := provider.FromHTTPStatus(resp.StatusCode); sentinel != nil {
			wrapped.Err = provider.Errorf(sentinel, "%v", err)
			return wrapped
		}
	}

	wrapped.Err = provider.Errorf(provider.ErrBackendUnavailable, "%v", err)
	return wrapped
}

func objectMeta(path entity.Path, info minio.ObjectInfo) entity.FileMetadata {
	m := entity.NewFile(path, info.Size)
	m.ETag = normalize.CleanETag(info.ETag)
	m.ContentType = info.ContentType
	if !info.LastModified.IsZero() {
		t := info.LastModified.UTC()
		m.Modified = &t
	}
	if normalize.IsMD5ETag(m.ETag) {
		m = m.WithHash(entity.HashMD5, m.ETag)
	}
	extra := make(map[string]string, len(info.UserMetadata)+2)
	for k, v := range info.UserMetadata {
		extra["meta."+k] = v
	}
	if info.StorageClass != "" {
		extra["storage_class"] = info.StorageClass
	}
	if info.VersionID != "" {
		extra["version_id"] = info.VersionID
	}
	if len(extra) > 0 {
		m = m.WithExtra(extra)
	}
	return m
}
