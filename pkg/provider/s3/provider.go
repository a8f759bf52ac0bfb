package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/credential"
	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/normalize"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// abortTimeout bounds cleanup calls issued after the caller's context ended.
const abortTimeout = 30 * time.Second

// maxCopySize is the largest object CopyObject accepts in one request.
const maxCopySize int64 = 5 << 30

// api is the subset of *s3.Client the provider uses.
type api interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// presigner is the subset of *s3.PresignClient the provider uses.
type presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// CredentialSource serves the key pair for a provider id.
// *credential.Broker satisfies it.
type CredentialSource interface {
	Get(ctx context.Context, providerID string) (*credential.Credential, error)
}

// Provider implements provider.Provider for AWS S3 and S3-compatible storage.
type Provider struct {
	id       string
	client   api
	presign  presigner
	bucket   string
	maxKeys  int
	partSize int64
	logger   *zap.Logger
}

// Ensure Provider implements the interfaces.
var (
	_ provider.Provider         = (*Provider)(nil)
	_ provider.ServerSideCopier = (*Provider)(nil)
	_ provider.URLSigner        = (*Provider)(nil)
)

// Option customizes a Provider.
type Option func(*options)

type options struct {
	creds  CredentialSource
	logger *zap.Logger
}

// WithCredentials takes the key pair from src instead of the SDK default chain.
func WithCredentials(src CredentialSource) Option {
	return func(o *options) { o.creds = src }
}

// WithLogger sets the provider logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a new S3 provider with the given configuration.
//
// The provider uses AWS SDK v2's default credential chain unless a
// credential source is supplied with WithCredentials.
func New(ctx context.Context, id string, cfg Config, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	awsCfg, err := loadAWSConfig(ctx, id, cfg, o.creds)
	if err != nil {
		return nil, &provider.ProviderError{
			Op:       "New",
			Provider: id,
			Err:      provider.Errorf(provider.ErrBackendUnavailable, "load aws config: %v", err),
		}
	}

	// Build S3 client options
	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}

	// Custom endpoint for S3-compatible stores
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return newWithClient(id, cfg, client, s3.NewPresignClient(client), o.logger), nil
}

func newWithClient(id string, cfg Config, client api, ps presigner, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		id:       id,
		client:   client,
		presign:  ps,
		bucket:   cfg.Bucket,
		maxKeys:  clampMaxKeys(cfg.MaxKeys, DefaultMaxKeys),
		partSize: cfg.partSize(),
		logger:   logger.With(zap.String("provider", id)),
	}
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, id string, cfg Config, creds CredentialSource) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if user set one in config.
	// Let SDK resolve from env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Set profile if specified
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	if creds != nil {
		opts = append(opts, config.WithCredentialsProvider(
			aws.NewCredentialsCache(&brokerCredentials{source: creds, providerID: id}),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	if awsCfg.Region == "" && cfg.UseInstanceRegion {
		awsCfg.Region = instanceRegion(ctx, awsCfg)
	}

	// Apply region defaulting logic
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)

	return awsCfg, nil
}

// instanceRegion asks EC2 instance metadata for the region.
// Returns "" off EC2 or when IMDS is unreachable.
func instanceRegion(ctx context.Context, awsCfg aws.Config) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := imds.NewFromConfig(awsCfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// brokerCredentials adapts the credential broker to aws.CredentialsProvider.
type brokerCredentials struct {
	source     CredentialSource
	providerID string
}

// Retrieve implements aws.CredentialsProvider.
func (b *brokerCredentials) Retrieve(ctx context.Context) (aws.Credentials, error) {
	c, err := b.source.Get(ctx, b.providerID)
	if err != nil {
		return aws.Credentials{}, err
	}
	out := aws.Credentials{
		AccessKeyID:     c.Attr(credential.AttrAccessKey),
		SecretAccessKey: c.Token(),
		Source:          "nimbusgate-broker",
	}
	if !c.NeverExpires() {
		out.CanExpire = true
		out.Expires = c.ExpiresAt
	}
	return out, nil
}

// ID returns the configured provider id.
func (p *Provider) ID() string { return p.id }

// Type returns provider.ProviderS3.
func (p *Provider) Type() provider.ProviderType { return provider.ProviderS3 }

// Capabilities returns the S3 capability set.
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

// Metadata heads a file, or lists the direct children of a folder.
func (p *Provider) Metadata(ctx context.Context, path entity.Path) (*provider.MetadataResult, error) {
	if path.IsFolder() {
		return p.listFolder(ctx, path)
	}

	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(path.Key()),
	})
	if err != nil {
		return nil, p.wrapError("Metadata", path, err)
	}

	m := objectMeta(path, aws.ToInt64(out.ContentLength), aws.ToString(out.ETag), out.LastModified)
	m.ContentType = aws.ToString(out.ContentType)
	extra := make(map[string]string, len(out.Metadata)+2)
	for k, v := range out.Metadata {
		extra["meta."+strings.ToLower(k)] = v
	}
	if out.StorageClass != "" {
		extra["storage_class"] = string(out.StorageClass)
	}
	if out.VersionId != nil {
		extra["version_id"] = aws.ToString(out.VersionId)
	}
	return &provider.MetadataResult{Item: m.WithExtra(extra)}, nil
}

func (p *Provider) listFolder(ctx context.Context, path entity.Path) (*provider.MetadataResult, error) {
	prefix := path.Key()
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(int32(p.maxKeys)),
	})

	var children []entity.FileMetadata
	marker := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, p.wrapError("Metadata", path, err)
		}
		for _, cp := range page.CommonPrefixes {
			children = append(children, entity.NewFolder(entity.FromKey(aws.ToString(cp.Prefix))))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				marker = true
				continue
			}
			m := objectMeta(entity.FromKey(key), aws.ToInt64(obj.Size), aws.ToString(obj.ETag), obj.LastModified)
			if obj.StorageClass != "" {
				m = m.WithExtra(map[string]string{"storage_class": string(obj.StorageClass)})
			}
			children = append(children, m)
		}
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

	in := &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(path.Key()),
	}
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return nil, provider.NewError("Download", p.id, path.String(), err)
		}
		in.Range = aws.String(rng.Header())
	}

	out, err := p.client.GetObject(ctx, in)
	if err != nil {
		return nil, p.wrapError("Download", path, err)
	}

	total := aws.ToInt64(out.ContentLength)
	if out.ContentRange != nil {
		if n, ok := rangeTotal(aws.ToString(out.ContentRange)); ok {
			total = n
		}
	}
	m := objectMeta(path, total, aws.ToString(out.ETag), out.LastModified)
	m.ContentType = aws.ToString(out.ContentType)

	return &provider.DownloadResult{
		Body:     out.Body,
		Size:     aws.ToInt64(out.ContentLength),
		Metadata: &m,
		Partial:  out.ContentRange != nil,
	}, nil
}

// Upload streams body to path. Payloads larger than one part use a
// multipart upload, which keeps the object invisible until completion.
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

	buf := make([]byte, p.partSize)
	n, err := io.ReadFull(body, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return p.putObject(ctx, path, buf[:n], opts)
	case err != nil:
		return nil, p.wrapError(op, path, err)
	}
	return p.multipartUpload(ctx, path, buf, body, opts)
}

func (p *Provider) checkIfMatch(ctx context.Context, path entity.Path, etag string) error {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(path.Key()),
	})
	if err != nil {
		wrapped := p.wrapError("Upload", path, err)
		if provider.IsNotFound(wrapped) {
			return provider.NewError("Upload", p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "object no longer exists"))
		}
		return wrapped
	}
	if normalize.CleanETag(aws.ToString(out.ETag)) != normalize.CleanETag(etag) {
		return provider.NewError("Upload", p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "etag changed"))
	}
	return nil
}

func (p *Provider) putObject(ctx context.Context, path entity.Path, data []byte, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(path.Key()),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfMatch != "" {
		in.IfMatch = aws.String(normalize.QuoteETag(opts.IfMatch))
	}

	out, err := p.client.PutObject(ctx, in)
	if err != nil {
		return nil, p.uploadError(path, opts, err)
	}
	m := objectMeta(path, int64(len(data)), aws.ToString(out.ETag), nil)
	m.ContentType = opts.ContentType
	return &m, nil
}

func (p *Provider) multipartUpload(ctx context.Context, path entity.Path, buf []byte, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	const op = "Upload"
	key := path.Key()

	create := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if opts.ContentType != "" {
		create.ContentType = aws.String(opts.ContentType)
	}
	started, err := p.client.CreateMultipartUpload(ctx, create)
	if err != nil {
		return nil, p.wrapError(op, path, err)
	}
	uploadID := started.UploadId

	abort := func(cause error) (*entity.FileMetadata, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		if _, aerr := p.client.AbortMultipartUpload(actx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(p.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		}); aerr != nil {
			p.logger.Warn("abort multipart upload failed",
				zap.String("key", key),
				zap.String("upload_id", aws.ToString(uploadID)),
				zap.Error(aerr))
		}
		return nil, cause
	}

	var (
		parts []types.CompletedPart
		total int64
		n     = len(buf)
		last  bool
	)
	for partNum := int32(1); ; partNum++ {
		if partNum > MaxParts {
			return abort(provider.NewError(op, p.id, path.String(), provider.Errorf(provider.ErrUnsupported, "payload needs more than %d parts", MaxParts)))
		}
		up, err := p.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(p.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNum),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return abort(p.wrapError(op, path, err))
		}
		parts = append(parts, types.CompletedPart{ETag: up.ETag, PartNumber: aws.Int32(partNum)})
		total += int64(n)
		if last {
			break
		}

		var rerr error
		n, rerr = io.ReadFull(body, buf)
		if errors.Is(rerr, io.EOF) {
			break
		}
		if errors.Is(rerr, io.ErrUnexpectedEOF) {
			last = true
			continue
		}
		if rerr != nil {
			return abort(p.wrapError(op, path, rerr))
		}
	}

	complete := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}
	if opts.IfMatch != "" {
		complete.IfMatch = aws.String(normalize.QuoteETag(opts.IfMatch))
	}
	out, err := p.client.CompleteMultipartUpload(ctx, complete)
	if err != nil {
		return abort(p.uploadError(path, opts, err))
	}

	m := objectMeta(path, total, aws.ToString(out.ETag), nil)
	m.ContentType = opts.ContentType
	return &m, nil
}

// uploadError turns a failed conditional write into ConflictOnOverwrite.
func (p *Provider) uploadError(path entity.Path, opts provider.UploadOptions, err error) error {
	wrapped := p.wrapError("Upload", path, err)
	if opts.IfMatch != "" && (provider.IsPreconditionFailed(wrapped) || provider.IsNotFound(wrapped)) {
		return provider.NewError("Upload", p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "%v", err))
	}
	return wrapped
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
		out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(path.Key()),
		})
		if err != nil {
			wrapped := p.wrapError("Delete", path, err)
			if provider.IsNotFound(wrapped) {
				return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrPreconditionFailed, "object does not exist"))
			}
			return wrapped
		}
		if normalize.CleanETag(aws.ToString(out.ETag)) != normalize.CleanETag(etag) {
			return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrPreconditionFailed, "etag mismatch"))
		}
	}

	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(path.Key()),
	})
	if err != nil {
		wrapped := p.wrapError("Delete", path, err)
		if provider.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
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
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(path.Key()),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(provider.FolderContentType),
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
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return p.wrapError(op, path, err)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != prefix {
			return provider.NewError(op, p.id, path.String(), provider.Errorf(provider.ErrConflictOnOverwrite, "folder is not empty"))
		}
	}
	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(prefix),
	})
	if err != nil {
		if wrapped := p.wrapError(op, path, err); !provider.IsNotFound(wrapped) {
			return wrapped
		}
	}
	return nil
}

func (p *Provider) deleteFolder(ctx context.Context, path entity.Path) error {
	if path.IsRoot() {
		return provider.NewError("Delete", p.id, path.String(), provider.Errorf(provider.ErrUnsupported, "refusing to delete the bucket root"))
	}

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(path.Key()),
		MaxKeys: aws.Int32(int32(p.maxKeys)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return p.wrapError("Delete", path, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return p.wrapError("Delete", path, err)
		}
		for _, e := range out.Errors {
			if aws.ToString(e.Code) == "NoSuchKey" {
				continue
			}
			return p.wrapError("Delete", entity.FromKey(aws.ToString(e.Key)), &smithy.GenericAPIError{
				Code:    aws.ToString(e.Code),
				Message: aws.ToString(e.Message),
			})
		}
	}
	return nil
}

// Copy copies src to dst inside the bucket.
// Objects over 5 GiB return ErrUnsupported so callers can stream instead.
func (p *Provider) Copy(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	if !src.IsFile() || !dst.IsFile() {
		return nil, provider.NewError("Copy", p.id, src.String(), provider.Errorf(provider.ErrUnsupported, "server-side copy handles files only"))
	}

	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(src.Key()),
	})
	if err != nil {
		return nil, p.wrapError("Copy", src, err)
	}
	size := aws.ToInt64(head.ContentLength)
	if size > maxCopySize {
		return nil, provider.NewError("Copy", p.id, src.String(), provider.Errorf(provider.ErrUnsupported, "object exceeds single-request copy limit"))
	}

	out, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		Key:        aws.String(dst.Key()),
		CopySource: aws.String(copySource(p.bucket, src.Key())),
	})
	if err != nil {
		return nil, p.wrapError("Copy", dst, err)
	}

	var etag string
	var modified *time.Time
	if out.CopyObjectResult != nil {
		etag = aws.ToString(out.CopyObjectResult.ETag)
		modified = out.CopyObjectResult.LastModified
	}
	m := objectMeta(dst, size, etag, modified)
	m.ContentType = aws.ToString(head.ContentType)
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

	expires := s3.WithPresignExpires(ttl)
	var (
		req *v4.PresignedHTTPRequest
		err error
	)
	switch op {
	case provider.SignWrite:
		req, err = p.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(path.Key()),
		}, expires)
	default:
		req, err = p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(path.Key()),
		}, expires)
	}
	if err != nil {
		return "", p.wrapError("SignedURL", path, err)
	}
	return req.URL, nil
}

// Close releases resources. The SDK client holds none that need releasing.
func (p *Provider) Close() error {
	return nil
}

// wrapError converts S3 errors to provider errors.
func (p *Provider) wrapError(op string, path entity.Path, err error) error {
	wrapped := &provider.ProviderError{
		Op:       op,
		Provider: p.id,
		Path:     path.String(),
		Err:      err,
	}

	// Errors that already carry a kind (e.g. from the transfer pipeline
	// reader) pass through untouched.
	if kind := provider.KindOf(err); kind != provider.KindInternal {
		if kind == provider.KindTimeout || kind == provider.KindCancelled {
			wrapped.Err = provider.Errorf(sentinelFor(kind), "%v", err)
		}
		return wrapped
	}

	// Check for specific S3 error types first
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		wrapped.Err = provider.ErrNotFound
		return wrapped
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		wrapped.Body = apiErr.ErrorMessage()
		if sentinel := classifyCode(apiErr.ErrorCode()); sentinel != nil {
			wrapped.Err = provider.Errorf(sentinel, "%s", apiErr.ErrorCode())
			return wrapped
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		if sentinel := provider.FromHTTPStatus(respErr.HTTPStatusCode()); sentinel != nil {
			wrapped.Err = provider.Errorf(sentinel, "%v", err)
			return wrapped
		}
	}

	// Transport failures (DNS, refused connections, resets).
	wrapped.Err = provider.Errorf(provider.ErrBackendUnavailable, "%v", err)
	return wrapped
}

func sentinelFor(kind provider.ErrorKind) error {
	if kind == provider.KindTimeout {
		return provider.ErrTimeout
	}
	return provider.ErrCancelled
}

// classifyCode maps S3 error codes onto sentinels. Returns nil for codes
// that should be classified by HTTP status instead.
func classifyCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound", "NoSuchBucket", "NoSuchUpload":
		return provider.ErrNotFound
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return provider.ErrPermissionDenied
	case "PreconditionFailed":
		return provider.ErrPreconditionFailed
	case "ConditionalRequestConflict":
		return provider.ErrConflictOnOverwrite
	case "InvalidRange":
		return provider.ErrRangeNotSatisfiable
	case "NotImplemented", "MethodNotAllowed":
		return provider.ErrUnsupported
	case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError", "RequestTimeout":
		return provider.ErrBackendUnavailable
	}
	return nil
}

// objectMeta builds file metadata from S3 object attributes.
func objectMeta(path entity.Path, size int64, etag string, modified *time.Time) entity.FileMetadata {
	m := entity.NewFile(path, size)
	m.ETag = normalize.CleanETag(etag)
	if modified != nil {
		t := modified.UTC()
		m.Modified = &t
	}
	if normalize.IsMD5ETag(m.ETag) {
		m = m.WithHash(entity.HashMD5, m.ETag)
	}
	return m
}

// copySource renders the x-amz-copy-source value for key.
func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

// rangeTotal extracts the complete length from a Content-Range value
// such as "bytes 0-99/1234".
func rangeTotal(contentRange string) (int64, bool) {
	i := strings.LastIndexByte(contentRange, '/')
	if i < 0 || contentRange[i+1:] == "*" {
		return 0, false
	}
	var n int64
	for _, c := range contentRange[i+1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// clampMaxKeys returns a valid MaxKeys value for S3 API calls.
//
// Behavior:
//   - If requested <= 0: returns providerDefault (which should be 1000)
//   - If requested > MaxAllowedKeys (1000): returns MaxAllowedKeys
//   - Otherwise: returns requested unchanged
func clampMaxKeys(requested, providerDefault int) int {
	if requested <= 0 {
		requested = providerDefault
	}
	if requested > MaxAllowedKeys {
		return MaxAllowedKeys
	}
	return requested
}

// resolveRegion determines the final region to use.
//
// Priority:
//  1. SDK-resolved region (from explicit config, env, profile, or IMDS)
//  2. DefaultAWSRegion for AWS S3 (no custom endpoint)
//  3. "" for S3-compatible stores (the store may not need one)
func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	// SDK already resolved region (from explicit config, env, or profile)
	if sdkRegion != "" {
		return sdkRegion
	}
	if cfgRegion != "" {
		return cfgRegion
	}

	// Only default for AWS S3 (no custom endpoint)
	if endpoint == "" {
		return DefaultAWSRegion
	}

	// S3-compatible: no default, provider may not need region
	return ""
}
