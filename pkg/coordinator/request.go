package coordinator

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Operation names a gateway operation.
type Operation string

const (
	OpMetadata  Operation = "metadata"
	OpDownload  Operation = "download"
	OpUpload    Operation = "upload"
	OpDelete    Operation = "delete"
	OpCopy      Operation = "copy"
	OpMove      Operation = "move"
	OpSignedURL Operation = "signed_url"
	OpZip       Operation = "zip"
	OpMkdir     Operation = "mkdir"
)

// Request is the inbound shape handed to the core by outer layers.
type Request struct {
	Operation  Operation
	ProviderID string
	Path       entity.Path

	// CredentialRef names the credential the caller expects. Adapters are
	// bound to one credential each, so a non-empty ref must equal ProviderID.
	CredentialRef string

	// Body and Size carry upload payloads. Size is -1 when unknown.
	Body        io.Reader
	Size        int64
	ContentType string

	Range   *provider.ByteRange
	IfMatch string

	DestProviderID string
	DestPath       entity.Path

	TTL    time.Duration
	SignOp provider.SignOperation

	Patterns []string
}

// Result carries the outcome of a Request. Body, when set, must be closed.
type Result struct {
	Metadata *entity.FileMetadata
	Children []entity.FileMetadata
	Body     io.ReadCloser
	Size     int64
	Partial  bool
	URL      string
}

// Execute dispatches req to the matching operation.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.CredentialRef != "" && req.CredentialRef != req.ProviderID {
		return nil, provider.NewError(string(req.Operation), req.ProviderID, req.Path.String(),
			provider.Errorf(provider.ErrPermissionDenied, "credential %q is not bound to provider %q", req.CredentialRef, req.ProviderID))
	}

	switch req.Operation {
	case OpMetadata:
		res, err := c.Metadata(ctx, req.ProviderID, req.Path)
		if err != nil {
			return nil, err
		}
		item := res.Item
		return &Result{Metadata: &item, Children: res.Children}, nil

	case OpDownload:
		st, err := c.Download(ctx, req.ProviderID, req.Path, req.Range)
		if err != nil {
			return nil, err
		}
		return &Result{Metadata: st.Metadata, Body: st, Size: st.Size, Partial: st.Partial}, nil

	case OpUpload:
		if req.Body == nil {
			return nil, provider.NewError("Upload", req.ProviderID, req.Path.String(),
				provider.Errorf(provider.ErrUnsupported, "upload requires a body"))
		}
		m, err := c.Upload(ctx, req.ProviderID, req.Path, req.Body,
			UploadOptions{Size: req.Size, IfMatch: req.IfMatch, ContentType: req.ContentType})
		if err != nil {
			return nil, err
		}
		return &Result{Metadata: m}, nil

	case OpDelete:
		if err := c.Delete(ctx, req.ProviderID, req.Path, req.IfMatch); err != nil {
			return nil, err
		}
		return &Result{}, nil

	case OpMkdir:
		m, err := c.CreateFolder(ctx, req.ProviderID, req.Path)
		if err != nil {
			return nil, err
		}
		return &Result{Metadata: m}, nil

	case OpCopy, OpMove:
		dest := req.DestProviderID
		if dest == "" {
			dest = req.ProviderID
		}
		src, dst := Ref{req.ProviderID, req.Path}, Ref{dest, req.DestPath}
		var m *entity.FileMetadata
		var err error
		if req.Operation == OpMove {
			m, err = c.Move(ctx, src, dst)
		} else {
			m, err = c.Copy(ctx, src, dst)
		}
		if err != nil {
			return nil, err
		}
		return &Result{Metadata: m}, nil

	case OpSignedURL:
		url, err := c.SignedURL(ctx, req.ProviderID, req.Path, req.TTL, req.SignOp)
		if err != nil {
			return nil, err
		}
		return &Result{URL: url}, nil

	case OpZip:
		return c.zipResult(ctx, req)
	}
	return nil, provider.NewError(string(req.Operation), req.ProviderID, req.Path.String(),
		provider.Errorf(provider.ErrUnsupported, "unknown operation %q", req.Operation))
}

// zipResult validates the source, then streams the archive through a pipe
// so the caller pulls it at its own pace.
func (c *Coordinator) zipResult(ctx context.Context, req Request) (*Result, error) {
	if _, err := c.Metadata(ctx, req.ProviderID, req.Path.AsFolder()); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		err := c.Zip(ctx, req.ProviderID, req.Path.AsFolder(), req.Patterns, pw)
		if err != nil {
			c.logger.Warn("Zip stream aborted",
				zap.String("provider", req.ProviderID),
				zap.String("path", req.Path.String()),
				zap.Error(err))
		}
		_ = pw.CloseWithError(err)
	}()
	return &Result{Body: pr, Size: -1}, nil
}

// String renders the request for logs.
func (r Request) String() string {
	s := fmt.Sprintf("%s %s:%s", r.Operation, r.ProviderID, r.Path)
	if r.Operation == OpCopy || r.Operation == OpMove {
		s += fmt.Sprintf(" -> %s:%s", r.DestProviderID, r.DestPath)
	}
	return s
}
