package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/transfer"
)

// Ref names a path on a configured provider.
type Ref struct {
	ProviderID string
	Path       entity.Path
}

func (r Ref) String() string { return r.ProviderID + ":" + r.Path.String() }

// Copy duplicates src at dst.
//
// Within one adapter that declares server-side copy the backend copies the
// object. Otherwise, or when the backend refuses, the object is streamed
// through a download session into an upload session. Folders are copied
// file by file.
func (c *Coordinator) Copy(ctx context.Context, src, dst Ref) (*entity.FileMetadata, error) {
	return c.relocate(ctx, src, dst, false)
}

// Move relocates src to dst. The source is deleted only after the
// destination write completed; a failed move leaves the source untouched.
func (c *Coordinator) Move(ctx context.Context, src, dst Ref) (*entity.FileMetadata, error) {
	return c.relocate(ctx, src, dst, true)
}

func (c *Coordinator) relocate(ctx context.Context, src, dst Ref, move bool) (*entity.FileMetadata, error) {
	op, action := "Copy", ActionCopy
	if move {
		op, action = "Move", ActionMove
	}
	sp, err := c.resolve(src.ProviderID)
	if err != nil {
		return nil, err
	}
	dp, err := c.resolve(dst.ProviderID)
	if err != nil {
		return nil, err
	}

	if src.Path.IsFolder() != dst.Path.IsFolder() {
		return nil, provider.NewError(op, src.ProviderID, src.Path.String(),
			provider.Errorf(provider.ErrMalformedPath, "cannot %s a %s onto %s", action, kindName(src.Path), dst.Path))
	}
	if src.ProviderID == dst.ProviderID && src.Path.Equal(dst.Path) {
		res, err := c.Metadata(ctx, src.ProviderID, src.Path)
		if err != nil {
			return nil, err
		}
		return &res.Item, nil
	}

	var m *entity.FileMetadata
	if src.Path.IsFolder() {
		if src.ProviderID == dst.ProviderID && dst.Path.HasPrefix(src.Path) {
			return nil, provider.NewError(op, src.ProviderID, src.Path.String(),
				provider.Errorf(provider.ErrUnsupported, "destination %s lies inside the source", dst.Path))
		}
		m, err = c.relocateTree(ctx, sp, dp, src.Path, dst.Path, move)
	} else {
		m, err = c.relocateFile(ctx, sp, dp, src.Path, dst.Path, move)
	}
	if err != nil {
		return nil, err
	}

	c.publish(ctx, Event{
		Action:     action,
		ProviderID: src.ProviderID,
		Path:       src.Path.String(),
		DestID:     dst.ProviderID,
		DestPath:   dst.Path.String(),
		Metadata:   m,
	})
	return m, nil
}

func kindName(p entity.Path) string {
	if p.IsFolder() {
		return "folder"
	}
	return "file"
}

func (c *Coordinator) relocateFile(ctx context.Context, sp, dp provider.Provider, src, dst entity.Path, move bool) (*entity.FileMetadata, error) {
	if sp.ID() == dp.ID() && sp.Capabilities().Has(provider.CapServerSideCopy) {
		m, err := c.serverSide(ctx, sp, src, dst, move)
		if err == nil {
			return m, nil
		}
		if !provider.IsUnsupported(err) {
			return nil, err
		}
		c.logger.Debug("Server-side copy refused, streaming instead",
			zap.String("provider", sp.ID()),
			zap.String("src", src.String()),
			zap.Error(err))
	}

	m, srcMeta, err := c.streamCopy(ctx, sp, dp, src, dst)
	if err != nil {
		return nil, err
	}
	if !move {
		return m, nil
	}

	var etag string
	if srcMeta != nil {
		etag = srcMeta.ETag
	}
	err = c.withRetry(ctx, "Move", sp.ID(), src, func(ctx context.Context) error {
		return sp.Delete(ctx, src, etag)
	})
	if err != nil {
		return nil, provider.NewError("Move", sp.ID(), src.String(),
			fmt.Errorf("destination %s:%s written but source not removed: %w", dp.ID(), dst, err))
	}
	return m, nil
}

// serverSide copies or moves within the backend. Copies are retried; a
// server-side move is not, since a lost response may hide a completed move.
func (c *Coordinator) serverSide(ctx context.Context, p provider.Provider, src, dst entity.Path, move bool) (*entity.FileMetadata, error) {
	if move {
		return provider.MoveObject(ctx, p, src, dst)
	}
	var m *entity.FileMetadata
	err := c.withRetry(ctx, "Copy", p.ID(), src, func(ctx context.Context) error {
		var err error
		m, err = provider.CopyObject(ctx, p, src, dst)
		return err
	})
	return m, err
}

// streamCopy pipes a download session from sp straight into an upload
// session on dp. Each attempt reopens the source, so the pair is retried
// as a unit. It returns the destination metadata and the source metadata
// seen by the successful attempt.
func (c *Coordinator) streamCopy(ctx context.Context, sp, dp provider.Provider, src, dst entity.Path) (*entity.FileMetadata, *entity.FileMetadata, error) {
	var out, srcMeta *entity.FileMetadata
	err := c.withRetry(ctx, "Copy", sp.ID(), src, func(ctx context.Context) error {
		st, err := c.pipeline.Download(ctx, transfer.NewSession(transfer.Download, -1), sp, src, nil)
		if err != nil {
			return err
		}
		defer st.Close()

		var opts provider.UploadOptions
		if st.Metadata != nil {
			opts.ContentType = st.Metadata.ContentType
		}
		m, err := c.pipeline.Upload(ctx, transfer.NewSession(transfer.Upload, st.Size), dp, dst, st, opts)
		if err != nil {
			return err
		}
		if state := st.Session.State(); state != transfer.StateCompleted {
			return provider.NewError("Copy", sp.ID(), src.String(),
				provider.Errorf(provider.ErrIntegrityMismatch, "source stream ended %s", state))
		}
		out, srcMeta = m, st.Metadata
		return nil
	})
	return out, srcMeta, err
}

// relocateTree copies every file below src to the same relative location
// below dst. When moving, each source file is deleted as soon as its own
// destination completed, conditionally on the etag it was read with, and
// folders are removed only once empty. Anything written below src while the
// move runs stays in place and fails the move.
func (c *Coordinator) relocateTree(ctx context.Context, sp, dp provider.Provider, src, dst entity.Path, move bool) (*entity.FileMetadata, error) {
	tree, err := c.walk(ctx, sp, src)
	if err != nil {
		return nil, err
	}
	for _, f := range tree.files {
		target := entity.FromKey(dst.Key() + f.Path.RelativeTo(src))
		if _, err := c.relocateFile(ctx, sp, dp, f.Path, target, move); err != nil {
			return nil, err
		}
	}
	for _, folder := range tree.empty {
		target := entity.FromKey(dst.Key() + folder.RelativeTo(src))
		err := c.withRetry(ctx, "CreateFolder", dp.ID(), target, func(ctx context.Context) error {
			_, err := dp.CreateFolder(ctx, target)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if move {
		// Deepest first, so each folder is empty by the time it is removed.
		for i := len(tree.folders) - 1; i >= 0; i-- {
			folder := tree.folders[i]
			err := c.withRetry(ctx, "Move", sp.ID(), folder, func(ctx context.Context) error {
				return sp.RemoveFolder(ctx, folder)
			})
			if err != nil {
				return nil, provider.NewError("Move", sp.ID(), folder.String(),
					fmt.Errorf("destination %s:%s written but source not removed: %w", dp.ID(), dst, err))
			}
		}
	}
	m := entity.NewFolder(dst)
	return &m, nil
}

// tree is a snapshot of a folder taken by walk.
type tree struct {
	// files lists every file, depth first in listing order.
	files []entity.FileMetadata

	// folders lists the root and every subfolder, parents before children.
	folders []entity.Path

	// empty lists the folders that had no children.
	empty []entity.Path
}

// walk lists everything below folder.
func (c *Coordinator) walk(ctx context.Context, p provider.Provider, folder entity.Path) (*tree, error) {
	out := &tree{}
	pending := []entity.Path{folder}
	for len(pending) > 0 {
		next := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		out.folders = append(out.folders, next)

		var res *provider.MetadataResult
		err := c.withRetry(ctx, "Metadata", p.ID(), next, func(ctx context.Context) error {
			var err error
			res, err = p.Metadata(ctx, next)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(res.Children) == 0 {
			out.empty = append(out.empty, next)
		}
		var subdirs []entity.Path
		for _, child := range res.Children {
			if child.IsFolder() {
				subdirs = append(subdirs, child.Path)
				continue
			}
			out.files = append(out.files, child)
		}
		for i := len(subdirs) - 1; i >= 0; i-- {
			pending = append(pending, subdirs[i])
		}
	}
	return out, nil
}
