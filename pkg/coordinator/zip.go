package coordinator

import (
	"archive/zip"
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/match"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Zip writes a zip archive of every file below folder to w.
//
// Entry names are relative to folder. When patterns are given, only files
// whose relative path matches at least one doublestar pattern are included;
// a pattern prefixed with '!' excludes matching files.
// Files are read one at a time, each through its own download session.
func (c *Coordinator) Zip(ctx context.Context, providerID string, folder entity.Path, patterns []string, w io.Writer) error {
	p, err := c.resolve(providerID)
	if err != nil {
		return err
	}
	if !folder.IsFolder() {
		return provider.NewError("Zip", providerID, folder.String(),
			provider.Errorf(provider.ErrMalformedPath, "zip source must be a folder"))
	}
	m, err := match.FromPatterns(patterns)
	if err != nil {
		return provider.NewError("Zip", providerID, folder.String(),
			provider.Errorf(provider.ErrMalformedPath, "%v", err))
	}

	tree, err := c.walk(ctx, p, folder)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	added := 0
	for _, f := range tree.files {
		rel := f.Path.RelativeTo(folder)
		if !m.Match(rel) {
			continue
		}
		if err := c.zipEntry(ctx, p, zw, f, rel); err != nil {
			return err
		}
		added++
	}
	if err := zw.Close(); err != nil {
		return provider.NewError("Zip", providerID, folder.String(), err)
	}
	c.logger.Debug("Zip archive written",
		zap.String("provider", providerID),
		zap.String("path", folder.String()),
		zap.Int("entries", added))
	return nil
}

func (c *Coordinator) zipEntry(ctx context.Context, p provider.Provider, zw *zip.Writer, f entity.FileMetadata, name string) error {
	st, err := c.openDownload(ctx, p, f.Path, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
	if f.Modified != nil {
		hdr.Modified = *f.Modified
	} else {
		hdr.Modified = c.now().UTC().Truncate(time.Second)
	}
	ew, err := zw.CreateHeader(hdr)
	if err != nil {
		return provider.NewError("Zip", p.ID(), f.Path.String(), err)
	}
	if _, err := io.Copy(ew, st); err != nil {
		if provider.KindOf(err) == provider.KindInternal {
			return provider.NewError("Zip", p.ID(), f.Path.String(), err)
		}
		return err
	}
	return nil
}
