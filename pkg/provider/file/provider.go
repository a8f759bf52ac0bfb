package file

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/normalize"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Provider implements provider.Provider for a local directory.
//
// Paths map onto files under BaseDir. Writes land in a temporary file in
// the target directory and are renamed into place, so readers never see a
// partial file.
type Provider struct {
	id      string
	baseDir string
	logger  *zap.Logger
}

// Ensure Provider implements provider capability interfaces.
var (
	_ provider.Provider         = (*Provider)(nil)
	_ provider.ServerSideCopier = (*Provider)(nil)
)

// Config configures a file provider.
type Config struct {
	// BaseDir is the directory that backs the provider root (required).
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`

	// Create makes BaseDir when it does not exist.
	Create bool `mapstructure:"create" yaml:"create"`
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

// New creates a file provider rooted at cfg.BaseDir.
func New(id string, cfg Config, logger *zap.Logger) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Clean(cfg.BaseDir))
	if err != nil {
		return nil, fmt.Errorf("base dir: %w", err)
	}
	if cfg.Create {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("create base dir: %w", err)
		}
	}
	st, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("base dir: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("base dir %s is not a directory", base)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{id: id, baseDir: base, logger: logger.With(zap.String("provider", id))}, nil
}

// ID returns the configured provider id.
func (p *Provider) ID() string { return p.id }

// Type returns provider.ProviderFile.
func (p *Provider) Type() provider.ProviderType { return provider.ProviderFile }

// Capabilities returns the file capability set.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.NewCapabilities(
		provider.CapMetadata,
		provider.CapStream,
		provider.CapServerSideCopy,
		provider.CapRangeRead,
		provider.CapAtomicCommit,
	)
}

// Close releases resources.
func (p *Provider) Close() error { return nil }

// Metadata stats a file, or reads a directory.
func (p *Provider) Metadata(ctx context.Context, path entity.Path) (*provider.MetadataResult, error) {
	if err := provider.FromContext(ctx); err != nil {
		return nil, p.wrapError("Metadata", path, err)
	}
	full, err := p.fullPath(path)
	if err != nil {
		return nil, p.wrapError("Metadata", path, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Metadata", path, err)
	}
	if st.IsDir() != path.IsFolder() {
		return nil, p.wrapError("Metadata", path, provider.ErrNotFound)
	}
	if !st.IsDir() {
		return &provider.MetadataResult{Item: fileMeta(path, st)}, nil
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, p.wrapError("Metadata", path, err)
	}
	children := make([]entity.FileMetadata, 0, len(entries))
	for _, e := range entries {
		if isTempName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.IsDir() {
			children = append(children, entity.NewFolder(path.Child(e.Name(), true)))
			continue
		}
		if info.Mode().IsRegular() {
			children = append(children, fileMeta(path.Child(e.Name(), false), info))
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Path.String() < children[j].Path.String() })
	return &provider.MetadataResult{Item: entity.NewFolder(path), Children: children}, nil
}

// Download opens a file, optionally restricted to rng.
func (p *Provider) Download(ctx context.Context, path entity.Path, rng *provider.ByteRange) (*provider.DownloadResult, error) {
	if err := provider.FromContext(ctx); err != nil {
		return nil, p.wrapError("Download", path, err)
	}
	if !path.IsFile() {
		return nil, p.wrapError("Download", path, provider.Errorf(provider.ErrMalformedPath, "cannot download a folder"))
	}
	full, err := p.fullPath(path)
	if err != nil {
		return nil, p.wrapError("Download", path, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, p.wrapError("Download", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, p.wrapError("Download", path, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, p.wrapError("Download", path, provider.ErrNotFound)
	}

	meta := fileMeta(path, st)
	if rng == nil {
		return &provider.DownloadResult{Body: f, Size: st.Size(), Metadata: &meta}, nil
	}

	if err := rng.Validate(); err != nil {
		_ = f.Close()
		return nil, p.wrapError("Download", path, err)
	}
	if rng.Start >= st.Size() {
		_ = f.Close()
		return nil, p.wrapError("Download", path, provider.Errorf(provider.ErrRangeNotSatisfiable,
			"start %d beyond size %d", rng.Start, st.Size()))
	}
	length := st.Size() - rng.Start
	if l := rng.Length(); l >= 0 && l < length {
		length = l
	}

	// Wrap with a closer that closes the file.
	r := io.NewSectionReader(f, rng.Start, length)
	return &provider.DownloadResult{
		Body:     &sectionReadCloser{r: r, c: f},
		Size:     length,
		Metadata: &meta,
		Partial:  true,
	}, nil
}

type sectionReadCloser struct {
	r io.Reader
	c io.Closer
}

func (s *sectionReadCloser) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *sectionReadCloser) Close() error               { return s.c.Close() }

// Upload writes body to a temporary file and renames it over path.
func (p *Provider) Upload(ctx context.Context, path entity.Path, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	const op = "Upload"
	if !path.IsFile() {
		return nil, p.wrapError(op, path, provider.Errorf(provider.ErrMalformedPath, "upload target must be a file"))
	}
	full, err := p.fullPath(path)
	if err != nil {
		return nil, p.wrapError(op, path, err)
	}
	if opts.IfMatch != "" {
		if err := p.checkETag(full, opts.IfMatch, provider.ErrConflictOnOverwrite); err != nil {
			return nil, p.wrapError(op, path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, p.wrapError(op, path, err)
	}

	sum := md5.New()
	if _, err := p.writeAtomic(ctx, full, io.TeeReader(body, sum)); err != nil {
		return nil, p.wrapError(op, path, err)
	}

	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError(op, path, err)
	}
	m := fileMeta(path, st).WithHash(entity.HashMD5, hex.EncodeToString(sum.Sum(nil)))
	if opts.ContentType != "" {
		m.ContentType = opts.ContentType
	}
	return &m, nil
}

const tempPrefix = ".nimbusgate-put-"

func isTempName(name string) bool { return strings.HasPrefix(name, tempPrefix) }

// writeAtomic copies r into a temporary sibling of full and renames it
// into place. The temporary file is removed on any failure.
func (p *Provider) writeAtomic(ctx context.Context, full string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(full), tempPrefix+"*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmpName, full); err != nil {
		return n, err
	}
	committed = true
	return n, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := provider.FromContext(c.ctx); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}

// checkETag stats full and fails with sentinel when the file is missing or
// its etag differs from want. The filesystem offers no conditional rename or
// unlink, so a writer landing between this check and the caller's write or
// delete goes undetected.
func (p *Provider) checkETag(full, want string, sentinel error) error {
	st, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return provider.Errorf(sentinel, "object does not exist")
		}
		return err
	}
	if st.IsDir() || etagOf(st) != normalize.CleanETag(want) {
		return provider.Errorf(sentinel, "etag mismatch")
	}
	return nil
}

// Delete removes a file, or a directory tree.
func (p *Provider) Delete(ctx context.Context, path entity.Path, etag string) error {
	if err := provider.FromContext(ctx); err != nil {
		return p.wrapError("Delete", path, err)
	}
	full, err := p.fullPath(path)
	if err != nil {
		return p.wrapError("Delete", path, err)
	}

	if path.IsFolder() {
		if etag != "" {
			return p.wrapError("Delete", path, provider.Errorf(provider.ErrPreconditionFailed, "folders carry no etag"))
		}
		if path.IsRoot() {
			return p.wrapError("Delete", path, provider.Errorf(provider.ErrUnsupported, "refusing to delete the provider root"))
		}
		if err := os.RemoveAll(full); err != nil {
			return p.wrapError("Delete", path, err)
		}
		return nil
	}

	if etag != "" {
		if err := p.checkETag(full, etag, provider.ErrPreconditionFailed); err != nil {
			return p.wrapError("Delete", path, err)
		}
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return p.wrapError("Delete", path, err)
	}
	return nil
}

// CreateFolder makes the directory and any missing parents.
func (p *Provider) CreateFolder(ctx context.Context, path entity.Path) (*entity.FileMetadata, error) {
	const op = "CreateFolder"
	if err := provider.FromContext(ctx); err != nil {
		return nil, p.wrapError(op, path, err)
	}
	if err := provider.RequireFolder(op, p.id, path); err != nil {
		return nil, err
	}
	full, err := p.fullPath(path)
	if err != nil {
		return nil, p.wrapError(op, path, err)
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, fs.ErrExist) {
			return nil, p.wrapError(op, path, provider.Errorf(provider.ErrConflictOnOverwrite, "a file occupies the path: %v", err))
		}
		return nil, p.wrapError(op, path, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError(op, path, err)
	}
	m := entity.NewFolder(path)
	mod := st.ModTime().UTC()
	m.Modified = &mod
	return &m, nil
}

// RemoveFolder removes an empty directory.
func (p *Provider) RemoveFolder(ctx context.Context, path entity.Path) error {
	const op = "RemoveFolder"
	if err := provider.FromContext(ctx); err != nil {
		return p.wrapError(op, path, err)
	}
	if err := provider.RequireFolder(op, p.id, path); err != nil {
		return err
	}
	if path.IsRoot() {
		return provider.RootNotRemovable(p.id)
	}
	full, err := p.fullPath(path)
	if err != nil {
		return p.wrapError(op, path, err)
	}
	st, err := os.Stat(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return p.wrapError(op, path, err)
	case !st.IsDir():
		return p.wrapError(op, path, provider.Errorf(provider.ErrConflictOnOverwrite, "a file occupies the path"))
	}
	if err := os.Remove(full); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case errors.Is(err, syscall.ENOTEMPTY), errors.Is(err, syscall.EEXIST):
			return p.wrapError(op, path, provider.Errorf(provider.ErrConflictOnOverwrite, "folder is not empty"))
		}
		return p.wrapError(op, path, err)
	}
	return nil
}

// Copy duplicates a file through a temporary sibling of dst.
func (p *Provider) Copy(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	if !src.IsFile() || !dst.IsFile() {
		return nil, p.wrapError("Copy", src, provider.Errorf(provider.ErrUnsupported, "server-side copy handles files only"))
	}
	srcFull, err := p.fullPath(src)
	if err != nil {
		return nil, p.wrapError("Copy", src, err)
	}
	dstFull, err := p.fullPath(dst)
	if err != nil {
		return nil, p.wrapError("Copy", dst, err)
	}

	in, err := os.Open(srcFull)
	if err != nil {
		return nil, p.wrapError("Copy", src, err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return nil, p.wrapError("Copy", dst, err)
	}
	if _, err := p.writeAtomic(ctx, dstFull, in); err != nil {
		return nil, p.wrapError("Copy", dst, err)
	}

	st, err := os.Stat(dstFull)
	if err != nil {
		return nil, p.wrapError("Copy", dst, err)
	}
	m := fileMeta(dst, st)
	return &m, nil
}

// Move renames a file. Across devices it falls back to copy and delete.
func (p *Provider) Move(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	if !src.IsFile() || !dst.IsFile() {
		return nil, p.wrapError("Move", src, provider.Errorf(provider.ErrUnsupported, "server-side move handles files only"))
	}
	srcFull, err := p.fullPath(src)
	if err != nil {
		return nil, p.wrapError("Move", src, err)
	}
	dstFull, err := p.fullPath(dst)
	if err != nil {
		return nil, p.wrapError("Move", dst, err)
	}
	if _, err := os.Stat(srcFull); err != nil {
		return nil, p.wrapError("Move", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return nil, p.wrapError("Move", dst, err)
	}

	if err := os.Rename(srcFull, dstFull); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return nil, p.wrapError("Move", src, err)
		}
		m, err := p.Copy(ctx, src, dst)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(srcFull); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, p.wrapError("Move", src, err)
		}
		return m, nil
	}

	st, err := os.Stat(dstFull)
	if err != nil {
		return nil, p.wrapError("Move", dst, err)
	}
	m := fileMeta(dst, st)
	return &m, nil
}

func (p *Provider) fullPath(path entity.Path) (string, error) {
	segs := path.Segments()
	for _, s := range segs {
		// Prevent path traversal.
		if s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
			return "", provider.Errorf(provider.ErrMalformedPath, "invalid segment %q", s)
		}
	}
	return filepath.Join(append([]string{p.baseDir}, segs...)...), nil
}

// fileMeta describes a regular file. Files carry no backend etag, so one is
// derived from the modification time and size.
func fileMeta(path entity.Path, st fs.FileInfo) entity.FileMetadata {
	m := entity.NewFile(path, st.Size())
	mod := st.ModTime().UTC()
	m.Modified = &mod
	m.ETag = etagOf(st)
	m.ContentType = mime.TypeByExtension(filepath.Ext(st.Name()))
	return m
}

func etagOf(st fs.FileInfo) string {
	return strconv.FormatInt(st.ModTime().UnixNano(), 16) + "-" + strconv.FormatInt(st.Size(), 16)
}

func (p *Provider) wrapError(op string, path entity.Path, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: p.id, Path: path.String(), Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to provider sentinels.
	switch {
	case errors.Is(err, fs.ErrNotExist):
		wrapped.Err = provider.Errorf(provider.ErrNotFound, "%v", err)
	case errors.Is(err, fs.ErrPermission):
		wrapped.Err = provider.Errorf(provider.ErrPermissionDenied, "%v", err)
	case errors.Is(err, syscall.ENOTDIR):
		wrapped.Err = provider.Errorf(provider.ErrNotFound, "%v", err)
	case errors.Is(err, syscall.ENOSPC):
		wrapped.Err = provider.Errorf(provider.ErrBackendUnavailable, "%v", err)
	}
	return wrapped
}
