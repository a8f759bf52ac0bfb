// Package memory provides an in-process provider.
//
// It backs tests and local development. The capability set is
// configurable so callers can exercise both commit models: with
// AtomicCommit an upload is published only once the stream ends, without
// it the object is visible and grows while the upload runs, like a
// backend that exposes partial writes.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/normalize"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Config configures a memory provider.
type Config struct {
	// ServerSideCopy declares and enables Copy and Move.
	ServerSideCopy bool `mapstructure:"server_side_copy" yaml:"server_side_copy"`

	// AtomicCommit hides uploads until they complete.
	AtomicCommit bool `mapstructure:"atomic_commit" yaml:"atomic_commit"`
}

type object struct {
	data        []byte
	etag        string
	sha256      string
	contentType string
	modified    time.Time
	writing     bool
}

// Provider is a map-backed provider.
type Provider struct {
	id  string
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	objects map[string]*object
}

var (
	_ provider.Provider         = (*Provider)(nil)
	_ provider.ServerSideCopier = (*Provider)(nil)
)

// New creates an empty memory provider.
func New(id string, cfg Config) *Provider {
	return &Provider{id: id, cfg: cfg, now: time.Now, objects: make(map[string]*object)}
}

func (p *Provider) ID() string                 { return p.id }
func (p *Provider) Type() provider.ProviderType { return provider.ProviderMemory }
func (p *Provider) Close() error               { return nil }

// Capabilities reflects the configured commit and copy behaviour.
func (p *Provider) Capabilities() provider.Capabilities {
	caps := provider.NewCapabilities(provider.CapMetadata, provider.CapStream, provider.CapRangeRead)
	if p.cfg.ServerSideCopy {
		caps = caps.With(provider.CapServerSideCopy)
	}
	if p.cfg.AtomicCommit {
		caps = caps.With(provider.CapAtomicCommit)
	}
	return caps
}

// Put stores data at key directly. It is meant for seeding.
func (p *Provider) Put(key string, data []byte) entity.FileMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.newObject(append([]byte(nil), data...), "")
	p.objects[key] = o
	return p.meta(entity.FromKey(key), o)
}

// Bytes returns a copy of the stored data, including partial uploads.
func (p *Provider) Bytes(key string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// Keys returns every stored key in order.
func (p *Provider) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.objects))
	for k := range p.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Provider) newObject(data []byte, contentType string) *object {
	o := &object{data: data, contentType: contentType, modified: p.now().UTC()}
	o.seal()
	return o
}

func (o *object) seal() {
	m := md5.Sum(o.data)
	s := sha256.Sum256(o.data)
	o.etag = hex.EncodeToString(m[:])
	o.sha256 = hex.EncodeToString(s[:])
}

func (p *Provider) meta(path entity.Path, o *object) entity.FileMetadata {
	m := entity.NewFile(path, int64(len(o.data)))
	mod := o.modified
	m.Modified = &mod
	m.ContentType = o.contentType
	if o.writing {
		return m
	}
	m.ETag = o.etag
	return m.WithHash(entity.HashMD5, o.etag).WithHash(entity.HashSHA256, o.sha256)
}

func (p *Provider) wrap(op string, path entity.Path, err error) error {
	return provider.NewError(op, p.id, path.String(), err)
}

// Metadata describes a file, or lists a folder's direct children.
func (p *Provider) Metadata(ctx context.Context, path entity.Path) (*provider.MetadataResult, error) {
	if err := provider.FromContext(ctx); err != nil {
		return nil, p.wrap("Metadata", path, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if path.IsFile() {
		o, ok := p.objects[path.Key()]
		if !ok {
			return nil, p.wrap("Metadata", path, provider.ErrNotFound)
		}
		return &provider.MetadataResult{Item: p.meta(path, o)}, nil
	}

	prefix := path.Key()
	seen := make(map[string]bool)
	var children []entity.FileMetadata
	marker := false
	for key, o := range p.objects {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		if rest == "" {
			marker = true
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name := rest[:i]
			if !seen[name] {
				seen[name] = true
				children = append(children, entity.NewFolder(path.Child(name, true)))
			}
			continue
		}
		children = append(children, p.meta(path.Child(rest, false), o))
	}
	if len(children) == 0 && !marker && !path.IsRoot() {
		return nil, p.wrap("Metadata", path, provider.ErrNotFound)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Path.String() < children[j].Path.String() })
	return &provider.MetadataResult{Item: entity.NewFolder(path), Children: children}, nil
}

// Download returns a snapshot of the object.
func (p *Provider) Download(ctx context.Context, path entity.Path, rng *provider.ByteRange) (*provider.DownloadResult, error) {
	if err := provider.FromContext(ctx); err != nil {
		return nil, p.wrap("Download", path, err)
	}
	if !path.IsFile() {
		return nil, p.wrap("Download", path, provider.Errorf(provider.ErrMalformedPath, "cannot download a folder"))
	}
	p.mu.RLock()
	o, ok := p.objects[path.Key()]
	var data []byte
	var meta entity.FileMetadata
	if ok {
		data = o.data[:len(o.data):len(o.data)]
		meta = p.meta(path, o)
	}
	p.mu.RUnlock()
	if !ok {
		return nil, p.wrap("Download", path, provider.ErrNotFound)
	}

	res := &provider.DownloadResult{Metadata: &meta}
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return nil, p.wrap("Download", path, err)
		}
		size := int64(len(data))
		if rng.Start >= size {
			return nil, p.wrap("Download", path, provider.Errorf(provider.ErrRangeNotSatisfiable, "start %d beyond size %d", rng.Start, size))
		}
		end := size
		if l := rng.Length(); l >= 0 && rng.Start+l < size {
			end = rng.Start + l
		}
		data = data[rng.Start:end]
		res.Partial = true
	}
	res.Body = io.NopCloser(bytes.NewReader(data))
	res.Size = int64(len(data))
	return res, nil
}

// Upload stores body at path. Without AtomicCommit the object becomes
// visible at once and grows chunk by chunk; a failed stream leaves what
// was written.
func (p *Provider) Upload(ctx context.Context, path entity.Path, body io.Reader, opts provider.UploadOptions) (*entity.FileMetadata, error) {
	const op = "Upload"
	if !path.IsFile() {
		return nil, p.wrap(op, path, provider.Errorf(provider.ErrMalformedPath, "upload target must be a file"))
	}
	key := path.Key()
	if opts.IfMatch != "" {
		if err := p.checkETag(key, opts.IfMatch, provider.ErrConflictOnOverwrite); err != nil {
			return nil, p.wrap(op, path, err)
		}
	}

	if p.cfg.AtomicCommit {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, &ctxReader{ctx: ctx, r: body}); err != nil {
			return nil, p.wrap(op, path, err)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		o := p.newObject(buf.Bytes(), opts.ContentType)
		p.objects[key] = o
		m := p.meta(path, o)
		return &m, nil
	}

	// The object appears with the first chunk.
	var o *object
	publish := func() {
		if o == nil {
			o = &object{contentType: opts.ContentType, modified: p.now().UTC(), writing: true}
			p.objects[key] = o
		}
	}

	buf := make([]byte, 32<<10)
	r := &ctxReader{ctx: ctx, r: body}
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			publish()
			o.data = append(o.data, buf[:n]...)
			p.mu.Unlock()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			p.mu.Lock()
			if o != nil {
				o.writing = false
				o.seal()
			}
			p.mu.Unlock()
			return nil, p.wrap(op, path, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	publish()
	o.writing = false
	o.modified = p.now().UTC()
	o.seal()
	m := p.meta(path, o)
	return &m, nil
}

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

func (p *Provider) checkETag(key, want string, sentinel error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.objects[key]
	if !ok {
		return provider.Errorf(sentinel, "object does not exist")
	}
	if o.writing || o.etag != normalize.CleanETag(want) {
		return provider.Errorf(sentinel, "etag mismatch")
	}
	return nil
}

// Delete removes a file, or every object under a folder.
func (p *Provider) Delete(ctx context.Context, path entity.Path, etag string) error {
	if err := provider.FromContext(ctx); err != nil {
		return p.wrap("Delete", path, err)
	}
	if path.IsFolder() {
		if etag != "" {
			return p.wrap("Delete", path, provider.Errorf(provider.ErrPreconditionFailed, "folders carry no etag"))
		}
		if path.IsRoot() {
			return p.wrap("Delete", path, provider.Errorf(provider.ErrUnsupported, "refusing to delete the provider root"))
		}
		prefix := path.Key()
		p.mu.Lock()
		defer p.mu.Unlock()
		for key := range p.objects {
			if strings.HasPrefix(key, prefix) {
				delete(p.objects, key)
			}
		}
		return nil
	}

	key := path.Key()
	if etag != "" {
		if err := p.checkETag(key, etag, provider.ErrPreconditionFailed); err != nil {
			return p.wrap("Delete", path, err)
		}
	}
	p.mu.Lock()
	delete(p.objects, key)
	p.mu.Unlock()
	return nil
}

// CreateFolder stores an empty marker object under the folder key.
func (p *Provider) CreateFolder(ctx context.Context, path entity.Path) (*entity.FileMetadata, error) {
	if err := provider.FromContext(ctx); err != nil {
		return nil, p.wrap("CreateFolder", path, err)
	}
	if err := provider.RequireFolder("CreateFolder", p.id, path); err != nil {
		return nil, err
	}
	m := entity.NewFolder(path)
	if path.IsRoot() {
		return &m, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.objects[path.Key()]; !ok {
		p.objects[path.Key()] = p.newObject(nil, provider.FolderContentType)
	}
	return &m, nil
}

// RemoveFolder drops the marker of an empty folder.
func (p *Provider) RemoveFolder(ctx context.Context, path entity.Path) error {
	if err := provider.FromContext(ctx); err != nil {
		return p.wrap("RemoveFolder", path, err)
	}
	if err := provider.RequireFolder("RemoveFolder", p.id, path); err != nil {
		return err
	}
	if path.IsRoot() {
		return provider.RootNotRemovable(p.id)
	}
	prefix := path.Key()
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.objects {
		if key != prefix && strings.HasPrefix(key, prefix) {
			return p.wrap("RemoveFolder", path, provider.Errorf(provider.ErrConflictOnOverwrite, "folder is not empty"))
		}
	}
	delete(p.objects, prefix)
	return nil
}

// Copy duplicates an object. It requires ServerSideCopy.
func (p *Provider) Copy(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	return p.transfer(ctx, "Copy", src, dst, false)
}

// Move renames an object. It requires ServerSideCopy.
func (p *Provider) Move(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error) {
	return p.transfer(ctx, "Move", src, dst, true)
}

func (p *Provider) transfer(ctx context.Context, op string, src, dst entity.Path, remove bool) (*entity.FileMetadata, error) {
	if err := provider.FromContext(ctx); err != nil {
		return nil, p.wrap(op, src, err)
	}
	if !p.cfg.ServerSideCopy {
		return nil, p.wrap(op, src, provider.ErrUnsupported)
	}
	if !src.IsFile() || !dst.IsFile() {
		return nil, p.wrap(op, src, provider.Errorf(provider.ErrUnsupported, "server-side %s handles files only", strings.ToLower(op)))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.objects[src.Key()]
	if !ok || o.writing {
		return nil, p.wrap(op, src, provider.ErrNotFound)
	}
	cp := *o
	cp.modified = p.now().UTC()
	p.objects[dst.Key()] = &cp
	if remove && src.Key() != dst.Key() {
		delete(p.objects, src.Key())
	}
	m := p.meta(dst, &cp)
	return &m, nil
}
