package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/nimbusgate/internal/errors"
	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/normalize"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/transfer"
)

// CredentialRefHeader names the credential a caller expects to act under.
const CredentialRefHeader = "X-Credential-Ref"

// DefaultSignTTL applies when a sign request carries no ttl.
const DefaultSignTTL = time.Hour

// ProviderLister enumerates configured adapters. *provider.Registry
// satisfies it.
type ProviderLister interface {
	IDs() []string
	Get(id string) (provider.Provider, error)
}

// Sealer issues and opens gateway-signed tokens. *credential.Broker
// satisfies it.
type Sealer interface {
	SealPayload(data map[string]any, ttl time.Duration) (string, error)
	OpenPayload(token string) (map[string]any, error)
}

// FilesOptions configures the file API.
type FilesOptions struct {
	Coordinator *coordinator.Coordinator
	Providers   ProviderLister

	// Sealer backs /v1/signed URLs for adapters without native signing.
	// Optional.
	Sealer Sealer

	// MaxBodySize caps upload bodies. Zero disables the cap.
	MaxBodySize int64

	// MaxURLTTL caps signed URL lifetimes.
	MaxURLTTL time.Duration

	// Timeout bounds each file request. Zero disables it.
	Timeout time.Duration

	Logger *zap.Logger
}

// Files exposes the coordinator over HTTP.
type Files struct {
	coord     *coordinator.Coordinator
	providers ProviderLister
	sealer    Sealer
	maxBody   int64
	maxTTL    time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

// NewFiles creates the file API.
func NewFiles(opts FilesOptions) *Files {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxTTL := opts.MaxURLTTL
	if maxTTL <= 0 {
		maxTTL = provider.DefaultSignedURLMaxTTL
	}
	return &Files{
		coord:     opts.Coordinator,
		providers: opts.Providers,
		sealer:    opts.Sealer,
		maxBody:   opts.MaxBodySize,
		maxTTL:    maxTTL,
		timeout:   opts.Timeout,
		logger:    logger,
	}
}

// Routes registers the file API on r. The router must route on the escaped
// path (see middleware.RawPath).
func (f *Files) Routes(r chi.Router) {
	r.Get("/v1/providers", f.ListProviders)
	r.Route("/v1/providers/{provider}/files", func(r chi.Router) {
		r.Get("/*", f.Get)
		r.Head("/*", f.Head)
		r.Put("/*", f.Put)
		r.Delete("/*", f.Delete)
		r.Post("/*", f.Post)
	})
	r.Get("/v1/signed/{token}", f.SignedGet)
	r.Put("/v1/signed/{token}", f.SignedPut)
}

// ProviderInfo describes one configured adapter.
type ProviderInfo struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// MetadataResponse is the body of a metadata read.
type MetadataResponse struct {
	Item     entity.FileMetadata   `json:"item"`
	Children []entity.FileMetadata `json:"children,omitempty"`
}

// SignResponse is the body of a sign action.
type SignResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActionRequest is the POST body of copy, move, mkdir, and sign actions.
type ActionRequest struct {
	Action    string `json:"action"`
	Provider  string `json:"provider,omitempty"`
	Path      string `json:"path,omitempty"`
	TTL       string `json:"ttl,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// ListProviders serves GET /v1/providers.
func (f *Files) ListProviders(w http.ResponseWriter, r *http.Request) {
	out := make([]ProviderInfo, 0)
	if f.providers != nil {
		for _, id := range f.providers.IDs() {
			p, err := f.providers.Get(id)
			if err != nil {
				continue
			}
			out = append(out, ProviderInfo{ID: id, Type: p.Type().String(), Capabilities: p.Capabilities().Names()})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// Get serves metadata for folders and ?meta requests, a zip archive for
// ?zip requests, and file content otherwise.
func (f *Files) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := f.requestContext(r)
	defer cancel()

	req, err := f.request(r, coordinator.OpMetadata)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	q := r.URL.Query()
	switch {
	case q.Has("zip"):
		req.Operation = coordinator.OpZip
		req.Patterns = q["pattern"]
		f.serveZip(ctx, w, r, req)
	case q.Has("meta") || !req.Path.IsFile():
		f.serveMetadata(ctx, w, r, req)
	default:
		f.serveContent(ctx, w, r, req)
	}
}

// Head serves metadata as response headers.
func (f *Files) Head(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := f.requestContext(r)
	defer cancel()

	req, err := f.request(r, coordinator.OpMetadata)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	res, err := f.coord.Execute(ctx, req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if !res.Metadata.Path.IsFile() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}
	setMetadataHeaders(w.Header(), res.Metadata)
	if res.Metadata.Size != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(*res.Metadata.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
}

// Put uploads the request body.
func (f *Files) Put(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := f.requestContext(r)
	defer cancel()

	req, err := f.request(r, coordinator.OpUpload)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	f.upload(ctx, w, r, req)
}

// Delete removes a file or folder.
func (f *Files) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := f.requestContext(r)
	defer cancel()

	req, err := f.request(r, coordinator.OpDelete)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	req.IfMatch = normalize.CleanETag(r.Header.Get("If-Match"))
	if _, err := f.coord.Execute(ctx, req); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Post runs copy, move, mkdir, and sign actions.
func (f *Files) Post(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := f.requestContext(r)
	defer cancel()

	req, err := f.request(r, coordinator.OpCopy)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	var action ActionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&action); err != nil {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid action body: "+err.Error())
		return
	}

	switch action.Action {
	case "copy", "move":
		if action.Path == "" {
			apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeBadRequest, "destination path is required")
			return
		}
		dst, err := normalize.ParsePath(action.Path)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		if action.Action == "move" {
			req.Operation = coordinator.OpMove
		}
		req.DestProviderID = action.Provider
		req.DestPath = dst
		res, err := f.coord.Execute(ctx, req)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, MetadataResponse{Item: *res.Metadata})

	case "mkdir":
		req.Operation = coordinator.OpMkdir
		req.Path = req.Path.AsFolder()
		res, err := f.coord.Execute(ctx, req)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, MetadataResponse{Item: *res.Metadata})

	case "sign":
		f.sign(ctx, w, r, req, action)

	default:
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeBadRequest, fmt.Sprintf("unknown action %q", action.Action))
	}
}

// SignedGet downloads through a gateway-sealed token.
func (f *Files) SignedGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := f.requestContext(r)
	defer cancel()

	req, err := f.openToken(r, provider.SignRead)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	f.serveContent(ctx, w, r, req)
}

// SignedPut uploads through a gateway-sealed token.
func (f *Files) SignedPut(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := f.requestContext(r)
	defer cancel()

	req, err := f.openToken(r, provider.SignWrite)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	req.Operation = coordinator.OpUpload
	f.upload(ctx, w, r, req)
}

func (f *Files) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if f.timeout > 0 {
		return context.WithTimeout(r.Context(), f.timeout)
	}
	return context.WithCancel(r.Context())
}

func (f *Files) request(r *http.Request, op coordinator.Operation) (coordinator.Request, error) {
	id := chi.URLParam(r, "provider")
	path, err := normalize.ParsePath(chi.URLParam(r, "*"))
	if err != nil {
		return coordinator.Request{}, provider.NewError(string(op), id, "", err)
	}
	return coordinator.Request{
		Operation:     op,
		ProviderID:    id,
		Path:          path,
		CredentialRef: r.Header.Get(CredentialRefHeader),
		Size:          -1,
	}, nil
}

func (f *Files) serveMetadata(ctx context.Context, w http.ResponseWriter, r *http.Request, req coordinator.Request) {
	res, err := f.coord.Execute(ctx, req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MetadataResponse{Item: *res.Metadata, Children: res.Children})
}

func (f *Files) serveContent(ctx context.Context, w http.ResponseWriter, r *http.Request, req coordinator.Request) {
	req.Operation = coordinator.OpDownload
	rng, suffix, ok := parseRange(r.Header.Get("Range"))
	if ok && rng == nil {
		// Suffix ranges need the object size first.
		meta := req
		meta.Operation = coordinator.OpMetadata
		res, err := f.coord.Execute(ctx, meta)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		if size := res.Metadata.Size; size != nil {
			if *size == 0 {
				respondWithError(w, r, provider.NewError("Download", req.ProviderID, req.Path.String(),
					provider.Errorf(provider.ErrRangeNotSatisfiable, "empty object")))
				return
			}
			rng = &provider.ByteRange{Start: max(*size-suffix, 0), End: *size - 1}
		}
	}
	req.Range = rng

	res, err := f.coord.Execute(ctx, req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer func() { _ = res.Body.Close() }()

	h := w.Header()
	setMetadataHeaders(h, res.Metadata)
	if res.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(res.Size, 10))
	}
	status := http.StatusOK
	if res.Partial && rng != nil {
		status = http.StatusPartialContent
		total := "*"
		if res.Metadata != nil && res.Metadata.Size != nil {
			total = strconv.FormatInt(*res.Metadata.Size, 10)
		}
		end := "*"
		if res.Size >= 0 {
			end = strconv.FormatInt(rng.Start+res.Size-1, 10)
		}
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%s/%s", rng.Start, end, total))
	}
	w.WriteHeader(status)
	f.copyBody(w, r, req, res.Body)
}

func (f *Files) serveZip(ctx context.Context, w http.ResponseWriter, r *http.Request, req coordinator.Request) {
	res, err := f.coord.Execute(ctx, req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer func() { _ = res.Body.Close() }()

	name := req.Path.Name()
	if name == "" {
		name = req.ProviderID
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	w.WriteHeader(http.StatusOK)
	f.copyBody(w, r, req, res.Body)
}

// copyBody streams body to w. Once headers are out, a failure can only be
// signalled by aborting the connection.
func (f *Files) copyBody(w http.ResponseWriter, r *http.Request, req coordinator.Request, body io.Reader) {
	if _, err := io.Copy(w, body); err != nil {
		f.logger.Warn("Response stream aborted",
			zap.String("request", req.String()),
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}

func (f *Files) upload(ctx context.Context, w http.ResponseWriter, r *http.Request, req coordinator.Request) {
	if f.maxBody > 0 && r.ContentLength > f.maxBody {
		respondWithError(w, r, tooLarge(req, r.ContentLength, f.maxBody))
		return
	}
	body := r.Body
	if f.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, f.maxBody)
	}
	req.Body = body
	req.Size = r.ContentLength
	req.ContentType = r.Header.Get("Content-Type")
	req.IfMatch = normalize.CleanETag(r.Header.Get("If-Match"))

	res, err := f.coord.Execute(ctx, req)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			err = tooLarge(req, -1, mbe.Limit)
		}
		respondWithError(w, r, err)
		return
	}
	if res.Metadata.ETag != "" {
		w.Header().Set("ETag", normalize.QuoteETag(res.Metadata.ETag))
	}
	writeJSON(w, http.StatusCreated, MetadataResponse{Item: *res.Metadata})
}

func tooLarge(req coordinator.Request, size, limit int64) error {
	msg := fmt.Sprintf("body exceeds %d bytes", limit)
	if size >= 0 {
		msg = fmt.Sprintf("body of %d bytes exceeds %d bytes", size, limit)
	}
	return provider.NewError("Upload", req.ProviderID, req.Path.String(), fmt.Errorf("%w: %s", transfer.ErrTooLarge, msg))
}

func (f *Files) sign(ctx context.Context, w http.ResponseWriter, r *http.Request, req coordinator.Request, action ActionRequest) {
	ttl := DefaultSignTTL
	if action.TTL != "" {
		d, err := time.ParseDuration(action.TTL)
		if err != nil || d <= 0 {
			apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeBadRequest, fmt.Sprintf("invalid ttl %q", action.TTL))
			return
		}
		ttl = d
	}
	if ttl > f.maxTTL {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeBadRequest, fmt.Sprintf("ttl %s exceeds maximum %s", ttl, f.maxTTL))
		return
	}
	op := provider.SignRead
	if action.Operation != "" {
		op = provider.SignOperation(action.Operation)
	}
	if err := op.Validate(); err != nil {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeBadRequest, err.Error())
		return
	}

	req.Operation = coordinator.OpSignedURL
	req.TTL = ttl
	req.SignOp = op
	expires := time.Now().Add(ttl).UTC()
	res, err := f.coord.Execute(ctx, req)
	if err == nil {
		writeJSON(w, http.StatusOK, SignResponse{URL: res.URL, ExpiresAt: expires})
		return
	}
	if f.sealer == nil || !errors.Is(err, provider.ErrUnsupported) || !req.Path.IsFile() {
		respondWithError(w, r, err)
		return
	}

	token, serr := f.sealer.SealPayload(map[string]any{
		"provider": req.ProviderID,
		"key":      req.Path.Key(),
		"op":       string(op),
	}, ttl)
	if serr != nil {
		respondWithError(w, r, serr)
		return
	}
	writeJSON(w, http.StatusOK, SignResponse{URL: baseURL(r) + "/v1/signed/" + token, ExpiresAt: expires})
}

func (f *Files) openToken(r *http.Request, want provider.SignOperation) (coordinator.Request, error) {
	if f.sealer == nil {
		return coordinator.Request{}, provider.Errorf(provider.ErrUnsupported, "gateway signing is not configured")
	}
	data, err := f.sealer.OpenPayload(chi.URLParam(r, "token"))
	if err != nil {
		return coordinator.Request{}, err
	}
	id, _ := data["provider"].(string)
	key, _ := data["key"].(string)
	op, _ := data["op"].(string)
	if id == "" || key == "" {
		return coordinator.Request{}, provider.Errorf(provider.ErrPermissionDenied, "token carries no target")
	}
	if provider.SignOperation(op) != want {
		return coordinator.Request{}, provider.Errorf(provider.ErrPermissionDenied, "token grants %q, not %q", op, want)
	}
	return coordinator.Request{
		Operation:  coordinator.OpDownload,
		ProviderID: id,
		Path:       entity.FromKey(key),
		Size:       -1,
	}, nil
}

func setMetadataHeaders(h http.Header, m *entity.FileMetadata) {
	h.Set("Accept-Ranges", "bytes")
	if m == nil {
		h.Set("Content-Type", "application/octet-stream")
		return
	}
	ct := m.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	if m.ETag != "" {
		h.Set("ETag", normalize.QuoteETag(m.ETag))
	}
	if m.Modified != nil {
		h.Set("Last-Modified", normalize.FormatHTTP(*m.Modified))
	}
}

// parseRange reads a single-range Range header. ok is false when the header
// is absent or not a form this server honours, in which case the whole
// object is served. A suffix range returns a nil range and its length.
func parseRange(header string) (rng *provider.ByteRange, suffix int64, ok bool) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return nil, 0, false
	}
	first, last, found := strings.Cut(spec, "-")
	if !found {
		return nil, 0, false
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, 0, false
		}
		return nil, n, true
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, 0, false
	}
	end := int64(-1)
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil {
			return nil, 0, false
		}
	}
	return &provider.ByteRange{Start: start, End: end}, 0, true
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd == "http" || fwd == "https" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}
