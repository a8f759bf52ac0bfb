package provider

import (
	"context"
	"strings"
	"time"

	"github.com/3leaps/nimbusgate/pkg/entity"
)

// Capability is one optional behaviour an adapter may declare.
type Capability uint16

const (
	// CapMetadata: Metadata for files and folder listings.
	CapMetadata Capability = 1 << iota

	// CapStream: Download and Upload stream without whole-payload buffering.
	CapStream

	// CapServerSideCopy: the backend copies objects without proxying bytes.
	CapServerSideCopy

	// CapRangeRead: Download honours byte ranges.
	CapRangeRead

	// CapSignedURL: the backend can issue time-limited direct-access URLs.
	CapSignedURL

	// CapAtomicCommit: partially written objects are never visible.
	CapAtomicCommit
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapMetadata, "metadata"},
	{CapStream, "stream"},
	{CapServerSideCopy, "server_side_copy"},
	{CapRangeRead, "range_read"},
	{CapSignedURL, "signed_url"},
	{CapAtomicCommit, "atomic_commit"},
}

// Capabilities is a set of Capability flags.
type Capabilities Capability

// NewCapabilities builds a set.
func NewCapabilities(cs ...Capability) Capabilities {
	var out Capabilities
	for _, c := range cs {
		out |= Capabilities(c)
	}
	return out
}

// Has reports whether c is declared.
func (s Capabilities) Has(c Capability) bool {
	return Capability(s)&c == c
}

// With returns s plus c.
func (s Capabilities) With(c Capability) Capabilities {
	return s | Capabilities(c)
}

// Without returns s minus c.
func (s Capabilities) Without(c Capability) Capabilities {
	return s &^ Capabilities(c)
}

// Names returns the declared capability names in a stable order.
func (s Capabilities) Names() []string {
	var out []string
	for _, cn := range capabilityNames {
		if s.Has(cn.c) {
			out = append(out, cn.name)
		}
	}
	return out
}

// String renders the set as a comma-separated list.
func (s Capabilities) String() string {
	return strings.Join(s.Names(), ",")
}

// Optional provider capability interfaces.
//
// These interfaces are implemented in addition to Provider and must agree
// with the declared Capabilities. Use the CopyObject, MoveObject, and SignURL
// helpers rather than asserting directly.

// ServerSideCopier copies and moves objects inside the backend.
type ServerSideCopier interface {
	Copy(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error)
	Move(ctx context.Context, src, dst entity.Path) (*entity.FileMetadata, error)
}

// URLSigner issues time-limited direct-access URLs.
type URLSigner interface {
	SignedURL(ctx context.Context, path entity.Path, ttl time.Duration, op SignOperation) (string, error)
}

// CopyObject performs a server-side copy, or returns ErrUnsupported.
func CopyObject(ctx context.Context, p Provider, src, dst entity.Path) (*entity.FileMetadata, error) {
	c, ok := p.(ServerSideCopier)
	if !ok || !p.Capabilities().Has(CapServerSideCopy) {
		return nil, NewError("Copy", p.ID(), src.String(), ErrUnsupported)
	}
	return c.Copy(ctx, src, dst)
}

// MoveObject performs a server-side move, or returns ErrUnsupported.
func MoveObject(ctx context.Context, p Provider, src, dst entity.Path) (*entity.FileMetadata, error) {
	c, ok := p.(ServerSideCopier)
	if !ok || !p.Capabilities().Has(CapServerSideCopy) {
		return nil, NewError("Move", p.ID(), src.String(), ErrUnsupported)
	}
	return c.Move(ctx, src, dst)
}

// SignURL issues a signed URL, or returns ErrUnsupported.
func SignURL(ctx context.Context, p Provider, path entity.Path, ttl time.Duration, op SignOperation) (string, error) {
	s, ok := p.(URLSigner)
	if !ok || !p.Capabilities().Has(CapSignedURL) {
		return "", NewError("SignedURL", p.ID(), path.String(), ErrUnsupported)
	}
	if err := op.Validate(); err != nil {
		return "", NewError("SignedURL", p.ID(), path.String(), Errorf(ErrUnsupported, "%v", err))
	}
	if ttl <= 0 || ttl > DefaultSignedURLMaxTTL {
		return "", NewError("SignedURL", p.ID(), path.String(), Errorf(ErrUnsupported, "ttl %s outside (0, %s]", ttl, DefaultSignedURLMaxTTL))
	}
	return s.SignedURL(ctx, path, ttl, op)
}

// checkDeclared verifies declared capabilities against implemented interfaces.
func checkDeclared(p Provider) error {
	caps := p.Capabilities()
	if _, ok := p.(ServerSideCopier); caps.Has(CapServerSideCopy) && !ok {
		return errDeclared(p, CapServerSideCopy)
	}
	if _, ok := p.(URLSigner); caps.Has(CapSignedURL) && !ok {
		return errDeclared(p, CapSignedURL)
	}
	return nil
}

func errDeclared(p Provider, c Capability) error {
	return NewError("Register", p.ID(), "", Errorf(ErrUnsupported, "declares %s without implementing it", Capabilities(c)))
}
