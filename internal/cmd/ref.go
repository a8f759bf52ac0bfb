package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/match"
	"github.com/3leaps/nimbusgate/pkg/normalize"
)

// ErrInvalidRef indicates a location argument could not be parsed.
var ErrInvalidRef = errors.New("invalid reference")

// Ref is a parsed location argument of the form <provider>:<path>.
//
// Example refs:
//   - archive:/reports/2024.csv
//   - archive:reports/
//   - archive:/photos/**/*.jpg
//
// Paths use URL path syntax: each segment is percent-decoded once, so a
// literal '%' is written %25.
type Ref struct {
	// Provider is the configured provider id.
	Provider string

	// Path is the file or folder. For a pattern ref it is the static folder
	// prefix of the pattern.
	Path entity.Path

	// Pattern is set when the path contains glob characters. It is relative
	// to Path.
	Pattern string
}

// String returns the ref in canonical form.
func (r Ref) String() string {
	if r.Pattern != "" {
		return r.Provider + ":" + r.Path.String() + r.Pattern
	}
	return r.Provider + ":" + r.Path.String()
}

// IsPattern reports whether the ref selects files by glob.
func (r Ref) IsPattern() bool {
	return r.Pattern != ""
}

func (r Ref) coord() coordinator.Ref {
	return coordinator.Ref{ProviderID: r.Provider, Path: r.Path}
}

// ParseRef parses a <provider>:<path> argument. An empty path is the root.
func ParseRef(s string) (Ref, error) {
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty reference", ErrInvalidRef)
	}
	id, raw, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q is missing a provider (expected provider:/path)", ErrInvalidRef, s)
	}
	if id == "" || strings.ContainsAny(id, `/\`) {
		return Ref{}, fmt.Errorf("%w: bad provider id %q", ErrInvalidRef, id)
	}

	ref := Ref{Provider: id}
	if match.IsGlobPattern(raw) {
		pattern := strings.TrimPrefix(match.NormalizePattern(raw), "/")
		prefix := match.DerivePrefix(pattern)
		rest, found := strings.CutPrefix(pattern, prefix)
		if !found {
			return Ref{}, fmt.Errorf("%w: escaped glob characters before the pattern in %q", ErrInvalidRef, s)
		}
		ref.Pattern = rest
		raw = prefix
	}
	p, err := normalize.ParsePath(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if ref.Pattern != "" {
		p = p.AsFolder()
	}
	ref.Path = p
	return ref, nil
}

// parseExactRef parses s and rejects patterns.
func parseExactRef(s string) (Ref, error) {
	ref, err := ParseRef(s)
	if err != nil {
		return Ref{}, err
	}
	if ref.IsPattern() {
		return Ref{}, fmt.Errorf("%w: %q is a pattern; this command takes an exact path", ErrInvalidRef, s)
	}
	return ref, nil
}
