// Package match selects files below a folder by doublestar patterns.
//
// Patterns are matched against paths relative to the folder being
// walked, using '/' as separator. A pattern prefixed with '!' excludes.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against relative paths.
//
// A path matches when it matches at least one include (or there are no
// includes), matches no exclude, and is not hidden unless IncludeHidden
// is set. A Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are patterns a path must match. Empty selects everything.
	Includes []string

	// Excludes are patterns a path must not match.
	Excludes []string

	// IncludeHidden admits paths with a segment starting with '.'.
	IncludeHidden bool
}

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New compiles cfg. Patterns are normalized with NormalizePattern first.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{includes: includes, excludes: excludes, includeHidden: cfg.IncludeHidden}, nil
}

// FromPatterns builds a Matcher from a mixed list where a leading '!'
// marks an exclude. Hidden paths are admitted.
func FromPatterns(patterns []string) (*Matcher, error) {
	cfg := Config{IncludeHidden: true}
	for _, p := range patterns {
		if rest, ok := strings.CutPrefix(p, "!"); ok {
			cfg.Excludes = append(cfg.Excludes, rest)
			continue
		}
		cfg.Includes = append(cfg.Includes, p)
	}
	return New(cfg)
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		p := NormalizePattern(r)
		if p == "" || !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: r, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether rel is selected.
func (m *Matcher) Match(rel string) bool {
	if !m.includeHidden && IsHidden(rel) {
		return false
	}
	if len(m.includes) > 0 && !matchAny(m.includes, rel) {
		return false
	}
	return !matchAny(m.excludes, rel)
}

// Includes returns the normalized include patterns.
func (m *Matcher) Includes() []string {
	return append([]string(nil), m.includes...)
}

// Excludes returns the normalized exclude patterns.
func (m *Matcher) Excludes() []string {
	return append([]string(nil), m.excludes...)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		// Patterns were validated in New.
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// NormalizePattern converts unescaped backslashes to '/' so patterns typed
// on Windows work, while keeping escapes of glob metacharacters.
//
//	"data\2024\**"    -> "data/2024/**"
//	"data/file\*.txt" -> "data/file\*.txt"
func NormalizePattern(pattern string) string {
	if !strings.ContainsRune(pattern, '\\') {
		return pattern
	}
	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(pattern) && strings.IndexByte(globEscapable, pattern[i+1]) >= 0 {
			b.WriteByte('\\')
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		b.WriteByte('/')
	}
	return b.String()
}

// IsHidden reports whether any segment of rel starts with a dot.
func IsHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
