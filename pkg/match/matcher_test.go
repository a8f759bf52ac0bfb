package match

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"no includes", Config{}, false},
		{"single include", Config{Includes: []string{"data/**"}}, false},
		{"with excludes", Config{Includes: []string{"data/**"}, Excludes: []string{"**/_temporary/**"}}, false},
		{"invalid include", Config{Includes: []string{"[invalid"}}, true},
		{"invalid exclude", Config{Excludes: []string{"[invalid"}}, true},
		{"empty pattern", Config{Includes: []string{""}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPattern))
				var pe *PatternError
				assert.True(t, errors.As(err, &pe))
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, m)
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		path string
		want bool
	}{
		{"everything", Config{}, "a/b.txt", true},
		{"hidden excluded by default", Config{}, ".git/config", false},
		{"hidden nested", Config{}, "a/.cache/x", false},
		{"hidden admitted", Config{IncludeHidden: true}, ".env", true},
		{"doublestar matches root file", Config{Includes: []string{"**/*.jpg"}}, "a.jpg", true},
		{"doublestar matches nested", Config{Includes: []string{"**/*.jpg"}}, "x/y/a.jpg", true},
		{"single star stays in segment", Config{Includes: []string{"*.jpg"}}, "x/a.jpg", false},
		{"any include", Config{Includes: []string{"*.md", "*.txt"}}, "a.txt", true},
		{"exclude wins", Config{Includes: []string{"**"}, Excludes: []string{"tmp/**"}}, "tmp/a", false},
		{"exclude only", Config{Excludes: []string{"*.log"}}, "a.txt", true},
		{"brace", Config{Includes: []string{"{a,b}.txt"}}, "b.txt", true},
		{"escaped star is literal", Config{Includes: []string{`file\*.txt`}}, "file*.txt", true},
		{"escaped star does not glob", Config{Includes: []string{`file\*.txt`}}, "file1.txt", false},
		{"backslash before star escapes it", Config{Includes: []string{`sub\*.md`}}, "sub/b.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Match(tt.path))
		})
	}
}

func TestFromPatterns(t *testing.T) {
	m, err := FromPatterns([]string{"**/*.jpg", "!raw/**"})
	require.NoError(t, err)

	assert.Equal(t, []string{"**/*.jpg"}, m.Includes())
	assert.Equal(t, []string{"raw/**"}, m.Excludes())
	assert.True(t, m.Match("a.jpg"))
	assert.True(t, m.Match(".thumbs/a.jpg"))
	assert.False(t, m.Match("raw/a.jpg"))
	assert.False(t, m.Match("a.png"))

	_, err = FromPatterns([]string{"![bad"})
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestNormalizePattern(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"data/2024/**", "data/2024/**"},
		{`data\2024\x`, "data/2024/x"},
		{`data/file\*.txt`, `data/file\*.txt`},
		{`a\\b`, `a\\b`},
		{`trailing\`, "trailing/"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePattern(tt.in))
		})
	}
}

func TestIsHidden(t *testing.T) {
	assert.False(t, IsHidden("path/to/file.txt"))
	assert.True(t, IsHidden(".hidden/file.txt"))
	assert.True(t, IsHidden("path/to/.gitignore"))
	assert.False(t, IsHidden("path/to/file.txt."))
	assert.False(t, IsHidden(""))
}
