package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantID      string
		wantPath    string
		wantPattern string
		wantFolder  bool
	}{
		{"file", "archive:/reports/2024.csv", "archive", "/reports/2024.csv", "", false},
		{"folder", "archive:/reports/", "archive", "/reports/", "", true},
		{"no leading slash", "archive:reports/2024.csv", "archive", "/reports/2024.csv", "", false},
		{"empty path is root", "archive:", "archive", "/", "", true},
		{"slash is root", "archive:/", "archive", "/", "", true},
		{"percent decoded", "archive:/a%20b/c%25d.txt", "archive", "/a b/c%d.txt", "", false},
		{"double star pattern", "archive:/photos/**/*.jpg", "archive", "/photos/", "**/*.jpg", true},
		{"pattern at root", "archive:*.txt", "archive", "/", "*.txt", true},
		{"brace pattern", "archive:/logs/app-{a,b}/*.log", "archive", "/logs/", "app-{a,b}/*.log", true},
		{"colon in path", "archive:/times/12:00.txt", "archive", "/times/12:00.txt", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseRef(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, ref.Provider)
			assert.Equal(t, tt.wantPath, ref.Path.String())
			assert.Equal(t, tt.wantPattern, ref.Pattern)
			assert.Equal(t, tt.wantFolder, ref.Path.IsFolder())
			assert.Equal(t, tt.wantPattern != "", ref.IsPattern())
		})
	}
}

func TestParseRef_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"missing provider", "/reports/2024.csv"},
		{"empty provider", ":/reports/2024.csv"},
		{"slash in provider", "a/b:/x"},
		{"backslash in provider", `a\b:/x`},
		{"empty segment", "archive:/a//b"},
		{"bad escape", "archive:/a%zz"},
		{"escaped glob before pattern", `archive:/data/\[x\]/*.log`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRef(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRef)
		})
	}
}

func TestRef_String(t *testing.T) {
	for _, s := range []string{
		"archive:/reports/2024.csv",
		"archive:/reports/",
		"archive:/",
		"archive:/photos/**/*.jpg",
	} {
		ref, err := ParseRef(s)
		require.NoError(t, err)
		assert.Equal(t, s, ref.String())
	}
}

func TestParseExactRef(t *testing.T) {
	ref, err := parseExactRef("archive:/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/a.txt", ref.Path.String())

	_, err = parseExactRef("archive:/*.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRef)
	assert.Contains(t, err.Error(), "exact path")
}
