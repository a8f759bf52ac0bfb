package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivePrefix(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		expected string
	}{
		{"empty pattern", "", ""},
		{"exact match", "exact/path/file.txt", "exact/path/file.txt"},
		{"simple wildcard", "*.json", ""},
		{"wildcard at end", "data/*.json", "data/"},
		{"double star", "data/**", "data/"},
		{"double star with suffix", "data/**/*.parquet", "data/"},
		{"brace expansion", "logs/app-{a,b}/*.log", "logs/"},
		{"character class", "data/[0-9]*/*.csv", "data/"},
		{"question mark", "data/file?.txt", "data/"},
		{"leading wildcard", "**/file.txt", ""},
		{"partial segment wildcard", "data/2024-*/*.csv", "data/"},
		{"trailing slash preserved", "data/2024/", "data/2024/"},
		{"escaped star", `data/file\*.txt`, "data/file*.txt"},
		{"escaped brackets in prefix", `data/\[backup\]/*.log`, "data/[backup]/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DerivePrefix(tt.pattern))
		})
	}
}

func TestIsGlobPattern(t *testing.T) {
	tests := []struct {
		pattern string
		want    bool
	}{
		{"data/**/*.parquet", true},
		{"data/file?.csv", true},
		{"logs/{a,b}", true},
		{`data/file\*.txt`, false},
		{"path/to/file.txt", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, IsGlobPattern(tt.pattern))
		})
	}
}
