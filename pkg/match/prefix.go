package match

import "strings"

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// DerivePrefix returns the longest static folder prefix of pattern: the
// part before the first unescaped metacharacter, cut back to the last '/'.
// Escaped metacharacters in the prefix are unescaped. A pattern without
// metacharacters is returned unescaped in full.
//
//	"data/2024/**/*.parquet" -> "data/2024/"
//	"*.json"                 -> ""
//	"data/2024-*/*.csv"      -> "data/"
//	"data/file\*.txt"        -> "data/file*.txt"
func DerivePrefix(pattern string) string {
	pattern = NormalizePattern(pattern)
	idx := firstMeta(pattern)
	if idx == -1 {
		return unescape(pattern)
	}
	slash := strings.LastIndex(pattern[:idx], "/")
	if slash < 0 {
		return ""
	}
	return unescape(pattern[:slash+1])
}

// IsGlobPattern reports whether pattern has an unescaped metacharacter.
func IsGlobPattern(pattern string) bool {
	return firstMeta(pattern) != -1
}

// firstMeta returns the index of the first unescaped '*', '?', '[' or '{'.
func firstMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i+1 < len(pattern) && strings.IndexByte(globEscapable, pattern[i+1]) >= 0 {
				i++
			}
		case '*', '?', '[', '{':
			return i
		}
	}
	return -1
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && strings.IndexByte(globEscapable, s[i+1]) >= 0 {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
