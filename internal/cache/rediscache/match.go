package rediscache

import "strings"

// escapeMatch quotes s for use as a literal inside a SCAN MATCH pattern.
func escapeMatch(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// globToMatch converts a key glob into a SCAN MATCH pattern. SCAN's '*'
// crosses ':' boundaries, so the result may over-select; callers filter the
// scanned keys with cache.CompileGlob.
func globToMatch(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			for i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
			}
			b.WriteByte('*')
		case '?':
			b.WriteByte('?')
		case '[', ']', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
