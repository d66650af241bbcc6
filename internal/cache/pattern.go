package cache

import (
	"regexp"
	"strings"
)

// CompileGlob turns a key pattern into an anchored regular expression.
//
//	*   any run of characters except ':'
//	?   one character except ':'
//	**  any run of characters, ':' included
//
// Every other character matches itself.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
				continue
			}
			b.WriteString("[^:]*")
		case '?':
			b.WriteString("[^:]")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// MatchAll reports whether pattern selects every key.
func MatchAll(pattern string) bool {
	return pattern == "" || pattern == "**"
}
