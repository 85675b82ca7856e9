package analysis

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// stringLiteral returns the value of a plain Python string literal as written
// in source. f-strings and byte strings are not resolved.
func stringLiteral(raw string) (string, bool) {
	i := 0
	isRaw := false
prefix:
	for i < len(raw) && i < 2 {
		switch raw[i] {
		case 'r', 'R':
			isRaw = true
		case 'u', 'U':
		case 'f', 'F', 'b', 'B':
			return "", false
		default:
			break prefix
		}
		i++
	}
	body := raw[i:]
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(body) >= 2*len(q) && strings.HasPrefix(body, q) && strings.HasSuffix(body, q) {
			inner := body[len(q) : len(body)-len(q)]
			if isRaw || !strings.ContainsRune(inner, '\\') {
				return inner, true
			}
			return unescape(inner)
		}
	}
	return "", false
}

// unescape decodes the escape sequences that can spell an identifier.
func unescape(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", false
		}
		i++
		switch s[i] {
		case '\\', '\'', '"':
			b.WriteByte(s[i])
		case '\n':
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'x', 'u', 'U':
			width := map[byte]int{'x': 2, 'u': 4, 'U': 8}[s[i]]
			if i+1+width > len(s) {
				return "", false
			}
			v, err := strconv.ParseUint(s[i+1:i+1+width], 16, 32)
			if err != nil || !utf8.ValidRune(rune(v)) {
				return "", false
			}
			b.WriteRune(rune(v))
			i += width
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			v, _ := strconv.ParseUint(s[i:j], 8, 32)
			b.WriteRune(rune(v))
			i = j - 1
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String(), true
}
