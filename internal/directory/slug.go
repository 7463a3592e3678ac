package directory

import (
	"strings"
	"unicode"
)

const maxIDLen = 32

// Slugify derives a candidate id from a display name: lowercased, anything
// other than ASCII letters, digits, spaces and hyphens dropped, runs of
// whitespace turned into one hyphen, cut to 32 bytes.
func Slugify(name string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte('-')
		}
		space = false
		b.WriteRune(r)
	}
	return truncate(b.String(), maxIDLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
