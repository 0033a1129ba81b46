package sanitize

import (
	"strings"
	"unicode"
)

// Label sanitizes a peer-supplied display label by removing control
// characters and limiting the length. Labels end up in log lines and
// admin listings, so escape sequences must not pass through.
func Label(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
