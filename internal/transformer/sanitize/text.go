// Package sanitize makes parsed text safe to stage for bulk writes.
package sanitize

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Replacement is substituted for bytes that cannot be stored as text.
const Replacement = " "

// Text returns s with:
//   - invalid UTF-8 sequences replaced by U+FFFD,
//   - NUL and other C0/DEL control characters (tab, CR and LF included)
//     replaced by Replacement,
//   - Unicode normalized to NFC,
//   - leading and trailing spaces trimmed.
//
// Postgres rejects NUL in text values and COPY text formats treat tab and
// newline as delimiters, so none of them may reach a row buffer.
func Text(s string) string {
	if clean(s) {
		return s
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	s = norm.NFC.String(s)
	return strings.TrimSpace(s)
}

// clean is the hot-path check: printable ASCII with no edge spaces needs no
// work.
func clean(s string) bool {
	if s == "" {
		return true
	}
	if s[0] == ' ' || s[len(s)-1] == ' ' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c >= 0x7f {
			return false
		}
	}
	return true
}
