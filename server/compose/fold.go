// Package compose builds the messages the sieve engine emits: MDN
// rejections, vacation replies and forwarded copies, plus the header
// folding shared with respooling.
//
// Output is written by hand rather than through go-message so that field
// names keep the case they arrived with and folds land exactly where the
// wrapping rule puts them.
package compose

import (
	"io"
	"mime"
	"strings"
)

// MaxLineLength is the physical line limit for folded header fields,
// counting the "Name: " prefix on the first line.
const MaxLineLength = 78

// EncodeHeaderValue Q-encodes value when it holds anything other than
// printable ASCII.
func EncodeHeaderValue(value string) string {
	return mime.QEncoding.Encode("utf-8", value)
}

// FoldField renders one header field terminated by CRLF. The value is
// encoded first, then wrapped: a tab or a run of spaces is taken as an
// existing fold point; otherwise the last single space that keeps the line
// within MaxLineLength is used. A value that fits is never broken at a
// single space.
func FoldField(name, value string) string {
	encoded := EncodeHeaderValue(value)
	maxlen := MaxLineLength - (len(name) + 2)

	var b strings.Builder
	b.Grow(len(name) + len(encoded) + 8)
	b.WriteString(name)
	b.WriteString(": ")

	rest := encoded
	for len(rest) > 0 {
		p := 0
		lastSP := -1

		if isBlank(rest[0]) {
			b.WriteString("\r\n")
			for p++; p < len(rest) && isBlank(rest[p]); p++ {
			}
		}

		for ; p < len(rest); p++ {
			if rest[p] == '\t' {
				break
			}
			if rest[p] != ' ' {
				continue
			}
			if p+1 < len(rest) && rest[p+1] == ' ' {
				break
			}
			if len(rest) <= maxlen {
				continue
			}
			if lastSP < 0 || p <= maxlen {
				lastSP = p
			}
		}
		if p == len(rest) && lastSP >= 0 {
			p = lastSP
		}

		b.WriteString(rest[:p])
		rest = rest[p:]
		maxlen = MaxLineLength
	}

	b.WriteString("\r\n")
	return b.String()
}

// WriteField writes the folded field to w.
func WriteField(w io.Writer, name, value string) error {
	_, err := io.WriteString(w, FoldField(name, value))
	return err
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}
