package compose

import (
	"bytes"
	"mime/quotedprintable"
	"strings"

	"github.com/migadu/sora-sieve/helpers"
)

const (
	rejectPrefix     = "550-5.7.1 "
	rejectLastPrefix = "550 5.7.1 "
)

// RejectText splits a rejection reason into response text lines. Non-ASCII
// reasons are quoted-printable encoded first. Empty segments between line
// breaks are dropped.
func RejectText(reason string) []string {
	text := reason
	if !helpers.IsASCII(reason) {
		var buf bytes.Buffer
		qp := quotedprintable.NewWriter(&buf)
		qp.Write([]byte(reason))
		qp.Close()
		text = buf.String()
	}

	segments := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	if len(segments) == 0 {
		segments = []string{""}
	}
	return segments
}

// RejectLines returns the protocol-level response lines for reason: every
// line but the last starts with "550-5.7.1 ", the last with "550 5.7.1 ".
func RejectLines(reason string) []string {
	text := RejectText(reason)
	lines := make([]string, len(text))
	for i, seg := range text {
		if i == len(text)-1 {
			lines[i] = rejectLastPrefix + seg
		} else {
			lines[i] = rejectPrefix + seg
		}
	}
	return lines
}

// StripRejectPrefix removes the status prefix RejectLines added.
func StripRejectPrefix(line string) string {
	if strings.HasPrefix(line, rejectPrefix) {
		return line[len(rejectPrefix):]
	}
	return strings.TrimPrefix(line, rejectLastPrefix)
}
