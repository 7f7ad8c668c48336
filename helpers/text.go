package helpers

import (
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
)

// IsASCII reports whether s contains only 7-bit characters.
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// TruncateAtControl cuts s at its first control character.
func TruncateAtControl(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == 0x7f {
			return s[:i]
		}
	}
	return s
}

// SanitizeUTF8 drops invalid UTF-8 sequences and NUL bytes, which postgres
// text columns reject.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseFlags converts script-supplied flag names to IMAP flags. Empty
// entries, NIL/NULL placeholders and case-insensitive duplicates are dropped.
func ParseFlags(names []string) []imap.Flag {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(names))
	flags := make([]imap.Flag, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		upper := strings.ToUpper(name)
		if name == "" || placeholderFlag(upper) {
			continue
		}
		if seen[upper] {
			continue
		}
		seen[upper] = true
		flags = append(flags, imap.Flag(name))
	}
	return flags
}

func placeholderFlag(upper string) bool {
	switch strings.TrimPrefix(upper, "$") {
	case "NIL", "NULL":
		return true
	}
	return false
}
