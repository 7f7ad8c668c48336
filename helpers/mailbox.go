package helpers

import (
	"strings"

	"github.com/migadu/sora-sieve/consts"
)

// NormalizeMailboxName trims delimiters and canonicalises any casing of INBOX
// (including as the first hierarchy level).
func NormalizeMailboxName(name string) string {
	name = strings.Trim(strings.TrimSpace(name), string(consts.MailboxDelimiter))
	if strings.EqualFold(name, consts.MailboxInbox) {
		return consts.MailboxInbox
	}
	prefix := consts.MailboxInbox + string(consts.MailboxDelimiter)
	if len(name) > len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
		return prefix + name[len(prefix):]
	}
	return name
}

// SplitFolderList splits a "|"-separated folder list, trimming entries and
// dropping empty ones.
func SplitFolderList(list string) []string {
	var out []string
	for _, f := range strings.Split(list, "|") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
