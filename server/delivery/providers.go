package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/helpers"
	"github.com/migadu/sora-sieve/server/spool"
)

// Header returns every value of the named field, edits included.
func (s *Session) Header(name string) ([]string, error) {
	values := s.msg.Header.Values(name)
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s", consts.ErrHeaderNotFound, name)
	}
	return values, nil
}

// Envelope returns the "from", "to" or "auth" envelope value.
func (s *Session) Envelope(field string) (string, error) {
	switch strings.ToLower(field) {
	case "from":
		if rp, ok := s.returnPath(); ok {
			return rp, nil
		}
	case "to":
		return s.rcpt.Address, nil
	case "auth":
		if s.rcpt.AuthUser != "" {
			return s.rcpt.AuthUser, nil
		}
	}
	return "", fmt.Errorf("%w: %s", consts.ErrEnvelopeField, field)
}

func (s *Session) Size() int64 {
	return s.msg.Size()
}

func (s *Session) MailboxExists(ctx context.Context, mailbox string) (bool, error) {
	return s.engine.store.MailboxExists(ctx, s.rcpt.UserID, helpers.NormalizeMailboxName(mailbox))
}

// SpecialUseExists reports whether every use is present: on mailbox when
// one is given, otherwise on any of the user's mailboxes.
func (s *Session) SpecialUseExists(ctx context.Context, mailbox string, uses []imap.MailboxAttr) (bool, error) {
	store := s.engine.store
	user := s.rcpt.UserID

	if mailbox == "" {
		for _, use := range uses {
			_, err := store.FindSpecialUse(ctx, user, use)
			if errors.Is(err, consts.ErrMailboxNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
		}
		return true, nil
	}

	mailbox = helpers.NormalizeMailboxName(mailbox)
	attrs, err := store.MailboxSpecialUse(ctx, user, mailbox)
	if err != nil && !errors.Is(err, consts.ErrMailboxNotFound) {
		return false, err
	}
	if mailbox == consts.MailboxInbox {
		attrs = append(attrs, imap.MailboxAttr(`\Inbox`))
	}
	if len(attrs) == 0 {
		return false, nil
	}
	for _, use := range uses {
		if !hasAttr(attrs, use) {
			return false, nil
		}
	}
	return true, nil
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}

// Metadata looks up a /private/ or /shared/ entry, on mailbox or on the
// server when mailbox is empty.
func (s *Session) Metadata(ctx context.Context, mailbox, entry string) (string, error) {
	if mailbox != "" {
		mailbox = helpers.NormalizeMailboxName(mailbox)
	}
	switch {
	case strings.HasPrefix(entry, "/private/"):
		return s.engine.store.Metadata(ctx, s.rcpt.UserID, mailbox, entry[len("/private"):])
	case strings.HasPrefix(entry, "/shared/"):
		return s.engine.store.Metadata(ctx, "", mailbox, entry[len("/shared"):])
	default:
		return "", fmt.Errorf("%w: %s", consts.ErrMetadataNamespace, entry)
	}
}

// Environment returns the value of an environment extension item.
func (s *Session) Environment(name string) (string, error) {
	srv := s.engine.server
	var v string
	switch name {
	case "domain":
		host := srv.GetHostname()
		if i := strings.IndexByte(host, '.'); i >= 0 {
			v = host[i+1:]
		}
		return v, nil
	case "host":
		return srv.GetHostname(), nil
	case "location":
		return "MDA", nil
	case "name":
		return srv.ProductName, nil
	case "phase":
		return "during", nil
	case "version":
		return srv.Version, nil
	case "remote-host":
		v = s.RemoteHost
		if i := strings.IndexAny(v, " ["); i >= 0 {
			v = v[:i]
		}
	case "remote-ip":
		v = s.RemoteIP
		if i := strings.IndexByte(v, ';'); i >= 0 {
			v = v[:i]
		}
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s", consts.ErrEnvironmentUnknown, name)
	}
	return v, nil
}

// BodyParts returns the leaf parts matching contentTypes. The body is
// parsed on first use and cached on the snapshot.
func (s *Session) BodyParts(contentTypes ...string) ([]spool.BodyPart, error) {
	return s.msg.PartsByType(contentTypes...)
}

func (s *Session) PlainText() (string, error) {
	return s.msg.PlainText()
}

// Include resolves a script referenced by an include command.
func (s *Session) Include(name string, global bool) (string, error) {
	if s.engine.locator == nil {
		return "", consts.ErrScriptNotFound
	}
	if global {
		return s.engine.locator.Global(s.rcpt.UserID, name)
	}
	return s.engine.locator.Personal(s.rcpt.UserID, name)
}

// ListValid reports whether list names an address list the user can test
// against.
func (s *Session) ListValid(ctx context.Context, list string) bool {
	if s.engine.addressBook == nil {
		return false
	}
	_, err := s.engine.addressBook.ListMembers(ctx, s.rcpt.UserID, list)
	return err == nil
}

// ListContains reports whether value is a member of list. Addresses are
// compared case-insensitively. An unknown list contains nothing.
func (s *Session) ListContains(ctx context.Context, list, value string) (bool, error) {
	if s.engine.addressBook == nil {
		return false, fmt.Errorf("address list %s: no address book configured", list)
	}
	members, err := s.engine.addressBook.ListMembers(ctx, s.rcpt.UserID, list)
	if errors.Is(err, consts.ErrListNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("address list %s: %w", list, err)
	}
	value = helpers.StripBrackets(strings.TrimSpace(value))
	for _, m := range members {
		if strings.EqualFold(helpers.StripBrackets(strings.TrimSpace(m)), value) {
			return true, nil
		}
	}
	return false, nil
}

// StagedFile is the path of the staged message.
func (s *Session) StagedFile() string {
	return s.msg.Path()
}
