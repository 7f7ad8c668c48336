package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/helpers"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
	"github.com/migadu/sora-sieve/server/spool"
)

func (s *Session) keep(ctx context.Context, a Keep) Result {
	mailbox := s.defaultMailbox()
	err := s.withMessage(func(m *spool.Snapshot) error {
		return s.appendMessage(ctx, mailbox, m, a.Flags)
	})
	if err != nil {
		return fail(err)
	}
	logger.Info("SIEVE: kept", "user", s.rcpt.UserID, "mailbox", mailbox, "msgid", s.msgID())
	return OK()
}

func (s *Session) discard() Result {
	logger.Info("SIEVE: discarded", "user", s.rcpt.UserID, "msgid", s.msgID())
	return OK()
}

func (s *Session) fileInto(ctx context.Context, a FileInto) Result {
	mailbox := s.resolveMailbox(ctx, a.Mailbox, a.SpecialUse)
	err := s.withMessage(func(m *spool.Snapshot) error {
		err := s.appendMessage(ctx, mailbox, m, a.Flags)
		if !errors.Is(err, consts.ErrMailboxNotFound) {
			return err
		}
		if err := s.autocreate(ctx, mailbox, a.Create); err != nil {
			return err
		}
		if a.SpecialUse != "" {
			s.tagSpecialUse(ctx, mailbox, a.SpecialUse)
		}
		return s.appendMessage(ctx, mailbox, m, a.Flags)
	})
	if err != nil {
		return fail(err)
	}
	logger.Info("SIEVE: filed", "user", s.rcpt.UserID, "mailbox", mailbox, "msgid", s.msgID())
	return OK()
}

func (s *Session) appendMessage(ctx context.Context, mailbox string, m *spool.Snapshot, flags []imap.Flag) error {
	return s.engine.store.Append(ctx, s.rcpt.UserID, mailbox, m.Open(), m.Size(), AppendOptions{
		Flags:        flags,
		InternalDate: m.Arrival,
	})
}

// resolveMailbox prefers an existing mailbox carrying use over name.
func (s *Session) resolveMailbox(ctx context.Context, name string, use imap.MailboxAttr) string {
	if use != "" {
		found, err := s.engine.store.FindSpecialUse(ctx, s.rcpt.UserID, use)
		if err == nil && found != "" {
			return found
		}
		if err != nil && !errors.Is(err, consts.ErrMailboxNotFound) {
			logger.Warn("SIEVE: special-use lookup failed", "user", s.rcpt.UserID, "use", use, "error", err)
		}
	}
	return helpers.NormalizeMailboxName(name)
}

// autocreateAllowed applies the provisioning policy: the global switch,
// then the configured folder list, then the action's own :create.
func (e *Engine) autocreateAllowed(mailbox string, create bool) bool {
	if e.sieve.AutocreateAll {
		return true
	}
	inboxPrefix := consts.MailboxInbox + string(consts.MailboxDelimiter)
	for _, entry := range e.sieve.AutocreateFolders {
		entry = helpers.NormalizeMailboxName(entry)
		if mailbox == entry || mailbox == inboxPrefix+entry {
			return true
		}
	}
	return create
}

// autocreate creates and subscribes mailbox if the policy permits. It is
// attempted once; a creation error is returned unchanged.
func (s *Session) autocreate(ctx context.Context, mailbox string, create bool) error {
	if !s.engine.autocreateAllowed(mailbox, create) {
		return fmt.Errorf("%w: %s", consts.ErrMailboxNotFound, mailbox)
	}

	err := s.engine.store.CreateMailbox(ctx, s.rcpt.UserID, mailbox)
	if err != nil && !errors.Is(err, consts.ErrMailboxExists) {
		metrics.SieveAutocreate.WithLabelValues("failure").Inc()
		logger.Error("SIEVE: folder creation failed", "user", s.rcpt.UserID, "mailbox", mailbox, "error", err)
		return err
	}
	metrics.SieveAutocreate.WithLabelValues("success").Inc()

	if err := s.engine.store.Subscribe(ctx, s.rcpt.UserID, mailbox); err != nil {
		logger.Warn("SIEVE: failed to subscribe created folder", "user", s.rcpt.UserID, "mailbox", mailbox, "error", err)
	}
	logger.Debug("SIEVE: folder created", "user", s.rcpt.UserID, "mailbox", mailbox)
	return nil
}

func (s *Session) tagSpecialUse(ctx context.Context, mailbox string, use imap.MailboxAttr) {
	if err := s.engine.store.SetSpecialUse(ctx, s.rcpt.UserID, mailbox, use); err != nil {
		logger.Warn("SIEVE: failed to set special-use", "user", s.rcpt.UserID, "mailbox", mailbox, "use", use, "error", err)
	}
}
