package delivery

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/ledger"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
	"github.com/migadu/sora-sieve/server/compose"
	"github.com/migadu/sora-sieve/server/relay"
)

func vacationID(hash []byte) string {
	return strings.ToUpper(hex.EncodeToString(hash))
}

func (s *Session) vacationCheck(ctx context.Context, a VacationCheck) Result {
	if len(a.Hash) == 0 {
		return Failf("vacation: empty response hash")
	}
	key := ledger.VacationKey(vacationID(a.Hash), s.rcpt.UserID)
	expiry, found, err := s.engine.ledger.Check(ctx, key)
	if err != nil {
		return fail(fmt.Errorf("vacation: %w", err))
	}
	if found && ledger.Active(expiry, s.engine.now()) {
		metrics.SieveVacation.WithLabelValues("throttled").Inc()
		logger.Debug("SIEVE: vacation response throttled", "user", s.rcpt.UserID, "until", expiry)
		return Done("vacation response already sent")
	}
	return OK()
}

func (s *Session) vacationSend(ctx context.Context, a VacationSend) Result {
	e := s.engine
	if e.transport == nil {
		return fail(consts.ErrRelayNotConfigured)
	}
	if a.To == "" {
		return fail(consts.ErrNoReturnPath)
	}

	now := e.now()
	host := e.server.GetHostname()
	outID := e.ids.MessageID(host)
	from := a.From
	if from == "" {
		from = s.rcpt.Address
	}

	msg := compose.Vacation(compose.VacationOptions{
		MessageID: outID,
		Date:      now,
		Boundary:  e.ids.Boundary(host),
		Agent:     e.Agent(),
		From:      from,
		To:        a.To,
		Subject:   a.Subject,
		InReplyTo: s.msg.MessageID,
		Body:      a.Body,
		MIME:      a.MIME,
	})

	env := relay.Envelope{To: []string{a.To}, AuthUser: s.rcpt.UserID}
	if err := e.transport.Send(ctx, env, msg.Bytes()); err != nil {
		metrics.SieveVacation.WithLabelValues("failed").Inc()
		return fail(err)
	}
	metrics.SieveVacation.WithLabelValues("sent").Inc()
	logger.Info("SIEVE: vacation response sent", "user", s.rcpt.UserID, "to", a.To, "msgid", s.msgID())

	if len(a.Hash) > 0 {
		key := ledger.VacationKey(vacationID(a.Hash), s.rcpt.UserID)
		if err := e.ledger.Mark(ctx, key, now.Add(a.Interval)); err != nil {
			logger.Warn("SIEVE: failed to record vacation response", "user", s.rcpt.UserID, "error", err)
		}
	}
	outKey := ledger.DeliveryKey(outID, s.rcpt.UserID, s.msg.Date)
	if err := e.ledger.Mark(ctx, outKey, now); err != nil {
		logger.Warn("SIEVE: failed to record vacation message-id", "user", s.rcpt.UserID, "error", err)
	}

	if a.FCC != nil {
		s.storeFCC(ctx, a.FCC, msg)
	}
	return OK()
}

// storeFCC files a copy of a sent reply. Failures are logged only.
func (s *Session) storeFCC(ctx context.Context, fcc *FCC, msg *compose.ComposedMessage) {
	e := s.engine
	mailbox := s.resolveMailbox(ctx, fcc.Mailbox, fcc.SpecialUse)

	exists, err := e.store.MailboxExists(ctx, s.rcpt.UserID, mailbox)
	if err != nil {
		logger.Warn("SIEVE: fcc lookup failed", "user", s.rcpt.UserID, "mailbox", mailbox, "error", err)
		return
	}
	if !exists {
		if !e.sieve.GetVacationFCCAutocreate() {
			logger.Warn("SIEVE: fcc mailbox does not exist", "user", s.rcpt.UserID, "mailbox", mailbox)
			return
		}
		if err := s.autocreate(ctx, mailbox, fcc.Create); err != nil {
			logger.Warn("SIEVE: fcc failed", "user", s.rcpt.UserID, "mailbox", mailbox, "error", err)
			return
		}
		if fcc.SpecialUse != "" {
			s.tagSpecialUse(ctx, mailbox, fcc.SpecialUse)
		}
	}

	flags := withSeen(fcc.Flags)
	data := msg.Bytes()
	err = e.store.Append(ctx, s.rcpt.UserID, mailbox, bytes.NewReader(data), int64(len(data)), AppendOptions{
		Flags:        flags,
		InternalDate: e.now(),
	})
	if err != nil {
		logger.Warn("SIEVE: fcc failed", "user", s.rcpt.UserID, "mailbox", mailbox, "error", err)
	}
}

func withSeen(flags []imap.Flag) []imap.Flag {
	for _, f := range flags {
		if strings.EqualFold(string(f), string(imap.FlagSeen)) {
			return flags
		}
	}
	out := make([]imap.Flag, 0, len(flags)+1)
	out = append(out, flags...)
	return append(out, imap.FlagSeen)
}

func (s *Session) duplicateCheck(ctx context.Context, a DuplicateCheck) Result {
	expiry, found, err := s.engine.ledger.Check(ctx, ledger.DuplicateKey(a.ID, s.rcpt.UserID))
	if err != nil {
		return fail(fmt.Errorf("duplicate: %w", err))
	}
	res := OK()
	res.Duplicate = found && ledger.Active(expiry, s.engine.now())
	return res
}

func (s *Session) duplicateTrack(ctx context.Context, a DuplicateTrack) Result {
	expiry := s.engine.now().Add(a.TTL)
	if err := s.engine.ledger.Mark(ctx, ledger.DuplicateKey(a.ID, s.rcpt.UserID), expiry); err != nil {
		return fail(fmt.Errorf("duplicate: %w", err))
	}
	return OK()
}
