package delivery

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/helpers"
	"github.com/migadu/sora-sieve/ledger"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
	"github.com/migadu/sora-sieve/server/compose"
	"github.com/migadu/sora-sieve/server/relay"
	"github.com/migadu/sora-sieve/server/spool"
)

func (s *Session) redirect(ctx context.Context, a Redirect) Result {
	if s.engine.transport == nil {
		return fail(consts.ErrRelayNotConfigured)
	}

	// Without a message-id there is nothing to key the guard on.
	guarded := s.msg.MessageID != ""
	var key ledger.Key
	if guarded {
		key = ledger.RedirectKey(s.msg.MessageID, a.Address, s.rcpt.UserID)
		_, found, err := s.engine.ledger.Check(ctx, key)
		if err != nil {
			logger.Warn("SIEVE: redirect guard lookup failed", "user", s.rcpt.UserID, "msgid", s.msg.MessageID, "error", err)
		} else if found {
			metrics.SieveRedirectsSuppressed.Inc()
			logger.Info("SIEVE: already redirected", "user", s.rcpt.UserID, "msgid", s.msg.MessageID, "target", a.Address)
			return OK()
		}
	}

	recipients, err := s.redirectTargets(ctx, a)
	if err != nil {
		return fail(err)
	}
	env := relay.Envelope{
		From:     s.forwardSender(),
		To:       recipients,
		AuthUser: s.rcpt.UserID,
		DSN:      a.DSN,
	}

	err = s.withMessage(func(m *spool.Snapshot) error {
		var buf bytes.Buffer
		if _, err := compose.Forward(&buf, m.Open()); err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		return s.engine.transport.Send(ctx, env, buf.Bytes())
	})
	if err != nil {
		return fail(err)
	}

	if guarded {
		if err := s.engine.ledger.Mark(ctx, key, time.Time{}); err != nil {
			logger.Warn("SIEVE: failed to record redirect", "user", s.rcpt.UserID, "msgid", s.msg.MessageID, "error", err)
		}
	}
	logger.Info("SIEVE: redirected", "user", s.rcpt.UserID, "msgid", s.msgID(), "target", a.Address,
		"recipients", len(recipients))
	return OK()
}

func (s *Session) redirectTargets(ctx context.Context, a Redirect) ([]string, error) {
	if !a.List {
		return []string{a.Address}, nil
	}
	if s.engine.addressBook == nil {
		return nil, fmt.Errorf("address list %s: no address book configured", a.Address)
	}
	members, err := s.engine.addressBook.ListMembers(ctx, s.rcpt.UserID, a.Address)
	if err != nil {
		return nil, fmt.Errorf("address list %s: %w", a.Address, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("address list %s: no members", a.Address)
	}
	return members, nil
}

// forwardSender is the envelope sender of a redirect: the SRS-rewritten
// return path when a rewriter is configured, else the return path itself.
// The empty string is the null sender.
func (s *Session) forwardSender() string {
	rp, _ := s.returnPath()
	if rp == "" || s.engine.srs == nil {
		return rp
	}
	rewritten, err := s.engine.srs.Forward(rp)
	if err != nil {
		logger.Warn("SIEVE: SRS rewrite failed, using original return path", "return_path", rp, "error", err)
		return rp
	}
	return rewritten
}

func (s *Session) reject(ctx context.Context, a Reject) Result {
	if a.Extended || (s.engine.sieve.LMTPReject && helpers.IsASCII(a.Reason)) {
		s.status = Status{Rejected: true, Lines: compose.RejectLines(a.Reason)}
		metrics.SieveRejects.WithLabelValues("protocol").Inc()
		logger.Info("SIEVE: rejected at protocol level", "user", s.rcpt.UserID, "msgid", s.msgID())
		return OK()
	}

	rejto, ok := s.returnPath()
	if !ok {
		return fail(consts.ErrNoReturnPath)
	}
	if rejto == "" {
		metrics.SieveRejects.WithLabelValues("silent").Inc()
		logger.Info("SIEVE: discarded reject to null sender", "user", s.rcpt.UserID, "msgid", s.msgID())
		return OK()
	}
	if s.engine.transport == nil {
		return fail(consts.ErrRelayNotConfigured)
	}

	if err := s.sendRejection(ctx, rejto, a.Reason); err != nil {
		return fail(err)
	}
	metrics.SieveRejects.WithLabelValues("mdn").Inc()
	logger.Info("SIEVE: rejected", "user", s.rcpt.UserID, "msgid", s.msgID(), "to", rejto)
	return OK()
}

func (s *Session) sendRejection(ctx context.Context, rejto, reason string) error {
	e := s.engine
	now := e.now()
	host := e.server.GetHostname()
	outID := e.ids.MessageID(host)

	// Loop breaker: recorded before sending whatever the outcome.
	key := ledger.BounceKey(outID, s.rcpt.Address, compose.FormatDate(now))
	if err := e.ledger.Mark(ctx, key, now); err != nil {
		logger.Warn("SIEVE: failed to record bounce", "user", s.rcpt.UserID, "msgid", s.msgID(), "error", err)
	}

	return s.withMessage(func(m *spool.Snapshot) error {
		msg, err := compose.Rejection(compose.RejectionOptions{
			MessageID:         outID,
			Date:              now,
			Boundary:          e.ids.Boundary(host),
			Agent:             e.Agent(),
			Host:              host,
			ProductName:       e.server.ProductName,
			Postmaster:        e.server.GetPostmaster(),
			To:                rejto,
			Reason:            reason,
			OriginalRecipient: s.originalRecipient(),
			FinalRecipient:    s.rcpt.Address,
			OriginalMessageID: m.MessageID,
			Original:          m.Open(),
		})
		if err != nil {
			return err
		}
		env := relay.Envelope{To: []string{rejto}, AuthUser: s.rcpt.UserID}
		if err := e.transport.Send(ctx, env, msg.Bytes()); err != nil {
			logger.Error("SIEVE: failed to send rejection", "user", s.rcpt.UserID, "to", rejto, "error", err)
			return err
		}
		return nil
	})
}

// originalRecipient is the ORCPT of the session, falling back to an
// Original-Recipient field already present in the message.
func (s *Session) originalRecipient() string {
	if s.rcpt.OriginalRecipient != "" {
		return s.rcpt.OriginalRecipient
	}
	v := strings.TrimSpace(s.msg.Header.Get("Original-Recipient"))
	if i := strings.IndexByte(v, ';'); i >= 0 && strings.EqualFold(strings.TrimSpace(v[:i]), "rfc822") {
		v = strings.TrimSpace(v[i+1:])
	}
	return v
}

func (s *Session) notify(ctx context.Context, a Notify) Result {
	if s.engine.notifier == nil {
		return OK()
	}
	method := a.Method
	if method == "" || method == "default" {
		method = s.engine.sieve.GetNotifyMethod()
	}
	n := Notification{
		User:     s.rcpt.UserID,
		Method:   method,
		From:     a.From,
		Priority: a.Priority,
		Message:  a.Message,
		Options:  a.Options,
	}
	if err := s.engine.notifier.Notify(ctx, n); err != nil {
		logger.Warn("SIEVE: notification failed", "user", s.rcpt.UserID, "method", method, "error", err)
	}
	return OK()
}
