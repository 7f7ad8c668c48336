package delivery

import (
	"fmt"
	"strings"

	"github.com/emersion/go-smtp"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/server/compose"
	"github.com/migadu/sora-sieve/server/spool"
)

// Recipient identifies the mailbox a delivery attempt is for.
type Recipient struct {
	UserID            string // owner of the target namespace and ledger
	Address           string // envelope recipient
	OriginalRecipient string // ORCPT, when the client supplied one
	Mailbox           string // target of keep; INBOX when empty
	AuthUser          string // submitter identity, exposed as envelope "auth"
	Index             int    // position in the transaction's recipient list
}

// Status is the per-recipient protocol response decided by the script.
type Status struct {
	Rejected bool
	Lines    []string // full "550-5.7.1 ..." response lines
}

// SMTPError renders a rejected status for an LMTP/SMTP server. It returns
// nil when the recipient was accepted.
func (st Status) SMTPError() *smtp.SMTPError {
	if !st.Rejected {
		return nil
	}
	text := make([]string, len(st.Lines))
	for i, line := range st.Lines {
		text[i] = compose.StripRejectPrefix(line)
	}
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      strings.Join(text, "\n"),
	}
}

// Session is one recipient's delivery attempt.
type Session struct {
	engine *Engine
	rcpt   Recipient
	msg    *spool.Snapshot

	headersEdited bool
	status        Status

	RemoteHost string
	RemoteIP   string
}

func (s *Session) Recipient() Recipient { return s.rcpt }

// Message returns the snapshot the session was started with. Its header
// cache reflects every edit made so far.
func (s *Session) Message() *spool.Snapshot { return s.msg }

func (s *Session) Engine() *Engine { return s.engine }

func (s *Session) Status() Status { return s.status }

func (s *Session) HeadersEdited() bool { return s.headersEdited }

// AddHeader inserts a field at the top, or at the bottom when last is set.
func (s *Session) AddHeader(name, value string, last bool) {
	if last {
		s.msg.Header.Append(name, value)
	} else {
		s.msg.Header.Add(name, value)
	}
	s.headersEdited = true
}

// DeleteHeader removes instances of name: all of them for index 0, the
// index-th from the top for index > 0 and from the bottom for index < 0.
func (s *Session) DeleteHeader(name string, index int) {
	if index == 0 {
		s.msg.Header.Del(name)
	} else {
		s.msg.Header.DelInstance(name, index)
	}
	s.headersEdited = true
}

// ReportError logs a runtime evaluation error for this message.
func (s *Session) ReportError(err error) {
	logger.Warn("SIEVE: script execution error", "user", s.rcpt.UserID, "recipient", s.rcpt.Address,
		"msgid", s.msgID(), "error", err)
}

// withMessage runs fn against the message as the script currently sees it.
// After header edits that is a freshly respooled copy, removed again before
// withMessage returns.
func (s *Session) withMessage(fn func(m *spool.Snapshot) error) error {
	if !s.headersEdited {
		return fn(s.msg)
	}
	derived, err := spool.Respool(s.msg, s.engine.server.GetStagingDir())
	if err != nil {
		return fmt.Errorf("failed to respool message: %w", err)
	}
	defer derived.Close()
	return fn(derived)
}

func (s *Session) msgID() string {
	if s.msg.MessageID == "" {
		return "<nomsgid>"
	}
	return s.msg.MessageID
}

func (s *Session) defaultMailbox() string {
	if s.rcpt.Mailbox == "" {
		return consts.MailboxInbox
	}
	return s.rcpt.Mailbox
}

func (s *Session) returnPath() (string, bool) {
	if s.msg.ReturnPath == nil {
		return "", false
	}
	return *s.msg.ReturnPath, true
}
