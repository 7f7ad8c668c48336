package delivery

import (
	"context"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// AppendOptions carries the per-message attributes of a store append.
type AppendOptions struct {
	Flags        []imap.Flag
	InternalDate time.Time
}

// MailStore is the mailbox storage backend. Mailbox names are full names in
// the user's namespace ("INBOX", "INBOX/lists", "Archive"). An empty user
// addresses server-level (shared) metadata.
type MailStore interface {
	// Append stores a message. It returns consts.ErrMailboxNotFound when
	// the mailbox does not exist.
	Append(ctx context.Context, user, mailbox string, r io.Reader, size int64, opts AppendOptions) error
	MailboxExists(ctx context.Context, user, mailbox string) (bool, error)
	// CreateMailbox returns consts.ErrMailboxExists if the mailbox is there.
	CreateMailbox(ctx context.Context, user, mailbox string) error
	Subscribe(ctx context.Context, user, mailbox string) error
	MailboxSpecialUse(ctx context.Context, user, mailbox string) ([]imap.MailboxAttr, error)
	// FindSpecialUse returns the mailbox carrying use, or
	// consts.ErrMailboxNotFound.
	FindSpecialUse(ctx context.Context, user string, use imap.MailboxAttr) (string, error)
	SetSpecialUse(ctx context.Context, user, mailbox string, use imap.MailboxAttr) error
	// Metadata returns the value of entry, or consts.ErrDBNotFound.
	Metadata(ctx context.Context, user, mailbox, entry string) (string, error)
}

// AddressBook expands address lists referenced by redirect :list and the
// :list match type. ListMembers returns consts.ErrListNotFound for an
// unknown list.
type AddressBook interface {
	ListMembers(ctx context.Context, user, list string) ([]string, error)
}

// Notification is what the notify action hands to a Notifier.
type Notification struct {
	User     string   `json:"user"`
	Method   string   `json:"method"`
	From     string   `json:"from,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Message  string   `json:"message,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Notifier delivers script notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
