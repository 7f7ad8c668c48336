package delivery

import (
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/sora-sieve/server/relay"
)

// Action is one side-effecting decision of a filtering script. The set of
// kinds is closed; Dispatch handles each of them.
type Action interface {
	Kind() string
	isAction()
}

// Keep stores the message in the recipient's default mailbox.
type Keep struct {
	Flags []imap.Flag
}

// Discard drops the message.
type Discard struct{}

// FileInto stores the message in a named mailbox. SpecialUse, when set,
// takes precedence if a mailbox with that attribute exists.
type FileInto struct {
	Mailbox    string
	SpecialUse imap.MailboxAttr
	Flags      []imap.Flag
	Create     bool
}

// Redirect forwards the message. With List set, Address names an address
// list resolved through the AddressBook.
type Redirect struct {
	Address string
	List    bool
	DSN     relay.DSNParams
}

// Reject refuses the message, either at the protocol level or with an MDN.
type Reject struct {
	Reason   string
	Extended bool
}

// Notify hands a notification to the configured dispatcher.
type Notify struct {
	Method   string
	From     string
	Priority string
	Message  string
	Options  []string
}

// VacationCheck asks whether an auto-reply identified by Hash may be sent.
type VacationCheck struct {
	Hash     []byte
	Interval time.Duration
}

// FCC is the secondary copy target of a vacation reply.
type FCC struct {
	Mailbox    string
	SpecialUse imap.MailboxAttr
	Flags      []imap.Flag
	Create     bool
}

// VacationSend composes and sends an auto-reply. It must only follow a
// VacationCheck that returned OK.
type VacationSend struct {
	To       string
	From     string
	Subject  string
	Body     string
	MIME     bool
	Interval time.Duration
	Hash     []byte
	FCC      *FCC
}

// DuplicateCheck tests whether ID has an active tracking record.
type DuplicateCheck struct {
	ID string
}

// DuplicateTrack records ID for TTL.
type DuplicateTrack struct {
	ID  string
	TTL time.Duration
}

func (Keep) Kind() string           { return "keep" }
func (Discard) Kind() string        { return "discard" }
func (FileInto) Kind() string       { return "fileinto" }
func (Redirect) Kind() string       { return "redirect" }
func (Reject) Kind() string         { return "reject" }
func (Notify) Kind() string         { return "notify" }
func (VacationCheck) Kind() string  { return "vacation_check" }
func (VacationSend) Kind() string   { return "vacation_send" }
func (DuplicateCheck) Kind() string { return "duplicate_check" }
func (DuplicateTrack) Kind() string { return "duplicate_track" }

func (Keep) isAction()           {}
func (Discard) isAction()        {}
func (FileInto) isAction()       {}
func (Redirect) isAction()       {}
func (Reject) isAction()         {}
func (Notify) isAction()         {}
func (VacationCheck) isAction()  {}
func (VacationSend) isAction()   {}
func (DuplicateCheck) isAction() {}
func (DuplicateTrack) isAction() {}
