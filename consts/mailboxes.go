package consts

const MailboxDelimiter = '/'

const MailboxInbox = "INBOX"

// Per-user suppression ledger names are SieveLedgerPrefix + user + SieveLedgerSuffix.
const (
	SieveLedgerPrefix = "."
	SieveLedgerSuffix = ".sieve."
)

// LedgerAdvisoryLockID guards postgres ledger migrations against concurrent runs.
const LedgerAdvisoryLockID = 42734582
