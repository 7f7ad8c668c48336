package consts

import "errors"

var (
	ErrMailboxNotFound  = errors.New("mailbox does not exist")
	ErrMailboxExists    = errors.New("mailbox already exists")
	ErrNotPermitted     = errors.New("operation not permitted")
	ErrInternalError    = errors.New("internal error")
	ErrMalformedMessage = errors.New("malformed message")

	ErrNoReturnPath       = errors.New("no return-path for reply")
	ErrScriptNotFound     = errors.New("sieve script not found")
	ErrIllegalScriptPath  = errors.New("illegal script path")
	ErrHeaderNotFound     = errors.New("header not found")
	ErrEnvelopeField      = errors.New("envelope field not available")
	ErrMetadataNamespace  = errors.New("metadata entry outside /private/ or /shared/")
	ErrEnvironmentUnknown = errors.New("unknown environment item")
	ErrListNotFound       = errors.New("address list not found")

	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")

	ErrRelayNotConfigured = errors.New("relay not configured")
	ErrS3UploadFailed     = errors.New("s3 upload failed")
)
