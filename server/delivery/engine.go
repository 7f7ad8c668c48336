// Package delivery carries out the decisions of a filtering script: it
// stores, forwards, bounces and auto-replies to one recipient's copy of a
// message, and answers the runtime's questions about that message.
//
// An Engine is built once per process and shared. Each recipient's
// delivery attempt gets its own Session; a Session is not safe for
// concurrent use and must not outlive the attempt.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/ledger"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
	"github.com/migadu/sora-sieve/server/idgen"
	"github.com/migadu/sora-sieve/server/relay"
	"github.com/migadu/sora-sieve/server/spool"
	"github.com/migadu/sora-sieve/server/srs"
)

// ErrNoScript tells the caller to fall back to default delivery: the user
// has no active script or it could not be loaded.
var ErrNoScript = errors.New("no usable sieve script")

// Program is a compiled script as returned by a Runtime.
type Program any

// Runtime is the script interpreter. Execute evaluates prog and calls back
// into sess for every condition and action.
type Runtime interface {
	Load(ctx context.Context, fsys fs.FS, path string) (Program, error)
	Execute(ctx context.Context, prog Program, sess *Session) error
}

// Options wires an Engine. Store and Ledger are required; every other
// collaborator is optional and the actions depending on it fail or become
// no-ops when it is missing.
type Options struct {
	Server config.ServerConfig
	Sieve  config.SieveConfig

	Store       MailStore
	Ledger      ledger.Ledger
	Transport   relay.Transport
	SRS         *srs.Rewriter
	AddressBook AddressBook
	Notifier    Notifier

	// Scripts is the script tree. When nil it is opened from
	// Sieve.ScriptsDir.
	Scripts fs.FS
	IDs     *idgen.Generator
	Now     func() time.Time
}

// Engine holds everything shared between delivery attempts.
type Engine struct {
	server config.ServerConfig
	sieve  config.SieveConfig

	store       MailStore
	ledger      ledger.Ledger
	transport   relay.Transport
	srs         *srs.Rewriter
	addressBook AddressBook
	notifier    Notifier

	locator      *Locator
	ids          *idgen.Generator
	now          func() time.Time
	duplicateMax time.Duration
}

// NewEngine validates opts and builds an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("delivery engine requires a mail store")
	}
	if opts.Ledger == nil {
		return nil, errors.New("delivery engine requires a suppression ledger")
	}
	duplicateMax, err := opts.Sieve.GetDuplicateMaxExpiration()
	if err != nil {
		return nil, fmt.Errorf("invalid duplicate_max_expiration: %w", err)
	}

	e := &Engine{
		server:       opts.Server,
		sieve:        opts.Sieve,
		store:        opts.Store,
		ledger:       opts.Ledger,
		transport:    opts.Transport,
		srs:          opts.SRS,
		addressBook:  opts.AddressBook,
		notifier:     opts.Notifier,
		ids:          opts.IDs,
		now:          opts.Now,
		duplicateMax: duplicateMax,
	}
	if e.ids == nil {
		e.ids = idgen.NewGenerator()
	}
	if e.now == nil {
		e.now = time.Now
	}

	scripts := opts.Scripts
	if scripts == nil && opts.Sieve.ScriptsDir != "" {
		scripts = os.DirFS(opts.Sieve.ScriptsDir)
	}
	if scripts != nil {
		e.locator = NewLocator(scripts, opts.Sieve.GetActiveScript())
	}
	return e, nil
}

// Locator returns the script locator, nil when no script tree is configured.
func (e *Engine) Locator() *Locator { return e.locator }

// Extensions returns the configured sieve extensions; empty means the
// runtime's defaults.
func (e *Engine) Extensions() []string { return e.sieve.Extensions }

// DuplicateMaxExpiration is the ceiling a runtime applies to duplicate
// :seconds when it registers the extension. Handlers do not clamp.
func (e *Engine) DuplicateMaxExpiration() time.Duration { return e.duplicateMax }

// Agent is the X-Sieve identification of generated mail.
func (e *Engine) Agent() string {
	return e.server.ProductName + " " + e.server.Version
}

// NewSession starts a delivery attempt of msg for rcpt. The caller keeps
// ownership of msg.
func (e *Engine) NewSession(rcpt Recipient, msg *spool.Snapshot) *Session {
	return &Session{engine: e, rcpt: rcpt, msg: msg}
}

// Run executes the recipient's active script. It returns ErrNoScript when
// there is nothing to run; any other error comes from the runtime and also
// means the caller should deliver normally.
func (e *Engine) Run(ctx context.Context, rt Runtime, sess *Session) error {
	user := sess.rcpt.UserID
	if e.locator == nil {
		return ErrNoScript
	}

	path, err := e.locator.Active(user)
	if err != nil {
		logger.Debug("SIEVE: no active script", "user", user, "error", err)
		metrics.SieveScriptRuns.WithLabelValues("no_script").Inc()
		return fmt.Errorf("%w: %v", ErrNoScript, err)
	}

	prog, err := rt.Load(ctx, e.locator.FS(), path)
	if err != nil {
		logger.Warn("SIEVE: failed to load script", "user", user, "script", path, "error", err)
		metrics.SieveScriptRuns.WithLabelValues("load_error").Inc()
		return fmt.Errorf("%w: %v", ErrNoScript, err)
	}

	if err := rt.Execute(ctx, prog, sess); err != nil {
		sess.ReportError(err)
		metrics.SieveScriptRuns.WithLabelValues("failure").Inc()
		return err
	}
	metrics.SieveScriptRuns.WithLabelValues("success").Inc()

	if sess.msg.MessageID != "" {
		key := ledger.DeliveryKey(sess.msg.MessageID, user, sess.msg.Date)
		if err := e.ledger.Mark(ctx, key, e.now()); err != nil {
			logger.Warn("SIEVE: failed to record delivery", "user", user, "msgid", sess.msg.MessageID, "error", err)
		}
	}
	return nil
}

// AlreadyDelivered reports whether a script run for msgID already
// completed for user.
func (e *Engine) AlreadyDelivered(ctx context.Context, user, msgID, date string) (bool, error) {
	if msgID == "" {
		return false, nil
	}
	_, found, err := e.ledger.Check(ctx, ledger.DeliveryKey(msgID, user, date))
	return found, err
}
