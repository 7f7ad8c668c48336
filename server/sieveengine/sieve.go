package sieveengine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/server/delivery"
)

// Runtime implements delivery.Runtime with go-sieve.
type Runtime struct {
	extensions []string
}

var _ delivery.Runtime = (*Runtime)(nil)

// New returns a Runtime that accepts scripts requiring only extensions.
// An empty list selects DefaultExtensions.
func New(extensions []string) (*Runtime, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if err := ValidateExtensions(extensions); err != nil {
		return nil, err
	}
	return &Runtime{extensions: append([]string(nil), extensions...)}, nil
}

// Load compiles the script at path.
func (r *Runtime) Load(ctx context.Context, fsys fs.FS, path string) (delivery.Program, error) {
	f, err := fsys.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", consts.ErrScriptNotFound, path)
		}
		return nil, fmt.Errorf("failed to open script %s: %w", path, err)
	}
	defer f.Close()

	options := sieve.DefaultOptions()
	options.EnabledExtensions = r.extensions
	script, err := sieve.Load(f, options)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script %s: %w", path, err)
	}
	return script, nil
}

// Execute runs prog against the session's message and replays the
// resulting decisions into the session.
func (r *Runtime) Execute(ctx context.Context, prog delivery.Program, sess *delivery.Session) error {
	script, ok := prog.(*sieve.Script)
	if !ok {
		return fmt.Errorf("unexpected program type %T", prog)
	}

	data := sieve.NewRuntimeData(script, &sessionPolicy{sess: sess}, &sessionEnvelope{sess: sess}, &sessionMessage{sess: sess})
	if err := script.Execute(ctx, data); err != nil {
		return fmt.Errorf("script execution failed: %w", err)
	}
	return replay(ctx, sess, decisionsFrom(data))
}

// sessionPolicy leaves every decision to the replay; loop protection and
// vacation throttling happen in the dispatcher.
type sessionPolicy struct {
	sess *delivery.Session
}

func (p *sessionPolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (p *sessionPolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	return true, nil
}

func (p *sessionPolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}

func (p *sessionPolicy) MailboxExists(ctx context.Context, mailbox string) (bool, error) {
	return p.sess.MailboxExists(ctx, mailbox)
}

type sessionEnvelope struct {
	sess *delivery.Session
}

func (e *sessionEnvelope) EnvelopeFrom() string {
	from, _ := e.sess.Envelope("from")
	return from
}

func (e *sessionEnvelope) EnvelopeTo() string {
	to, _ := e.sess.Envelope("to")
	return to
}

func (e *sessionEnvelope) AuthUsername() string {
	auth, _ := e.sess.Envelope("auth")
	return auth
}

type sessionMessage struct {
	sess *delivery.Session
}

func (m *sessionMessage) HeaderGet(key string) ([]string, error) {
	values, err := m.sess.Header(key)
	if errors.Is(err, consts.ErrHeaderNotFound) {
		return nil, nil
	}
	return values, err
}

func (m *sessionMessage) MessageSize() int {
	return int(m.sess.Size())
}
