package delivery

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/ledger"
	"github.com/migadu/sora-sieve/server/idgen"
	"github.com/migadu/sora-sieve/server/relay"
	"github.com/migadu/sora-sieve/server/spool"
	"github.com/stretchr/testify/require"
)

type storedMessage struct {
	Mailbox string
	Data    string
	Flags   []imap.Flag
}

type fakeStore struct {
	mu         sync.Mutex
	mailboxes  map[string]map[string]bool // user -> mailbox -> exists
	specialUse map[string]map[string][]imap.MailboxAttr
	subscribed map[string][]string
	metadata   map[string]string // user|mailbox|entry -> value
	messages   []storedMessage
	created    []string
	appendErr  error
	createErr  error

	// onAppend runs before a message is stored.
	onAppend func(mailbox string)
}

func newFakeStore(user string, mailboxes ...string) *fakeStore {
	s := &fakeStore{
		mailboxes:  map[string]map[string]bool{user: {consts.MailboxInbox: true}},
		specialUse: map[string]map[string][]imap.MailboxAttr{},
		subscribed: map[string][]string{},
		metadata:   map[string]string{},
	}
	for _, mb := range mailboxes {
		s.mailboxes[user][mb] = true
	}
	return s
}

func (s *fakeStore) Append(_ context.Context, user, mailbox string, r io.Reader, size int64, opts AppendOptions) error {
	if s.onAppend != nil {
		s.onAppend(mailbox)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	if !s.mailboxes[user][mailbox] {
		return consts.ErrMailboxNotFound
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	s.messages = append(s.messages, storedMessage{Mailbox: mailbox, Data: string(data), Flags: opts.Flags})
	return nil
}

func (s *fakeStore) MailboxExists(_ context.Context, user, mailbox string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailboxes[user][mailbox], nil
}

func (s *fakeStore) CreateMailbox(_ context.Context, user, mailbox string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if s.mailboxes[user] == nil {
		s.mailboxes[user] = map[string]bool{}
	}
	if s.mailboxes[user][mailbox] {
		return consts.ErrMailboxExists
	}
	s.mailboxes[user][mailbox] = true
	s.created = append(s.created, mailbox)
	return nil
}

func (s *fakeStore) Subscribe(_ context.Context, user, mailbox string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed[user] = append(s.subscribed[user], mailbox)
	return nil
}

func (s *fakeStore) MailboxSpecialUse(_ context.Context, user, mailbox string) ([]imap.MailboxAttr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mailboxes[user][mailbox] {
		return nil, consts.ErrMailboxNotFound
	}
	return s.specialUse[user][mailbox], nil
}

func (s *fakeStore) FindSpecialUse(_ context.Context, user string, use imap.MailboxAttr) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mailbox, attrs := range s.specialUse[user] {
		for _, a := range attrs {
			if strings.EqualFold(string(a), string(use)) {
				return mailbox, nil
			}
		}
	}
	return "", consts.ErrMailboxNotFound
}

func (s *fakeStore) SetSpecialUse(_ context.Context, user, mailbox string, use imap.MailboxAttr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.specialUse[user] == nil {
		s.specialUse[user] = map[string][]imap.MailboxAttr{}
	}
	s.specialUse[user][mailbox] = append(s.specialUse[user][mailbox], use)
	return nil
}

func (s *fakeStore) Metadata(_ context.Context, user, mailbox, entry string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metadata[user+"|"+mailbox+"|"+entry]
	if !ok {
		return "", consts.ErrDBNotFound
	}
	return v, nil
}

func (s *fakeStore) stored() []storedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedMessage(nil), s.messages...)
}

type sentMessage struct {
	Env  relay.Envelope
	Data string
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (t *fakeTransport) Send(_ context.Context, env relay.Envelope, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, sentMessage{Env: env, Data: string(msg)})
	return nil
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type fakeAddressBook map[string][]string

func (b fakeAddressBook) ListMembers(_ context.Context, _, list string) ([]string, error) {
	members, ok := b[list]
	if !ok {
		return nil, consts.ErrListNotFound
	}
	return members, nil
}

type fakeNotifier struct {
	got []Notification
	err error
}

func (n *fakeNotifier) Notify(_ context.Context, notif Notification) error {
	n.got = append(n.got, notif)
	return n.err
}

// fakeClock is advanced by tests.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func strPtr(s string) *string { return &s }

const testUser = "alice@example.com"

const testMessage = "Return-Path: <bob@example.org>\r\n" +
	"From: Bob <bob@example.org>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Message-ID: <msg-1@example.org>\r\n" +
	"Date: Fri, 01 Mar 2024 11:00:00 +0000\r\n" +
	"\r\n" +
	"Hi Alice,\r\nsee you.\r\n"

type testEnv struct {
	engine    *Engine
	store     *fakeStore
	transport *fakeTransport
	ledger    *ledger.Memory
	clock     *fakeClock
	staging   string
}

type envOption func(*Options)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFakeStore(testUser),
		transport: &fakeTransport{},
		ledger:    ledger.NewMemory(),
		clock:     newFakeClock(),
		staging:   t.TempDir(),
	}
	o := Options{
		Server: config.ServerConfig{
			Hostname:    "mx1.example.com",
			Postmaster:  "postmaster@example.com",
			ProductName: "sora-sieve",
			Version:     "1.0",
			StagingDir:  env.staging,
		},
		Store:     env.store,
		Ledger:    env.ledger,
		Transport: env.transport,
		Scripts:   fstest.MapFS{},
		IDs:       idgen.NewGenerator().WithClock(env.clock.Now),
		Now:       env.clock.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	e, err := NewEngine(o)
	require.NoError(t, err)
	env.engine = e
	return env
}

func (env *testEnv) session(t *testing.T, raw string, returnPath *string) *Session {
	t.Helper()
	msg, err := spool.Stage(env.staging, strings.NewReader(raw), returnPath, env.clock.Now())
	require.NoError(t, err)
	t.Cleanup(func() { msg.Close() })
	return env.engine.NewSession(Recipient{
		UserID:  testUser,
		Address: testUser,
	}, msg)
}

// stagedFiles lists files left in the staging directory.
func (env *testEnv) stagedFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(env.staging)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, filepath.Join(env.staging, e.Name()))
	}
	return names
}
