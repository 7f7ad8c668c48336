package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/server/delivery"
	"github.com/migadu/sora-sieve/server/idgen"
	"lukechampine.com/blake3"
)

const (
	mailboxMarker = ".mailbox"
	messageSuffix = ".eml"

	metaSpecialUse   = "special-use"
	metaFlags        = "flags"
	metaInternalDate = "internal-date"
)

// MailStore lays mailboxes out in an object store:
//
//	users/<user>/mailboxes/<mailbox>/.mailbox        mailbox marker
//	users/<user>/mailboxes/<mailbox>/<id>-<blake3>.eml  message
//	users/<user>/subscriptions/<mailbox>             subscription
//	users/<user>/metadata/server<entry>              private server annotation
//	users/<user>/metadata/mailboxes/<mailbox><entry> private mailbox annotation
//	shared/metadata/...                              shared annotations
//
// INBOX exists for every user without a marker.
type MailStore struct {
	objects ObjectStore
	ids     *idgen.Generator
}

var _ delivery.MailStore = (*MailStore)(nil)

// NewMailStore stores mail in objects. ids names appended messages; a nil
// generator is replaced with a fresh one.
func NewMailStore(objects ObjectStore, ids *idgen.Generator) *MailStore {
	if ids == nil {
		ids = idgen.NewGenerator()
	}
	return &MailStore{objects: objects, ids: ids}
}

func userRoot(user string) string {
	return path.Join("users", user)
}

func mailboxDir(user, mailbox string) string {
	return path.Join(userRoot(user), "mailboxes", mailbox)
}

func markerKey(user, mailbox string) string {
	return path.Join(mailboxDir(user, mailbox), mailboxMarker)
}

// MessageKey is where the message with the given id and content is stored.
// The id keeps identical deliveries apart.
func MessageKey(user, mailbox, id string, content []byte) string {
	sum := blake3.Sum256(content)
	return path.Join(mailboxDir(user, mailbox), id+"-"+hex.EncodeToString(sum[:])+messageSuffix)
}

func metadataKey(user, mailbox, entry string) string {
	root := "shared"
	if user != "" {
		root = userRoot(user)
	}
	if mailbox == "" {
		return path.Join(root, "metadata", "server") + entry
	}
	return path.Join(root, "metadata", "mailboxes", mailbox) + entry
}

func (m *MailStore) Append(ctx context.Context, user, mailbox string, r io.Reader, size int64, opts delivery.AppendOptions) error {
	exists, err := m.MailboxExists(ctx, user, mailbox)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", consts.ErrMailboxNotFound, mailbox)
	}

	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	flags := make([]string, len(opts.Flags))
	for i, f := range opts.Flags {
		flags[i] = string(f)
	}
	date := opts.InternalDate
	if date.IsZero() {
		date = time.Now()
	}
	meta := map[string]string{
		metaFlags:        strings.Join(flags, " "),
		metaInternalDate: date.UTC().Format(time.RFC3339),
	}

	key := MessageKey(user, mailbox, m.ids.New(), buf.Bytes())
	return m.objects.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), meta)
}

func (m *MailStore) MailboxExists(ctx context.Context, user, mailbox string) (bool, error) {
	if mailbox == consts.MailboxInbox {
		return true, nil
	}
	_, err := m.objects.Stat(ctx, markerKey(user, mailbox))
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *MailStore) CreateMailbox(ctx context.Context, user, mailbox string) error {
	exists, err := m.MailboxExists(ctx, user, mailbox)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", consts.ErrMailboxExists, mailbox)
	}
	return m.putMarker(ctx, user, mailbox, nil)
}

func (m *MailStore) putMarker(ctx context.Context, user, mailbox string, uses []imap.MailboxAttr) error {
	names := make([]string, len(uses))
	for i, u := range uses {
		names[i] = string(u)
	}
	meta := map[string]string{metaSpecialUse: strings.Join(names, " ")}
	return m.objects.Put(ctx, markerKey(user, mailbox), bytes.NewReader(nil), 0, meta)
}

func (m *MailStore) Subscribe(ctx context.Context, user, mailbox string) error {
	key := path.Join(userRoot(user), "subscriptions", mailbox)
	return m.objects.Put(ctx, key, bytes.NewReader(nil), 0, nil)
}

// Subscribed lists the user's subscriptions.
func (m *MailStore) Subscribed(ctx context.Context, user string) ([]string, error) {
	prefix := path.Join(userRoot(user), "subscriptions") + "/"
	keys, err := m.objects.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(out)
	return out, nil
}

func (m *MailStore) MailboxSpecialUse(ctx context.Context, user, mailbox string) ([]imap.MailboxAttr, error) {
	meta, err := m.objects.Stat(ctx, markerKey(user, mailbox))
	if errors.Is(err, ErrObjectNotFound) {
		if mailbox == consts.MailboxInbox {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", consts.ErrMailboxNotFound, mailbox)
	}
	if err != nil {
		return nil, err
	}
	return parseUses(meta[metaSpecialUse]), nil
}

func parseUses(v string) []imap.MailboxAttr {
	var uses []imap.MailboxAttr
	for _, f := range strings.Fields(v) {
		uses = append(uses, imap.MailboxAttr(f))
	}
	return uses
}

// FindSpecialUse returns the first mailbox, in name order, carrying use.
func (m *MailStore) FindSpecialUse(ctx context.Context, user string, use imap.MailboxAttr) (string, error) {
	mailboxes, err := m.Mailboxes(ctx, user)
	if err != nil {
		return "", err
	}
	for _, mailbox := range mailboxes {
		uses, err := m.MailboxSpecialUse(ctx, user, mailbox)
		if err != nil {
			return "", err
		}
		for _, u := range uses {
			if strings.EqualFold(string(u), string(use)) {
				return mailbox, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no mailbox with %s", consts.ErrMailboxNotFound, use)
}

// Mailboxes lists the user's mailboxes by name.
func (m *MailStore) Mailboxes(ctx context.Context, user string) ([]string, error) {
	prefix := path.Join(userRoot(user), "mailboxes") + "/"
	keys, err := m.objects.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if rest, ok := strings.CutSuffix(strings.TrimPrefix(k, prefix), "/"+mailboxMarker); ok {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MailStore) SetSpecialUse(ctx context.Context, user, mailbox string, use imap.MailboxAttr) error {
	uses, err := m.MailboxSpecialUse(ctx, user, mailbox)
	if err != nil {
		return err
	}
	for _, u := range uses {
		if strings.EqualFold(string(u), string(use)) {
			return nil
		}
	}
	return m.putMarker(ctx, user, mailbox, append(uses, use))
}

// Metadata reads an annotation. An empty user addresses shared entries, an
// empty mailbox server entries.
func (m *MailStore) Metadata(ctx context.Context, user, mailbox, entry string) (string, error) {
	key := metadataKey(user, mailbox, entry)
	if _, err := m.objects.Stat(ctx, key); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return "", fmt.Errorf("%w: %s", consts.ErrDBNotFound, entry)
		}
		return "", err
	}
	rc, err := m.objects.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	v, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %s: %w", entry, err)
	}
	return string(v), nil
}

// SetMetadata writes an annotation; the addressing follows Metadata.
func (m *MailStore) SetMetadata(ctx context.Context, user, mailbox, entry, value string) error {
	return m.objects.Put(ctx, metadataKey(user, mailbox, entry), strings.NewReader(value), int64(len(value)), nil)
}
