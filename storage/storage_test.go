package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/server/delivery"
	"github.com/migadu/sora-sieve/server/idgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memObject struct {
	data []byte
	meta map[string]string
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string]memObject
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string]memObject{}}
}

func (m *memObjects) Put(_ context.Context, key string, body io.Reader, size int64, meta map[string]string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch for %s", key)
	}
	lower := map[string]string{}
	for k, v := range meta {
		lower[strings.ToLower(k)] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, meta: lower}
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *memObjects) Stat(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return obj.meta, nil
}

func (m *memObjects) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

const user = "alice@example.com"

func TestMailStoreMailboxes(t *testing.T) {
	ctx := context.Background()
	store := NewMailStore(newMemObjects(), nil)

	ok, err := store.MailboxExists(ctx, user, consts.MailboxInbox)
	require.NoError(t, err)
	assert.True(t, ok, "INBOX always exists")

	ok, err = store.MailboxExists(ctx, user, "Archive")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.CreateMailbox(ctx, user, "Archive"))
	require.NoError(t, store.CreateMailbox(ctx, user, "Archive/2024"))
	assert.ErrorIs(t, store.CreateMailbox(ctx, user, "Archive"), consts.ErrMailboxExists)
	assert.ErrorIs(t, store.CreateMailbox(ctx, user, consts.MailboxInbox), consts.ErrMailboxExists)

	ok, err = store.MailboxExists(ctx, user, "Archive/2024")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := store.Mailboxes(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"Archive", "Archive/2024"}, names)

	other, err := store.Mailboxes(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMailStoreAppend(t *testing.T) {
	ctx := context.Background()
	objects := newMemObjects()
	store := NewMailStore(objects, nil)
	msg := "Subject: hi\r\n\r\nbody\r\n"
	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	err := store.Append(ctx, user, "Missing", strings.NewReader(msg), int64(len(msg)), delivery.AppendOptions{})
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)

	err = store.Append(ctx, user, consts.MailboxInbox, strings.NewReader(msg), int64(len(msg)), delivery.AppendOptions{
		Flags:        []imap.Flag{imap.FlagSeen, "$Work"},
		InternalDate: date,
	})
	require.NoError(t, err)

	keys := messageKeys(t, objects, user, consts.MailboxInbox)
	require.Len(t, keys, 1)
	key := keys[0]
	assert.True(t, strings.HasPrefix(key, "users/alice@example.com/mailboxes/INBOX/"))
	assert.True(t, strings.HasSuffix(key, ".eml"))

	meta, err := objects.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `\Seen $Work`, meta[metaFlags])
	assert.Equal(t, "2024-03-01T12:00:00Z", meta[metaInternalDate])

	rc, err := objects.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, msg, string(data))
}

func messageKeys(t *testing.T, objects ObjectStore, user, mailbox string) []string {
	t.Helper()
	keys, err := objects.List(context.Background(), mailboxDir(user, mailbox)+"/")
	require.NoError(t, err)
	var out []string
	for _, k := range keys {
		if strings.HasSuffix(k, messageSuffix) {
			out = append(out, k)
		}
	}
	return out
}

func TestMailStoreAppendIdenticalMessages(t *testing.T) {
	ctx := context.Background()
	objects := newMemObjects()
	store := NewMailStore(objects, idgen.NewGenerator())
	msg := "Subject: twice\r\n\r\nbody\r\n"

	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	require.NoError(t, store.Append(ctx, user, consts.MailboxInbox, strings.NewReader(msg), int64(len(msg)),
		delivery.AppendOptions{Flags: []imap.Flag{imap.FlagSeen}, InternalDate: first}))
	require.NoError(t, store.Append(ctx, user, consts.MailboxInbox, strings.NewReader(msg), int64(len(msg)),
		delivery.AppendOptions{Flags: []imap.Flag{imap.FlagFlagged}, InternalDate: second}))

	keys := messageKeys(t, objects, user, consts.MailboxInbox)
	require.Len(t, keys, 2)

	var flags, dates []string
	for _, k := range keys {
		meta, err := objects.Stat(ctx, k)
		require.NoError(t, err)
		flags = append(flags, meta[metaFlags])
		dates = append(dates, meta[metaInternalDate])
	}
	assert.ElementsMatch(t, []string{`\Seen`, `\Flagged`}, flags)
	assert.ElementsMatch(t, []string{"2024-03-01T12:00:00Z", "2024-03-01T13:00:00Z"}, dates)
}

func TestMessageKey(t *testing.T) {
	content := []byte("Subject: hi\r\n\r\n")
	a := MessageKey(user, "Archive", "id1", content)
	b := MessageKey(user, "Archive", "id2", content)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "users/alice@example.com/mailboxes/Archive/id1-"))
	assert.True(t, strings.HasSuffix(a, messageSuffix))
	assert.Equal(t, a, MessageKey(user, "Archive", "id1", content))
}

func TestMailStoreSpecialUse(t *testing.T) {
	ctx := context.Background()
	store := NewMailStore(newMemObjects(), nil)
	require.NoError(t, store.CreateMailbox(ctx, user, "Bin"))
	require.NoError(t, store.CreateMailbox(ctx, user, "Junk Mail"))

	_, err := store.FindSpecialUse(ctx, user, imap.MailboxAttrTrash)
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)

	require.NoError(t, store.SetSpecialUse(ctx, user, "Bin", imap.MailboxAttrTrash))
	require.NoError(t, store.SetSpecialUse(ctx, user, "Bin", imap.MailboxAttrTrash))
	require.NoError(t, store.SetSpecialUse(ctx, user, "Junk Mail", imap.MailboxAttrJunk))

	uses, err := store.MailboxSpecialUse(ctx, user, "Bin")
	require.NoError(t, err)
	assert.Equal(t, []imap.MailboxAttr{imap.MailboxAttrTrash}, uses)

	name, err := store.FindSpecialUse(ctx, user, `\trash`)
	require.NoError(t, err)
	assert.Equal(t, "Bin", name)

	name, err = store.FindSpecialUse(ctx, user, imap.MailboxAttrJunk)
	require.NoError(t, err)
	assert.Equal(t, "Junk Mail", name)

	uses, err = store.MailboxSpecialUse(ctx, user, consts.MailboxInbox)
	require.NoError(t, err)
	assert.Empty(t, uses)

	_, err = store.MailboxSpecialUse(ctx, user, "Nope")
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
	assert.ErrorIs(t, store.SetSpecialUse(ctx, user, "Nope", imap.MailboxAttrSent), consts.ErrMailboxNotFound)
}

func TestMailStoreSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := NewMailStore(newMemObjects(), nil)
	require.NoError(t, store.Subscribe(ctx, user, "Lists/Go"))
	require.NoError(t, store.Subscribe(ctx, user, "Archive"))
	require.NoError(t, store.Subscribe(ctx, user, "Archive"))

	subs, err := store.Subscribed(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"Archive", "Lists/Go"}, subs)
}

func TestMailStoreMetadata(t *testing.T) {
	ctx := context.Background()
	store := NewMailStore(newMemObjects(), nil)
	require.NoError(t, store.SetMetadata(ctx, user, "", "/comment", "private server"))
	require.NoError(t, store.SetMetadata(ctx, "", consts.MailboxInbox, "/comment", "shared inbox"))

	tests := []struct {
		name    string
		user    string
		mailbox string
		want    string
		wantErr error
	}{
		{"private server entry", user, "", "private server", nil},
		{"shared mailbox entry", "", consts.MailboxInbox, "shared inbox", nil},
		{"private mailbox entry missing", user, consts.MailboxInbox, "", consts.ErrDBNotFound},
		{"shared server entry missing", "", "", "", consts.ErrDBNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Metadata(ctx, tt.user, tt.mailbox, "/comment")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncryption(t *testing.T) {
	s := &S3Storage{}
	assert.Error(t, s.EnableEncryption(""))
	assert.Error(t, s.EnableEncryption("not-hex"))
	assert.Error(t, s.EnableEncryption("abcd"))
	require.NoError(t, s.EnableEncryption(strings.Repeat("ab", 32)))
	assert.True(t, s.Encrypt)

	plain := []byte("Subject: secret\r\n\r\nbody\r\n")
	sealed, err := s.encryptData(plain)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "secret")

	again, err := s.encryptData(plain)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces differ")

	opened, err := s.decryptData(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.decryptData(sealed)
	assert.Error(t, err)

	_, err = s.decryptData([]byte("short"))
	assert.Error(t, err)
}

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("put: %w", context.Canceled), "canceled"},
		{errors.New("AccessDenied: no"), "access_denied"},
		{errors.New("NoSuchKey"), "not_found"},
		{errors.New("SlowDown please"), "throttled"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyS3Error(tt.err), "%v", tt.err)
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(config.S3Config{Bucket: "mail"})
	assert.Error(t, err)
}

// TestS3MailStore runs the mail store against a real bucket when
// SORA_SIEVE_TEST_S3_ENDPOINT is set.
func TestS3MailStore(t *testing.T) {
	endpoint := os.Getenv("SORA_SIEVE_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("SORA_SIEVE_TEST_S3_ENDPOINT not set")
	}
	s3, err := New(config.S3Config{
		Endpoint:   endpoint,
		DisableTLS: os.Getenv("SORA_SIEVE_TEST_S3_TLS") == "",
		AccessKey:  os.Getenv("SORA_SIEVE_TEST_S3_ACCESS_KEY"),
		SecretKey:  os.Getenv("SORA_SIEVE_TEST_S3_SECRET_KEY"),
		Bucket:     os.Getenv("SORA_SIEVE_TEST_S3_BUCKET"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	testUser := fmt.Sprintf("test-%d@example.com", time.Now().UnixNano())
	store := NewMailStore(s3, nil)

	require.NoError(t, store.CreateMailbox(ctx, testUser, "Archive"))
	require.NoError(t, store.SetSpecialUse(ctx, testUser, "Archive", imap.MailboxAttrArchive))
	name, err := store.FindSpecialUse(ctx, testUser, imap.MailboxAttrArchive)
	require.NoError(t, err)
	assert.Equal(t, "Archive", name)

	msg := "Subject: s3\r\n\r\nbody\r\n"
	require.NoError(t, store.Append(ctx, testUser, "Archive", strings.NewReader(msg), int64(len(msg)),
		delivery.AppendOptions{Flags: []imap.Flag{imap.FlagSeen}}))

	keys := messageKeys(t, s3, testUser, "Archive")
	require.Len(t, keys, 1)
	meta, err := s3.Stat(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, `\Seen`, meta[metaFlags])

	keys, err = s3.List(ctx, userRoot(testUser)+"/")
	require.NoError(t, err)
	for _, k := range keys {
		assert.NoError(t, s3.Delete(ctx, k))
	}
}
