package srs

import (
	"strings"
	"testing"
	"time"

	"github.com/migadu/sora-sieve/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRewriter(t *testing.T, now time.Time) *Rewriter {
	t.Helper()
	r, err := New(config.SRSConfig{Domain: "Forward.Example.com", Secrets: []string{"new", "old"}})
	require.NoError(t, err)
	require.NotNil(t, r)
	return r.WithClock(func() time.Time { return now })
}

func TestNewUnconfigured(t *testing.T) {
	r, err := New(config.SRSConfig{Domain: "example.com"})
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestForwardReverse(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRewriter(t, now)

	fwd, err := r.Forward("<bob@Example.org>")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fwd, "SRS0="), fwd)
	assert.True(t, strings.HasSuffix(fwd, "=example.org=bob@forward.example.com"), fwd)

	back, err := r.Reverse(fwd)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.org", back)

	back, err = r.Reverse(strings.ToLower(fwd))
	require.NoError(t, err, "hash check is case-insensitive")
	assert.Equal(t, "bob@example.org", back)
}

func TestForwardNullAndLocal(t *testing.T) {
	r := newRewriter(t, time.Now())

	out, err := r.Forward("<>")
	require.NoError(t, err)
	assert.Equal(t, "", out)

	out, err = r.Forward("alice@forward.example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@forward.example.com", out)

	r.alwaysRewrite = true
	out, err = r.Forward("alice@forward.example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "SRS0="))
}

func TestSRS1(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := newRewriter(t, now)

	srs0, err := first.Forward("bob@example.org")
	require.NoError(t, err)

	second, err := New(config.SRSConfig{Domain: "second.example.net", Secrets: []string{"other"}})
	require.NoError(t, err)
	second.WithClock(func() time.Time { return now })

	srs1, err := second.Forward(srs0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(srs1, "SRS1="), srs1)
	assert.Contains(t, srs1, "=forward.example.com==")

	again, err := second.Forward(srs1)
	require.NoError(t, err)
	assert.Contains(t, again, "=forward.example.com==")

	back, err := second.Reverse(srs1)
	require.NoError(t, err)
	assert.Equal(t, srs0, back)
}

func TestReverseFailures(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRewriter(t, now)
	fwd, err := r.Forward("bob@example.org")
	require.NoError(t, err)

	_, err = r.Reverse("bob@example.org")
	assert.ErrorIs(t, err, ErrNotSRS)

	tampered := strings.Replace(fwd, "=bob@", "=eve@", 1)
	_, err = r.Reverse(tampered)
	assert.ErrorIs(t, err, ErrBadHash)

	_, err = r.Reverse("SRS0=abcd@forward.example.com")
	assert.ErrorIs(t, err, ErrBadEncoding)

	r.WithClock(func() time.Time { return now.Add(30 * 24 * time.Hour) })
	_, err = r.Reverse(fwd)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestReverseAcceptsOldSecret(t *testing.T) {
	now := time.Now()
	old, err := New(config.SRSConfig{Domain: "forward.example.com", Secrets: []string{"old"}})
	require.NoError(t, err)
	old.WithClock(func() time.Time { return now })
	fwd, err := old.Forward("bob@example.org")
	require.NoError(t, err)

	r := newRewriter(t, now)
	back, err := r.Reverse(fwd)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.org", back)
}
