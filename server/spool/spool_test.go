package spool

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMessage = "Return-Path: <bob@example.org>\r\n" +
	"Received: from mx.example.org\r\n\tby mx.example.com; Fri, 1 Mar 2024 10:00:00 +0000\r\n" +
	"From: Bob <bob@example.org>\r\n" +
	"To: alice@example.com\r\n" +
	"X-Spam-Flag: NO\r\n" +
	"X-SPAM-Score: 1.0\r\n" +
	"Subject: Hello\r\n" +
	"Message-ID: <abc@example.org>\r\n" +
	"Date: Fri, 1 Mar 2024 10:00:00 +0000\r\n" +
	"\r\n" +
	"Hello Alice,\r\n" +
	"X-Not-A-Header: body\r\n"

func stage(t *testing.T, dir, raw string) *Snapshot {
	t.Helper()
	rp := "bob@example.org"
	s, err := Stage(dir, strings.NewReader(raw), &rp, time.Unix(1709287200, 0))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestReadHeaderKeepsOriginalCase(t *testing.T) {
	h, err := ReadHeader(bufio.NewReader(strings.NewReader(sampleMessage)))
	require.NoError(t, err)

	fields := h.Fields()
	require.Len(t, fields, 9)
	assert.Equal(t, "X-SPAM-Score", fields[5].Name)
	assert.Equal(t, "Message-ID", fields[7].Name)
	assert.Equal(t, "from mx.example.org\tby mx.example.com; Fri, 1 Mar 2024 10:00:00 +0000", h.Get("received"))
	assert.Equal(t, "1.0", h.Get("x-spam-score"))
}

func TestHeaderEdits(t *testing.T) {
	h := &Header{}
	h.Append("X-Tag", "one")
	h.Append("Subject", "s")
	h.Append("X-Tag", "two")
	h.Append("X-Tag", "three")
	h.Add("X-First", "top")

	assert.Equal(t, "X-First", h.Fields()[0].Name)
	assert.Equal(t, []string{"one", "two", "three"}, h.Values("x-tag"))

	assert.True(t, h.DelInstance("X-Tag", -1))
	assert.Equal(t, []string{"one", "two"}, h.Values("X-Tag"))
	assert.True(t, h.DelInstance("x-tag", 1))
	assert.Equal(t, []string{"two"}, h.Values("X-Tag"))
	assert.False(t, h.DelInstance("X-Tag", 5))
	assert.False(t, h.DelInstance("X-Missing", 0))

	h.Del("X-TAG")
	assert.False(t, h.Has("X-Tag"))
	assert.Equal(t, 2, h.Len())

	c := h.Clone()
	c.Append("X-Clone", "1")
	assert.False(t, h.Has("X-Clone"))
}

func TestStage(t *testing.T) {
	dir := t.TempDir()
	s := stage(t, dir, sampleMessage)

	assert.Equal(t, "<abc@example.org>", s.MessageID)
	assert.Equal(t, "Fri, 1 Mar 2024 10:00:00 +0000", s.Date)
	assert.EqualValues(t, len(sampleMessage), s.Size())
	assert.False(t, s.Derived())

	body, err := io.ReadAll(s.Body())
	require.NoError(t, err)
	assert.Equal(t, "Hello Alice,\r\nX-Not-A-Header: body\r\n", string(body))

	all, err := io.ReadAll(s.Open())
	require.NoError(t, err)
	assert.Equal(t, sampleMessage, string(all))

	require.NoError(t, s.Close())
	assert.Empty(t, dirEntries(t, dir))
	assert.NoError(t, s.Close())
}

func TestStageHeaderOnly(t *testing.T) {
	s := stage(t, t.TempDir(), "Subject: no body\r\n")
	assert.Equal(t, "no body", s.Header.Get("Subject"))
	assert.Equal(t, s.Size(), s.BodyOffset())
}

func TestRespool(t *testing.T) {
	dir := t.TempDir()
	s := stage(t, dir, sampleMessage)

	s.Header.Add("X-Sieve-Added", "yes")
	s.Header.Del("X-Spam-Flag")

	r, err := Respool(s, dir)
	require.NoError(t, err)
	assert.True(t, r.Derived())
	assert.Equal(t, s.MessageID, r.MessageID)
	assert.Equal(t, "bob@example.org", *r.ReturnPath)

	all, err := io.ReadAll(r.Open())
	require.NoError(t, err)
	raw := string(all)
	assert.True(t, strings.HasPrefix(raw, "X-Sieve-Added: yes\r\nReturn-Path: <bob@example.org>\r\n"))
	assert.Contains(t, raw, "Received: from mx.example.org\r\n\tby mx.example.com;")
	assert.Contains(t, raw, "X-SPAM-Score: 1.0\r\n")
	assert.NotContains(t, raw, "X-Spam-Flag")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nHello Alice,\r\nX-Not-A-Header: body\r\n"))

	body, err := io.ReadAll(r.Body())
	require.NoError(t, err)
	assert.Equal(t, "Hello Alice,\r\nX-Not-A-Header: body\r\n", string(body))
	assert.EqualValues(t, len(raw), r.Size())

	original, err := io.ReadAll(s.Open())
	require.NoError(t, err)
	assert.Equal(t, sampleMessage, string(original), "original staged file is untouched")

	require.NoError(t, r.Close())
	_, err = os.Stat(r.Path())
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, dirEntries(t, dir), 1)
}

func TestRespoolFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	s := stage(t, dir, sampleMessage)

	_, err := Respool(s, filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.Len(t, dirEntries(t, dir), 1)
}

func TestPartsAndPlainText(t *testing.T) {
	raw := "From: bob@example.org\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"xx\"\r\n" +
		"\r\n" +
		"--xx\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>Hello <b>there</b></p>\r\n" +
		"--xx\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"JVBERi0=\r\n" +
		"--xx--\r\n"
	s := stage(t, t.TempDir(), raw)

	parts, err := s.Parts()
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "application/pdf", parts[1].ContentType)
	assert.Equal(t, "%PDF-", string(parts[1].Content))

	text, err := s.PartsByType("text")
	require.NoError(t, err)
	require.Len(t, text, 1)
	assert.Equal(t, "text/html", text[0].ContentType)

	plain, err := s.PlainText()
	require.NoError(t, err)
	assert.Contains(t, plain, "Hello there")

	require.NoError(t, s.Close())
	_, err = s.Parts()
	assert.Error(t, err)
}
