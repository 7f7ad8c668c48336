package compose

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldField(t *testing.T) {
	word := "abcdefghi"
	words := func(n int) string {
		return strings.TrimSpace(strings.Repeat(word+" ", n))
	}

	tests := []struct {
		name  string
		field string
		value string
		want  string
	}{
		{
			name:  "short value stays on one line",
			field: "Subject",
			value: "hello world",
			want:  "Subject: hello world\r\n",
		},
		{
			name:  "value filling the first line exactly",
			field: "Subject",
			value: words(7),
			want:  "Subject: " + words(7) + "\r\n",
		},
		{
			name:  "double space is an existing fold point",
			field: "X-Test",
			value: "a  b",
			want:  "X-Test: a\r\n  b\r\n",
		},
		{
			name:  "tab is an existing fold point",
			field: "Received",
			value: "from a\tby b",
			want:  "Received: from a\r\n\tby b\r\n",
		},
		{
			name:  "long value breaks at last space within the limit",
			field: "Subject",
			value: words(10),
			want:  "Subject: " + words(7) + "\r\n " + words(3) + "\r\n",
		},
		{
			name:  "no spaces means no break",
			field: "X-Token",
			value: strings.Repeat("x", 120),
			want:  "X-Token: " + strings.Repeat("x", 120) + "\r\n",
		},
		{
			name:  "non-ASCII is Q-encoded",
			field: "Subject",
			value: "Grüße",
			want:  "Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FoldField(tt.field, tt.value))
		})
	}
}

func TestFoldFieldLineLength(t *testing.T) {
	value := strings.Repeat("lorem ipsum dolor ", 20)
	out := FoldField("Subject", value)
	for _, line := range strings.Split(strings.TrimSuffix(out, "\r\n"), "\r\n") {
		assert.LessOrEqual(t, len(line), MaxLineLength, line)
	}
	unfolded := strings.ReplaceAll(strings.TrimPrefix(out, "Subject: "), "\r\n", "")
	assert.Equal(t, value, unfolded)
}

func TestWriteField(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteField(&buf, "X-Spam", "yes"))
	assert.Equal(t, "X-Spam: yes\r\n", buf.String())
}

func TestRejectLines(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   []string
	}{
		{"single line", "Go away", []string{"550 5.7.1 Go away"}},
		{
			"multi line with blank segments",
			"first\r\nsecond\n\nthird",
			[]string{"550-5.7.1 first", "550-5.7.1 second", "550 5.7.1 third"},
		},
		{"empty", "", []string{"550 5.7.1 "}},
		{"non-ASCII is quoted-printable", "nein danke für", []string{"550 5.7.1 nein danke f=C3=BCr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := RejectLines(tt.reason)
			assert.Equal(t, tt.want, lines)
			for i, line := range lines {
				if i < len(lines)-1 {
					assert.True(t, strings.HasPrefix(line, "550-5.7.1 "))
				} else {
					assert.True(t, strings.HasPrefix(line, "550 5.7.1 "))
				}
			}
		})
	}

	assert.Equal(t, "second", StripRejectPrefix("550-5.7.1 second"))
	assert.Equal(t, "third", StripRejectPrefix("550 5.7.1 third"))
}

func TestRejection(t *testing.T) {
	original := "Return-Path: <bob@example.org>\r\nMessage-ID: <orig@example.org>\r\nSubject: hi\r\n\r\nbody\r\n"
	msg, err := Rejection(RejectionOptions{
		MessageID:         "<sieve-1@mx.example.com>",
		Date:              time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Boundary:          "42-abc/mx.example.com",
		Agent:             "Sora Sieve 1.0",
		Host:              "mx.example.com",
		ProductName:       "Sora Sieve",
		Postmaster:        "postmaster@example.com",
		To:                "bob@example.org",
		Reason:            "Ich möchte das nicht",
		OriginalRecipient: "alias@example.com",
		FinalRecipient:    "alice@example.com",
		OriginalMessageID: "<orig@example.org>",
		Original:          strings.NewReader(original),
	})
	require.NoError(t, err)

	raw := string(msg.Bytes())
	assert.Contains(t, raw, "Date: Fri, 01 Mar 2024 10:00:00 +0000\r\n")
	assert.Contains(t, raw, "Content-Type: multipart/report; report-type=disposition-notification;\r\n\tboundary=\"42-abc/mx.example.com\"\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n--42-abc/mx.example.com--\r\n"))

	entity, err := message.Read(bytes.NewReader(msg.Bytes()))
	require.NoError(t, err)
	mt, params, err := entity.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "multipart/report", mt)
	assert.Equal(t, "disposition-notification", params["report-type"])

	mr := entity.MultipartReader()
	require.NotNil(t, mr)

	var types []string
	var bodies []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ct, _, _ := part.Header.ContentType()
		types = append(types, ct)
		b, err := io.ReadAll(part.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(b))
	}

	require.Equal(t, []string{"text/plain", "message/disposition-notification", "message/rfc822"}, types)
	assert.Contains(t, bodies[0], "The following reason was given:\r\nIch möchte das nicht")
	assert.Contains(t, bodies[1], "Final-Recipient: rfc822; alice@example.com\r\n")
	assert.Contains(t, bodies[1], "Original-Recipient: rfc822; alias@example.com\r\n")
	assert.Contains(t, bodies[1], "Original-Message-ID: <orig@example.org>\r\n")
	assert.Contains(t, bodies[1], "Disposition: automatic-action/MDN-sent-automatically; deleted")
	assert.Contains(t, bodies[2], "Subject: hi")
}

func TestRejectionOmitsUnknownFields(t *testing.T) {
	msg, err := Rejection(RejectionOptions{Boundary: "b", FinalRecipient: "alice@example.com"})
	require.NoError(t, err)
	raw := string(msg.Bytes())
	assert.NotContains(t, raw, "Original-Recipient:")
	assert.NotContains(t, raw, "Original-Message-ID:")
}

func TestVacationPlain(t *testing.T) {
	msg := Vacation(VacationOptions{
		MessageID: "<sieve-2@mx.example.com>",
		Date:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Agent:     "Sora Sieve 1.0",
		From:      "alice@example.com",
		To:        "bob@example.org",
		Subject:   "Away\r\nBcc: evil@example.net",
		InReplyTo: "<orig@example.org>",
		Body:      "I am away.",
	})

	header := string(msg.Header)
	assert.Contains(t, header, "From: <alice@example.com>\r\n")
	assert.Contains(t, header, "To: <bob@example.org>\r\n")
	assert.Contains(t, header, "Subject: Away\r\n")
	assert.NotContains(t, header, "Bcc")
	assert.Contains(t, header, "In-Reply-To: <orig@example.org>\r\n")
	assert.Contains(t, header, "Auto-Submitted: auto-replied (vacation)\r\n")
	assert.True(t, strings.HasSuffix(header, "Content-Transfer-Encoding: 8bit\r\n\r\n"))
	assert.Equal(t, "I am away.", string(msg.Body))
	assert.Equal(t, "\r\n", string(msg.Footer))

	entity, err := message.Read(msg.Reader())
	require.NoError(t, err)
	assert.Equal(t, "Away", entity.Header.Get("Subject"))
}

func TestVacationMIME(t *testing.T) {
	msg := Vacation(VacationOptions{
		Boundary: "7-xyz/mx",
		From:     "Alice <alice@example.com>",
		To:       "bob@example.org",
		Subject:  "Abwesend für eine Woche",
		Body:     "Content-Type: text/plain\r\n\r\nback soon",
		MIME:     true,
	})

	header := string(msg.Header)
	assert.Contains(t, header, "From: Alice <alice@example.com>\r\n")
	assert.Contains(t, header, "Subject: =?utf-8?q?")
	assert.NotContains(t, header, "In-Reply-To")
	assert.Contains(t, header, "Content-Type: multipart/mixed;\r\n\tboundary=\"7-xyz/mx\"\r\n")
	assert.True(t, strings.HasSuffix(header, "\r\n--7-xyz/mx\r\n"))
	assert.Equal(t, "\r\n\r\n--7-xyz/mx--\r\n", string(msg.Footer))

	var buf bytes.Buffer
	n, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, msg.Len(), n)
	assert.Equal(t, msg.Bytes(), buf.Bytes())
}

func TestForward(t *testing.T) {
	src := "Return-Path: <bob@example.org>\r\n" +
		"Received: from a\r\n\tby b\r\n" +
		"return-path:\r\n <folded@example.org>\r\n" +
		"Subject: test\r\n" +
		"\r\n" +
		"Return-Path: stays in body\r\n" +
		" indented body line\r\n"

	var buf bytes.Buffer
	n, err := Forward(&buf, strings.NewReader(src))
	require.NoError(t, err)

	want := "Received: from a\r\n\tby b\r\n" +
		"Subject: test\r\n" +
		"\r\n" +
		"Return-Path: stays in body\r\n" +
		" indented body line\r\n"
	assert.Equal(t, want, buf.String())
	assert.EqualValues(t, len(want), n)
}

func TestForwardHeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	_, err := Forward(&buf, strings.NewReader("Return-Path: <a@b>\r\nSubject: x"))
	require.NoError(t, err)
	assert.Equal(t, "Subject: x", buf.String())
}
