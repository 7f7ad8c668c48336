package compose

import (
	"bytes"
	"io"
	"time"
)

// DateLayout is the RFC 5322 date-time format used on generated mail.
const DateLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

// FormatDate renders t per DateLayout.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ComposedMessage is a generated message split the way its consumers need
// it: the header section (including any MIME preamble), the caller-supplied
// or embedded body, and the closing footer.
type ComposedMessage struct {
	Header []byte
	Body   []byte
	Footer []byte
}

// Len returns the total size in bytes.
func (m *ComposedMessage) Len() int {
	return len(m.Header) + len(m.Body) + len(m.Footer)
}

// Bytes returns the message as one buffer.
func (m *ComposedMessage) Bytes() []byte {
	out := make([]byte, 0, m.Len())
	out = append(out, m.Header...)
	out = append(out, m.Body...)
	return append(out, m.Footer...)
}

// WriteTo implements io.WriterTo.
func (m *ComposedMessage) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, part := range [][]byte{m.Header, m.Body, m.Footer} {
		n, err := w.Write(part)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Reader returns a reader over the whole message.
func (m *ComposedMessage) Reader() io.Reader {
	return io.MultiReader(bytes.NewReader(m.Header), bytes.NewReader(m.Body), bytes.NewReader(m.Footer))
}
