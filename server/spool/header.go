package spool

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/migadu/sora-sieve/server/compose"
)

// Field is one header field. Name keeps the case it arrived with; Value has
// line breaks removed but keeps folding whitespace.
type Field struct {
	Name  string
	Value string
}

// Header is the ordered, editable header cache of a message. Lookups are
// case-insensitive.
type Header struct {
	fields []Field
}

// ReadHeader parses a header section. go-message canonicalises keys, so the
// original names are recovered from each field's raw bytes.
func ReadHeader(r *bufio.Reader) (*Header, error) {
	th, err := textproto.ReadHeader(r)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	h := &Header{fields: make([]Field, 0, th.Len())}
	fields := th.Fields()
	for fields.Next() {
		raw, err := fields.Raw()
		if err != nil {
			return nil, fmt.Errorf("failed to read header field %q: %w", fields.Key(), err)
		}
		h.fields = append(h.fields, splitRawField(fields.Key(), raw))
	}
	return h, nil
}

func splitRawField(key string, raw []byte) Field {
	colon := bytes.IndexByte(raw, ':')
	if colon < 0 {
		return Field{Name: key}
	}
	name := string(bytes.TrimRight(raw[:colon], " \t"))
	value := string(raw[colon+1:])
	value = strings.NewReplacer("\r\n", "", "\r", "", "\n", "").Replace(value)
	return Field{Name: name, Value: strings.TrimLeft(value, " \t")}
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// Fields returns a copy of the fields in order.
func (h *Header) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

// Get returns the first value of name, or "".
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether at least one name field exists.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value of name, top to bottom.
func (h *Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Add inserts a field at the top of the header.
func (h *Header) Add(name, value string) {
	h.fields = append([]Field{{Name: name, Value: value}}, h.fields...)
}

// Append inserts a field at the bottom of the header.
func (h *Header) Append(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Del removes every instance of name.
func (h *Header) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// DelInstance removes one instance of name. A positive index counts from
// the top (1 is the first occurrence), a negative one from the bottom; 0
// removes all instances. It reports whether anything was removed.
func (h *Header) DelInstance(name string, index int) bool {
	if index == 0 {
		before := len(h.fields)
		h.Del(name)
		return len(h.fields) != before
	}

	var positions []int
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			positions = append(positions, i)
		}
	}

	var pos int
	switch {
	case index > 0 && index <= len(positions):
		pos = positions[index-1]
	case index < 0 && -index <= len(positions):
		pos = positions[len(positions)+index]
	default:
		return false
	}
	h.fields = append(h.fields[:pos], h.fields[pos+1:]...)
	return true
}

// Clone returns an independent copy.
func (h *Header) Clone() *Header {
	return &Header{fields: h.Fields()}
}

// WriteTo serialises every field with compose folding. The blank separator
// line is not written.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, f := range h.fields {
		n, err := io.WriteString(w, compose.FoldField(f.Name, f.Value))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
