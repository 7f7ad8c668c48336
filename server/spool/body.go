package spool

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"
)

// BodyPart is one decoded leaf part of the message.
type BodyPart struct {
	ContentType string // lowercased media type
	Params      map[string]string
	Content     []byte
}

// Parts parses the body on first use and caches the decoded leaf parts
// until Close.
func (s *Snapshot) Parts() ([]BodyPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("snapshot is closed")
	}
	if s.parsed {
		return s.parts, nil
	}

	entity, err := message.Read(io.NewSectionReader(s.file, 0, s.size))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	parts, err := extractParts(entity)
	if err != nil {
		return nil, err
	}
	s.parts = parts
	s.parsed = true
	return parts, nil
}

func extractParts(entity *message.Entity) ([]BodyPart, error) {
	mediaType, params, err := entity.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return nil, fmt.Errorf("nil multipart reader for multipart content type")
		}
		var parts []BodyPart
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
				return nil, fmt.Errorf("error reading multipart: %w", err)
			}
			children, err := extractParts(part)
			if err != nil {
				return nil, err
			}
			parts = append(parts, children...)
		}
		return parts, nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading entity body: %w", err)
	}
	return []BodyPart{{ContentType: mediaType, Params: params, Content: content}}, nil
}

// PartsByType returns the parts whose media type matches one of types. An
// entry without a slash matches the whole top-level type ("text" matches
// "text/html"). No types selects every part.
func (s *Snapshot) PartsByType(types ...string) ([]BodyPart, error) {
	parts, err := s.Parts()
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return parts, nil
	}

	var out []BodyPart
	for _, p := range parts {
		for _, t := range types {
			t = strings.ToLower(strings.TrimSpace(t))
			if p.ContentType == t || (!strings.Contains(t, "/") && strings.HasPrefix(p.ContentType, t+"/")) {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

// PlainText returns the first text/plain part, falling back to the first
// text/html part converted to text.
func (s *Snapshot) PlainText() (string, error) {
	parts, err := s.Parts()
	if err != nil {
		return "", err
	}
	var html *BodyPart
	for i, p := range parts {
		switch p.ContentType {
		case "text/plain":
			return string(p.Content), nil
		case "text/html":
			if html == nil {
				html = &parts[i]
			}
		}
	}
	if html != nil {
		return html2text.HTML2Text(string(html.Content)), nil
	}
	return "", nil
}
