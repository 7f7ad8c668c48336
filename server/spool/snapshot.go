// Package spool stages inbound messages on disk and produces respooled
// copies after header edits.
package spool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/migadu/sora-sieve/logger"
)

// Snapshot is a staged message: the editable header cache over an
// immutable file. Actions read through Open and Body; header edits only
// touch Header and become visible on disk through Respool.
type Snapshot struct {
	Header *Header

	MessageID  string  // as found in the header, brackets included
	ReturnPath *string // nil when unknown, "" for the null sender
	Date       string  // raw Date header value
	Arrival    time.Time

	file       *os.File
	path       string
	size       int64
	bodyOffset int64
	derived    bool

	mu     sync.Mutex
	parts  []BodyPart
	parsed bool
	closed bool
}

// Stage copies r into a new file under dir and parses its header section.
func Stage(dir string, r io.Reader, returnPath *string, arrival time.Time) (*Snapshot, error) {
	f, err := os.CreateTemp(dir, "sieve-*.eml")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	path := f.Name()

	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to stage message: %w", err)
	}

	s, err := newSnapshot(f, path, size)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	s.ReturnPath = returnPath
	s.Arrival = arrival
	return s, nil
}

func newSnapshot(f *os.File, path string, size int64) (*Snapshot, error) {
	bodyOffset, err := findBodyOffset(io.NewSectionReader(f, 0, size))
	if err != nil {
		return nil, fmt.Errorf("failed to scan header section: %w", err)
	}

	header, err := ReadHeader(bufio.NewReader(io.NewSectionReader(f, 0, bodyOffset)))
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Header:     header,
		MessageID:  strings.TrimSpace(header.Get("Message-ID")),
		Date:       strings.TrimSpace(header.Get("Date")),
		file:       f,
		path:       path,
		size:       size,
		bodyOffset: bodyOffset,
	}, nil
}

// findBodyOffset returns the offset just past the blank line ending the
// header section, or the size when there is none.
func findBodyOffset(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	var offset int64
	for {
		line, err := br.ReadString('\n')
		offset += int64(len(line))
		if line == "\r\n" || line == "\n" {
			return offset, nil
		}
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// Size returns the message size in bytes.
func (s *Snapshot) Size() int64 { return s.size }

// BodyOffset returns where the body starts in the staged file.
func (s *Snapshot) BodyOffset() int64 { return s.bodyOffset }

// Path returns the staged file path.
func (s *Snapshot) Path() string { return s.path }

// Derived reports whether s is a respooled copy.
func (s *Snapshot) Derived() bool { return s.derived }

// Open returns a fresh reader over the whole staged message.
func (s *Snapshot) Open() io.ReadSeeker {
	return io.NewSectionReader(s.file, 0, s.size)
}

// Body returns a reader over the body section.
func (s *Snapshot) Body() *io.SectionReader {
	return io.NewSectionReader(s.file, s.bodyOffset, s.size-s.bodyOffset)
}

// ReadAt reads from the staged message.
func (s *Snapshot) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Close releases the staged file and any parsed body. It is safe to call
// more than once.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.parts = nil
	s.parsed = false

	err := s.file.Close()
	if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		logger.Warn("SPOOL: failed to remove staging file", "path", s.path, "error", rerr)
		if err == nil {
			err = rerr
		}
	}
	return err
}
