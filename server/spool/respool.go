package spool

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
)

// Respool writes a new staged copy of src under dir: the current header
// cache, folded, followed by the original body bytes. Nothing is left
// behind when it fails.
func Respool(src *Snapshot, dir string) (*Snapshot, error) {
	s, err := respool(src, dir)
	if err != nil {
		metrics.Respools.WithLabelValues("failure").Inc()
		logger.Warn("SPOOL: respool failed", "msgid", src.MessageID, "error", err)
		return nil, err
	}
	metrics.Respools.WithLabelValues("success").Inc()
	return s, nil
}

func respool(src *Snapshot, dir string) (s *Snapshot, err error) {
	f, err := os.CreateTemp(dir, "sieve-respool-*.eml")
	if err != nil {
		return nil, fmt.Errorf("failed to create respool file: %w", err)
	}
	path := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	w := bufio.NewWriter(f)
	headerLen, err := src.Header.WriteTo(w)
	if err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}
	if _, err = w.WriteString("\r\n"); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}
	bodyLen, err := io.Copy(w, src.Body())
	if err != nil {
		return nil, fmt.Errorf("failed to copy body: %w", err)
	}
	if err = w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush respool file: %w", err)
	}

	bodyOffset := headerLen + 2
	return &Snapshot{
		Header:     src.Header.Clone(),
		MessageID:  src.MessageID,
		ReturnPath: src.ReturnPath,
		Date:       src.Date,
		Arrival:    src.Arrival,
		file:       f,
		path:       path,
		size:       bodyOffset + bodyLen,
		bodyOffset: bodyOffset,
		derived:    true,
	}, nil
}
