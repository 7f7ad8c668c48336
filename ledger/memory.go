package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/sora-sieve/pkg/metrics"
)

// Memory is an in-process ledger. It is not durable and is meant for tests
// and single-shot tools.
type Memory struct {
	mu      sync.Mutex
	records map[Key]time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[Key]time.Time)}
}

func (m *Memory) Check(_ context.Context, key Key) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.records[key]
	observe("memory", "check", nil)
	return expiry, ok, nil
}

func (m *Memory) Mark(_ context.Context, key Key, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = expiry
	observe("memory", "mark", nil)
	return nil
}

func (m *Memory) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, expiry := range m.records {
		if !expiry.IsZero() && expiry.Before(cutoff) {
			delete(m.records, k)
			n++
		}
	}
	metrics.LedgerPruned.WithLabelValues("memory").Add(float64(n))
	return n, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
