// Package ledger is the suppression ledger: a durable keyed store of
// "already acted" and "throttled until" facts shared by every delivery
// worker, possibly across processes.
//
// The engine only ever calls Check and Mark. Backends must make each call
// atomic on its own; no locking spans a Check and the following Mark, so two
// workers may both find no record and both act. That race is accepted.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
)

// Key identifies one ledger record.
type Key struct {
	ID        string
	Namespace string
	Date      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.ID, k.Namespace, k.Date)
}

// Ledger is the contract the engine depends on. A zero expiry marks a
// permanent record.
type Ledger interface {
	Check(ctx context.Context, key Key) (expiry time.Time, found bool, err error)
	Mark(ctx context.Context, key Key, expiry time.Time) error
}

// Pruner is implemented by backends that can drop expired records.
type Pruner interface {
	// Prune deletes non-permanent records whose expiry is before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Active reports whether a record with the given expiry is in force at now.
func Active(expiry, now time.Time) bool {
	return expiry.IsZero() || now.Before(expiry)
}

// SieveNamespace is the per-user ledger name.
func SieveNamespace(userID string) string {
	return consts.SieveLedgerPrefix + userID + consts.SieveLedgerSuffix
}

// RedirectKey guards a redirect of msgid to target; marked permanently.
func RedirectKey(msgID, target, userID string) Key {
	return Key{ID: msgID + "-" + target, Namespace: SieveNamespace(userID)}
}

// BounceKey is the loop-breaker recorded before an MDN is sent, kept in the
// ledger of the rejecting recipient address.
func BounceKey(syntheticID, rejectingAddress, date string) Key {
	return Key{ID: syntheticID, Namespace: SieveNamespace(rejectingAddress), Date: date}
}

// VacationKey throttles auto-replies carrying the same content hash.
func VacationKey(hexHash, userID string) Key {
	return Key{ID: hexHash, Namespace: SieveNamespace(userID)}
}

// DuplicateKey backs the script-level duplicate test.
func DuplicateKey(id, userID string) Key {
	return Key{ID: id, Namespace: SieveNamespace(userID)}
}

// DeliveryKey records a completed script run for msgid.
func DeliveryKey(msgID, userID, date string) Key {
	return Key{ID: msgID, Namespace: SieveNamespace(userID), Date: date}
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func observe(driver, op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.LedgerOperations.WithLabelValues(driver, op, result).Inc()
}

// Open constructs the backend selected by cfg.
func Open(ctx context.Context, cfg config.LedgerConfig) (Ledger, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite":
		return NewSQLite(cfg.Path)
	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("ledger.postgres is not configured")
		}
		return NewPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

// RunPruner prunes l every interval until ctx is done. Records are kept for
// retention past their expiry so consumers testing presence still see them.
func RunPruner(ctx context.Context, l Ledger, interval, retention time.Duration) {
	p, ok := l.(Pruner)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("LEDGER: prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("LEDGER: pruned expired records", "count", n)
			}
		}
	}
}
