package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/migadu/sora-sieve/helpers"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS suppression_ledger (
	id        TEXT    NOT NULL,
	namespace TEXT    NOT NULL,
	date      TEXT    NOT NULL,
	expiry    INTEGER NOT NULL,
	marked_at INTEGER NOT NULL,
	PRIMARY KEY (id, namespace, date)
);
CREATE INDEX IF NOT EXISTS idx_suppression_ledger_expiry ON suppression_ledger(expiry);
`

// SQLite is a single-host durable ledger.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite ledger path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger DB: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("LEDGER: failed to enable WAL journal mode", "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("LEDGER: failed to set busy timeout", "error", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger DB ping failed: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Check(ctx context.Context, key Key) (time.Time, bool, error) {
	var expiry int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expiry FROM suppression_ledger WHERE id = ? AND namespace = ? AND date = ?`,
		helpers.SanitizeUTF8(key.ID), helpers.SanitizeUTF8(key.Namespace), helpers.SanitizeUTF8(key.Date),
	).Scan(&expiry)
	if errors.Is(err, sql.ErrNoRows) {
		observe("sqlite", "check", nil)
		return time.Time{}, false, nil
	}
	observe("sqlite", "check", err)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger check %s: %w", key, err)
	}
	return fromUnix(expiry), true, nil
}

func (s *SQLite) Mark(ctx context.Context, key Key, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppression_ledger (id, namespace, date, expiry, marked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id, namespace, date) DO UPDATE SET
			expiry = excluded.expiry,
			marked_at = excluded.marked_at`,
		helpers.SanitizeUTF8(key.ID), helpers.SanitizeUTF8(key.Namespace), helpers.SanitizeUTF8(key.Date),
		toUnix(expiry), time.Now().Unix())
	observe("sqlite", "mark", err)
	if err != nil {
		return fmt.Errorf("ledger mark %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM suppression_ledger WHERE expiry != 0 AND expiry < ?`, cutoff.Unix())
	observe("sqlite", "prune", err)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	metrics.LedgerPruned.WithLabelValues("sqlite").Add(float64(n))
	return n, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
