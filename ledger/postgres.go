package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/helpers"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
)

// Postgres is the ledger shared by delivery workers on several hosts.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres migrates the schema and opens a connection pool.
func NewPostgres(ctx context.Context, endpoint *config.DatabaseEndpointConfig) (*Postgres, error) {
	connString, err := endpoint.ConnString()
	if err != nil {
		return nil, err
	}

	m, err := NewMigrator(ctx, connString)
	if err != nil {
		return nil, err
	}
	migrateErr := m.Up(ctx)
	if err := m.Close(); err != nil {
		logger.Warn("LEDGER: failed to close migrator", "error", err)
	}
	if migrateErr != nil {
		return nil, migrateErr
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}
	if d, err := endpoint.GetMaxConnLifetime(); err == nil {
		poolConfig.MaxConnLifetime = d
	}
	if d, err := endpoint.GetMaxConnIdleTime(); err == nil {
		poolConfig.MaxConnIdleTime = d
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Check(ctx context.Context, key Key) (time.Time, bool, error) {
	var expiry int64
	err := p.pool.QueryRow(ctx,
		`SELECT expiry FROM sieve_ledger WHERE id = $1 AND namespace = $2 AND date = $3`,
		helpers.SanitizeUTF8(key.ID), helpers.SanitizeUTF8(key.Namespace), helpers.SanitizeUTF8(key.Date),
	).Scan(&expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		observe("postgres", "check", nil)
		return time.Time{}, false, nil
	}
	observe("postgres", "check", err)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger check %s: %w", key, err)
	}
	return fromUnix(expiry), true, nil
}

func (p *Postgres) Mark(ctx context.Context, key Key, expiry time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sieve_ledger (id, namespace, date, expiry, marked_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id, namespace, date) DO UPDATE SET
			expiry = EXCLUDED.expiry,
			marked_at = EXCLUDED.marked_at`,
		helpers.SanitizeUTF8(key.ID), helpers.SanitizeUTF8(key.Namespace), helpers.SanitizeUTF8(key.Date),
		toUnix(expiry))
	observe("postgres", "mark", err)
	if err != nil {
		return fmt.Errorf("ledger mark %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM sieve_ledger WHERE expiry <> 0 AND expiry < $1`, cutoff.Unix())
	observe("postgres", "prune", err)
	if err != nil {
		return 0, err
	}
	metrics.LedgerPruned.WithLabelValues("postgres").Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
