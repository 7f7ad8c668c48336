package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrator wraps a golang-migrate instance bound to the ledger schema.
type Migrator struct {
	*migrate.Migrate
	db *sql.DB
}

// NewMigrator opens connString through database/sql and binds the embedded migrations.
func NewMigrator(ctx context.Context, connString string) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	source, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	driver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{MigrationsTable: "sieve_ledger_migrations"})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrationLogger{}
	return &Migrator{Migrate: m, db: sqlDB}, nil
}

// Lock takes the ledger advisory lock so concurrent starters do not race.
func (m *Migrator) Lock(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := m.db.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.LedgerAdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return errors.New("could not acquire ledger migration lock; another migration is running")
	}
	return nil
}

func (m *Migrator) Unlock(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var unlocked bool
	if err := m.db.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.LedgerAdvisoryLockID).Scan(&unlocked); err != nil {
		logger.Warn("LEDGER: failed to release migration lock", "error", err)
	}
}

// Up applies all pending migrations; ErrNoChange is not an error.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock(context.Background())

	if err := m.Migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply ledger migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock(context.Background())

	if err := m.Migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back ledger migration: %w", err)
	}
	return nil
}

func (m *Migrator) Close() error {
	srcErr, dbErr := m.Migrate.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	logger.Infof("LEDGER MIGRATE: "+format, v...)
}

func (migrationLogger) Verbose() bool {
	return false
}
