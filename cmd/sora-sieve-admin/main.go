package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/ledger"
	"github.com/migadu/sora-sieve/logger"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "migrate":
		err = handleMigrate(os.Args[2:])
	case "prune":
		err = handlePrune(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("sora-sieve-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`sora-sieve-admin: administration tool for sora-sieve

Usage:
  sora-sieve-admin <command> [options]

Commands:
  migrate    Manage the postgres ledger schema (up, down, version)
  prune      Delete expired ledger records
  version    Show version information
  help       Show this help message

Examples:
  sora-sieve-admin migrate up -config /etc/sora-sieve.toml
  sora-sieve-admin migrate version
  sora-sieve-admin prune -retention 24h

Use 'sora-sieve-admin <command> -help' for more information about a command.
`)
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Warning initializing logger: %v\n", err)
	}
	return cfg, nil
}

func handleMigrate(args []string) error {
	if len(args) < 1 {
		printMigrateUsage()
		return errors.New("missing migrate subcommand")
	}
	sub := args[0]

	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = printMigrateUsage
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Ledger.Driver != "postgres" {
		return fmt.Errorf("ledger driver %q does not use migrations", cfg.Ledger.Driver)
	}
	connString, err := cfg.Ledger.Postgres.ConnString()
	if err != nil {
		return err
	}

	ctx := context.Background()
	m, err := ledger.NewMigrator(ctx, connString)
	if err != nil {
		return err
	}
	defer m.Close()

	switch sub {
	case "up":
		if err := m.Up(ctx); err != nil {
			return err
		}
		fmt.Println("Ledger migrations applied.")
	case "down":
		if err := m.Down(ctx); err != nil {
			return err
		}
		fmt.Println("Rolled back one ledger migration.")
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("No ledger migrations applied.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read ledger schema version: %w", err)
		}
		fmt.Printf("Ledger schema version: %d (dirty: %t)\n", v, dirty)
	default:
		printMigrateUsage()
		return fmt.Errorf("unknown migrate subcommand %q", sub)
	}
	return nil
}

func printMigrateUsage() {
	fmt.Printf(`Manage the postgres ledger schema

Usage:
  sora-sieve-admin migrate <up|down|version> [options]

Options:
  -config string   Path to TOML configuration file (default: config.toml)
`)
}

func handlePrune(args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	retentionFlag := fs.Duration("retention", 0, "Keep records this long past expiry (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	retention := *retentionFlag
	if retention == 0 {
		if retention, err = cfg.Ledger.GetRetention(); err != nil {
			return fmt.Errorf("invalid ledger.retention: %w", err)
		}
	}

	ctx := context.Background()
	l, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer closeLedger(l)

	p, ok := l.(ledger.Pruner)
	if !ok {
		return fmt.Errorf("ledger driver %q does not support pruning", cfg.Ledger.Driver)
	}
	n, err := p.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		return fmt.Errorf("failed to prune ledger: %w", err)
	}
	fmt.Printf("Pruned %d expired ledger records.\n", n)
	return nil
}

func closeLedger(l ledger.Ledger) {
	switch c := l.(type) {
	case interface{ Close() error }:
		if err := c.Close(); err != nil {
			logger.Warn("ADMIN: failed to close ledger", "error", err)
		}
	case interface{ Close() }:
		c.Close()
	}
}
