package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golang-migrate/migrate/v4"

	"github.com/mailtriage/mailtriage/config"
	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/db"
	"github.com/mailtriage/mailtriage/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

This command should be run while the main 'mailtriage' server is stopped to
prevent schema conflicts. It uses a database lock to ensure safety.

Usage:
  mailtriage-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  mailtriage-admin migrate up
  mailtriage-admin migrate down --limit 2
  mailtriage-admin migrate down --all
  mailtriage-admin migrate version
  mailtriage-admin migrate force 1

Use 'mailtriage-admin migrate <subcommand> --help' for detailed help.
`)
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: mailtriage-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	m, sqlDB, err := getMigrateInstance(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	// Release with a background context so cleanup runs even if the primary
	// context was cancelled.
	defer releaseExclusiveLock(context.Background(), sqlDB)

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: mailtriage-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	m, sqlDB, err := getMigrateInstance(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer releaseExclusiveLock(context.Background(), sqlDB)

	if *all {
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				logger.Info("No migrations to revert.")
				showVersion(m)
				return
			}
			logger.Fatalf("Failed to get current migration version: %v", err)
		}
		if dirty {
			logger.Fatalf("Database is in a dirty state (version %d). Please fix manually with 'force' command.", version)
		}

		logger.Infof("Reverting all %d migration(s)...", version)
		if err := m.Steps(-int(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatalf("Failed to revert all migrations: %v", err)
		}
	} else {
		logger.Infof("Reverting %d migration(s)...", *limit)
		if err := m.Steps(-(*limit)); err != nil {
			logger.Fatalf("Failed to revert migrations: %v", err)
		}
	}
	logger.Info("Migrations reverted successfully.")
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: mailtriage-admin migrate version [--config config.toml]")
		fmt.Println("Shows the current migration version and dirty state.")
	}
	fs.Parse(os.Args[3:])

	m, sqlDB, err := getMigrateInstance(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: mailtriage-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	m, sqlDB, err := getMigrateInstance(ctx, *configPath)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer releaseExclusiveLock(context.Background(), sqlDB)

	logger.Infof("Forcing database version to %d...", version)
	if err := m.Force(version); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	logger.Info("Version forced successfully.")
	showVersion(m)
}

func getMigrateInstance(ctx context.Context, configPath string) (*migrate.Migrate, *sql.DB, error) {
	cfg := config.NewDefault()
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			logger.Infof("WARNING: configuration file '%s' not found. Using defaults.", configPath)
		} else {
			return nil, nil, fmt.Errorf("error parsing configuration file '%s': %w", configPath, err)
		}
	}

	return db.NewMigrator(ctx, db.ConnString(&cfg.Database))
}

func acquireExclusiveLock(ctx context.Context, sqlDB *sql.DB) error {
	var lockAcquired bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.MailtriageAdvisoryLockID).Scan(&lockAcquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}

	if !lockAcquired {
		return fmt.Errorf("could not acquire exclusive database lock. Is a mailtriage server instance already running?")
	}

	logger.Info("Acquired exclusive database lock for migration.")
	return nil
}

func releaseExclusiveLock(ctx context.Context, sqlDB *sql.DB) {
	var unlocked bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.MailtriageAdvisoryLockID).Scan(&unlocked)
	if err != nil {
		logger.Infof("WARN: failed to release advisory lock after migration: %v", err)
	} else if unlocked {
		logger.Info("Released exclusive database lock.")
	} else {
		logger.Infof("WARN: pg_advisory_unlock reported lock was not held at time of release.")
	}
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("Current migration version: none")
			return
		}
		logger.Infof("Failed to get migration version: %v", err)
		return
	}

	logger.Infof("Current migration version: %d", version)
	if dirty {
		logger.Info("Dirty state: YES (Database may be in an inconsistent state. Use 'force' to fix.)")
	} else {
		logger.Info("Dirty state: no")
	}
}
