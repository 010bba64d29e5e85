// Package db implements the durable stores of the automation engine on
// PostgreSQL: watch subscriptions with their history checkpoints, per-sender
// automation state, user rules, and daily classifier usage.
package db

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
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mailtriage/mailtriage/config"
	"github.com/mailtriage/mailtriage/consts"
	"github.com/mailtriage/mailtriage/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// ConnString builds a postgres connection URL from configuration.
func ConnString(cfg *config.DatabaseConfig) string {
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, sslMode)
}

type Database struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewDatabase opens a connection pool from configuration and applies any
// pending schema migrations.
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	connString := ConnString(cfg)

	logger.Info("DB: connecting to database", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name, "tls", cfg.TLSMode)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.LogQueries {
		poolCfg.ConnConfig.Tracer = &queryTracer{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		pool.Close()
		return nil, err
	}

	db := &Database{
		Pool:         pool,
		queryTimeout: queryTimeout,
	}

	if err := db.Migrate(ctx, connString); err != nil {
		pool.Close()
		return nil, err
	}

	return db, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate applies all pending upward migrations under an advisory lock so
// that concurrent instances do not race at startup. The migrate tooling uses
// its own database/sql connection; the pgx pool is untouched.
func (db *Database) Migrate(ctx context.Context, connString string) error {
	m, sqlDB, err := NewMigrator(ctx, connString)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var lockAcquired bool
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.QueryRowContext(lockCtx, "SELECT pg_try_advisory_lock($1)", consts.MailtriageAdvisoryLockID).Scan(&lockAcquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !lockAcquired {
		return fmt.Errorf("could not acquire exclusive database lock for migration; is another instance starting up?")
	}
	defer func() {
		var unlocked bool
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sqlDB.QueryRowContext(unlockCtx, "SELECT pg_advisory_unlock($1)", consts.MailtriageAdvisoryLockID).Scan(&unlocked); err != nil {
			logger.Warn("DB: failed to release advisory lock after migration", "error", err)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NewMigrator builds a migrate instance over the embedded migration files.
// Shared between startup auto-migration and the admin CLI. The caller owns
// closing the returned sql.DB.
func NewMigrator(ctx context.Context, connString string) (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, sqlDB, nil
}

// withTimeout bounds every query with the configured database timeout unless
// the caller's context already has an earlier deadline.
func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}
