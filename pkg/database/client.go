// Package database provides the PostgreSQL connection pool and migration
// runner. The schema relies on the pgvector extension for cosine search
// and on GIN indexes for array-overlap and full-text predicates.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver used by the migration runner

	"github.com/mnemos-ai/mnemos/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the pgx connection pool used by all stores.
type Client struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying pgx pool for store construction.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// Close releases the connection pool.
func (c *Client) Close() { c.pool.Close() }

// NewClient connects to PostgreSQL, applies pending migrations, and
// returns a pooled client.
func NewClient(ctx context.Context, cfg *config.DatabaseConfig) (*Client, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, connString(cfg)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{pool: pool}, nil
}

// NewClientFromPool wraps an existing pool (useful for tests that manage
// their own container lifecycle).
func NewClientFromPool(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

func connString(cfg *config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
}

// poolConfig translates DatabaseConfig into pgx pool settings. The query
// timeout is applied as a server-side statement_timeout, so every query
// is bounded even under a long-lived caller context.
func poolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime.Std()
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime.Std()
	if qt := cfg.QueryTimeout.Std(); qt > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(qt.Milliseconds(), 10)
	}
	return poolCfg, nil
}

// Migrate applies all pending embedded migrations. The migration runner
// uses database/sql via the pgx stdlib driver; the connection is opened
// for the duration of the migration only.
//
// Migration workflow:
//  1. Add pkg/database/migrations/NNNN_name.{up,down}.sql
//  2. Files are embedded into the binary at compile time
//  3. Pending migrations apply automatically on startup
func Migrate(_ context.Context, dsn string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return errors.New("no embedded migration files found - binary may be built incorrectly")
	}

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "mnemos", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// m.Close closes both the source and the database connection.
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migration connection: %w", dbErr)
	}
	return nil
}

// Health checks database connectivity and returns status details for the
// health endpoint.
func Health(ctx context.Context, pool *pgxpool.Pool) (map[string]any, error) {
	start := time.Now()
	err := pool.Ping(ctx)
	status := map[string]any{
		"latency_ms":  time.Since(start).Milliseconds(),
		"total_conns": pool.Stat().TotalConns(),
		"idle_conns":  pool.Stat().IdleConns(),
	}
	if err != nil {
		status["status"] = "unreachable"
		return status, fmt.Errorf("database ping failed: %w", err)
	}
	status["status"] = "ok"
	return status, nil
}

// hasEmbeddedMigrations checks that the embedded FS contains .sql files.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
