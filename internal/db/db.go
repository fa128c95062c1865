package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/pagesync/internal/config"
	"github.com/vonshlovens/pagesync/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// DB wraps the database connection pool
type DB struct {
	Pool   *pgxpool.Pool
	config *config.DatabaseConfig
	Schema string
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Configure pool settings
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"schema", cfg.Schema)

	return &DB{
		Pool:   pool,
		config: cfg,
		Schema: cfg.Schema,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
		slog.Info("database connection closed")
	}
	return nil
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// EnsureSchema creates the schema if it doesn't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if db.Schema == "" {
		return nil
	}

	_, err := db.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", db.Schema))
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", db.Schema, err)
	}

	slog.Info("schema ready", "schema", db.Schema)
	return nil
}

// goose keeps its settings in package globals, so every entry point
// re-applies them before touching the database.
func (db *DB) openGoose() (*sql.DB, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set dialect: %w", err)
	}

	stdDB, err := sql.Open("pgx", db.config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open stdlib connection: %w", err)
	}

	// Schema-specific version table so several sources can share a database
	if db.Schema != "" {
		goose.SetTableName(db.Schema + ".goose_db_version")
	} else {
		goose.SetTableName("goose_db_version")
	}
	return stdDB, nil
}

// RunMigrations executes all pending database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	stdDB, err := db.openGoose()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	if err := goose.UpContext(ctx, stdDB, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully", "schema", db.Schema)
	return nil
}

// MigrationStatus logs the current migration status
func (db *DB) MigrationStatus(ctx context.Context) error {
	stdDB, err := db.openGoose()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	return goose.StatusContext(ctx, stdDB, migrationsDir)
}

// GetStatus returns page, chunk and log counts plus the latest run
func (db *DB) GetStatus(ctx context.Context) (*model.StoreStatus, error) {
	status := &model.StoreStatus{
		Connected: true,
		Backend:   config.DriverPostgres,
	}

	err := db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT deleted),
			COUNT(*) FILTER (WHERE deleted)
		FROM page_metadata
	`).Scan(&status.LivePages, &status.DeletedPages)
	if err != nil {
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}

	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM page_chunks").Scan(&status.Chunks); err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM sync_log").Scan(&status.LogEntries); err != nil {
		return nil, fmt.Errorf("failed to count log entries: %w", err)
	}

	// Latest run
	var lastRun *string
	var lastSync *time.Time
	err = db.Pool.QueryRow(ctx, `
		SELECT run_id, ts FROM sync_log ORDER BY log_id DESC LIMIT 1
	`).Scan(&lastRun, &lastSync)
	if err != nil && err != pgx.ErrNoRows {
		slog.Warn("failed to get last sync time", "error", err)
	}
	if lastRun != nil {
		status.LastRunID = *lastRun
	}
	status.LastSyncTime = lastSync

	return status, nil
}
