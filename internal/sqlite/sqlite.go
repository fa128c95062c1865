// Package sqlite provides SQLite storage for page metadata, the sync log and
// page chunks.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vonshlovens/pagesync/internal/config"
	"github.com/vonshlovens/pagesync/internal/model"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// New opens or creates an SQLite database at the given path and brings the
// schema up to date.
func New(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; pragmas below are per connection.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("opened sqlite database", "path", path)
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Timestamps are stored as unix nanoseconds so ordering is exact.
func (db *DB) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS page_metadata (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		last_run_id TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sync_log (
		log_id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		attempt_id TEXT NOT NULL,
		page_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL CHECK (action IN ('CREATED', 'UPDATED', 'DELETED', 'SKIPPED', 'FAILED')),
		detail TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_log_run ON sync_log (run_id, log_id);
	CREATE INDEX IF NOT EXISTS idx_sync_log_page ON sync_log (page_id, ts DESC, log_id DESC);
	CREATE TRIGGER IF NOT EXISTS sync_log_no_update BEFORE UPDATE ON sync_log
	BEGIN
		SELECT RAISE(ABORT, 'sync_log is append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS sync_log_no_delete BEFORE DELETE ON sync_log
	BEGIN
		SELECT RAISE(ABORT, 'sync_log is append-only');
	END;
	CREATE TABLE IF NOT EXISTS page_chunks (
		page_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (page_id, chunk_index)
	);
	`
	_, err := db.conn.ExecContext(ctx, schema)
	return err
}

// GetStatus returns page, chunk and log counts plus the latest run.
func (db *DB) GetStatus(ctx context.Context) (*model.StoreStatus, error) {
	status := &model.StoreStatus{
		Connected: true,
		Backend:   config.DriverSQLite,
	}

	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END), 0)
		FROM page_metadata
	`).Scan(&status.LivePages, &status.DeletedPages)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}

	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM page_chunks").Scan(&status.Chunks); err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_log").Scan(&status.LogEntries); err != nil {
		return nil, fmt.Errorf("count log entries: %w", err)
	}

	var runID string
	var ts int64
	err = db.conn.QueryRowContext(ctx, "SELECT run_id, ts FROM sync_log ORDER BY log_id DESC LIMIT 1").Scan(&runID, &ts)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		slog.Warn("failed to get last sync time", "error", err)
	default:
		t := fromNanos(ts)
		status.LastRunID = runID
		status.LastSyncTime = &t
	}

	return status, nil
}

var timeNow = time.Now

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
