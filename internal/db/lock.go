package db

import (
	"context"
	"fmt"
	"log/slog"
)

// RunLock is a session-level advisory lock that keeps two processes from
// reconciling the same schema at once.
type RunLock struct {
	db  *DB
	key string
}

// RunLock returns the advisory lock for this database's schema
func (db *DB) RunLock() *RunLock {
	key := "pagesync"
	if db.Schema != "" {
		key += ":" + db.Schema
	}
	return &RunLock{db: db, key: key}
}

// TryLock takes the lock without waiting. The connection holding it stays
// checked out of the pool until release is called.
func (l *RunLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// the unlock must run even if the run's context was cancelled
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock(hashtext($1))", l.key); err != nil {
			slog.Warn("failed to release advisory lock", "key", l.key, "error", err)
		}
		conn.Release()
	}
	return release, true, nil
}
