package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vonshlovens/pagesync/internal/model"
)

// MetadataStore keeps per-page metadata in page_metadata
type MetadataStore struct {
	db *DB
}

// LogStore appends to the sync_log table
type LogStore struct {
	db *DB
}

// Metadata returns the metadata store backed by db
func (db *DB) Metadata() *MetadataStore {
	return &MetadataStore{db: db}
}

// Log returns the sync log store backed by db
func (db *DB) Log() *LogStore {
	return &LogStore{db: db}
}

// GetAll returns every non-deleted record keyed by id
func (s *MetadataStore) GetAll(ctx context.Context) (map[string]model.MetadataRecord, error) {
	return s.query(ctx, `
		SELECT id, fingerprint, title, last_run_id, deleted, updated_at
		FROM page_metadata WHERE NOT deleted
	`)
}

// GetAllIncludingDeleted returns every record, tombstones included
func (s *MetadataStore) GetAllIncludingDeleted(ctx context.Context) (map[string]model.MetadataRecord, error) {
	return s.query(ctx, `
		SELECT id, fingerprint, title, last_run_id, deleted, updated_at
		FROM page_metadata
	`)
}

func (s *MetadataStore) query(ctx context.Context, q string) (map[string]model.MetadataRecord, error) {
	rows, err := s.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[string]model.MetadataRecord)
	for rows.Next() {
		var rec model.MetadataRecord
		if err := rows.Scan(&rec.ID, &rec.Fingerprint, &rec.Title, &rec.LastRunID, &rec.Deleted, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records[rec.ID] = rec
	}

	return records, rows.Err()
}

// Get retrieves a record by id, or nil if it was never stored
func (s *MetadataStore) Get(ctx context.Context, id string) (*model.MetadataRecord, error) {
	rec := &model.MetadataRecord{}

	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, fingerprint, title, last_run_id, deleted, updated_at
		FROM page_metadata WHERE id = $1
	`, id).Scan(&rec.ID, &rec.Fingerprint, &rec.Title, &rec.LastRunID, &rec.Deleted, &rec.UpdatedAt)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Upsert inserts or replaces a record and clears any tombstone
func (s *MetadataStore) Upsert(ctx context.Context, rec model.MetadataRecord) error {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO page_metadata (id, fingerprint, title, last_run_id, deleted, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (id) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			title = EXCLUDED.title,
			last_run_id = EXCLUDED.last_run_id,
			deleted = FALSE,
			updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.Fingerprint, rec.Title, rec.LastRunID, updatedAt)

	return err
}

// MarkDeleted tombstones a record. Unknown ids are ignored.
func (s *MetadataStore) MarkDeleted(ctx context.Context, id, runID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE page_metadata
		SET deleted = TRUE, last_run_id = $2, updated_at = $3
		WHERE id = $1
	`, id, runID, at)
	return err
}

// Append inserts an entry and returns it with its assigned log id
func (s *LogStore) Append(ctx context.Context, entry model.LogEntry) (model.LogEntry, error) {
	if !entry.Action.Valid() {
		return model.LogEntry{}, fmt.Errorf("invalid action %q", entry.Action)
	}
	// an empty attempt id is stored as NULL
	var attemptID *uuid.UUID
	if entry.AttemptID != "" {
		id, err := uuid.Parse(entry.AttemptID)
		if err != nil {
			return model.LogEntry{}, fmt.Errorf("invalid attempt id %q: %w", entry.AttemptID, err)
		}
		attemptID = &id
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO sync_log (run_id, attempt_id, page_id, title, action, detail, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING log_id
	`,
		entry.RunID, attemptID, entry.PageID, entry.Title,
		string(entry.Action), entry.Detail, entry.Timestamp,
	).Scan(&entry.LogID)
	if err != nil {
		return model.LogEntry{}, err
	}

	return entry, nil
}

// QueryByRun returns the entries of runID in insertion order
func (s *LogStore) QueryByRun(ctx context.Context, runID string) ([]model.LogEntry, error) {
	return s.query(ctx, `
		SELECT log_id, run_id, COALESCE(attempt_id::text, ''), page_id, title, action, detail, ts
		FROM sync_log WHERE run_id = $1
		ORDER BY log_id
	`, runID)
}

// QueryByPage returns the entries of pageID, most recent first
func (s *LogStore) QueryByPage(ctx context.Context, pageID string) ([]model.LogEntry, error) {
	return s.query(ctx, `
		SELECT log_id, run_id, COALESCE(attempt_id::text, ''), page_id, title, action, detail, ts
		FROM sync_log WHERE page_id = $1
		ORDER BY ts DESC, log_id DESC
	`, pageID)
}

func (s *LogStore) query(ctx context.Context, q string, arg string) ([]model.LogEntry, error) {
	rows, err := s.db.Pool.Query(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.LogEntry{}
	for rows.Next() {
		var e model.LogEntry
		var action string
		if err := rows.Scan(&e.LogID, &e.RunID, &e.AttemptID, &e.PageID, &e.Title, &action, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Action = model.Action(action)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
