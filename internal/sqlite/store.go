package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vonshlovens/pagesync/internal/model"
)

// MetadataStore keeps per-page metadata in page_metadata.
type MetadataStore struct {
	db *DB
}

// LogStore appends to the sync_log table.
type LogStore struct {
	db *DB
}

// ChunkStore holds page chunks.
type ChunkStore struct {
	db *DB
}

func (db *DB) Metadata() *MetadataStore { return &MetadataStore{db: db} }
func (db *DB) Log() *LogStore           { return &LogStore{db: db} }
func (db *DB) Chunks() *ChunkStore      { return &ChunkStore{db: db} }

// --- Metadata ---

const metadataColumns = "id, fingerprint, title, last_run_id, deleted, updated_at"

func (s *MetadataStore) GetAll(ctx context.Context) (map[string]model.MetadataRecord, error) {
	return s.query(ctx, "SELECT "+metadataColumns+" FROM page_metadata WHERE deleted = 0")
}

func (s *MetadataStore) GetAllIncludingDeleted(ctx context.Context) (map[string]model.MetadataRecord, error) {
	return s.query(ctx, "SELECT "+metadataColumns+" FROM page_metadata")
}

func (s *MetadataStore) query(ctx context.Context, q string) (map[string]model.MetadataRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[string]model.MetadataRecord)
	for rows.Next() {
		rec, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		records[rec.ID] = rec
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row scanner) (model.MetadataRecord, error) {
	var rec model.MetadataRecord
	var deleted int
	var updated int64
	if err := row.Scan(&rec.ID, &rec.Fingerprint, &rec.Title, &rec.LastRunID, &deleted, &updated); err != nil {
		return rec, err
	}
	rec.Deleted = deleted != 0
	rec.UpdatedAt = fromNanos(updated)
	return rec, nil
}

// Get returns the record for id, or nil if it was never stored.
func (s *MetadataStore) Get(ctx context.Context, id string) (*model.MetadataRecord, error) {
	row := s.db.conn.QueryRowContext(ctx, "SELECT "+metadataColumns+" FROM page_metadata WHERE id = ?", id)
	rec, err := scanMetadata(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert inserts or replaces a record and clears any tombstone.
func (s *MetadataStore) Upsert(ctx context.Context, rec model.MetadataRecord) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO page_metadata (id, fingerprint, title, last_run_id, deleted, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			title = excluded.title,
			last_run_id = excluded.last_run_id,
			deleted = 0,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Fingerprint, rec.Title, rec.LastRunID, toNanos(rec.UpdatedAt))
	return err
}

// MarkDeleted tombstones a record. Unknown ids are ignored.
func (s *MetadataStore) MarkDeleted(ctx context.Context, id, runID string, at time.Time) error {
	if at.IsZero() {
		at = timeNow()
	}
	_, err := s.db.conn.ExecContext(ctx,
		"UPDATE page_metadata SET deleted = 1, last_run_id = ?, updated_at = ? WHERE id = ?",
		runID, toNanos(at), id)
	return err
}

// --- Log ---

// Append inserts an entry and returns it with its assigned log id.
func (s *LogStore) Append(ctx context.Context, entry model.LogEntry) (model.LogEntry, error) {
	if !entry.Action.Valid() {
		return model.LogEntry{}, fmt.Errorf("invalid action %q", entry.Action)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = timeNow()
	}

	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO sync_log (run_id, attempt_id, page_id, title, action, detail, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.RunID, entry.AttemptID, entry.PageID, entry.Title, string(entry.Action), entry.Detail, toNanos(entry.Timestamp))
	if err != nil {
		return model.LogEntry{}, err
	}
	if entry.LogID, err = res.LastInsertId(); err != nil {
		return model.LogEntry{}, err
	}
	return entry, nil
}

const logColumns = "log_id, run_id, attempt_id, page_id, title, action, detail, ts"

// QueryByRun returns the entries of runID in insertion order.
func (s *LogStore) QueryByRun(ctx context.Context, runID string) ([]model.LogEntry, error) {
	return s.query(ctx, "SELECT "+logColumns+" FROM sync_log WHERE run_id = ? ORDER BY log_id", runID)
}

// QueryByPage returns the entries of pageID, most recent first.
func (s *LogStore) QueryByPage(ctx context.Context, pageID string) ([]model.LogEntry, error) {
	return s.query(ctx, "SELECT "+logColumns+" FROM sync_log WHERE page_id = ? ORDER BY ts DESC, log_id DESC", pageID)
}

func (s *LogStore) query(ctx context.Context, q, arg string) ([]model.LogEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.LogEntry{}
	for rows.Next() {
		var e model.LogEntry
		var action string
		var ts int64
		if err := rows.Scan(&e.LogID, &e.RunID, &e.AttemptID, &e.PageID, &e.Title, &action, &e.Detail, &ts); err != nil {
			return nil, err
		}
		e.Action = model.Action(action)
		e.Timestamp = fromNanos(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Chunks ---

// Upsert replaces every chunk of pageID in one transaction.
func (s *ChunkStore) Upsert(ctx context.Context, pageID, title string, content model.ProcessedContent) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM page_chunks WHERE page_id = ?", pageID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO page_chunks (page_id, chunk_index, title, content, updated_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := toNanos(timeNow())
	for i, chunk := range content.Chunks {
		if _, err := stmt.ExecContext(ctx, pageID, i, title, chunk, now); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Delete removes every chunk of pageID.
func (s *ChunkStore) Delete(ctx context.Context, pageID string) error {
	_, err := s.db.conn.ExecContext(ctx, "DELETE FROM page_chunks WHERE page_id = ?", pageID)
	return err
}

// Get returns the chunks of pageID in order.
func (s *ChunkStore) Get(ctx context.Context, pageID string) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		"SELECT content FROM page_chunks WHERE page_id = ? ORDER BY chunk_index", pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
