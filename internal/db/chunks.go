package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vonshlovens/pagesync/internal/model"
)

// ChunkStore is the content store: one row per chunk in page_chunks
type ChunkStore struct {
	db *DB
}

// Chunks returns the chunk content store backed by db
func (db *DB) Chunks() *ChunkStore {
	return &ChunkStore{db: db}
}

// Upsert replaces every chunk of pageID in one transaction
func (s *ChunkStore) Upsert(ctx context.Context, pageID, title string, content model.ProcessedContent) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM page_chunks WHERE page_id = $1", pageID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	rows := make([][]any, 0, len(content.Chunks))
	for i, chunk := range content.Chunks {
		rows = append(rows, []any{pageID, i, title, chunk})
	}

	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"page_chunks"},
			[]string{"page_id", "chunk_index", "title", "content"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("failed to copy chunks: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Delete removes every chunk of pageID
func (s *ChunkStore) Delete(ctx context.Context, pageID string) error {
	_, err := s.db.Pool.Exec(ctx, "DELETE FROM page_chunks WHERE page_id = $1", pageID)
	return err
}

// Get returns the chunks of pageID in order
func (s *ChunkStore) Get(ctx context.Context, pageID string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx,
		"SELECT content FROM page_chunks WHERE page_id = $1 ORDER BY chunk_index", pageID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, pgx.RowTo[string])
}
