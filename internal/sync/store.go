package sync

import (
	"context"
	"time"

	"github.com/vonshlovens/pagesync/internal/model"
)

// Fetcher delivers the complete current page set for a selector.
// Returning a partial set makes the missing pages look deleted.
type Fetcher interface {
	FetchItems(ctx context.Context, sel model.Selector) ([]model.Item, error)
}

// Processor turns a fetched page into normalized text and chunks.
type Processor interface {
	Process(ctx context.Context, item model.Item) (model.ProcessedContent, error)
}

// ContentStore is the downstream store fed by reconciliation.
// Upsert and Delete must be idempotent.
type ContentStore interface {
	Upsert(ctx context.Context, pageID, title string, content model.ProcessedContent) error
	Delete(ctx context.Context, pageID string) error
}

// MetadataStore keeps the last-known state per page id.
type MetadataStore interface {
	// GetAll returns non-deleted records keyed by id.
	GetAll(ctx context.Context) (map[string]model.MetadataRecord, error)
	// GetAllIncludingDeleted also returns tombstones.
	GetAllIncludingDeleted(ctx context.Context) (map[string]model.MetadataRecord, error)
	// Get returns the record for id, tombstoned or not, or nil.
	Get(ctx context.Context, id string) (*model.MetadataRecord, error)
	Upsert(ctx context.Context, rec model.MetadataRecord) error
	// MarkDeleted tombstones id, stamping it with runID and at.
	MarkDeleted(ctx context.Context, id, runID string, at time.Time) error
}

// LogStore is the append-only sync log.
type LogStore interface {
	// Append assigns LogID (and Timestamp when zero) and returns the stored entry.
	Append(ctx context.Context, entry model.LogEntry) (model.LogEntry, error)
	// QueryByRun returns entries for runID ordered by LogID ascending.
	QueryByRun(ctx context.Context, runID string) ([]model.LogEntry, error)
	// QueryByPage returns entries for pageID, most recent first.
	QueryByPage(ctx context.Context, pageID string) ([]model.LogEntry, error)
}

// Locker is an optional cross-process guard for the single-active-run rule.
// TryLock returns ok=false when another holder owns the lock.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}
