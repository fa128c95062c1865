// Package memstore provides in-memory metadata, sync log and content stores.
// They are safe for concurrent use and support fault injection for tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vonshlovens/pagesync/internal/model"
)

// Op names a store operation that can be made to fail.
type Op string

const (
	OpGetAll      Op = "metadata.get_all"
	OpUpsert      Op = "metadata.upsert"
	OpMarkDeleted Op = "metadata.mark_deleted"
	OpAppend      Op = "log.append"
	OpPut         Op = "content.upsert"
	OpRemove      Op = "content.delete"
)

// FaultFunc returns a non-nil error to make op fail for the given page id.
type FaultFunc func(op Op, pageID string) error

type faults struct {
	mu sync.RWMutex
	fn FaultFunc
}

func (f *faults) set(fn FaultFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

func (f *faults) check(op Op, pageID string) error {
	f.mu.RLock()
	fn := f.fn
	f.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, pageID)
}

// Store bundles the three stores over a shared fault injector.
type Store struct {
	Metadata *Metadata
	Log      *Log
	Content  *Content

	faults *faults
}

// New creates empty stores.
func New() *Store {
	f := &faults{}
	return &Store{
		Metadata: &Metadata{records: make(map[string]model.MetadataRecord), faults: f},
		Log:      &Log{faults: f},
		Content:  &Content{pages: make(map[string]Page), faults: f},
		faults:   f,
	}
}

// SetFault installs fn as the fault injector for all three stores; nil clears it.
func (s *Store) SetFault(fn FaultFunc) {
	s.faults.set(fn)
}

// Metadata is an in-memory metadata store.
type Metadata struct {
	mu      sync.RWMutex
	records map[string]model.MetadataRecord
	faults  *faults
}

func (m *Metadata) GetAll(ctx context.Context) (map[string]model.MetadataRecord, error) {
	return m.snapshot(false)
}

func (m *Metadata) GetAllIncludingDeleted(ctx context.Context) (map[string]model.MetadataRecord, error) {
	return m.snapshot(true)
}

func (m *Metadata) snapshot(withDeleted bool) (map[string]model.MetadataRecord, error) {
	if err := m.faults.check(OpGetAll, ""); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.MetadataRecord, len(m.records))
	for id, rec := range m.records {
		if rec.Deleted && !withDeleted {
			continue
		}
		out[id] = rec
	}
	return out, nil
}

func (m *Metadata) Get(ctx context.Context, id string) (*model.MetadataRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Metadata) Upsert(ctx context.Context, rec model.MetadataRecord) error {
	if err := m.faults.check(OpUpsert, rec.ID); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *Metadata) MarkDeleted(ctx context.Context, id, runID string, at time.Time) error {
	if err := m.faults.check(OpMarkDeleted, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	rec.Deleted = true
	rec.LastRunID = runID
	rec.UpdatedAt = at
	if at.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	m.records[id] = rec
	return nil
}

// Log is an in-memory append-only sync log.
type Log struct {
	mu      sync.RWMutex
	entries []model.LogEntry
	nextID  int64
	faults  *faults
}

func (l *Log) Append(ctx context.Context, entry model.LogEntry) (model.LogEntry, error) {
	if err := l.faults.check(OpAppend, entry.PageID); err != nil {
		return model.LogEntry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	entry.LogID = l.nextID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *Log) QueryByRun(ctx context.Context, runID string) ([]model.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []model.LogEntry{}
	for _, e := range l.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *Log) QueryByPage(ctx context.Context, pageID string) ([]model.LogEntry, error) {
	l.mu.RLock()
	out := []model.LogEntry{}
	for _, e := range l.entries {
		if e.PageID == pageID {
			out = append(out, e)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].LogID > out[j].LogID
	})
	return out, nil
}

// Len returns the number of entries appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Page is what the content store holds for one page.
type Page struct {
	Title  string
	Text   string
	Chunks []string
}

// Content is an in-memory content store.
type Content struct {
	mu     sync.RWMutex
	pages  map[string]Page
	writes int
	faults *faults
}

func (c *Content) Upsert(ctx context.Context, pageID, title string, content model.ProcessedContent) error {
	if err := c.faults.check(OpPut, pageID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[pageID] = Page{Title: title, Text: content.Text, Chunks: append([]string(nil), content.Chunks...)}
	c.writes++
	return nil
}

func (c *Content) Delete(ctx context.Context, pageID string) error {
	if err := c.faults.check(OpRemove, pageID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, pageID)
	c.writes++
	return nil
}

// Get returns the stored page, if any.
func (c *Content) Get(pageID string) (Page, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pages[pageID]
	return p, ok
}

// Len returns the number of stored pages.
func (c *Content) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pages)
}

// Writes returns how many upserts and deletes succeeded.
func (c *Content) Writes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writes
}
