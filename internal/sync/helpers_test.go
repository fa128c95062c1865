package sync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vonshlovens/pagesync/internal/memstore"
	"github.com/vonshlovens/pagesync/internal/model"
)

// fakeClock advances one second on every read so log timestamps are strictly
// increasing within a test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(day string) *fakeClock {
	c := &fakeClock{}
	c.setDay(day)
	return c
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// setDay moves the clock to 09:00 UTC of day (YYYYMMDD), never backwards.
func (c *fakeClock) setDay(day string) {
	d, err := time.Parse(RunIDLayout, day)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := d.Add(9 * time.Hour)
	if next.After(c.t) {
		c.t = next
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	items []model.Item
	err   error
}

func (f *fakeFetcher) set(items ...model.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

func (f *fakeFetcher) FetchItems(ctx context.Context, sel model.Selector) ([]model.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Item(nil), f.items...), nil
}

// fakeProcessor trims the raw content; that is the whole normalization.
type fakeProcessor struct {
	mu   sync.Mutex
	fail map[string]error
}

func (p *fakeProcessor) failOn(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail == nil {
		p.fail = make(map[string]error)
	}
	if err == nil {
		delete(p.fail, id)
		return
	}
	p.fail[id] = err
}

func (p *fakeProcessor) Process(ctx context.Context, item model.Item) (model.ProcessedContent, error) {
	p.mu.Lock()
	err := p.fail[item.ID]
	p.mu.Unlock()
	if err != nil {
		return model.ProcessedContent{}, err
	}
	text := strings.TrimSpace(item.RawContent)
	return model.ProcessedContent{Text: text, Chunks: []string{text}}, nil
}

func page(id, content string) model.Item {
	return model.Item{ID: id, Title: "Page " + id, RawContent: content}
}

type harness struct {
	clock     *fakeClock
	fetcher   *fakeFetcher
	processor *fakeProcessor
	store     *memstore.Store
	coord     *Coordinator
}

func newHarness(concurrency int) *harness {
	h := &harness{
		clock:     newFakeClock("20240501"),
		fetcher:   &fakeFetcher{},
		processor: &fakeProcessor{},
		store:     memstore.New(),
	}
	r := NewReconciler(h.processor, h.store.Content, h.store.Metadata, h.store.Log,
		WithConcurrency(concurrency),
		WithClock(h.clock.Now))
	h.coord = NewCoordinator(h.fetcher, h.store.Metadata, h.store.Log, r,
		WithDateProvider(h.clock.Now))
	return h
}

func (h *harness) run(day string, items ...model.Item) (*RunResult, error) {
	h.clock.setDay(day)
	h.fetcher.set(items...)
	return h.coord.Run(context.Background(), model.Selector{})
}

func ids(refs []PageRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.ID)
	}
	return out
}

func actions(entries []model.LogEntry) []model.Action {
	out := make([]model.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}
