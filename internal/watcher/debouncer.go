package watcher

import (
	"sort"
	"sync"
	"time"
)

// EventType represents the type of file event
type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
	EventRename
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "CREATE"
	case EventModify:
		return "MODIFY"
	case EventDelete:
		return "DELETE"
	case EventRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// Change is the coalesced event for one path within a batch
type Change struct {
	Path      string
	EventType EventType
}

// Batch is every change seen during one quiet period
type Batch struct {
	Changes []Change
	At      time.Time
}

// Paths returns the changed paths in order
func (b Batch) Paths() []string {
	paths := make([]string, len(b.Changes))
	for i, c := range b.Changes {
		paths[i] = c.Path
	}
	return paths
}

// Debouncer collects file events until no new event has arrived for the
// delay, then emits them as one batch. A steady stream of events is cut
// into batches at most maxWait apart.
type Debouncer struct {
	delay   time.Duration
	maxWait time.Duration

	mu      sync.Mutex
	pending map[string]EventType
	first   time.Time
	timer   *time.Timer

	sendMu sync.Mutex
	output chan Batch
	stopCh chan struct{}
}

// NewDebouncer creates a new batch debouncer
func NewDebouncer(delayMs int) *Debouncer {
	delay := time.Duration(delayMs) * time.Millisecond
	return &Debouncer{
		delay:   delay,
		maxWait: 10 * delay,
		pending: make(map[string]EventType),
		output:  make(chan Batch, 16),
		stopCh:  make(chan struct{}),
	}
}

// Events returns the channel of batches
func (d *Debouncer) Events() <-chan Batch {
	return d.output
}

// Add records an event for path and restarts the quiet period
func (d *Debouncer) Add(path string, eventType EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.stopCh:
		return
	default:
	}

	if prev, exists := d.pending[path]; exists {
		eventType = coalesce(prev, eventType)
	}
	d.pending[path] = eventType

	now := time.Now()
	if d.timer == nil {
		d.first = now
		d.timer = time.AfterFunc(d.delay, d.emit)
		return
	}

	wait := d.delay
	if remaining := d.maxWait - now.Sub(d.first); remaining < wait {
		wait = max(remaining, 0)
	}
	d.timer.Reset(wait)
}

// coalesce merges two events on the same path.
// DELETE wins over everything but a later CREATE, which makes it a MODIFY.
// CREATE + MODIFY stays CREATE.
func coalesce(prev, next EventType) EventType {
	switch {
	case next == EventDelete:
		return EventDelete
	case prev == EventDelete && next == EventCreate:
		return EventModify
	case prev == EventDelete:
		return EventDelete
	case prev == EventCreate && next == EventModify:
		return EventCreate
	default:
		return next
	}
}

// emit sends the pending events as one batch
func (d *Debouncer) emit() {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := Batch{At: time.Now(), Changes: make([]Change, 0, len(d.pending))}
	for path, et := range d.pending {
		batch.Changes = append(batch.Changes, Change{Path: path, EventType: et})
	}
	d.pending = make(map[string]EventType)
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	sort.Slice(batch.Changes, func(i, j int) bool { return batch.Changes[i].Path < batch.Changes[j].Path })

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	select {
	case <-d.stopCh:
		return
	default:
	}
	select {
	case d.output <- batch:
	case <-d.stopCh:
	}
}

// Flush immediately emits pending events
func (d *Debouncer) Flush() {
	d.emit()
}

// Stop stops the debouncer and drops pending events
func (d *Debouncer) Stop() {
	close(d.stopCh)

	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = make(map[string]EventType)
	d.mu.Unlock()

	d.sendMu.Lock()
	close(d.output)
	d.sendMu.Unlock()
}

// PendingCount returns the number of paths waiting for the next batch
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
