package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/pagesync/internal/model"
)

// RunIDLayout formats run ids: one id per calendar day.
const RunIDLayout = "20060102"

// RunID returns the run id for t.
func RunID(t time.Time) string {
	return t.Format(RunIDLayout)
}

// Coordinator runs reconciliation passes and answers queries about them.
type Coordinator struct {
	fetcher    Fetcher
	metadata   MetadataStore
	log        LogStore
	reconciler *Reconciler
	locker     Locker
	state      *StateTracker
	clock      func() time.Time
	newAttempt func() string

	mu sync.Mutex
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLocker adds a cross-process lock taken around every pass.
func WithLocker(l Locker) CoordinatorOption {
	return func(c *Coordinator) {
		c.locker = l
	}
}

// WithStateTracker persists the result of every pass.
func WithStateTracker(st *StateTracker) CoordinatorOption {
	return func(c *Coordinator) {
		c.state = st
	}
}

// WithDateProvider sets the clock used to derive run ids.
func WithDateProvider(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.clock = now
		}
	}
}

// NewCoordinator creates a coordinator. The reconciler must share the
// metadata and log stores given here.
func NewCoordinator(f Fetcher, metadata MetadataStore, log LogStore, r *Reconciler, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		fetcher:    f,
		metadata:   metadata,
		log:        log,
		reconciler: r,
		clock:      time.Now,
		newAttempt: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs one reconciliation pass for sel. The returned result is never
// nil, even when err is set; its Status tells success, partial application
// or failure apart.
func (c *Coordinator) Run(ctx context.Context, sel model.Selector) (*RunResult, error) {
	start := c.clock()
	pass := Pass{
		RunID:     RunID(start),
		AttemptID: c.newAttempt(),
		StartedAt: start,
	}

	if !c.mu.TryLock() {
		return c.failed(pass, ErrRunInProgress), ErrRunInProgress
	}
	defer c.mu.Unlock()

	if c.locker != nil {
		release, ok, err := c.locker.TryLock(ctx)
		if err != nil {
			err = fmt.Errorf("failed to acquire run lock: %w", err)
			res := c.failed(pass, err)
			res.FailurePoint = "lock"
			return res, err
		}
		if !ok {
			return c.failed(pass, ErrRunInProgress), ErrRunInProgress
		}
		defer release()
	}

	slog.Info("starting reconciliation",
		"run_id", pass.RunID,
		"attempt_id", pass.AttemptID,
		"site", sel.Site,
		"notebook", sel.Notebook)

	items, err := c.fetcher.FetchItems(ctx, sel)
	if err != nil {
		ferr := &Error{Kind: KindFetch, Err: err}
		return c.complete(c.failed(pass, ferr)), ferr
	}
	slog.Info("fetched pages", "count", len(items))

	existing, err := c.metadata.GetAll(ctx)
	if err != nil {
		merr := &Error{Kind: KindMetadataStore, Err: fmt.Errorf("failed to load metadata: %w", err)}
		return c.complete(c.failed(pass, merr)), merr
	}

	res, err := c.reconciler.Reconcile(ctx, pass, items, existing)
	c.complete(res)

	if err != nil {
		slog.Error("reconciliation aborted",
			"run_id", pass.RunID,
			"failure_point", res.FailurePoint,
			"error", err)
		return res, err
	}

	slog.Info("reconciliation completed",
		"run_id", pass.RunID,
		"status", res.Status,
		"created", res.Counts.Created,
		"updated", res.Counts.Updated,
		"deleted", res.Counts.Deleted,
		"skipped", res.Counts.Skipped,
		"failed", res.Counts.Failed,
		"duration_s", res.FinishedAt.Sub(res.StartedAt).Seconds())
	return res, nil
}

func (c *Coordinator) failed(pass Pass, err error) *RunResult {
	res := newRunResult(pass)
	res.abort(err)
	if errors.Is(err, ErrRunInProgress) {
		res.FailurePoint = "lock"
	}
	res.finish(c.clock())
	return res
}

// complete persists the result to the state tracker, if any.
func (c *Coordinator) complete(res *RunResult) *RunResult {
	if c.state == nil {
		return res
	}
	c.state.Record(res)
	if err := c.state.Save(); err != nil {
		slog.Warn("failed to save state", "error", err)
	}
	return res
}

// RunSummary rebuilds the summary of runID from the sync log.
func (c *Coordinator) RunSummary(ctx context.Context, runID string) (*RunSummary, error) {
	entries, err := c.log.QueryByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	return SummarizeEntries(runID, entries), nil
}

// PageHistory returns every logged action for pageID, most recent first.
// History outlives tombstoning.
func (c *Coordinator) PageHistory(ctx context.Context, pageID string) ([]model.LogEntry, error) {
	entries, err := c.log.QueryByPage(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query page %s: %w", pageID, err)
	}
	return entries, nil
}

// LastRun returns the most recently recorded pass, if a state tracker is set.
func (c *Coordinator) LastRun() *RunState {
	if c.state == nil {
		return nil
	}
	return c.state.Snapshot()
}
