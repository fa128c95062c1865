package sync

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/pagesync/internal/model"
)

const (
	defaultConcurrency = 4

	// logGrace bounds the log write that follows an applied change once
	// the pass has been cancelled.
	logGrace = 5 * time.Second
)

// Pass identifies one reconciliation pass. Several passes on the same day
// share a RunID; AttemptID is unique per pass and generated when empty.
type Pass struct {
	RunID     string
	AttemptID string
	StartedAt time.Time
}

// Reconciler diffs a fetched page set against stored metadata and applies
// the resulting creates, updates and deletes.
type Reconciler struct {
	processor   Processor
	content     ContentStore
	metadata    MetadataStore
	log         LogStore
	concurrency int
	now         func() time.Time
	progress    func(Outcome)
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithConcurrency sets how many pages are processed in parallel.
func WithConcurrency(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock sets the time source used for log and metadata timestamps.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithProgress registers a callback invoked once per classified page.
// It may be called from several goroutines at once.
func WithProgress(fn func(Outcome)) ReconcilerOption {
	return func(r *Reconciler) {
		r.progress = fn
	}
}

// NewReconciler creates a reconciler over the given collaborators and stores
func NewReconciler(p Processor, content ContentStore, metadata MetadataStore, log LogStore, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		processor:   p,
		content:     content,
		metadata:    metadata,
		log:         log,
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile classifies every current item against existing (non-deleted)
// records, writes the changes and logs each action under pass.RunID.
//
// Creates and updates are applied before deletes. An empty items slice
// deletes every existing record: callers must pass the complete page set.
//
// Per-page processing and content store failures are recorded in the result
// and do not stop the pass. Metadata and log store failures are fatal: the
// pass stops, the partial result is returned together with the error.
//
// Cancelling ctx stops the pass with the context error. The page in flight
// is left unrecorded rather than reported as failed.
func (r *Reconciler) Reconcile(ctx context.Context, pass Pass, items []model.Item, existing map[string]model.MetadataRecord) (*RunResult, error) {
	if pass.AttemptID == "" {
		pass.AttemptID = uuid.NewString()
	}
	res := newRunResult(pass)

	current := make(map[string]struct{}, len(items))
	unique := make([]model.Item, 0, len(items))
	for _, item := range items {
		if _, dup := current[item.ID]; dup {
			slog.Warn("duplicate page id in fetch, keeping first", "page_id", item.ID)
			continue
		}
		current[item.ID] = struct{}{}
		unique = append(unique, item)
	}

	outcomes := make([]Outcome, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, item := range unique {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outcome, err := r.reconcileItem(gctx, pass, item, existing)
			outcomes[i] = outcome
			r.report(outcome)
			return err
		})
	}
	err := g.Wait()

	for _, o := range outcomes {
		if o.Action != "" {
			res.record(o)
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		res.abort(err)
		res.finish(r.now())
		return res, err
	}

	if err := r.deleteMissing(ctx, pass, current, existing, res); err != nil {
		res.abort(err)
		res.finish(r.now())
		return res, err
	}

	res.finish(r.now())
	return res, nil
}

// reconcileItem classifies and applies a single page. The returned error is
// non-nil only for fatal failures; the outcome is still meaningful then.
func (r *Reconciler) reconcileItem(ctx context.Context, pass Pass, item model.Item, existing map[string]model.MetadataRecord) (Outcome, error) {
	processed, err := r.processor.Process(ctx, item)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Outcome{}, cerr
		}
		return r.fail(ctx, pass, item.ID, item.Title, KindProcessing, err)
	}
	fp := Fingerprint(processed.Text)

	// A renamed page is rewritten so stored titles follow the source.
	action := model.ActionCreated
	if prev, known := existing[item.ID]; known {
		if prev.Fingerprint == fp && prev.Title == item.Title {
			action = model.ActionSkipped
		} else {
			action = model.ActionUpdated
		}
	}

	outcome := Outcome{PageID: item.ID, Title: item.Title, Action: action}
	if action == model.ActionSkipped {
		slog.Debug("page unchanged, skipping", "page_id", item.ID)
		return outcome, r.appendLog(ctx, pass, outcome, "")
	}

	if err := r.content.Upsert(ctx, item.ID, item.Title, processed); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Outcome{}, cerr
		}
		return r.fail(ctx, pass, item.ID, item.Title, KindContentStore, err)
	}

	rec := model.MetadataRecord{
		ID:          item.ID,
		Fingerprint: fp,
		Title:       item.Title,
		LastRunID:   pass.RunID,
		UpdatedAt:   r.now(),
	}
	if err := r.metadata.Upsert(ctx, rec); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Outcome{}, cerr
		}
		merr := &Error{Kind: KindMetadataStore, PageID: item.ID, Err: err}
		return Outcome{PageID: item.ID, Title: item.Title, Action: model.ActionFailed, Err: merr}, merr
	}

	slog.Info("page synced",
		"page_id", item.ID,
		"action", action,
		"chunks", len(processed.Chunks),
		"fingerprint", fp[:8])
	return outcome, r.appendLog(ctx, pass, outcome, "")
}

// deleteMissing tombstones every existing record absent from the fetch.
func (r *Reconciler) deleteMissing(ctx context.Context, pass Pass, current map[string]struct{}, existing map[string]model.MetadataRecord, res *RunResult) error {
	var missing []string
	for id := range existing {
		if _, ok := current[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	for _, id := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}
		title := existing[id].Title

		if err := r.content.Delete(ctx, id); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			outcome, ferr := r.fail(ctx, pass, id, title, KindContentStore, err)
			res.record(outcome)
			r.report(outcome)
			if ferr != nil {
				return ferr
			}
			continue
		}

		if err := r.metadata.MarkDeleted(ctx, id, pass.RunID, r.now()); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			merr := &Error{Kind: KindMetadataStore, PageID: id, Err: err}
			res.record(Outcome{PageID: id, Title: title, Action: model.ActionFailed, Err: merr})
			return merr
		}

		outcome := Outcome{PageID: id, Title: title, Action: model.ActionDeleted}
		res.record(outcome)
		r.report(outcome)
		slog.Info("page deleted", "page_id", id)
		if err := r.appendLog(ctx, pass, outcome, ""); err != nil {
			return err
		}
	}

	if len(missing) > 0 {
		slog.Info("deleted removed pages", "count", len(missing))
	}
	return nil
}

// fail records a recoverable per-page failure. The returned error is only
// set when the failure itself could not be logged.
func (r *Reconciler) fail(ctx context.Context, pass Pass, pageID, title string, kind ErrorKind, cause error) (Outcome, error) {
	rerr := &Error{Kind: kind, PageID: pageID, Err: cause}
	slog.Error("failed to sync page", "page_id", pageID, "kind", kind, "error", cause)

	outcome := Outcome{PageID: pageID, Title: title, Action: model.ActionFailed, Err: rerr}
	return outcome, r.appendLog(ctx, pass, outcome, string(kind)+": "+cause.Error())
}

// appendLog records an action that has already been applied, so it still
// runs for a short while after ctx is cancelled.
func (r *Reconciler) appendLog(ctx context.Context, pass Pass, o Outcome, detail string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logGrace)
	defer cancel()

	_, err := r.log.Append(ctx, model.LogEntry{
		RunID:     pass.RunID,
		AttemptID: pass.AttemptID,
		PageID:    o.PageID,
		Title:     o.Title,
		Action:    o.Action,
		Detail:    detail,
		Timestamp: r.now(),
	})
	if err != nil {
		return &Error{Kind: KindLogStore, PageID: o.PageID, Err: err}
	}
	return nil
}

func (r *Reconciler) report(o Outcome) {
	if r.progress != nil && o.Action != "" {
		r.progress(o)
	}
}
