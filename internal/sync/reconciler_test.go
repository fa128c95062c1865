package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/pagesync/internal/memstore"
	"github.com/vonshlovens/pagesync/internal/model"
)

func TestReconcile_Scenario(t *testing.T) {
	h := newHarness(2)
	ctx := context.Background()

	// run 1: everything is new
	res, err := h.run("20240501", page("A", "x"), page("B", "y"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "20240501", res.RunID)
	assert.ElementsMatch(t, []string{"A", "B"}, ids(res.Created))
	assert.Empty(t, res.Deleted)

	r1, err := h.coord.RunSummary(ctx, "20240501")
	require.NoError(t, err)
	assert.Equal(t, 2, r1.Total)
	assert.ElementsMatch(t, []string{"A", "B"}, ids(r1.Created))

	// run 2: B changed
	res, err = h.run("20240502", page("A", "x"), page("B", "z"))
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(res.Updated))
	assert.Equal(t, []string{"A"}, ids(res.Skipped))
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Deleted)

	// run 3: B gone
	res, err = h.run("20240503", page("A", "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(res.Deleted))
	assert.Equal(t, []string{"A"}, ids(res.Skipped))

	// run 4: empty fetch tears everything down
	res, err = h.run("20240504")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(res.Deleted))

	live, err := h.store.Metadata.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := h.store.Metadata.GetAllIncludingDeleted(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for id, rec := range all {
		assert.True(t, rec.Deleted, "record %s should be tombstoned", id)
	}
	assert.Equal(t, 0, h.store.Content.Len())

	history, err := h.coord.PageHistory(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []model.Action{
		model.ActionDeleted,
		model.ActionSkipped,
		model.ActionSkipped,
		model.ActionCreated,
	}, actions(history))
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i-1].Timestamp.After(history[i].Timestamp), "history must be strictly descending")
	}
}

func TestReconcile_EmptyPriorMetadataCreatesAll(t *testing.T) {
	h := newHarness(4)

	var items []model.Item
	for i := 0; i < 25; i++ {
		items = append(items, page(fmt.Sprintf("p%02d", i), fmt.Sprintf("content %d", i)))
	}

	res, err := h.run("20240501", items...)
	require.NoError(t, err)
	assert.Equal(t, 25, res.Counts.Created)
	assert.Empty(t, res.Deleted)
	assert.Equal(t, 25, h.store.Content.Len())
	assert.Equal(t, 25, h.store.Log.Len())

	// created list follows fetch order regardless of worker scheduling
	got := ids(res.Created)
	assert.True(t, sort.StringsAreSorted(got))
}

func TestReconcile_SecondIdenticalPassSkipsAll(t *testing.T) {
	h := newHarness(3)
	items := []model.Item{page("A", "x"), page("B", "y"), page("C", "z")}

	_, err := h.run("20240501", items...)
	require.NoError(t, err)
	writes := h.store.Content.Writes()

	res, err := h.run("20240502", items...)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Updated)
	assert.Empty(t, res.Deleted)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, ids(res.Skipped))
	assert.Equal(t, writes, h.store.Content.Writes(), "skipped pages must not touch the content store")

	rec, err := h.store.Metadata.Get(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "20240501", rec.LastRunID, "skipped pages keep their metadata untouched")
}

func TestReconcile_CosmeticChangeIsSkipped(t *testing.T) {
	h := newHarness(1)

	_, err := h.run("20240501", page("A", "x"))
	require.NoError(t, err)

	// the processor trims, so surrounding whitespace does not change the fingerprint
	res, err := h.run("20240502", page("A", "  x \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(res.Skipped))
}

func TestReconcile_ChangedFingerprintIsUpdatedNeverCreated(t *testing.T) {
	h := newHarness(1)

	_, err := h.run("20240501", page("A", "v1"))
	require.NoError(t, err)
	res, err := h.run("20240502", page("A", "v2"))
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, ids(res.Updated))
	assert.Empty(t, res.Created)

	stored, ok := h.store.Content.Get("A")
	require.True(t, ok)
	assert.Equal(t, "v2", stored.Text)
}

func TestReconcile_ReappearingPageIsCreated(t *testing.T) {
	h := newHarness(1)

	_, err := h.run("20240501", page("A", "x"), page("B", "y"))
	require.NoError(t, err)
	res, err := h.run("20240502", page("A", "x"))
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, ids(res.Deleted))

	res, err = h.run("20240503", page("A", "x"), page("B", "y"))
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(res.Created))
	assert.Empty(t, res.Updated)

	rec, err := h.store.Metadata.Get(context.Background(), "B")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Deleted)
	assert.Equal(t, "20240503", rec.LastRunID)
}

func TestReconcile_ProcessingErrorIsPerPage(t *testing.T) {
	h := newHarness(2)
	h.processor.failOn("B", errors.New("bad html"))

	res, err := h.run("20240501", page("A", "x"), page("B", "y"), page("C", "z"))
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.ElementsMatch(t, []string{"A", "C"}, ids(res.Created))
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "B", res.Failed[0].ID)
	assert.Equal(t, KindProcessing, res.Failed[0].Kind)
	assert.Contains(t, res.Failed[0].Message, "bad html")

	_, stored := h.store.Content.Get("B")
	assert.False(t, stored)
	rec, err := h.store.Metadata.Get(context.Background(), "B")
	require.NoError(t, err)
	assert.Nil(t, rec)

	history, err := h.coord.PageHistory(context.Background(), "B")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ActionFailed, history[0].Action)

	// once processing works again the page is picked up as new
	h.processor.failOn("B", nil)
	res, err = h.run("20240502", page("A", "x"), page("B", "y"), page("C", "z"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"B"}, ids(res.Created))
}

func TestReconcile_ContentStoreErrorSuppressesMetadata(t *testing.T) {
	h := newHarness(1)
	h.store.SetFault(func(op memstore.Op, pageID string) error {
		if op == memstore.OpPut && pageID == "A" {
			return errors.New("vector store unavailable")
		}
		return nil
	})

	res, err := h.run("20240501", page("A", "x"), page("B", "y"))
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, KindContentStore, res.Failed[0].Kind)

	rec, err := h.store.Metadata.Get(context.Background(), "A")
	require.NoError(t, err)
	assert.Nil(t, rec, "a failed content write must not mark the page as synced")

	h.store.SetFault(nil)
	res, err = h.run("20240502", page("A", "x"), page("B", "y"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(res.Created))
	assert.Equal(t, []string{"B"}, ids(res.Skipped))
}

func TestReconcile_FailedDeleteIsRetriedNextRun(t *testing.T) {
	h := newHarness(1)

	_, err := h.run("20240501", page("A", "x"), page("B", "y"))
	require.NoError(t, err)

	h.store.SetFault(func(op memstore.Op, pageID string) error {
		if op == memstore.OpRemove {
			return errors.New("timeout")
		}
		return nil
	})
	res, err := h.run("20240502", page("A", "x"))
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "B", res.Failed[0].ID)

	live, err := h.store.Metadata.GetAll(context.Background())
	require.NoError(t, err)
	assert.Contains(t, live, "B")

	h.store.SetFault(nil)
	res, err = h.run("20240503", page("A", "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(res.Deleted))
}

func TestReconcile_MetadataErrorMidRunIsFatal(t *testing.T) {
	h := newHarness(1)
	h.store.SetFault(func(op memstore.Op, pageID string) error {
		if op == memstore.OpUpsert && pageID == "B" {
			return errors.New("connection reset")
		}
		return nil
	})

	res, err := h.run("20240501", page("A", "x"), page("B", "y"), page("C", "z"))
	require.Error(t, err)
	assert.Equal(t, KindMetadataStore, KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, "metadata_store:B", res.FailurePoint)
	assert.Equal(t, []string{"A"}, ids(res.Created))
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "B", res.Failed[0].ID)

	// the log written before the failure is intact
	entries, err := h.store.Log.QueryByRun(context.Background(), "20240501")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "A", entries[0].PageID)
	assert.Equal(t, model.ActionCreated, entries[0].Action)

	// C was never reached
	_, stored := h.store.Content.Get("C")
	assert.False(t, stored)
}

func TestReconcile_LogErrorIsFatal(t *testing.T) {
	h := newHarness(1)
	h.store.SetFault(func(op memstore.Op, pageID string) error {
		if op == memstore.OpAppend {
			return errors.New("disk full")
		}
		return nil
	})

	res, err := h.run("20240501", page("A", "x"))
	require.Error(t, err)
	assert.Equal(t, KindLogStore, KindOf(err))
	// the content and metadata writes for A were already applied
	assert.Equal(t, []string{"A"}, ids(res.Created))
	assert.Equal(t, StatusPartial, res.Status)
}

func TestReconcile_DeletesRunAfterCreates(t *testing.T) {
	h := newHarness(4)

	_, err := h.run("20240501", page("old", "x"))
	require.NoError(t, err)
	_, err = h.run("20240502", page("new1", "a"), page("new2", "b"))
	require.NoError(t, err)

	entries, err := h.store.Log.QueryByRun(context.Background(), "20240502")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.ActionDeleted, entries[2].Action)
	assert.Equal(t, "old", entries[2].PageID)
}

func TestReconcile_DuplicateIDsKeepFirst(t *testing.T) {
	h := newHarness(2)

	res, err := h.run("20240501", page("A", "first"), page("A", "second"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(res.Created))

	stored, ok := h.store.Content.Get("A")
	require.True(t, ok)
	assert.Equal(t, "first", stored.Text)
}

func TestReconcile_CancelledBeforeStart(t *testing.T) {
	store := memstore.New()
	require.NoError(t, store.Metadata.Upsert(context.Background(), model.MetadataRecord{ID: "A", Fingerprint: "f"}))

	r := NewReconciler(&fakeProcessor{}, store.Content, store.Metadata, store.Log)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	existing, err := store.Metadata.GetAll(context.Background())
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, Pass{RunID: "20240501"}, nil, existing)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "cancelled", res.FailurePoint)
	assert.Empty(t, res.Deleted, "a cancelled pass must not tear down existing pages")

	live, err := store.Metadata.GetAll(context.Background())
	require.NoError(t, err)
	assert.Contains(t, live, "A")
}

func TestReconcile_ProgressCallback(t *testing.T) {
	store := memstore.New()
	var seen []model.Action
	progress := make(chan Outcome, 10)
	r := NewReconciler(&fakeProcessor{}, store.Content, store.Metadata, store.Log,
		WithConcurrency(2),
		WithProgress(func(o Outcome) { progress <- o }))

	existing := map[string]model.MetadataRecord{"gone": {ID: "gone", Title: "Gone"}}
	res, err := r.Reconcile(context.Background(), Pass{RunID: "20240501"}, []model.Item{page("A", "x"), page("B", "y")}, existing)
	require.NoError(t, err)
	close(progress)
	for o := range progress {
		seen = append(seen, o.Action)
	}

	assert.Len(t, seen, 3)
	assert.Equal(t, 3, res.Counts.Applied())
	assert.Equal(t, "Gone", res.Deleted[0].Title)
}

// cancellingProcessor cancels the pass when it reaches one page, then behaves
// like a processor that honours its context.
type cancellingProcessor struct {
	fakeProcessor
	at     string
	cancel context.CancelFunc
}

func (p *cancellingProcessor) Process(ctx context.Context, item model.Item) (model.ProcessedContent, error) {
	if item.ID == p.at {
		p.cancel()
		<-ctx.Done()
		return model.ProcessedContent{}, ctx.Err()
	}
	return p.fakeProcessor.Process(ctx, item)
}

func TestReconcile_CancelledMidRun(t *testing.T) {
	store := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &cancellingProcessor{at: "B", cancel: cancel}
	r := NewReconciler(p, store.Content, store.Metadata, store.Log, WithConcurrency(1))

	existing := map[string]model.MetadataRecord{"gone": {ID: "gone", Fingerprint: "f", Title: "Gone"}}
	items := []model.Item{page("A", "x"), page("B", "y"), page("C", "z")}
	res, err := r.Reconcile(ctx, Pass{RunID: "20240501", AttemptID: "a1"}, items, existing)

	require.ErrorIs(t, err, context.Canceled)
	var rerr *Error
	assert.False(t, errors.As(err, &rerr), "cancellation is not a store failure")
	assert.Equal(t, "cancelled", res.FailurePoint)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, []string{"A"}, ids(res.Created))
	assert.Empty(t, res.Failed, "the page in flight is not reported as failed")
	assert.Empty(t, res.Deleted)

	history, err := store.Log.QueryByPage(context.Background(), "B")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, 1, store.Log.Len())
	_, ok := store.Content.Get("C")
	assert.False(t, ok)
}

func TestReconcile_CancelledDuringContentWrite(t *testing.T) {
	store := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.SetFault(func(op memstore.Op, id string) error {
		if op == memstore.OpPut && id == "A" {
			cancel()
			return context.Canceled
		}
		return nil
	})
	r := NewReconciler(&fakeProcessor{}, store.Content, store.Metadata, store.Log, WithConcurrency(1))

	res, err := r.Reconcile(ctx, Pass{RunID: "20240501", AttemptID: "a1"}, []model.Item{page("A", "x")}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cancelled", res.FailurePoint)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 0, store.Log.Len())
}

func TestReconcile_RenamedPageIsUpdated(t *testing.T) {
	h := newHarness(1)
	ctx := context.Background()

	_, err := h.run("20240501", page("A", "x"))
	require.NoError(t, err)

	renamed := page("A", "x")
	renamed.Title = "Renamed"
	res, err := h.run("20240502", renamed)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(res.Updated))
	assert.Empty(t, res.Skipped)

	rec, err := h.store.Metadata.Get(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Renamed", rec.Title)
	assert.Equal(t, "20240502", rec.LastRunID)
	assert.Equal(t, Fingerprint("x"), rec.Fingerprint)

	stored, ok := h.store.Content.Get("A")
	require.True(t, ok)
	assert.Equal(t, "Renamed", stored.Title)

	// unchanged title and text skip again
	res, err = h.run("20240503", renamed)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(res.Skipped))
}

func TestReconcile_EmptyAttemptIDIsGenerated(t *testing.T) {
	store := memstore.New()
	r := NewReconciler(&fakeProcessor{}, store.Content, store.Metadata, store.Log)

	res, err := r.Reconcile(context.Background(), Pass{RunID: "20240501"}, []model.Item{page("A", "x")}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.AttemptID)

	entries, err := store.Log.QueryByRun(context.Background(), "20240501")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.AttemptID, entries[0].AttemptID)
}

func TestReconcile_TombstoneUsesClock(t *testing.T) {
	h := newHarness(1)
	ctx := context.Background()

	_, err := h.run("20240501", page("A", "x"))
	require.NoError(t, err)
	_, err = h.run("20240502")
	require.NoError(t, err)

	rec, err := h.store.Metadata.Get(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Deleted)
	assert.Equal(t, "20240502", RunID(rec.UpdatedAt))

	history, err := h.coord.PageHistory(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, model.ActionDeleted, history[0].Action)
	assert.True(t, rec.UpdatedAt.Before(history[0].Timestamp))
}
