package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/pagesync/internal/model"
)

func TestMetadata_TombstonesHiddenFromGetAll(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Metadata.Upsert(ctx, model.MetadataRecord{ID: "A", Fingerprint: "fa", LastRunID: "20240101"}))
	require.NoError(t, s.Metadata.Upsert(ctx, model.MetadataRecord{ID: "B", Fingerprint: "fb", LastRunID: "20240101"}))
	deletedAt := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Metadata.MarkDeleted(ctx, "B", "20240102", deletedAt))

	live, err := s.Metadata.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 1)
	assert.Contains(t, live, "A")

	all, err := s.Metadata.GetAllIncludingDeleted(ctx)
	require.NoError(t, err)
	require.Contains(t, all, "B")
	assert.True(t, all["B"].Deleted)
	assert.Equal(t, "20240102", all["B"].LastRunID)
	assert.Equal(t, "fb", all["B"].Fingerprint, "tombstone keeps the fingerprint")
	assert.Equal(t, deletedAt, all["B"].UpdatedAt)
}

func TestMetadata_MarkDeletedUnknownIsNoop(t *testing.T) {
	s := New()
	require.NoError(t, s.Metadata.MarkDeleted(context.Background(), "missing", "20240101", time.Time{}))

	rec, err := s.Metadata.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLog_OrderingAndIDs(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	e1, err := s.Log.Append(ctx, model.LogEntry{RunID: "R1", PageID: "A", Action: model.ActionCreated, Timestamp: base})
	require.NoError(t, err)
	_, err = s.Log.Append(ctx, model.LogEntry{RunID: "R1", PageID: "B", Action: model.ActionCreated, Timestamp: base})
	require.NoError(t, err)
	e3, err := s.Log.Append(ctx, model.LogEntry{RunID: "R2", PageID: "A", Action: model.ActionSkipped, Timestamp: base.Add(time.Hour)})
	require.NoError(t, err)
	// same timestamp as e3, later id
	e4, err := s.Log.Append(ctx, model.LogEntry{RunID: "R2", PageID: "A", Action: model.ActionDeleted, Timestamp: base.Add(time.Hour)})
	require.NoError(t, err)

	assert.Less(t, e1.LogID, e3.LogID)

	byRun, err := s.Log.QueryByRun(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, byRun, 2)
	assert.Equal(t, "A", byRun[0].PageID)
	assert.Equal(t, "B", byRun[1].PageID)

	byPage, err := s.Log.QueryByPage(ctx, "A")
	require.NoError(t, err)
	require.Len(t, byPage, 3)
	assert.Equal(t, e4.LogID, byPage[0].LogID)
	assert.Equal(t, e3.LogID, byPage[1].LogID)
	assert.Equal(t, e1.LogID, byPage[2].LogID)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")
	s.SetFault(func(op Op, pageID string) error {
		if op == OpPut && pageID == "bad" {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, s.Content.Upsert(ctx, "bad", "Bad", model.ProcessedContent{}), boom)
	assert.NoError(t, s.Content.Upsert(ctx, "good", "Good", model.ProcessedContent{Text: "x", Chunks: []string{"x"}}))
	assert.Equal(t, 1, s.Content.Len())
	assert.Equal(t, 1, s.Content.Writes())

	s.SetFault(nil)
	assert.NoError(t, s.Content.Upsert(ctx, "bad", "Bad", model.ProcessedContent{}))
}
