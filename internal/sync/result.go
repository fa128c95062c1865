package sync

import (
	"errors"
	"time"

	"github.com/vonshlovens/pagesync/internal/model"
)

// Status is the overall outcome of one pass.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// PageRef identifies a page in a result list.
type PageRef struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}

// FailedPage is a page whose reconciliation failed.
type FailedPage struct {
	ID      string    `json:"id" yaml:"id"`
	Title   string    `json:"title" yaml:"title"`
	Kind    ErrorKind `json:"kind" yaml:"kind"`
	Message string    `json:"message" yaml:"message"`
}

// Counts summarizes a result.
type Counts struct {
	Created int `json:"created" yaml:"created"`
	Updated int `json:"updated" yaml:"updated"`
	Deleted int `json:"deleted" yaml:"deleted"`
	Skipped int `json:"skipped" yaml:"skipped"`
	Failed  int `json:"failed" yaml:"failed"`
}

// Applied is the number of pages whose outcome reached the stores.
func (c Counts) Applied() int {
	return c.Created + c.Updated + c.Deleted + c.Skipped
}

// Outcome is the tagged result of reconciling a single page.
// Err is set exactly when Action is model.ActionFailed.
type Outcome struct {
	PageID string
	Title  string
	Action model.Action
	Err    *Error
}

// RunResult is what a pass returns to its caller.
type RunResult struct {
	RunID        string       `json:"run_id" yaml:"run_id"`
	AttemptID    string       `json:"attempt_id" yaml:"attempt_id"`
	Status       Status       `json:"status" yaml:"status"`
	StartedAt    time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time    `json:"finished_at" yaml:"finished_at"`
	Created      []PageRef    `json:"created" yaml:"created"`
	Updated      []PageRef    `json:"updated" yaml:"updated"`
	Deleted      []PageRef    `json:"deleted" yaml:"deleted"`
	Skipped      []PageRef    `json:"skipped" yaml:"skipped"`
	Failed       []FailedPage `json:"failed" yaml:"failed"`
	Counts       Counts       `json:"counts" yaml:"counts"`
	Error        string       `json:"error,omitempty" yaml:"error,omitempty"`
	FailurePoint string       `json:"failure_point,omitempty" yaml:"failure_point,omitempty"`
}

func newRunResult(pass Pass) *RunResult {
	return &RunResult{
		RunID:     pass.RunID,
		AttemptID: pass.AttemptID,
		StartedAt: pass.StartedAt,
		Created:   []PageRef{},
		Updated:   []PageRef{},
		Deleted:   []PageRef{},
		Skipped:   []PageRef{},
		Failed:    []FailedPage{},
	}
}

func (r *RunResult) record(o Outcome) {
	ref := PageRef{ID: o.PageID, Title: o.Title}
	switch o.Action {
	case model.ActionCreated:
		r.Created = append(r.Created, ref)
	case model.ActionUpdated:
		r.Updated = append(r.Updated, ref)
	case model.ActionDeleted:
		r.Deleted = append(r.Deleted, ref)
	case model.ActionSkipped:
		r.Skipped = append(r.Skipped, ref)
	case model.ActionFailed:
		fp := FailedPage{ID: o.PageID, Title: o.Title}
		if o.Err != nil {
			fp.Kind = o.Err.Kind
			fp.Message = o.Err.Err.Error()
		}
		r.Failed = append(r.Failed, fp)
	}
}

// abort marks the result as stopped by a fatal error.
func (r *RunResult) abort(err error) {
	r.Error = err.Error()
	var rerr *Error
	switch {
	case errors.As(err, &rerr) && rerr.PageID != "":
		r.FailurePoint = string(rerr.Kind) + ":" + rerr.PageID
	case errors.As(err, &rerr):
		r.FailurePoint = string(rerr.Kind)
	default:
		r.FailurePoint = "cancelled"
	}
}

// finish computes counts and the final status.
func (r *RunResult) finish(at time.Time) {
	r.FinishedAt = at
	r.Counts = Counts{
		Created: len(r.Created),
		Updated: len(r.Updated),
		Deleted: len(r.Deleted),
		Skipped: len(r.Skipped),
		Failed:  len(r.Failed),
	}
	switch {
	case r.Error != "" && r.Counts.Applied() == 0:
		r.Status = StatusFailed
	case r.Error != "" || r.Counts.Failed > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusSuccess
	}
}

// RunSummary is a run reconstructed from the sync log.
type RunSummary struct {
	RunID   string           `json:"run_id" yaml:"run_id"`
	Created []PageRef        `json:"created" yaml:"created"`
	Updated []PageRef        `json:"updated" yaml:"updated"`
	Deleted []PageRef        `json:"deleted" yaml:"deleted"`
	Skipped []PageRef        `json:"skipped" yaml:"skipped"`
	Failed  []PageRef        `json:"failed" yaml:"failed"`
	Total   int              `json:"total" yaml:"total"`
	Entries []model.LogEntry `json:"entries" yaml:"entries"`
}

// SummarizeEntries groups log entries of one run by action.
func SummarizeEntries(runID string, entries []model.LogEntry) *RunSummary {
	s := &RunSummary{
		RunID:   runID,
		Created: []PageRef{},
		Updated: []PageRef{},
		Deleted: []PageRef{},
		Skipped: []PageRef{},
		Failed:  []PageRef{},
		Entries: entries,
		Total:   len(entries),
	}
	if s.Entries == nil {
		s.Entries = []model.LogEntry{}
	}
	for _, e := range entries {
		ref := PageRef{ID: e.PageID, Title: e.Title}
		switch e.Action {
		case model.ActionCreated:
			s.Created = append(s.Created, ref)
		case model.ActionUpdated:
			s.Updated = append(s.Updated, ref)
		case model.ActionDeleted:
			s.Deleted = append(s.Deleted, ref)
		case model.ActionSkipped:
			s.Skipped = append(s.Skipped, ref)
		case model.ActionFailed:
			s.Failed = append(s.Failed, ref)
		}
	}
	return s
}
