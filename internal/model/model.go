// Package model defines shared data structures.
package model

import "time"

// Action classifies what a reconciliation pass did with a page.
type Action string

const (
	ActionCreated Action = "CREATED"
	ActionUpdated Action = "UPDATED"
	ActionDeleted Action = "DELETED"
	ActionSkipped Action = "SKIPPED"
	ActionFailed  Action = "FAILED"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted, ActionSkipped, ActionFailed:
		return true
	}
	return false
}

// Selector narrows a fetch to a SharePoint site and/or notebook.
// The zero value selects everything the source can see.
type Selector struct {
	Site     string `json:"site,omitempty" yaml:"site,omitempty"`
	Notebook string `json:"notebook,omitempty" yaml:"notebook,omitempty"`
}

// Item is a page as delivered by a fetch. It only lives for one pass.
type Item struct {
	ID         string
	Title      string
	RawContent string
	ModifiedAt time.Time
	ParentPath string // notebook/section, optional
}

// ProcessedContent is the normalized text of a page plus its store-ready chunks.
type ProcessedContent struct {
	Text   string
	Chunks []string
}

// MetadataRecord is the last-known state of a page across runs.
type MetadataRecord struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Title       string    `json:"title"`
	LastRunID   string    `json:"last_run_id"`
	Deleted     bool      `json:"deleted"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LogEntry is an immutable sync log row. LogID is assigned by the store.
type LogEntry struct {
	LogID     int64     `json:"log_id" yaml:"log_id"`
	RunID     string    `json:"run_id" yaml:"run_id"`
	AttemptID string    `json:"attempt_id" yaml:"attempt_id"`
	PageID    string    `json:"page_id" yaml:"page_id"`
	Title     string    `json:"title" yaml:"title"`
	Action    Action    `json:"action" yaml:"action"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// StoreStatus reports the size and freshness of a backend.
type StoreStatus struct {
	Connected    bool       `json:"connected" yaml:"connected"`
	Backend      string     `json:"backend" yaml:"backend"`
	LivePages    int        `json:"live_pages" yaml:"live_pages"`
	DeletedPages int        `json:"deleted_pages" yaml:"deleted_pages"`
	Chunks       int        `json:"chunks" yaml:"chunks"`
	LogEntries   int        `json:"log_entries" yaml:"log_entries"`
	LastRunID    string     `json:"last_run_id,omitempty" yaml:"last_run_id,omitempty"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty" yaml:"last_sync_time,omitempty"`
}
