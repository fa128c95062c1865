package sync

import (
	"errors"
	"fmt"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("reconciliation already in progress")

// ErrorKind names the stage at which a reconciliation error happened.
type ErrorKind string

const (
	KindFetch         ErrorKind = "fetch"
	KindProcessing    ErrorKind = "processing"
	KindContentStore  ErrorKind = "content_store"
	KindMetadataStore ErrorKind = "metadata_store"
	KindLogStore      ErrorKind = "log_store"
)

// Fatal reports whether errors of this kind abort the whole run.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindFetch, KindMetadataStore, KindLogStore:
		return true
	}
	return false
}

// Error is a reconciliation failure tagged with its kind and page.
type Error struct {
	Kind   ErrorKind
	PageID string
	Err    error
}

func (e *Error) Error() string {
	if e.PageID != "" {
		return fmt.Sprintf("%s error on page %s: %v", e.Kind, e.PageID, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error aborts the run.
func (e *Error) Fatal() bool {
	return e.Kind.Fatal()
}

// KindOf returns the kind of a reconciliation error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}
