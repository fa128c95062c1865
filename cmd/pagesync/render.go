package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/pagesync/internal/model"
	pagesync "github.com/vonshlovens/pagesync/internal/sync"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// encode writes v as JSON or YAML; text is handled by the callers
func encode(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}

func printRefs(w io.Writer, label string, refs []pagesync.PageRef) {
	fmt.Fprintf(w, "%s: %d\n", label, len(refs))
	for _, r := range refs {
		fmt.Fprintf(w, "  - %s (%s)\n", r.Title, r.ID)
	}
}

func renderResult(w io.Writer, format string, res *pagesync.RunResult) error {
	if format != formatText {
		return encode(w, format, res)
	}

	fmt.Fprintf(w, "Run %s (%s): %s\n", res.RunID, res.AttemptID, strings.ToUpper(string(res.Status)))
	fmt.Fprintf(w, "Duration: %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	c := res.Counts
	fmt.Fprintf(w, "Created: %d  Updated: %d  Deleted: %d  Skipped: %d  Failed: %d\n",
		c.Created, c.Updated, c.Deleted, c.Skipped, c.Failed)
	for _, f := range res.Failed {
		fmt.Fprintf(w, "  ! %s (%s) %s: %s\n", f.Title, f.ID, f.Kind, f.Message)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "Stopped at %s: %s\n", res.FailurePoint, res.Error)
	}
	return nil
}

func renderSummary(w io.Writer, format string, s *pagesync.RunSummary) error {
	if format != formatText {
		return encode(w, format, s)
	}

	if s.Total == 0 {
		fmt.Fprintf(w, "No log entries for run %s\n", s.RunID)
		return nil
	}
	fmt.Fprintf(w, "=== Run %s ===\n", s.RunID)
	printRefs(w, "Created", s.Created)
	printRefs(w, "Updated", s.Updated)
	printRefs(w, "Deleted", s.Deleted)
	printRefs(w, "Skipped", s.Skipped)
	printRefs(w, "Failed", s.Failed)
	fmt.Fprintf(w, "Total: %d\n", s.Total)
	return nil
}

func renderHistory(w io.Writer, format, pageID string, entries []model.LogEntry) error {
	if format != formatText {
		return encode(w, format, map[string]any{"page_id": pageID, "entries": entries})
	}

	if len(entries) == 0 {
		fmt.Fprintf(w, "No history for page %s\n", pageID)
		return nil
	}
	fmt.Fprintf(w, "=== History of %s ===\n", pageID)
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-8s run %s  %s", e.Timestamp.Format(time.RFC3339), e.Action, e.RunID, e.Title)
		if e.Detail != "" {
			line += "  (" + e.Detail + ")"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func renderStatus(w io.Writer, st *model.StoreStatus, last *pagesync.RunState) {
	fmt.Fprintln(w, "=== PageSync Status ===")
	if st == nil || !st.Connected {
		fmt.Fprintln(w, "Database Status: Disconnected")
	} else {
		fmt.Fprintf(w, "Database Status: Connected (%s)\n", st.Backend)
		fmt.Fprintf(w, "  Live pages: %s\n", humanize.Comma(int64(st.LivePages)))
		fmt.Fprintf(w, "  Deleted pages: %s\n", humanize.Comma(int64(st.DeletedPages)))
		fmt.Fprintf(w, "  Chunks: %s\n", humanize.Comma(int64(st.Chunks)))
		fmt.Fprintf(w, "  Log entries: %s\n", humanize.Comma(int64(st.LogEntries)))
		if st.LastSyncTime != nil {
			fmt.Fprintf(w, "  Last sync: %s (run %s)\n", humanize.Time(*st.LastSyncTime), st.LastRunID)
		}
	}

	if last == nil || last.LastResult == nil {
		return
	}
	fmt.Fprintln(w)
	res := last.LastResult
	fmt.Fprintf(w, "Last pass: %s, %s\n", res.Status, humanize.Time(res.FinishedAt))
	if last.LastSuccess != nil {
		fmt.Fprintf(w, "Last success: %s\n", humanize.Time(*last.LastSuccess))
	}
	fmt.Fprintf(w, "Passes recorded: %d\n", last.Passes)
}
