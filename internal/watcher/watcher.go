package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/vonshlovens/pagesync/internal/source"
)

// Watcher monitors a page directory and emits a batch whenever files
// settle after a change
type Watcher struct {
	rootPath  string
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	filter    source.PathFilter
	stopCh    chan struct{}
}

// NewWatcher creates a new file watcher
func NewWatcher(rootPath string, debounceMs int, filter source.PathFilter) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		rootPath:  rootPath,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(debounceMs),
		filter:    filter,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins watching the root directory and all subdirectories
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.rootPath); err != nil {
		return err
	}

	go w.processEvents(ctx)

	slog.Info("watcher started",
		"path", w.rootPath,
		"ignore_patterns", len(w.filter.Ignore))

	return nil
}

// Events returns the channel of debounced batches
func (w *Watcher) Events() <-chan Batch {
	return w.debouncer.Events()
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.debouncer.Stop()
	return w.watcher.Close()
}

// addRecursive adds a directory and all subdirectories to the watcher
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("error walking path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		relPath, _ := filepath.Rel(w.rootPath, path)
		relPath = filepath.ToSlash(relPath)
		if relPath != "." && w.filter.ShouldIgnore(relPath) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			slog.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// processEvents handles fsnotify events
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			relPath, err := filepath.Rel(w.rootPath, event.Name)
			if err != nil {
				continue
			}
			relPath = filepath.ToSlash(relPath)

			if w.filter.ShouldIgnore(relPath) {
				continue
			}
			w.handleEvent(event, relPath)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("watcher error", "error", err)
		}
	}
}

// handleEvent processes a single fsnotify event
func (w *Watcher) handleEvent(event fsnotify.Event, relPath string) {
	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	// New directories are watched; their files arrive as their own events
	if isDir {
		if event.Has(fsnotify.Create) {
			if err := w.addRecursive(event.Name); err != nil {
				slog.Warn("failed to add new directory", "path", event.Name, "error", err)
			}
		}
		return
	}

	// A removed directory cannot be told apart from a removed file, so
	// removals skip the include check
	switch {
	case event.Has(fsnotify.Create):
		if w.filter.ShouldInclude(relPath) {
			w.debouncer.Add(relPath, EventCreate)
		}
	case event.Has(fsnotify.Write):
		if w.filter.ShouldInclude(relPath) {
			w.debouncer.Add(relPath, EventModify)
		}
	case event.Has(fsnotify.Remove):
		w.debouncer.Add(relPath, EventDelete)
	case event.Has(fsnotify.Rename):
		// the new name arrives as a create
		w.debouncer.Add(relPath, EventDelete)
	}
}

// Flush flushes all pending debounced events
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}
