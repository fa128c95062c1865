package source

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/vonshlovens/pagesync/internal/model"
	"github.com/vonshlovens/pagesync/internal/parser"
)

// Directory reads pages from a local export: one HTML or text file per page,
// notebooks and sections as directories.
type Directory struct {
	root   string
	filter PathFilter
}

// NewDirectory creates a directory source rooted at root
func NewDirectory(root string, filter PathFilter) *Directory {
	return &Directory{root: root, filter: filter}
}

// Root returns the directory being read
func (d *Directory) Root() string {
	return d.root
}

// FetchItems walks the export. sel.Notebook restricts the walk to that
// top-level directory; ids stay relative to the root either way. A walk
// error fails the whole fetch.
func (d *Directory) FetchItems(ctx context.Context, sel model.Selector) ([]model.Item, error) {
	walkRoot := d.root
	if sel.Notebook != "" {
		walkRoot = filepath.Join(d.root, sel.Notebook)
		info, err := os.Stat(walkRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to open notebook %q: %w", sel.Notebook, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("notebook %q is not a directory", sel.Notebook)
		}
	}
	if sel.Site != "" {
		slog.Debug("directory source ignores site selector", "site", sel.Site)
	}

	var items []model.Item
	err := filepath.WalkDir(walkRoot, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if relPath == "." {
			return nil
		}

		if d.filter.ShouldIgnore(relPath) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !entry.Type().IsRegular() || !d.filter.ShouldInclude(relPath) {
			return nil
		}

		item, ok, err := d.readItem(p, relPath)
		if err != nil {
			return err
		}
		if ok {
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", walkRoot, err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	slog.Debug("read export directory", "root", walkRoot, "pages", len(items))
	return items, nil
}

// readItem loads one file; ok is false for content that is not a page
func (d *Directory) readItem(absPath, relPath string) (model.Item, bool, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return model.Item{}, false, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return model.Item{}, false, err
	}

	mtype := mimetype.Detect(data)
	if !mtype.Is("text/html") && !mtype.Is("text/plain") {
		slog.Debug("skipping non-page file", "path", relPath, "mime", mtype.String())
		return model.Item{}, false, nil
	}

	name := path.Base(relPath)
	item := model.Item{
		ID:         relPath,
		Title:      strings.TrimSuffix(name, path.Ext(name)),
		RawContent: string(data),
		ModifiedAt: info.ModTime(),
	}
	if dir := path.Dir(relPath); dir != "." {
		item.ParentPath = dir
	}

	if title := pageTitle(item.RawContent, mtype.Is("text/html")); title != "" {
		item.Title = title
	}
	return item, true, nil
}

// pageTitle prefers the HTML <title> or the frontmatter title over the file name
func pageTitle(raw string, isHTML bool) string {
	if isHTML {
		page, err := parser.ParseHTML(raw)
		if err != nil {
			return ""
		}
		return page.Title
	}
	fm, _ := parser.ParseFrontmatter(raw)
	if fm.Title != nil {
		return strings.TrimSpace(*fm.Title)
	}
	return ""
}
