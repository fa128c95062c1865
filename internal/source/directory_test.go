package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/pagesync/internal/model"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func exportTree(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, root, "Work/Daily/monday.html", "<html><head><title>Monday standup</title></head><body><p>notes</p></body></html>")
	writeFile(t, root, "Work/Daily/tuesday.txt", "---\ntitle: Tuesday\n---\nplain notes\n")
	writeFile(t, root, "Work/Ideas/spark.md", "no frontmatter here")
	writeFile(t, root, "Personal/todo.html", "<p>milk</p>")
	writeFile(t, root, "Work/Daily/diagram.png", "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	writeFile(t, root, ".git/config", "[core]")
	return root
}

func TestDirectory_FetchItems(t *testing.T) {
	root := exportTree(t)
	d := NewDirectory(root, PathFilter{Ignore: []string{".git/**"}})

	items, err := d.FetchItems(context.Background(), model.Selector{})
	require.NoError(t, err)

	ids := make([]string, 0, len(items))
	byID := map[string]model.Item{}
	for _, it := range items {
		ids = append(ids, it.ID)
		byID[it.ID] = it
	}
	assert.Equal(t, []string{
		"Personal/todo.html",
		"Work/Daily/monday.html",
		"Work/Daily/tuesday.txt",
		"Work/Ideas/spark.md",
	}, ids)

	assert.Equal(t, "Monday standup", byID["Work/Daily/monday.html"].Title)
	assert.Equal(t, "Tuesday", byID["Work/Daily/tuesday.txt"].Title)
	assert.Equal(t, "spark", byID["Work/Ideas/spark.md"].Title)
	assert.Equal(t, "todo", byID["Personal/todo.html"].Title)
	assert.Equal(t, "Work/Daily", byID["Work/Daily/monday.html"].ParentPath)
	assert.False(t, byID["Personal/todo.html"].ModifiedAt.IsZero())
}

func TestDirectory_NotebookSelector(t *testing.T) {
	root := exportTree(t)
	d := NewDirectory(root, PathFilter{})

	items, err := d.FetchItems(context.Background(), model.Selector{Notebook: "Personal"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Personal/todo.html", items[0].ID, "ids stay relative to the export root")

	_, err = d.FetchItems(context.Background(), model.Selector{Notebook: "Missing"})
	assert.Error(t, err)
}

func TestDirectory_IncludePatterns(t *testing.T) {
	root := exportTree(t)
	d := NewDirectory(root, PathFilter{Ignore: []string{".git/**"}, Include: []string{"**/*.html"}})

	items, err := d.FetchItems(context.Background(), model.Selector{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, ".html", filepath.Ext(it.ID))
	}
}

func TestDirectory_MissingRoot(t *testing.T) {
	d := NewDirectory(filepath.Join(t.TempDir(), "nope"), PathFilter{})
	_, err := d.FetchItems(context.Background(), model.Selector{})
	assert.Error(t, err, "an unreadable export must fail instead of looking empty")
}

func TestPathFilter(t *testing.T) {
	f := PathFilter{
		Ignore:  []string{".git/**", "**/.DS_Store", "Archive"},
		Include: []string{"**/*.html", "**/*.txt"},
	}

	tests := []struct {
		path string
		want bool
	}{
		{"Work/page.html", true},
		{"Work/page.txt", true},
		{"Work/page.pdf", false},
		{".git/HEAD", false},
		{"Work/.DS_Store", false},
		{"Archive/old.html", false},
	}

	for _, tt := range tests {
		if got := f.Match(tt.path); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
