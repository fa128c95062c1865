package source

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PathFilter decides which slash-separated relative paths take part in a sync
type PathFilter struct {
	Ignore  []string
	Include []string
}

// ShouldIgnore checks if a path, or any of its parent directories, matches an
// ignore pattern
func (f PathFilter) ShouldIgnore(relPath string) bool {
	for _, pattern := range f.Ignore {
		matched, err := doublestar.Match(pattern, relPath)
		if err != nil {
			continue
		}
		if matched {
			return true
		}

		parts := strings.Split(relPath, "/")
		for i := 1; i < len(parts); i++ {
			partial := strings.Join(parts[:i], "/")
			if matched, _ := doublestar.Match(pattern, partial); matched {
				return true
			}
		}
	}
	return false
}

// ShouldInclude checks a file path against the include patterns; no patterns
// includes everything
func (f PathFilter) ShouldInclude(relPath string) bool {
	if len(f.Include) == 0 {
		return true
	}

	for _, pattern := range f.Include {
		matched, err := doublestar.Match(pattern, relPath)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// Match reports whether a file path takes part in a sync
func (f PathFilter) Match(relPath string) bool {
	return !f.ShouldIgnore(relPath) && f.ShouldInclude(relPath)
}
