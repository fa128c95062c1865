package parser

import (
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// frontmatterRegex matches YAML frontmatter between --- delimiters
	frontmatterRegex = regexp.MustCompile(`(?s)^---\r?\n(.+?)\r?\n---\r?\n?`)

	// Date formats seen in OneNote exports and hand-written frontmatter
	dateFormats = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.0000000",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
		"January 2, 2006",
		"Jan 2, 2006",
	}
)

// Frontmatter is the YAML header a plain-text page may carry
type Frontmatter struct {
	Title    *string
	Created  *time.Time
	Modified *time.Time
}

// parseTime tries every known layout; unparseable dates yield nil
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return &t
		}
	}
	return nil
}

// flexibleTime handles various date formats
type flexibleTime struct {
	t *time.Time
}

func (ft *flexibleTime) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	ft.t = parseTime(str)
	return nil // Don't fail on unparseable dates, just leave empty
}

type rawFrontmatter struct {
	Title    *string      `yaml:"title"`
	Created  flexibleTime `yaml:"created"`
	Modified flexibleTime `yaml:"modified"`
}

// ParseFrontmatter splits YAML frontmatter from content. Content without
// frontmatter, or with frontmatter that is not valid YAML, is returned whole.
func ParseFrontmatter(content string) (*Frontmatter, string) {
	fm := &Frontmatter{}

	match := frontmatterRegex.FindStringSubmatch(content)
	if match == nil {
		return fm, content
	}

	var raw rawFrontmatter
	if err := yaml.Unmarshal([]byte(match[1]), &raw); err != nil {
		return fm, content
	}

	fm.Title = raw.Title
	fm.Created = raw.Created.t
	fm.Modified = raw.Modified.t
	return fm, content[len(match[0]):]
}
