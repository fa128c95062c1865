// Package parser turns raw page content into normalized text and chunks.
package parser

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/vonshlovens/pagesync/internal/model"
)

const (
	DefaultChunkSize    = 1024
	DefaultChunkOverlap = 200
)

// ErrInvalidUTF8 is returned for content that is not valid UTF-8
var ErrInvalidUTF8 = errors.New("content is not valid UTF-8")

// Processor converts fetched pages into store-ready content
type Processor struct {
	chunkSize    int
	chunkOverlap int
}

// NewProcessor creates a Processor. Non-positive values select the defaults.
func NewProcessor(chunkSize, chunkOverlap int) *Processor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = DefaultChunkOverlap
	}
	return &Processor{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

// Process extracts the text of item and chunks it
func (p *Processor) Process(ctx context.Context, item model.Item) (model.ProcessedContent, error) {
	if err := ctx.Err(); err != nil {
		return model.ProcessedContent{}, err
	}

	text, err := Text(item.RawContent)
	if err != nil {
		return model.ProcessedContent{}, err
	}

	return model.ProcessedContent{
		Text:   text,
		Chunks: Chunk(text, p.chunkSize, p.chunkOverlap),
	}, nil
}

// Text returns the normalized text of raw, which may be HTML or plain text
// with optional frontmatter.
func Text(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", ErrInvalidUTF8
	}

	if IsHTML([]byte(raw)) {
		page, err := ParseHTML(raw)
		if err != nil {
			return "", err
		}
		return page.Text, nil
	}

	_, body := ParseFrontmatter(raw)
	return Normalize(body), nil
}

// IsHTML sniffs data for an HTML document or fragment
func IsHTML(data []byte) bool {
	return mimetype.Detect(data).Is("text/html")
}
