package parser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// tableToMarkdown renders a table as a Markdown pipe table. The first row is
// the header when it holds <th> cells; otherwise generic headers are used.
func tableToMarkdown(table *goquery.Selection) string {
	var rows [][]string
	hasHeader := false
	width := 0

	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		// rows of nested tables belong to those tables
		if !tr.Closest("table").IsSelection(table) {
			return
		}
		cells := tr.ChildrenFiltered("th, td")
		if cells.Length() == 0 {
			return
		}
		if len(rows) == 0 && cells.Filter("th").Length() > 0 {
			hasHeader = true
		}
		row := make([]string, 0, cells.Length())
		cells.Each(func(_ int, cell *goquery.Selection) {
			row = append(row, cellText(cell))
		})
		if len(row) > width {
			width = len(row)
		}
		rows = append(rows, row)
	})

	if len(rows) == 0 {
		return ""
	}

	var header []string
	if hasHeader {
		header, rows = rows[0], rows[1:]
	} else {
		header = genericHeaders(width)
	}

	var b strings.Builder
	writeRow(&b, pad(header, width))
	b.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
	for _, row := range rows {
		writeRow(&b, pad(row, width))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func genericHeaders(n int) []string {
	if n == 2 {
		return []string{"Feature", "Details"}
	}
	headers := make([]string, n)
	for i := range headers {
		headers[i] = fmt.Sprintf("Column %d", i+1)
	}
	return headers
}

func cellText(cell *goquery.Selection) string {
	text := strings.Join(strings.Fields(cell.Text()), " ")
	return strings.ReplaceAll(text, "|", `\|`)
}

func pad(row []string, n int) []string {
	for len(row) < n {
		row = append(row, "")
	}
	return row
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
}
