package parser

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"
)

// Page is what the HTML of one page yields
type Page struct {
	Title   string
	Created *time.Time
	Text    string
}

// ParseHTML extracts the head metadata and the readable text of a page
func ParseHTML(raw string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	page := &Page{
		Title:   Normalize(doc.Find("head title").First().Text()),
		Created: parseTime(doc.Find(`meta[name="created"]`).AttrOr("content", "")),
	}

	var e extractor
	doc.Find("body").Each(func(_ int, body *goquery.Selection) {
		for _, n := range body.Nodes {
			e.walk(n)
		}
	})
	page.Text = Normalize(e.b.String())

	return page, nil
}

type extractor struct {
	b strings.Builder
}

func (e *extractor) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		e.b.WriteString(collapse(n.Data))
		return
	case html.ElementNode:
	default:
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Title, atom.Noscript, atom.Template:
		return
	case atom.Br:
		e.b.WriteByte('\n')
		return
	case atom.Img:
		if alt := strings.TrimSpace(attr(n, "alt")); alt != "" {
			e.b.WriteString("[image: " + alt + "]")
		}
		return
	case atom.Table:
		e.b.WriteString("\n" + tableToMarkdown(goquery.NewDocumentFromNode(n).Selection) + "\n")
		return
	}

	block := blockElements[n.DataAtom]
	if block {
		e.b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.walk(c)
	}
	if block {
		e.b.WriteByte('\n')
	}
}

var blockElements = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Body: true, atom.Dd: true, atom.Div: true, atom.Dl: true, atom.Dt: true,
	atom.Figcaption: true, atom.Figure: true, atom.Footer: true, atom.H1: true,
	atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Header: true, atom.Hr: true, atom.Li: true, atom.Main: true, atom.Nav: true,
	atom.Ol: true, atom.P: true, atom.Pre: true, atom.Section: true, atom.Tr: true,
	atom.Ul: true,
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// collapse squeezes whitespace runs to one space, keeping a single space at
// either edge so adjacent inline text does not run together.
func collapse(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(fields, " ")
	if strings.TrimLeftFunc(s, unicode.IsSpace) != s {
		out = " " + out
	}
	if strings.TrimRightFunc(s, unicode.IsSpace) != s {
		out += " "
	}
	return out
}

// Normalize applies NFC, collapses whitespace within lines and drops blank
// lines. Fingerprints are taken over its output, so formatting-only changes
// do not register as edits.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
