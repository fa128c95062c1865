package parser

import (
	"os"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
)

func TestParseHTML_Golden(t *testing.T) {
	raw, err := os.ReadFile("testdata/page.html")
	if err != nil {
		t.Fatal(err)
	}

	page, err := ParseHTML(string(raw))
	if err != nil {
		t.Fatalf("ParseHTML() error = %v", err)
	}

	g := goldie.New(t)
	g.Assert(t, "page", []byte(page.Text))

	if page.Title != "Weekly Notes" {
		t.Errorf("Title = %q, want %q", page.Title, "Weekly Notes")
	}
	want := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	if page.Created == nil || !page.Created.Equal(want) {
		t.Errorf("Created = %v, want %v", page.Created, want)
	}
}

func TestParseHTML_Text(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "inline elements keep word spacing",
			html: "<p>Hello <b>bold</b> <i>world</i></p>",
			want: "Hello bold world",
		},
		{
			name: "line breaks",
			html: "<p>one<br>two<br/>three</p>",
			want: "one\ntwo\nthree",
		},
		{
			name: "image without alt is dropped",
			html: `<p>before</p><img src="x.png"><p>after</p>`,
			want: "before\nafter",
		},
		{
			name: "scripts and styles are dropped",
			html: "<div>keep<script>var x = 1;</script><style>.a{}</style></div>",
			want: "keep",
		},
		{
			name: "entities and nbsp",
			html: "<p>Tom&nbsp;&amp;&nbsp;Jerry</p>",
			want: "Tom & Jerry",
		},
		{
			name: "empty body",
			html: "<html><body></body></html>",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := ParseHTML(tt.html)
			if err != nil {
				t.Fatalf("ParseHTML() error = %v", err)
			}
			if page.Text != tt.want {
				t.Errorf("Text = %q, want %q", page.Text, tt.want)
			}
		})
	}
}

func TestTableToMarkdown(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "two columns without header",
			html: "<table><tr><td>Speed</td><td>Fast</td></tr><tr><td>Cost</td><td>Low</td></tr></table>",
			want: "| Feature | Details |\n| --- | --- |\n| Speed | Fast |\n| Cost | Low |",
		},
		{
			name: "three columns without header",
			html: "<table><tr><td>a</td><td>b</td><td>c</td></tr></table>",
			want: "| Column 1 | Column 2 | Column 3 |\n| --- | --- | --- |\n| a | b | c |",
		},
		{
			name: "ragged rows are padded",
			html: "<table><tr><th>k</th><th>v</th></tr><tr><td>only</td></tr></table>",
			want: "| k | v |\n| --- | --- |\n| only | |",
		},
		{
			name: "pipes are escaped",
			html: "<table><tr><th>expr</th></tr><tr><td>a|b</td></tr></table>",
			want: "| expr |\n| --- |\n| a\\|b |",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := ParseHTML(tt.html)
			if err != nil {
				t.Fatalf("ParseHTML() error = %v", err)
			}
			if page.Text != tt.want {
				t.Errorf("Text = %q, want %q", page.Text, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  a   b  ", "a b"},
		{"a\n\n\n b \n", "a\nb"},
		{"tab\tseparated", "tab separated"},
		{"cafe\u0301", "caf\u00e9"},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
