package extract

import (
	"strings"
	"testing"

	"github.com/koopa0/grounded/internal/rag"
)

func TestExtractText(t *testing.T) {
	e := New()
	got, err := e.Extract(rag.FormatText, []byte("plain text stays as is"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "plain text stays as is" {
		t.Errorf("got %q", got)
	}
}

func TestExtractMarkdown(t *testing.T) {
	e := New()
	md := "# Heading\n\nSome *emphasized* text with a [link](https://example.com).\n\n- item one\n- item two\n"
	got, err := e.Extract(rag.FormatMarkdown, []byte(md))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Heading", "emphasized", "link", "item one", "item two"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
	for _, markup := range []string{"#", "*", "](", "https://example.com"} {
		if strings.Contains(got, markup) {
			t.Errorf("markdown syntax %q leaked into %q", markup, got)
		}
	}
}

func TestExtractHTML(t *testing.T) {
	e := New()
	html := `<html><head><style>p{color:red}</style></head><body>
		<script>alert("nope")</script>
		<h1>Release Notes</h1>
		<p>Version 2 fixes the retry loop.</p>
	</body></html>`
	got, err := e.Extract(rag.FormatHTML, []byte(html))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "Release Notes") || !strings.Contains(got, "retry loop") {
		t.Errorf("missing content in %q", got)
	}
	if strings.Contains(got, "alert") || strings.Contains(got, "color:red") {
		t.Errorf("script or style leaked into %q", got)
	}
}

func TestExtractHTMLFragment(t *testing.T) {
	e := New()
	got, err := e.Extract(rag.FormatHTML, []byte("<p>just a fragment</p>"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "just a fragment") {
		t.Errorf("got %q", got)
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	e := New()
	if _, err := e.Extract("pdf", []byte("%PDF")); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
