// Package extract converts raw document content into plain text for
// chunking. HTML goes through readability extraction with a DOM-text
// fallback; markdown is rendered to HTML first so formatting syntax
// never leaks into chunks.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/yuin/goldmark"

	"github.com/koopa0/grounded/internal/rag"
)

// Extractor implements text extraction for the supported formats. The
// zero value is ready to use.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor { return &Extractor{} }

// Extract returns the plain text of raw in the given format.
func (e *Extractor) Extract(format string, raw []byte) (string, error) {
	switch format {
	case rag.FormatText:
		return string(raw), nil
	case rag.FormatMarkdown:
		return markdownText(raw)
	case rag.FormatHTML:
		return htmlText(raw)
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
}

// markdownText renders markdown to HTML and extracts the text from that,
// so emphasis markers, link targets and code fences drop out the same
// way they do for HTML input.
func markdownText(raw []byte) (string, error) {
	var html bytes.Buffer
	if err := goldmark.Convert(raw, &html); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return domText(html.Bytes())
}

// htmlText prefers readability extraction, which strips navigation and
// boilerplate from full pages. Fragments and pages readability cannot
// handle fall back to raw DOM text.
func htmlText(raw []byte) (string, error) {
	u, _ := url.Parse("local://document")
	article, err := readability.FromReader(bytes.NewReader(raw), u)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return article.TextContent, nil
	}
	return domText(raw)
}

// domText returns the visible text of an HTML document with scripts and
// styles removed and block elements separated by newlines.
func domText(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	var sb strings.Builder
	doc.Find("body").Each(func(_ int, body *goquery.Selection) {
		blocks := body.Find("p, h1, h2, h3, h4, h5, h6, li, pre, td, blockquote")
		if blocks.Length() == 0 {
			sb.WriteString(body.Text())
			return
		}
		blocks.Each(func(_ int, sel *goquery.Selection) {
			text := strings.TrimSpace(sel.Text())
			if text == "" {
				return
			}
			sb.WriteString(text)
			sb.WriteString("\n")
		})
	})

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		// No body element (bare fragment): take the whole document text.
		text = doc.Text()
	}
	return text, nil
}
