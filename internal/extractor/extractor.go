// Package extractor pulls the primary textual content and outbound links out
// of fetched HTML.
package extractor

import (
	"bytes"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/markusmobius/go-trafilatura"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/sitedigest/sitedigest/internal/crawler"
)

// Tags whose subtrees never contribute visible text.
var skipTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
	"nav":      {},
	"header":   {},
	"footer":   {},
	"aside":    {},
}

// Result holds everything extracted from one page.
type Result struct {
	Title string
	Text  string
	Links []string
}

// Extractor parses HTML bodies. Extraction is best-effort: malformed markup
// yields partial content rather than an error.
type Extractor struct {
	logger *zap.Logger
}

// New creates an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract returns the visible text and in-scope outbound links of an HTML
// body. Non-HTML content types return crawler.ErrNotHTML. Links are
// canonicalized against the page URL and deduplicated while preserving
// discovery order.
func (e *Extractor) Extract(contentType string, body []byte, pageURL string, scope *crawler.Scope) (Result, error) {
	if !isHTML(contentType) {
		return Result{}, fmt.Errorf("%w: content type %q", crawler.ErrNotHTML, contentType)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse page url: %w", err)
	}

	// html.Parse never fails on malformed input; it builds the best tree it
	// can, which is exactly the partial-content behavior we want.
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	result := Result{
		Title: pageTitle(doc),
		Links: e.collectLinks(doc, base, scope),
		Text:  e.mainText(body, doc, pageURL),
	}
	return result, nil
}

// mainText prefers trafilatura's boilerplate-stripping extraction and falls
// back to a plain visible-text walk when it yields nothing.
func (e *Extractor) mainText(body []byte, doc *html.Node, pageURL string) string {
	extract, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{})
	if err == nil && extract != nil && strings.TrimSpace(extract.ContentText) != "" {
		return strings.TrimSpace(extract.ContentText)
	}
	if err != nil {
		e.logger.Debug("trafilatura extraction failed; using fallback walk",
			zap.String("url", pageURL), zap.Error(err))
	}
	return visibleText(doc)
}

func (e *Extractor) collectLinks(doc *html.Node, base *url.URL, scope *crawler.Scope) []string {
	var links []string
	seen := make(map[string]struct{})
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				canonical, ok := scope.Canonicalize(base, attr.Val)
				if !ok {
					continue
				}
				if _, dup := seen[canonical]; dup {
					continue
				}
				seen[canonical] = struct{}{}
				links = append(links, canonical)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func pageTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return title
}

// visibleText walks the tree collecting text nodes outside script, style,
// and structural boilerplate tags.
func visibleText(doc *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := skipTags[n.Data]; skip {
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String()
}

// NormalizeText collapses all runs of whitespace to single spaces so that
// content hashes are insensitive to formatting differences.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
