// Package parser extracts titles, readable text and links from fetched content,
// and turns text into stemmed term frequencies.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxTextBytes bounds the text kept per document.
const maxTextBytes = 1 << 20

// Document is the parsed form of an HTML page.
type Document struct {
	Title string
	Text  string
	Links []string
}

var skipExtensions = []string{
	".pdf", ".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".ico",
	".css", ".js", ".zip", ".tar", ".gz", ".tgz",
	".exe", ".dmg", ".iso",
	".mp4", ".avi", ".mov", ".mp3", ".wav",
}

// ParseHTML parses body as HTML. Links are resolved against baseURL, stripped
// of fragments, deduplicated and kept in document order.
func ParseHTML(body []byte, baseURL string) (Document, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return Document{}, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	return Document{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Text:  extractText(doc),
		Links: extractLinks(doc, base),
	}, nil
}

// TextFromHTML returns the readable text of an HTML document.
func TextFromHTML(body []byte) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	return strings.TrimSpace(doc.Find("title").First().Text()), extractText(doc), nil
}

func extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if rel, _ := s.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
			return
		}
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		abs.RawFragment = ""
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if hasSkippedExtension(abs.Path) {
			return
		}
		link := abs.String()
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func hasSkippedExtension(path string) bool {
	path = strings.ToLower(path)
	for _, ext := range skipExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func extractText(doc *goquery.Document) string {
	content := doc.Clone()
	content.Find("script, style, noscript, iframe, template, svg").Remove()

	text := content.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = content.Text()
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxTextBytes {
		text = text[:maxTextBytes]
	}
	return text
}
