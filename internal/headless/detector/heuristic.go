// Package detector decides when a fetched page is a JavaScript shell worth rendering headlessly.
package detector

import (
	"bytes"
	"mime"
	"strings"

	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/parser"
)

// Heuristic promotes HTML pages whose visible text is thin and whose markup
// looks like a client-rendered application.
type Heuristic struct {
	BodyLengthThreshold int
	MinTextChars        int
}

// NewHeuristic creates a new detector. Zero values fall back to defaults.
func NewHeuristic(threshold, minTextChars int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	if minTextChars == 0 {
		minTextChars = 200
	}
	return &Heuristic{BodyLengthThreshold: threshold, MinTextChars: minTextChars}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-v-app"),
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp ingest.FetchResponse) bool {
	if resp.StatusCode != 200 || resp.UsedHeadless {
		return false
	}
	if !isHTML(resp) {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if _, text, err := parser.TextFromHTML(body); err == nil && len(text) >= h.MinTextChars {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func isHTML(resp ingest.FetchResponse) bool {
	ct := resp.Headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed: the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		var nextSearch int
		if relativeEnd := strings.Index(lower[contentStart:], closeTag); relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage > 0 && scriptCoverage*100/total >= 25
}
