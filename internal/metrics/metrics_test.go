package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, crawlPagesTotal)
	require.NotNil(t, uploadItemsTotal)
}

func TestObserveCrawlCountsPagesAndBytes(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlPagesTotal.WithLabelValues("crawl-metrics.test", "fetched"))
	ObserveCrawl("https://Crawl-Metrics.test/a", "fetched", 128)
	ObserveCrawl("https://crawl-metrics.test/b", "fetched", 0)

	require.InDelta(t, before+2, testutil.ToFloat64(crawlPagesTotal.WithLabelValues("crawl-metrics.test", "fetched")), 0.001)
	require.InDelta(t, 128, testutil.ToFloat64(crawlBytesTotal.WithLabelValues("crawl-metrics.test")), 0.001)
}

func TestObserveUploadItem(t *testing.T) {
	Init()
	before := testutil.ToFloat64(uploadItemsTotal.WithLabelValues("raw", "skipped"))
	ObserveUploadItem("raw", "skipped")
	require.InDelta(t, before+1, testutil.ToFloat64(uploadItemsTotal.WithLabelValues("raw", "skipped")), 0.001)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
