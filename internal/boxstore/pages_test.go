package boxstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

func TestCreatePageUpsertKeepsIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.CreatePage(ctx, "s1", "https://example.com/docs/a", 1)
	require.NoError(t, err)
	require.Equal(t, ingest.PageQueued, first.Status)

	require.NoError(t, s.UpdatePage(ctx, first.ID, ingest.PageUpdate{
		Status:    ingest.PageFailed,
		ErrorNote: "fetch https://example.com/docs/a: status 500",
	}))

	again, err := s.CreatePage(ctx, "s2", "https://example.com/docs/a", 0)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, first.DiscoveredAt, again.DiscoveredAt)
	require.Equal(t, "s2", again.SessionID)
	require.Equal(t, 0, again.Depth)
	require.Equal(t, ingest.PageQueued, again.Status)
	require.Empty(t, again.ErrorNote)

	pages, err := CollectPages(s.Pages(ctx))
	require.NoError(t, err)
	require.Len(t, pages, 1)
}

func TestUpdatePageRecordsFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	p, err := s.CreatePage(ctx, "s1", "https://example.com/docs/", 0)
	require.NoError(t, err)
	require.NoError(t, s.UpdatePage(ctx, p.ID, ingest.PageUpdate{
		Status:      ingest.PageFetched,
		ContentRef:  "file:///tmp/pages/b1/abc.html",
		ContentHash: "abc",
		Title:       "Docs",
		SizeBytes:   42,
		StatusCode:  200,
	}))

	got, err := s.GetPage(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.PageFetched, got.Status)
	require.Equal(t, "Docs", got.Title)
	require.Equal(t, int64(42), got.SizeBytes)
	require.NotNil(t, got.FetchedAt)

	err = s.UpdatePage(ctx, "missing", ingest.PageUpdate{Status: ingest.PageFetched})
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestPagesForResumeOrderAndRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	urls := []string{
		"https://example.com/docs/c",
		"https://example.com/docs/a",
		"https://example.com/docs/b",
		"https://example.com/docs/d",
	}
	var ids []string
	for i, u := range urls {
		p, err := s.CreatePage(ctx, "s1", u, i%2)
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	require.NoError(t, s.UpdatePage(ctx, ids[1], ingest.PageUpdate{Status: ingest.PageFetched}))
	_, err := s.CreatePage(ctx, "other", "https://example.com/docs/e", 1)
	require.NoError(t, err)

	collect := func() []string {
		var out []string
		for p, err := range s.PagesForResume(ctx, "s1") {
			require.NoError(t, err)
			out = append(out, p.URL)
		}
		return out
	}
	want := []string{urls[0], urls[2], urls[3]}
	require.Equal(t, want, collect())
	require.Equal(t, want, collect())

	var first []string
	for p, err := range s.PagesForResume(ctx, "s1") {
		require.NoError(t, err)
		first = append(first, p.URL)
		break
	}
	require.Equal(t, []string{urls[0]}, first)
}

func TestFailedPagesAndCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.CreatePage(ctx, "s1", "https://example.com/docs/a", 1)
	require.NoError(t, err)
	b, err := s.CreatePage(ctx, "s1", "https://example.com/docs/b", 1)
	require.NoError(t, err)
	_, err = s.CreatePage(ctx, "s1", "https://example.com/docs/c", 1)
	require.NoError(t, err)

	require.NoError(t, s.UpdatePage(ctx, a.ID, ingest.PageUpdate{Status: ingest.PageFailed, ErrorNote: "timeout"}))
	require.NoError(t, s.UpdatePage(ctx, b.ID, ingest.PageUpdate{Status: ingest.PageFetched, SizeBytes: 100}))

	failed, err := CollectPages(s.FailedPages(ctx))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, a.ID, failed[0].ID)
	require.Equal(t, "timeout", failed[0].ErrorNote)

	stats, err := s.CountPages(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pages[ingest.PageQueued])
	require.Equal(t, 1, stats.Pages[ingest.PageFetched])
	require.Equal(t, 1, stats.Pages[ingest.PageFailed])
	require.Equal(t, int64(100), stats.TotalBytes)
}
