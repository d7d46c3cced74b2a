package boxstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

func TestUploadBookkeeping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	op, err := s.CreateUpload(ctx, "/data/in")
	require.NoError(t, err)
	require.Equal(t, ingest.StatusPending, op.Status)

	active, err := s.HasActiveWork(ctx)
	require.NoError(t, err)
	require.True(t, active)

	items := []ingest.UploadItem{
		{OperationID: op.ID, Path: "a.txt", Outcome: ingest.ItemStored, SizeBytes: 3},
		{OperationID: op.ID, Path: "b.txt", Outcome: ingest.ItemStored, SizeBytes: 4},
		{OperationID: op.ID, Path: "c.bin", Outcome: ingest.ItemFailed, Reason: "unreadable"},
	}
	for _, it := range items {
		require.NoError(t, s.RecordUploadItem(ctx, it))
	}
	require.Error(t, s.RecordUploadItem(ctx, ingest.UploadItem{OperationID: op.ID, Path: "d", Outcome: "bogus"}))

	now := time.Now().UTC()
	op.Status = ingest.StatusCompleted
	op.FinishedAt = &now
	require.NoError(t, s.UpdateUpload(ctx, op))

	loaded, err := s.GetUpload(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusCompleted, loaded.Status)
	require.Equal(t, 2, loaded.ItemsStored)
	require.Equal(t, 1, loaded.ItemsFailed)
	require.Zero(t, loaded.ItemsSkipped)

	got, err := s.UploadItems(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "unreadable", got[2].Reason)

	_, err = s.GetUpload(ctx, "missing")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestMarkUploadsInterrupted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	op, err := s.CreateUpload(ctx, "/data/in")
	require.NoError(t, err)
	changed, err := s.MarkUploadsInterrupted(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{op.ID}, changed)

	loaded, err := s.GetUpload(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusFailed, loaded.Status)
}

func TestRecordDocumentAndBlobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	page, err := s.RecordDocument(ctx, Document{
		OperationID: "op-1",
		URL:         "file:///data/in/a.txt",
		ContentRef:  "file:///blobs/a",
		ContentHash: "h1",
		Title:       "a.txt",
		SizeBytes:   11,
		Terms:       map[string]int{"hello": 2, "world": 1},
	})
	require.NoError(t, err)
	require.Equal(t, ingest.PageFetched, page.Status)

	terms, err := s.Terms(ctx, page.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"hello": 2, "world": 1}, terms)

	require.NoError(t, s.IndexTerms(ctx, page.ID, map[string]int{"again": 1}))
	terms, err = s.Terms(ctx, page.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"again": 1}, terms)

	_, found, err := s.LookupBlob(ctx, "h1")
	require.NoError(t, err)
	require.False(t, found)

	inserted, err := s.RecordBlob(ctx, Blob{ContentHash: "h1", ContentRef: "mem://b/h1", Path: "a.bin", SizeBytes: 5})
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = s.RecordBlob(ctx, Blob{ContentHash: "h1", ContentRef: "mem://b/h1", Path: "b.bin", SizeBytes: 5})
	require.NoError(t, err)
	require.False(t, inserted)

	blob, found, err := s.LookupBlob(ctx, "h1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a.bin", blob.Path)
}
