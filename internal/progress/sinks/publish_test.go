package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/progress"
	"github.com/JakeFAU/shelfbox/internal/publisher/memory"
)

func TestPublishSinkForwardsTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "box-events")
	now := time.Unix(1700000000, 0)

	batch := []progress.Event{
		{RunID: "s1", BoxID: "b1", TS: now, Stage: progress.StageSessionStart},
		{RunID: "s1", BoxID: "b1", TS: now, Stage: progress.StageFetchDone, Site: "example.com"},
		{RunID: "s1", BoxID: "b1", TS: now, Stage: progress.StageSessionDone, Status: ingest.StatusCompleted},
		{RunID: "u1", BoxID: "b2", TS: now, Stage: progress.StageUploadDone, Status: ingest.StatusFailed, Note: "all items failed"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "box-events", msgs[0].Topic)
	first, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, kindCrawl, first.Kind)
	require.Equal(t, ingest.StatusCompleted, first.Status)
	second, ok := msgs[1].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, kindUpload, second.Kind)
	require.Equal(t, "all items failed", second.Summary)
}

func TestLogSinkAcceptsAllStages(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	now := time.Now()
	batch := []progress.Event{
		{RunID: "s1", TS: now, Stage: progress.StageFetchFailed, Site: "example.com", Note: "status 500"},
		{RunID: "u1", TS: now, Stage: progress.StageUploadItem, Path: "a.txt", Outcome: ingest.ItemStored},
		{RunID: "u1", TS: now, Stage: progress.StageUploadDone, Status: ingest.StatusCompleted},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))
}
