package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/progress"
)

func TestPrometheusSinkRecordsRuns(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{RunID: "s1", TS: now, Stage: progress.StageSessionStart},
		{RunID: "s1", TS: now, Stage: progress.StageSessionStart},
		{RunID: "u1", TS: now, Stage: progress.StageUploadStart},
		{
			RunID:       "s1",
			TS:          now,
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{RunID: "s1", TS: now, Stage: progress.StageSessionDone, Status: ingest.StatusCompleted, Dur: 3 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues(kindCrawl)), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.runsActive.WithLabelValues(kindCrawl)), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsActive.WithLabelValues(kindUpload)), 1e-9)
	require.InDelta(t, 1.0,
		testutil.ToFloat64(sink.runsFinished.WithLabelValues(kindCrawl, string(ingest.StatusCompleted))), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "shelfbox_fetch_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "shelfbox_run_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
