package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageSessionStart))
	hub.Emit(sampleEvent(StageFetchDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageSessionStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	// No consumer goroutine drains this hub.
	hub := &Hub{
		cfg:    Config{}.withDefaults(),
		events: make(chan Event),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageSessionStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Dropped())
}

func TestHubDiscardsInvalidAndLateEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1, Logger: zap.NewNop()}, sink)

	hub.Emit(Event{Stage: StageSessionStart})
	hub.Emit(Event{RunID: "s1", TS: time.Now(), Stage: StageSessionDone, Status: ingest.StatusRunning})
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent(StageSessionStart))

	require.Empty(t, sink.Batches())
	require.True(t, sink.closed)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(sampleEvent(StageUploadStart))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{"session start", Event{RunID: "s", TS: now, Stage: StageSessionStart}, true},
		{"missing run", Event{TS: now, Stage: StageSessionStart}, false},
		{"missing ts", Event{RunID: "s", Stage: StageSessionStart}, false},
		{"done terminal", Event{RunID: "s", TS: now, Stage: StageSessionDone, Status: ingest.StatusCancelled}, true},
		{"done active", Event{RunID: "s", TS: now, Stage: StageUploadDone, Status: ingest.StatusPending}, false},
		{"fetch without site", Event{RunID: "s", TS: now, Stage: StageFetchDone}, false},
		{"item without outcome", Event{RunID: "u", TS: now, Stage: StageUploadItem}, false},
		{"unknown", Event{RunID: "s", TS: now, Stage: "NOPE"}, false},
		{"negative dur", Event{RunID: "s", TS: now, Stage: StageSessionStart, Dur: -time.Second}, false},
	}
	for _, tc := range cases {
		err := tc.evt.Validate()
		if tc.ok {
			require.NoError(t, err, tc.name)
		} else {
			require.Error(t, err, tc.name)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		RunID: "0192f0c4-0000-7000-8000-000000000001",
		BoxID: "b1",
		TS:    time.Now(),
		Stage: stage,
	}
	switch stage {
	case StageFetchDone, StageFetchFailed:
		evt.Site = "example.com"
		evt.StatusClass = Status2xx
	case StageSessionDone, StageUploadDone:
		evt.Status = ingest.StatusCompleted
	case StageUploadItem:
		evt.Outcome = ingest.ItemStored
	}
	return evt
}
