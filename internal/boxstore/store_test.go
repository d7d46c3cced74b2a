package boxstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/id/uuid"
	"github.com/JakeFAU/shelfbox/internal/ingest"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	clk := &stepClock{now: time.Unix(1700000000, 0).UTC()}
	m, err := NewManager(context.Background(), t.TempDir(), uuid.NewUUIDGenerator(), clk, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	m := newTestManager(t)
	box, err := m.Catalog().CreateBox(context.Background(), ingest.Box{
		Name:       "b1",
		Type:       ingest.BoxTypeIndexed,
		SeedURL:    "https://example.com/docs/",
		CrawlDepth: 1,
	})
	require.NoError(t, err)
	s, err := m.Open(context.Background(), box.ID)
	require.NoError(t, err)
	return s
}

func TestCreateSessionConflictsWithActiveSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.CreateSession(ctx, ingest.OriginStart)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusPending, first.Status)

	_, err = s.CreateSession(ctx, ingest.OriginStart)
	require.ErrorIs(t, err, ingest.ErrConflict)

	now := time.Now().UTC()
	first.Status = ingest.StatusRunning
	first.StartedAt = &now
	require.NoError(t, s.UpdateSession(ctx, first))
	_, err = s.CreateSession(ctx, ingest.OriginStart)
	require.ErrorIs(t, err, ingest.ErrConflict)

	first.Status = ingest.StatusCompleted
	first.FinishedAt = &now
	first.PagesFetched = 4
	require.NoError(t, s.UpdateSession(ctx, first))

	second, err := s.CreateSession(ctx, ingest.OriginResume)
	require.NoError(t, err)
	require.Equal(t, ingest.OriginResume, second.Origin)

	loaded, err := s.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusCompleted, loaded.Status)
	require.Equal(t, 4, loaded.PagesFetched)
	require.NotNil(t, loaded.FinishedAt)

	latest, err := s.LatestSession(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
}

func TestCreateSessionConcurrentCallersGetOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateSession(ctx, ingest.OriginStart)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ingest.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, callers-1, conflicts)
}

func TestUpdateSessionMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	err := s.UpdateSession(context.Background(), ingest.CrawlSession{ID: "nope", Status: ingest.StatusFailed})
	require.ErrorIs(t, err, ingest.ErrNotFound)

	_, err = s.GetSession(context.Background(), "nope")
	require.ErrorIs(t, err, ingest.ErrNotFound)
	_, err = s.LatestSession(context.Background())
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestMarkInterruptedSkipsLiveSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	orphan, err := s.CreateSession(ctx, ingest.OriginStart)
	require.NoError(t, err)

	changed, err := s.MarkInterrupted(ctx, func(id string) bool { return id == orphan.ID })
	require.NoError(t, err)
	require.Empty(t, changed)

	changed, err = s.MarkInterrupted(ctx, func(string) bool { return false })
	require.NoError(t, err)
	require.Equal(t, []string{orphan.ID}, changed)

	loaded, err := s.GetSession(ctx, orphan.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusFailed, loaded.Status)
	require.Equal(t, InterruptedSummary, loaded.ErrorSummary)

	active, err := s.HasActiveWork(ctx)
	require.NoError(t, err)
	require.False(t, active)
}

func TestSessionsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	var ids []string
	for range 3 {
		sess, err := s.CreateSession(ctx, ingest.OriginStart)
		require.NoError(t, err)
		sess.Status = ingest.StatusCancelled
		require.NoError(t, s.UpdateSession(ctx, sess))
		ids = append(ids, sess.ID)
	}
	all, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, ids[2], all[0].ID)
	require.Equal(t, ids[0], all[2].ID)
}
