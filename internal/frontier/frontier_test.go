package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrontierFIFOWithBacklog(t *testing.T) {
	t.Parallel()

	f := New(2, 0)
	for i := range 5 {
		require.NoError(t, f.Push(Item{URL: fmt.Sprintf("https://example.com/%d", i)}))
	}
	require.Equal(t, 5, f.Pending())

	ctx := context.Background()
	for i := range 5 {
		item, err := f.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("https://example.com/%d", i), item.URL)
		f.Done()
	}

	_, err := f.Pop(ctx)
	require.ErrorIs(t, err, ErrDrained)
	require.ErrorIs(t, f.Push(Item{URL: "late"}), ErrDrained)
}

func TestFrontierDrainWaitsForInFlight(t *testing.T) {
	t.Parallel()

	f := New(1, 0)
	require.NoError(t, f.Push(Item{URL: "seed"}))

	ctx := context.Background()
	_, err := f.Pop(ctx)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := f.Pop(ctx)
		result <- err
	}()

	select {
	case err := <-result:
		t.Fatalf("pop returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	// The in-flight item discovers a child before finishing.
	require.NoError(t, f.Push(Item{URL: "child"}))
	f.Done()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pop did not return child")
	}
	f.Done()

	_, err = f.Pop(ctx)
	require.ErrorIs(t, err, ErrDrained)
}

func TestFrontierCloseStopsPops(t *testing.T) {
	t.Parallel()

	f := New(4, 0)
	require.NoError(t, f.Push(Item{URL: "a"}))
	require.NoError(t, f.Push(Item{URL: "b"}))
	f.Close()
	f.Close()

	_, err := f.Pop(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, f.Push(Item{URL: "c"}), ErrClosed)
	require.True(t, f.Closed())
}

func TestFrontierPopHonoursContext(t *testing.T) {
	t.Parallel()

	f := New(1, 0)
	require.NoError(t, f.Push(Item{URL: "a"}))
	_, err := f.Pop(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Pop(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestFrontierAdmissionAndSeen(t *testing.T) {
	t.Parallel()

	f := New(4, 2)
	require.NoError(t, f.Seed(Item{URL: "seed"}))
	require.False(t, f.Visit("seed"))
	require.True(t, f.Visit("a"))
	require.False(t, f.Visit("a"))

	require.True(t, f.TryAdmit())
	require.False(t, f.TryAdmit())
}

func TestFrontierConcurrentWorkers(t *testing.T) {
	t.Parallel()

	f := New(2, 0)
	require.NoError(t, f.Push(Item{URL: "0", Depth: 0}))

	var (
		mu    sync.Mutex
		count int
		wg    sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := f.Pop(context.Background())
				if err != nil {
					return
				}
				if item.Depth < 4 {
					for c := range 2 {
						_ = f.Push(Item{URL: fmt.Sprintf("%s.%d", item.URL, c), Depth: item.Depth + 1})
					}
				}
				mu.Lock()
				count++
				mu.Unlock()
				f.Done()
			}
		}()
	}
	wg.Wait()
	// A full binary tree of depth 4 has 31 nodes.
	require.Equal(t, 31, count)
}
