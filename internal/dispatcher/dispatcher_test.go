package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shelfbox/internal/frontier"
	"github.com/JakeFAU/shelfbox/internal/worker"
)

// popRunner drains the frontier, counting the items it handled.
type popRunner struct {
	handled *atomic.Int64
}

func (p popRunner) Run(ctx context.Context, run *worker.Run) {
	for {
		_, err := run.Frontier.Pop(ctx)
		if err != nil {
			return
		}
		p.handled.Add(1)
		time.Sleep(time.Millisecond)
		run.Frontier.Done()
	}
}

func TestDispatcherJoinsAllWorkersOnDrain(t *testing.T) {
	t.Parallel()

	var handled atomic.Int64
	d := New(popRunner{&handled}, popRunner{&handled}, popRunner{&handled})
	require.Equal(t, 3, d.Size())

	fr := frontier.New(2, 0)
	for i := range 10 {
		require.NoError(t, fr.Push(frontier.Item{URL: string(rune('a' + i))}))
	}

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), &worker.Run{Frontier: fr})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not return after drain")
	}
	require.Equal(t, int64(10), handled.Load())
	_, err := fr.Pop(context.Background())
	require.True(t, errors.Is(err, frontier.ErrDrained))
}

func TestDispatcherReturnsOnClose(t *testing.T) {
	t.Parallel()

	var handled atomic.Int64
	d := New(popRunner{&handled}, popRunner{&handled})
	fr := frontier.New(1, 0)
	require.NoError(t, fr.Push(frontier.Item{URL: "x"}))
	fr.Close()

	d.Run(context.Background(), &worker.Run{Frontier: fr})
	require.Zero(t, handled.Load())
}
