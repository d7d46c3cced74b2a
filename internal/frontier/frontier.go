// Package frontier provides the bounded, session-scoped crawl queue.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by Pop and Push after Close.
	ErrClosed = errors.New("frontier closed")
	// ErrDrained is returned by Pop once every pushed item has been marked done.
	ErrDrained = errors.New("frontier drained")
)

// Item is a queued page awaiting a fetch.
type Item struct {
	PageID string
	URL    string
	Depth  int
}

// Frontier is a FIFO of crawl items owned by a single session run.
//
// Up to capacity items wait in a channel; further pushes spill into an
// unbounded backlog so workers that push while holding an item never block.
// The frontier is drained when nothing is queued and every popped item has
// been marked Done.
type Frontier struct {
	ch       chan Item
	drained  chan struct{}
	stopped  chan struct{}
	maxItems int

	mu          sync.Mutex
	backlog     []Item
	outstanding int
	admitted    int
	seen        map[string]struct{}
	closed      bool
	finished    bool
}

// New creates a frontier. maxItems caps the total number of pushed items; zero means unlimited.
func New(capacity, maxItems int) *Frontier {
	if capacity <= 0 {
		capacity = 1
	}
	return &Frontier{
		ch:       make(chan Item, capacity),
		drained:  make(chan struct{}),
		stopped:  make(chan struct{}),
		maxItems: maxItems,
		seen:     make(map[string]struct{}),
	}
}

// Visit marks url as seen and reports whether it was new.
func (f *Frontier) Visit(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[url]; ok {
		return false
	}
	f.seen[url] = struct{}{}
	return true
}

// TryAdmit reserves room for one more item under the item cap.
func (f *Frontier) TryAdmit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxItems > 0 && f.admitted >= f.maxItems {
		return false
	}
	f.admitted++
	return true
}

// Push appends item. Items pushed without a prior TryAdmit still count toward the cap.
func (f *Frontier) Push(item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.finished {
		return ErrDrained
	}
	f.seen[item.URL] = struct{}{}
	f.outstanding++
	if len(f.backlog) > 0 {
		f.backlog = append(f.backlog, item)
		return nil
	}
	select {
	case f.ch <- item:
	default:
		f.backlog = append(f.backlog, item)
	}
	return nil
}

// Seed pushes an item that bypasses the item cap but is counted against it.
func (f *Frontier) Seed(item Item) error {
	f.mu.Lock()
	f.admitted++
	f.mu.Unlock()
	return f.Push(item)
}

// Pop blocks until an item is available, the frontier drains or closes, or ctx ends.
func (f *Frontier) Pop(ctx context.Context) (Item, error) {
	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return Item{}, ErrClosed
	case f.outstanding == 0:
		f.finishLocked()
		f.mu.Unlock()
		return Item{}, ErrDrained
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return Item{}, fmt.Errorf("pop canceled: %w", ctx.Err())
	case <-f.stopped:
		return Item{}, ErrClosed
	case <-f.drained:
		return Item{}, ErrDrained
	case item := <-f.ch:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			return Item{}, ErrClosed
		}
		f.refillLocked()
		return item, nil
	}
}

// Done marks a popped item as processed.
func (f *Frontier) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outstanding > 0 {
		f.outstanding--
	}
	if f.outstanding == 0 {
		f.finishLocked()
	}
}

// Close stops the frontier from handing out further items. Queued items are discarded.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.stopped)
}

// Closed reports whether Close has been called.
func (f *Frontier) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Pending returns the number of queued plus in-flight items.
func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding
}

func (f *Frontier) refillLocked() {
	for len(f.backlog) > 0 {
		select {
		case f.ch <- f.backlog[0]:
			f.backlog[0] = Item{}
			f.backlog = f.backlog[1:]
		default:
			return
		}
	}
}

func (f *Frontier) finishLocked() {
	if f.finished {
		return
	}
	f.finished = true
	close(f.drained)
}
