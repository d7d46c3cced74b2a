// Package dispatcher fans a crawl session run out to a pool of workers.
package dispatcher

import (
	"context"
	"sync"

	"github.com/JakeFAU/shelfbox/internal/worker"
)

// Runner processes one run until its frontier drains or closes.
type Runner interface {
	Run(ctx context.Context, run *worker.Run)
}

// Dispatcher runs every worker against the same session run.
type Dispatcher struct {
	workers []Runner
}

// New creates a Dispatcher.
func New(workers ...Runner) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Size reports the number of workers per run.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers on run and blocks until every one has returned.
func (d *Dispatcher) Run(ctx context.Context, run *worker.Run) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx, run)
		}(w)
	}
	wg.Wait()
}
