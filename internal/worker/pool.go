package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Background is a long-lived loop that returns once ctx is cancelled.
type Background interface {
	Run(ctx context.Context)
}

// Pool manages the lifecycle of the background loops: one scheduler per
// channel plus the retry worker.
type Pool struct {
	workers []Background
	wg      sync.WaitGroup
}

func NewPool(workers ...Background) *Pool {
	return &Pool{workers: workers}
}

// Start launches every loop as a goroutine. Cancelling ctx stops them all.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w Background) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every loop has returned after ctx is cancelled.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// forEachLimited calls fn for every index in [0, n) with at most limit calls
// in flight. After the first error, items that have not started are skipped
// and items already running finish. It returns that first error.
func forEachLimited(n, limit int, fn func(i int) error) error {
	var (
		g       errgroup.Group
		aborted atomic.Bool
	)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if aborted.Load() {
				return nil
			}
			if err := fn(i); err != nil {
				aborted.Store(true)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
