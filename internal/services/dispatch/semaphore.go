package dispatch

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
)

// TypeSemaphore and TypeMemoryAdaptive name the two admission strategies
const (
	TypeSemaphore      = "semaphore"
	TypeMemoryAdaptive = "memory_adaptive"
)

// FixedConcurrency admits tasks through a counting semaphore of fixed
// capacity. Pacing runs before the permit is requested so a slow domain
// never holds a slot while sleeping.
type FixedConcurrency struct {
	permits chan struct{}
	limiter *RateLimiter
	stats   counters
	logger  arbor.ILogger
}

// NewFixedConcurrency creates a semaphore dispatcher with the given capacity
func NewFixedConcurrency(capacity int, limiter *RateLimiter, logger arbor.ILogger) *FixedConcurrency {
	if capacity < 1 {
		capacity = 1
	}
	return &FixedConcurrency{
		permits: make(chan struct{}, capacity),
		limiter: limiter,
		logger:  logger,
	}
}

func (d *FixedConcurrency) Type() string { return TypeSemaphore }

// Dispatch runs the task for every URL, at most capacity at a time, and
// returns per-URL results in input order
func (d *FixedConcurrency) Dispatch(ctx context.Context, urls []string, task Task) []Result {
	results := make([]Result, len(urls))
	var wg sync.WaitGroup

	for i, u := range urls {
		wg.Add(1)
		d.stats.startQueued()

		go func(i int, u string) {
			defer wg.Done()

			if err := d.limiter.Wait(ctx, u); err != nil {
				d.stats.abandon(err)
				results[i] = Result{URL: u, Err: err}
				return
			}

			select {
			case d.permits <- struct{}{}:
			case <-ctx.Done():
				d.stats.abandon(ctx.Err())
				results[i] = Result{URL: u, Err: ctx.Err()}
				return
			}
			d.stats.admit()

			err := task(ctx, u)
			<-d.permits
			d.stats.finish(err)
			results[i] = Result{URL: u, Err: err}
		}(i, u)
	}

	wg.Wait()
	return results
}

func (d *FixedConcurrency) Stats() Stats {
	inflight, queued, completed, failed := d.stats.snapshot()
	return Stats{
		Type:      TypeSemaphore,
		Capacity:  cap(d.permits),
		Inflight:  inflight,
		Queued:    queued,
		Completed: completed,
		Failed:    failed,
	}
}
