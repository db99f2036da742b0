package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
)

// waiter is one queued URL awaiting an admission permit
type waiter struct {
	url        string
	enqueuedAt time.Time
	ready      chan error

	mu      sync.Mutex
	settled bool
}

// settle delivers the admission verdict exactly once. Returns false when the
// waiter already left the queue.
func (w *waiter) settle(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return false
	}
	w.settled = true
	w.ready <- err
	return true
}

// MemoryAdaptive admits tasks from a FIFO queue based on the current memory
// band. Below the recovery threshold it runs at full parallelism; between
// recovery and soft it scales parallelism down linearly; between soft and
// critical only starved waiters pass; at or above critical nothing is
// admitted, and sustained critical pressure fails the oldest waiters.
type MemoryAdaptive struct {
	mu            sync.Mutex
	queue         []*waiter
	inflight      int
	criticalSince time.Time

	probe   interfaces.MemoryProbe
	limiter *RateLimiter
	config  common.DispatcherConfig
	stats   counters
	logger  arbor.ILogger
}

// NewMemoryAdaptive creates the adaptive dispatcher; call Run to start its
// scheduling loop
func NewMemoryAdaptive(config common.DispatcherConfig, probe interfaces.MemoryProbe, limiter *RateLimiter, logger arbor.ILogger) *MemoryAdaptive {
	return &MemoryAdaptive{
		probe:   probe,
		limiter: limiter,
		config:  config,
		logger:  logger,
	}
}

func (d *MemoryAdaptive) Type() string { return TypeMemoryAdaptive }

// Run executes the scheduling loop until ctx is cancelled. Waiters still
// queued at cancellation are failed with the context error.
func (d *MemoryAdaptive) Run(ctx context.Context) {
	interval := d.config.CheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Debug().Str("type", TypeMemoryAdaptive).Msg("Dispatcher scheduling loop started")

	for {
		select {
		case <-ctx.Done():
			d.failAll(ctx.Err())
			d.logger.Debug().Msg("Dispatcher scheduling loop stopped")
			return
		case <-ticker.C:
			d.schedule(time.Now())
		}
	}
}

// Dispatch paces, queues, and runs the task for every URL, returning per-URL
// results in input order
func (d *MemoryAdaptive) Dispatch(ctx context.Context, urls []string, task Task) []Result {
	results := make([]Result, len(urls))
	var wg sync.WaitGroup

	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()

			if err := d.limiter.Wait(ctx, u); err != nil {
				results[i] = Result{URL: u, Err: err}
				return
			}

			if err := d.acquire(ctx, u); err != nil {
				results[i] = Result{URL: u, Err: err}
				return
			}

			err := task(ctx, u)
			d.release(err)
			results[i] = Result{URL: u, Err: err}
		}(i, u)
	}

	wg.Wait()
	return results
}

// acquire blocks until the scheduler grants a permit or the context ends
func (d *MemoryAdaptive) acquire(ctx context.Context, url string) error {
	w := &waiter{
		url:        url,
		enqueuedAt: time.Now(),
		ready:      make(chan error, 1),
	}

	d.mu.Lock()
	d.queue = append(d.queue, w)
	d.mu.Unlock()
	d.stats.startQueued()

	select {
	case err := <-w.ready:
		if err != nil {
			d.stats.abandon(err)
			return err
		}
		d.stats.admit()
		return nil
	case <-ctx.Done():
		if !w.settle(ctx.Err()) {
			// Scheduler granted first; hand the permit back
			err := <-w.ready
			if err == nil {
				d.stats.admit()
				d.release(ctx.Err())
			} else {
				d.stats.abandon(err)
			}
			return ctx.Err()
		}
		d.stats.abandon(ctx.Err())
		return ctx.Err()
	}
}

func (d *MemoryAdaptive) release(err error) {
	d.mu.Lock()
	d.inflight--
	d.mu.Unlock()
	d.stats.finish(err)
}

// schedule runs one admission pass for the current memory band
func (d *MemoryAdaptive) schedule(now time.Time) {
	mem := d.probe.UsagePercent()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.compactLocked()

	switch {
	case mem >= d.config.CriticalThreshold:
		if d.criticalSince.IsZero() {
			d.criticalSince = now
		}
		if now.Sub(d.criticalSince) >= d.config.HardWaitTimeout {
			d.failExpiredLocked(now)
		}
		return

	case mem >= d.config.SoftThreshold:
		d.criticalSince = time.Time{}
		d.grantLocked(now, d.config.MaxInflight, true)

	case mem >= d.config.RecoveryThreshold:
		d.criticalSince = time.Time{}
		d.grantLocked(now, d.scaledTarget(mem), false)

	default:
		d.criticalSince = time.Time{}
		d.grantLocked(now, d.config.MaxInflight, false)
	}
}

// scaledTarget interpolates the inflight ceiling between full parallelism at
// the recovery threshold and a single slot at the soft threshold
func (d *MemoryAdaptive) scaledTarget(mem float64) int {
	span := d.config.SoftThreshold - d.config.RecoveryThreshold
	if span <= 0 {
		return 1
	}
	fraction := (d.config.SoftThreshold - mem) / span
	target := int(fraction * float64(d.config.MaxInflight))
	if target < 1 {
		target = 1
	}
	return target
}

// grantLocked admits waiters from the queue head up to target inflight.
// starvedOnly restricts admission to waiters past the fairness timeout.
func (d *MemoryAdaptive) grantLocked(now time.Time, target int, starvedOnly bool) {
	remaining := d.queue[:0]
	for _, w := range d.queue {
		if d.inflight >= target {
			remaining = append(remaining, w)
			continue
		}
		if starvedOnly && now.Sub(w.enqueuedAt) < d.config.FairnessTimeout {
			remaining = append(remaining, w)
			continue
		}
		if w.settle(nil) {
			d.inflight++
		}
	}
	d.queue = remaining
}

// failExpiredLocked rejects every waiter that has been queued past the hard
// wait timeout. The queue is FIFO, so this clears the oldest prefix.
func (d *MemoryAdaptive) failExpiredLocked(now time.Time) {
	remaining := d.queue[:0]
	for _, w := range d.queue {
		waited := now.Sub(w.enqueuedAt)
		if waited < d.config.HardWaitTimeout {
			remaining = append(remaining, w)
			continue
		}
		if w.settle(interfaces.ErrMemoryExhausted) {
			d.logger.Warn().
				Str("url", w.url).
				Dur("waited", waited).
				Msg("Failing queued URL after sustained memory pressure")
		}
	}
	d.queue = remaining
}

// compactLocked drops waiters that settled on their own (context cancel)
func (d *MemoryAdaptive) compactLocked() {
	remaining := d.queue[:0]
	for _, w := range d.queue {
		w.mu.Lock()
		settled := w.settled
		w.mu.Unlock()
		if !settled {
			remaining = append(remaining, w)
		}
	}
	d.queue = remaining
}

func (d *MemoryAdaptive) failAll(err error) {
	d.mu.Lock()
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, w := range queue {
		w.settle(err)
	}
}

func (d *MemoryAdaptive) Stats() Stats {
	inflight, queued, completed, failed := d.stats.snapshot()
	return Stats{
		Type:              TypeMemoryAdaptive,
		Capacity:          d.config.MaxInflight,
		Inflight:          inflight,
		Queued:            queued,
		Completed:         completed,
		Failed:            failed,
		MemoryPercent:     d.probe.UsagePercent(),
		SoftThreshold:     d.config.SoftThreshold,
		CriticalThreshold: d.config.CriticalThreshold,
		RecoveryThreshold: d.config.RecoveryThreshold,
	}
}
