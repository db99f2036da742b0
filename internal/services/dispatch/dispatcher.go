package dispatch

import (
	"context"
	"sync"
)

// Task processes a single URL under the dispatcher's admission policy
type Task func(ctx context.Context, url string) error

// Result pairs a URL with its task outcome
type Result struct {
	URL string `json:"url"`
	Err error  `json:"-"`
}

// Stats is the introspection view a dispatcher exposes over HTTP
type Stats struct {
	Type      string `json:"type"`
	Capacity  int    `json:"capacity"`
	Inflight  int    `json:"inflight"`
	Queued    int    `json:"queued"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`

	// Adaptive-only fields, zero for the semaphore strategy
	MemoryPercent     float64 `json:"memory_percent,omitempty"`
	SoftThreshold     float64 `json:"soft_threshold,omitempty"`
	CriticalThreshold float64 `json:"critical_threshold,omitempty"`
	RecoveryThreshold float64 `json:"recovery_threshold,omitempty"`
}

// Dispatcher admits a batch of URLs to their tasks under a concurrency
// discipline. Rate limiter pacing happens per URL before admission.
type Dispatcher interface {
	Dispatch(ctx context.Context, urls []string, task Task) []Result
	Type() string
	Stats() Stats
}

// counters is the shared bookkeeping both strategies report from
type counters struct {
	mu        sync.Mutex
	inflight  int
	queued    int
	completed int64
	failed    int64
}

func (c *counters) startQueued() {
	c.mu.Lock()
	c.queued++
	c.mu.Unlock()
}

func (c *counters) admit() {
	c.mu.Lock()
	c.queued--
	c.inflight++
	c.mu.Unlock()
}

func (c *counters) finish(err error) {
	c.mu.Lock()
	c.inflight--
	if err != nil {
		c.failed++
	} else {
		c.completed++
	}
	c.mu.Unlock()
}

func (c *counters) abandon(err error) {
	c.mu.Lock()
	c.queued--
	if err != nil {
		c.failed++
	}
	c.mu.Unlock()
}

func (c *counters) snapshot() (inflight, queued int, completed, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight, c.queued, c.completed, c.failed
}
