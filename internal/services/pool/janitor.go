package pool

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/interfaces"
)

// SweepPolicy is the eviction schedule for one memory band
type SweepPolicy struct {
	Interval time.Duration
	ColdTTL  time.Duration
	HotTTL   time.Duration
}

// PolicyFor selects the sweep policy by memory band. At exactly a band
// boundary the higher-pressure band applies.
func PolicyFor(memPercent float64) SweepPolicy {
	switch {
	case memPercent >= 80:
		return SweepPolicy{Interval: 10 * time.Second, ColdTTL: 30 * time.Second, HotTTL: 120 * time.Second}
	case memPercent >= 60:
		return SweepPolicy{Interval: 30 * time.Second, ColdTTL: 60 * time.Second, HotTTL: 300 * time.Second}
	default:
		return SweepPolicy{Interval: 60 * time.Second, ColdTTL: 300 * time.Second, HotTTL: 600 * time.Second}
	}
}

// Janitor periodically evicts idle browser instances, adapting its cadence
// and TTLs to memory pressure. Cancellation aborts the sleep and ends the
// loop after the current tick.
type Janitor struct {
	pool   *Pool
	probe  interfaces.MemoryProbe
	logger arbor.ILogger
}

// NewJanitor creates a janitor over the pool
func NewJanitor(pool *Pool, probe interfaces.MemoryProbe, logger arbor.ILogger) *Janitor {
	return &Janitor{
		pool:   pool,
		probe:  probe,
		logger: logger,
	}
}

// Run executes the eviction loop until ctx is cancelled
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Debug().Msg("Janitor loop started")

	for {
		mem := j.probe.UsagePercent()
		policy := PolicyFor(mem)

		timer := time.NewTimer(policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Debug().Msg("Janitor loop stopped")
			return
		case <-timer.C:
		}

		j.sweep(policy)
	}
}

// sweep runs one eviction pass; errors never stop the loop
func (j *Janitor) sweep(policy SweepPolicy) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error().Msgf("Janitor sweep panicked: %v", r)
		}
	}()

	j.pool.SweepIdle(time.Now(), policy.ColdTTL, policy.HotTTL)
}
