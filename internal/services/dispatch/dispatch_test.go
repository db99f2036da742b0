package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
)

type stubProbe struct {
	mu      sync.Mutex
	percent float64
}

func (p *stubProbe) UsagePercent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent
}

func (p *stubProbe) UsedMiB() float64 { return 0 }

func (p *stubProbe) set(percent float64) {
	p.mu.Lock()
	p.percent = percent
	p.mu.Unlock()
}

func testLimiter() *RateLimiter {
	return NewRateLimiter(common.RateLimiterConfig{
		BaseDelayMin:   time.Millisecond,
		BaseDelayMax:   2 * time.Millisecond,
		MaxDelay:       50 * time.Millisecond,
		MaxRetries:     3,
		RateLimitCodes: []int{429, 503},
	}, arbor.NewLogger())
}

func adaptiveConfig() common.DispatcherConfig {
	return common.DispatcherConfig{
		Type:              TypeMemoryAdaptive,
		MaxInflight:       4,
		SoftThreshold:     70,
		CriticalThreshold: 85,
		RecoveryThreshold: 65,
		FairnessTimeout:   50 * time.Millisecond,
		HardWaitTimeout:   60 * time.Millisecond,
		CheckInterval:     10 * time.Millisecond,
	}
}

func TestFixedConcurrency_CapsParallelism(t *testing.T) {
	d := NewFixedConcurrency(2, testLimiter(), arbor.NewLogger())

	var current, peak int32
	urls := []string{
		"https://a.example/1", "https://b.example/2", "https://c.example/3",
		"https://d.example/4", "https://e.example/5", "https://f.example/6",
	}

	results := d.Dispatch(context.Background(), urls, func(ctx context.Context, url string) error {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil
	})

	require.Len(t, results, len(urls))
	for i, r := range results {
		assert.Equal(t, urls[i], r.URL)
		assert.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, peak, int32(2))

	stats := d.Stats()
	assert.Equal(t, TypeSemaphore, stats.Type)
	assert.Equal(t, int64(len(urls)), stats.Completed)
	assert.Equal(t, 0, stats.Inflight)
}

func TestMemoryAdaptive_GrantsBelowRecovery(t *testing.T) {
	probe := &stubProbe{percent: 30}
	d := NewMemoryAdaptive(adaptiveConfig(), probe, testLimiter(), arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	urls := []string{"https://a.example/1", "https://b.example/2", "https://c.example/3"}
	results := d.Dispatch(context.Background(), urls, func(ctx context.Context, url string) error {
		return nil
	})

	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, int64(3), d.Stats().Completed)
}

func TestMemoryAdaptive_CriticalFailsOldestAfterHardWait(t *testing.T) {
	probe := &stubProbe{percent: 90}
	d := NewMemoryAdaptive(adaptiveConfig(), probe, testLimiter(), arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	results := d.Dispatch(context.Background(), []string{"https://a.example/1"}, func(ctx context.Context, url string) error {
		return nil
	})

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, interfaces.ErrMemoryExhausted)
}

func TestMemoryAdaptive_CriticalFailsAllExpiredWaiters(t *testing.T) {
	probe := &stubProbe{percent: 90}
	cfg := adaptiveConfig()
	d := NewMemoryAdaptive(cfg, probe, testLimiter(), arbor.NewLogger())

	now := time.Now()
	expired := []*waiter{
		{url: "https://a.example/1", enqueuedAt: now.Add(-3 * cfg.HardWaitTimeout), ready: make(chan error, 1)},
		{url: "https://b.example/2", enqueuedAt: now.Add(-2 * cfg.HardWaitTimeout), ready: make(chan error, 1)},
		{url: "https://c.example/3", enqueuedAt: now.Add(-cfg.HardWaitTimeout), ready: make(chan error, 1)},
	}
	fresh := &waiter{url: "https://d.example/4", enqueuedAt: now, ready: make(chan error, 1)}

	d.mu.Lock()
	d.queue = append(d.queue, expired...)
	d.queue = append(d.queue, fresh)
	d.criticalSince = now.Add(-cfg.HardWaitTimeout)
	d.mu.Unlock()

	// One pass under sustained critical pressure fails every expired waiter
	d.schedule(now)

	for _, w := range expired {
		select {
		case err := <-w.ready:
			assert.ErrorIs(t, err, interfaces.ErrMemoryExhausted)
		default:
			t.Fatalf("waiter %s not failed", w.url)
		}
	}

	select {
	case err := <-fresh.ready:
		t.Fatalf("fresh waiter settled early: %v", err)
	default:
	}

	d.mu.Lock()
	queued := len(d.queue)
	d.mu.Unlock()
	assert.Equal(t, 1, queued)
}

func TestMemoryAdaptive_RecoveryResumesAdmission(t *testing.T) {
	probe := &stubProbe{percent: 90}
	d := NewMemoryAdaptive(adaptiveConfig(), probe, testLimiter(), arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// Drop below critical before the hard wait expires
	go func() {
		time.Sleep(30 * time.Millisecond)
		probe.set(20)
	}()

	results := d.Dispatch(context.Background(), []string{"https://a.example/1"}, func(ctx context.Context, url string) error {
		return nil
	})

	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
}

func TestMemoryAdaptive_SoftBandAdmitsOnlyStarved(t *testing.T) {
	probe := &stubProbe{percent: 75}
	cfg := adaptiveConfig()
	cfg.FairnessTimeout = 80 * time.Millisecond
	d := NewMemoryAdaptive(cfg, probe, testLimiter(), arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	start := time.Now()
	results := d.Dispatch(context.Background(), []string{"https://a.example/1"}, func(ctx context.Context, url string) error {
		return nil
	})

	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.GreaterOrEqual(t, time.Since(start), cfg.FairnessTimeout)
}

func TestRateLimiter_PacesSameDomain(t *testing.T) {
	rl := NewRateLimiter(common.RateLimiterConfig{
		BaseDelayMin:   30 * time.Millisecond,
		BaseDelayMax:   40 * time.Millisecond,
		MaxDelay:       time.Second,
		MaxRetries:     3,
		RateLimitCodes: []int{429, 503},
	}, arbor.NewLogger())

	ctx := context.Background()
	require.NoError(t, rl.Wait(ctx, "https://example.com/a"))

	start := time.Now()
	require.NoError(t, rl.Wait(ctx, "https://example.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "second request to the same domain waits")

	// Distinct domain is not paced by example.com's state
	start = time.Now()
	require.NoError(t, rl.Wait(ctx, "https://other.org/a"))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestRateLimiter_BackoffDoublesAndCaps(t *testing.T) {
	rl := NewRateLimiter(common.RateLimiterConfig{
		BaseDelayMin:   8 * time.Millisecond,
		BaseDelayMax:   8 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		MaxRetries:     3,
		RateLimitCodes: []int{429, 503},
	}, arbor.NewLogger())

	initial := rl.DomainDelay("example.com")

	rl.ObserveStatus("https://example.com/x", 429)
	doubled := rl.DomainDelay("example.com")
	assert.Equal(t, initial*2, doubled)

	rl.ObserveStatus("https://example.com/x", 503)
	rl.ObserveStatus("https://example.com/x", 429)
	assert.Equal(t, 20*time.Millisecond, rl.DomainDelay("example.com"), "backoff capped at max delay")

	// Non-rate-limit statuses leave the state alone
	rl.ObserveStatus("https://example.com/x", 404)
	rl.ObserveStatus("https://example.com/x", 200)
	assert.Equal(t, 20*time.Millisecond, rl.DomainDelay("example.com"))
}

func TestRateLimiter_DoRetriesRateLimitedCalls(t *testing.T) {
	rl := testLimiter()

	var calls int32
	status, err := rl.Do(context.Background(), "https://example.com/x", func() (int, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return 429, nil
		}
		return 200, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, int32(3), calls)
}

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(common.RateLimiterConfig{
		BaseDelayMin:   time.Second,
		BaseDelayMax:   2 * time.Second,
		MaxDelay:       time.Second,
		MaxRetries:     1,
		RateLimitCodes: []int{429},
	}, arbor.NewLogger())

	require.NoError(t, rl.Wait(context.Background(), "https://example.com/a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx, "https://example.com/b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
