package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// Launcher starts browser instances for the pool
type Launcher interface {
	Launch(ctx context.Context, spec models.BrowserSpec) (interfaces.Browser, error)
}

// EventSink receives pool lifecycle events; the monitor implements it
type EventSink interface {
	TrackJanitor(event models.JanitorEvent)
	TrackError(event models.ErrorEvent)
}

// Instance is one pooled browser with its bookkeeping. All mutable fields
// are guarded by the pool lock.
type Instance struct {
	Browser     interfaces.Browser
	Spec        models.BrowserSpec
	Fingerprint string
	CreatedAt   time.Time

	lastUsedAt     time.Time
	useCount       int64
	activeRequests int32
}

// Pool maintains live browser instances keyed by fingerprint across three
// tiers. One PERMANENT instance is created at startup from the default spec
// and never swept; HOT and COLD instances are created lazily and evicted by
// the janitor. All structural mutations serialize under one lock.
type Pool struct {
	mu        sync.Mutex
	permanent *Instance
	hot       map[string]*Instance
	cold      map[string]*Instance
	closed    bool

	defaultFingerprint string
	launcher           Launcher
	probe              interfaces.MemoryProbe
	events             EventSink
	config             common.PoolConfig
	logger             arbor.ILogger
}

// New creates the pool and launches the PERMANENT instance from defaultSpec
func New(ctx context.Context, launcher Launcher, probe interfaces.MemoryProbe, events EventSink, config common.PoolConfig, defaultSpec models.BrowserSpec, logger arbor.ILogger) (*Pool, error) {
	p := &Pool{
		hot:                make(map[string]*Instance),
		cold:               make(map[string]*Instance),
		defaultFingerprint: defaultSpec.Fingerprint(),
		launcher:           launcher,
		probe:              probe,
		events:             events,
		config:             config,
		logger:             logger,
	}

	browser, err := launcher.Launch(ctx, defaultSpec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrEngineLaunch, err)
	}

	now := time.Now()
	p.permanent = &Instance{
		Browser:     browser,
		Spec:        defaultSpec,
		Fingerprint: p.defaultFingerprint,
		CreatedAt:   now,
		lastUsedAt:  now,
	}

	logger.Info().
		Str("fingerprint", p.defaultFingerprint).
		Msg("Browser pool initialized with permanent instance")

	return p, nil
}

// Acquire returns a live instance for the spec, creating one when no match
// exists and memory permits. The returned instance has its active request
// count already incremented; callers must Release it.
func (p *Pool) Acquire(ctx context.Context, spec models.BrowserSpec) (*Instance, models.TierHit, error) {
	fingerprint := spec.Fingerprint()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, "", interfaces.ErrPoolClosed
	}

	now := time.Now()

	if fingerprint == p.defaultFingerprint {
		p.touch(p.permanent, now)
		return p.permanent, models.TierHitPermanent, nil
	}

	if inst, ok := p.hot[fingerprint]; ok {
		p.touch(inst, now)
		return inst, models.TierHitHot, nil
	}

	if inst, ok := p.cold[fingerprint]; ok {
		p.touch(inst, now)
		if inst.useCount >= int64(p.config.PromotionThreshold) {
			delete(p.cold, fingerprint)
			p.hot[fingerprint] = inst
			p.events.TrackJanitor(models.JanitorEvent{
				Kind:        "promote",
				Timestamp:   now,
				Fingerprint: fingerprint,
				Tier:        models.TierHot,
			})
			p.logger.Debug().
				Str("fingerprint", fingerprint).
				Int64("use_count", inst.useCount).
				Msg("Promoted cold browser to hot tier")
			return inst, models.TierHitColdPromoted, nil
		}
		return inst, models.TierHitCold, nil
	}

	// Admission check before any new launch
	if mem := p.probe.UsagePercent(); mem >= p.config.MemoryHardLimit {
		p.logger.Warn().
			Float64("memory_percent", mem).
			Float64("hard_limit", p.config.MemoryHardLimit).
			Str("fingerprint", fingerprint).
			Msg("Refusing browser launch under memory pressure")
		return nil, "", interfaces.ErrMemoryPressure
	}

	browser, err := p.launcher.Launch(ctx, spec)
	if err != nil {
		// Launch failures are not cached: the next acquisition retries
		p.events.TrackError(models.ErrorEvent{
			Kind:      "engine_launch",
			Timestamp: now,
			Details:   err.Error(),
		})
		return nil, "", fmt.Errorf("%w: %v", interfaces.ErrEngineLaunch, err)
	}

	inst := &Instance{
		Browser:        browser,
		Spec:           spec,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
		lastUsedAt:     now,
		useCount:       1,
		activeRequests: 1,
	}
	p.cold[fingerprint] = inst

	p.logger.Debug().
		Str("fingerprint", fingerprint).
		Int("cold_size", len(p.cold)).
		Msg("Launched new cold browser instance")

	return inst, models.TierHitNew, nil
}

// touch bumps usage counters and the active request count under the lock
func (p *Pool) touch(inst *Instance, now time.Time) {
	inst.useCount++
	inst.lastUsedAt = now
	inst.activeRequests++
}

// Release returns a borrowed instance; the instance stays in its tier
func (p *Pool) Release(inst *Instance) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst.activeRequests > 0 {
		inst.activeRequests--
	}
	inst.lastUsedAt = time.Now()
}

// Snapshot produces a consistent read-model of the pool
func (p *Pool) Snapshot() models.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	browsers := make([]models.BrowserInfo, 0, 1+len(p.hot)+len(p.cold))
	if p.permanent != nil {
		browsers = append(browsers, infoFor(p.permanent, models.TierPermanent))
	}
	for _, inst := range p.hot {
		browsers = append(browsers, infoFor(inst, models.TierHot))
	}
	for _, inst := range p.cold {
		browsers = append(browsers, infoFor(inst, models.TierCold))
	}

	return models.PoolSnapshot{Browsers: browsers, Size: len(browsers)}
}

// Size returns the number of live instances
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.hot) + len(p.cold)
	if p.permanent != nil {
		n++
	}
	return n
}

func infoFor(inst *Instance, tier models.Tier) models.BrowserInfo {
	return models.BrowserInfo{
		Fingerprint:    inst.Fingerprint,
		Tier:           tier,
		CreatedAt:      inst.CreatedAt,
		LastUsedAt:     inst.lastUsedAt,
		UseCount:       inst.useCount,
		ActiveRequests: inst.activeRequests,
	}
}

// SweepIdle closes and removes COLD then HOT instances idle past their TTL.
// Instances with active requests are skipped with a warning event. PERMANENT
// is never swept. Called by the janitor; now is injected for testability.
func (p *Pool) SweepIdle(now time.Time, coldTTL, hotTTL time.Duration) {
	type eviction struct {
		inst *Instance
		kind string
		tier models.Tier
		idle time.Duration
	}

	p.mu.Lock()
	var evicted []eviction
	for fingerprint, inst := range p.cold {
		idle := now.Sub(inst.lastUsedAt)
		if idle <= coldTTL {
			continue
		}
		if inst.activeRequests > 0 {
			p.skipActive(inst, models.TierCold, now)
			continue
		}
		delete(p.cold, fingerprint)
		evicted = append(evicted, eviction{inst, "close_cold", models.TierCold, idle})
	}
	for fingerprint, inst := range p.hot {
		idle := now.Sub(inst.lastUsedAt)
		if idle <= hotTTL {
			continue
		}
		if inst.activeRequests > 0 {
			p.skipActive(inst, models.TierHot, now)
			continue
		}
		delete(p.hot, fingerprint)
		evicted = append(evicted, eviction{inst, "close_hot", models.TierHot, idle})
	}
	p.mu.Unlock()

	// Close outside the lock: browser teardown can block
	for _, e := range evicted {
		if err := e.inst.Browser.Close(); err != nil {
			p.logger.Warn().Err(err).Str("fingerprint", e.inst.Fingerprint).Msg("Browser close failed during sweep")
		}
		p.events.TrackJanitor(models.JanitorEvent{
			Kind:        e.kind,
			Timestamp:   now,
			Fingerprint: e.inst.Fingerprint,
			Tier:        e.tier,
			IdleSeconds: e.idle.Seconds(),
		})
		p.logger.Info().
			Str("fingerprint", e.inst.Fingerprint).
			Str("tier", string(e.tier)).
			Float64("idle_seconds", e.idle.Seconds()).
			Msg("Evicted idle browser instance")
	}
}

func (p *Pool) skipActive(inst *Instance, tier models.Tier, now time.Time) {
	p.events.TrackJanitor(models.JanitorEvent{
		Kind:        "skip_active",
		Timestamp:   now,
		Fingerprint: inst.Fingerprint,
		Tier:        tier,
		Details:     fmt.Sprintf("%d active requests", inst.activeRequests),
	})
}

// Shutdown closes every instance, waiting per instance for active requests
// to drain up to the configured timeout before force-closing. After Shutdown
// returns, no browser is live and no further acquisition succeeds.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	instances := make([]*Instance, 0, 1+len(p.hot)+len(p.cold))
	if p.permanent != nil {
		instances = append(instances, p.permanent)
		p.permanent = nil
	}
	for _, inst := range p.hot {
		instances = append(instances, inst)
	}
	for _, inst := range p.cold {
		instances = append(instances, inst)
	}
	p.hot = make(map[string]*Instance)
	p.cold = make(map[string]*Instance)
	p.mu.Unlock()

	for _, inst := range instances {
		if !p.waitIdle(inst, p.config.ShutdownTimeout) {
			p.logger.Warn().
				Str("fingerprint", inst.Fingerprint).
				Msg("Shutdown drain timed out, force-closing browser")
			p.events.TrackError(models.ErrorEvent{
				Kind:      "shutdown_force_close",
				Timestamp: time.Now(),
				Details:   inst.Fingerprint,
			})
		}
		if err := inst.Browser.Close(); err != nil {
			p.logger.Warn().Err(err).Str("fingerprint", inst.Fingerprint).Msg("Browser close failed during shutdown")
		}
	}

	p.logger.Info().Int("closed", len(instances)).Msg("Browser pool shut down")
}

// waitIdle polls until the instance has no active requests or the timeout
// expires
func (p *Pool) waitIdle(inst *Instance, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		idle := inst.activeRequests == 0
		p.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
