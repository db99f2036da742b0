package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

type fakeBrowser struct {
	mu     sync.Mutex
	closed bool
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBrowser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	failNext error
	browsers []*fakeBrowser
}

func (l *fakeLauncher) Launch(ctx context.Context, spec models.BrowserSpec) (interfaces.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return nil, err
	}
	l.launches++
	b := &fakeBrowser{}
	l.browsers = append(l.browsers, b)
	return b, nil
}

type fakeProbe struct {
	percent float64
}

func (p *fakeProbe) UsagePercent() float64 { return p.percent }
func (p *fakeProbe) UsedMiB() float64      { return 100 }

type captureSink struct {
	mu      sync.Mutex
	janitor []models.JanitorEvent
	errors  []models.ErrorEvent
}

func (s *captureSink) TrackJanitor(e models.JanitorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.janitor = append(s.janitor, e)
}

func (s *captureSink) TrackError(e models.ErrorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e)
}

func (s *captureSink) janitorKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.janitor))
	for _, e := range s.janitor {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func newTestPool(t *testing.T, probe *fakeProbe) (*Pool, *fakeLauncher, *captureSink) {
	t.Helper()
	launcher := &fakeLauncher{}
	sink := &captureSink{}
	cfg := common.PoolConfig{
		PromotionThreshold: 3,
		MemoryHardLimit:    95.0,
		ShutdownTimeout:    200 * time.Millisecond,
	}
	p, err := New(context.Background(), launcher, probe, sink, cfg, models.DefaultBrowserSpec("test-agent"), arbor.NewLogger())
	require.NoError(t, err)
	return p, launcher, sink
}

func nonDefaultSpec(width int) models.BrowserSpec {
	return models.BrowserSpec{
		Headless: true,
		Viewport: models.Viewport{Width: width, Height: 800},
	}
}

func TestPool_DefaultSpecReturnsPermanent(t *testing.T) {
	p, launcher, _ := newTestPool(t, &fakeProbe{percent: 20})
	defer p.Shutdown()

	spec := models.DefaultBrowserSpec("test-agent")

	first, hit, err := p.Acquire(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, models.TierHitPermanent, hit)

	second, hit, err := p.Acquire(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, models.TierHitPermanent, hit)

	assert.Same(t, first, second)
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, 1, launcher.launches, "no extra launches for the default spec")
}

func TestPool_PromotionAtExactThreshold(t *testing.T) {
	p, _, sink := newTestPool(t, &fakeProbe{percent: 20})
	defer p.Shutdown()

	spec := nonDefaultSpec(1024)
	ctx := context.Background()

	inst, hit, err := p.Acquire(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, models.TierHitNew, hit)
	p.Release(inst)

	inst, hit, err = p.Acquire(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, models.TierHitCold, hit)
	p.Release(inst)

	// Third use reaches the promotion threshold on that very acquisition
	inst, hit, err = p.Acquire(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, models.TierHitColdPromoted, hit)
	p.Release(inst)

	inst, hit, err = p.Acquire(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, models.TierHitHot, hit)
	p.Release(inst)

	assert.Contains(t, sink.janitorKinds(), "promote")

	// Fingerprint appears in exactly one tier
	snapshot := p.Snapshot()
	count := 0
	for _, b := range snapshot.Browsers {
		if b.Fingerprint == spec.Fingerprint() {
			count++
			assert.Equal(t, models.TierHot, b.Tier)
		}
	}
	assert.Equal(t, 1, count)
}

func TestPool_MemoryPressureRefusesNewLaunch(t *testing.T) {
	probe := &fakeProbe{percent: 20}
	p, launcher, _ := newTestPool(t, probe)
	defer p.Shutdown()

	probe.percent = 96
	before := p.Size()

	_, _, err := p.Acquire(context.Background(), nonDefaultSpec(999))
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrMemoryPressure)
	assert.Equal(t, before, p.Size(), "pool unchanged after refusal")
	assert.Equal(t, 1, launcher.launches)

	// Existing tiers are still served under pressure
	_, hit, err := p.Acquire(context.Background(), models.DefaultBrowserSpec("test-agent"))
	require.NoError(t, err)
	assert.Equal(t, models.TierHitPermanent, hit)
}

func TestPool_LaunchFailureNotCached(t *testing.T) {
	p, launcher, sink := newTestPool(t, &fakeProbe{percent: 20})
	defer p.Shutdown()

	spec := nonDefaultSpec(777)
	launcher.failNext = errors.New("chrome exited")

	_, _, err := p.Acquire(context.Background(), spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrEngineLaunch)
	assert.NotEmpty(t, sink.errors)

	// Same fingerprint retries and succeeds
	inst, hit, err := p.Acquire(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, models.TierHitNew, hit)
	p.Release(inst)
}

func TestPool_SweepEvictsIdleColdNotActive(t *testing.T) {
	p, launcher, sink := newTestPool(t, &fakeProbe{percent: 20})
	defer p.Shutdown()

	ctx := context.Background()
	idleSpec := nonDefaultSpec(100)
	busySpec := nonDefaultSpec(200)

	idle, _, err := p.Acquire(ctx, idleSpec)
	require.NoError(t, err)
	p.Release(idle)

	busy, _, err := p.Acquire(ctx, busySpec)
	require.NoError(t, err)
	// busy stays borrowed

	// 40s later under the mid band (coldTTL 30s for the high band is not in
	// play; use TTLs directly)
	future := time.Now().Add(40 * time.Second)
	p.SweepIdle(future, 30*time.Second, 120*time.Second)

	kinds := sink.janitorKinds()
	assert.Contains(t, kinds, "close_cold")
	assert.Contains(t, kinds, "skip_active")

	assert.True(t, launcher.browsers[1].isClosed(), "idle cold instance closed")
	assert.False(t, launcher.browsers[2].isClosed(), "active instance survives")

	// Permanent never swept
	assert.Equal(t, 2, p.Size())
	p.Release(busy)
}

func TestPool_ShutdownClosesEverything(t *testing.T) {
	p, launcher, _ := newTestPool(t, &fakeProbe{percent: 20})

	inst, _, err := p.Acquire(context.Background(), nonDefaultSpec(300))
	require.NoError(t, err)
	p.Release(inst)

	p.Shutdown()

	for i, b := range launcher.browsers {
		assert.True(t, b.isClosed(), "browser %d closed", i)
	}
	assert.Equal(t, 0, p.Size())

	_, _, err = p.Acquire(context.Background(), nonDefaultSpec(300))
	assert.ErrorIs(t, err, interfaces.ErrPoolClosed)
}

func TestPool_FingerprintDeterminism(t *testing.T) {
	a := nonDefaultSpec(640)
	b := nonDefaultSpec(640)
	c := nonDefaultSpec(641)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.GreaterOrEqual(t, len(a.Fingerprint()), 40)
}

func TestPolicyFor_BandBoundaries(t *testing.T) {
	// At exact boundaries the higher-pressure band wins
	assert.Equal(t, 10*time.Second, PolicyFor(80.0).Interval)
	assert.Equal(t, 10*time.Second, PolicyFor(95.0).Interval)
	assert.Equal(t, 30*time.Second, PolicyFor(60.0).Interval)
	assert.Equal(t, 30*time.Second, PolicyFor(75.0).Interval)
	assert.Equal(t, 60*time.Second, PolicyFor(59.9).Interval)
	assert.Equal(t, 300*time.Second, PolicyFor(10.0).ColdTTL)
}
