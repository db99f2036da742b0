package monitor

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

const (
	windowCapacity   = 100
	timelineCapacity = 60
	hintCapacity     = 10
)

// PoolView is the read-only slice of the browser pool the monitor consumes
type PoolView interface {
	Snapshot() models.PoolSnapshot
	Size() int
}

// Health is the service-level health projection
type Health struct {
	Status         string                              `json:"status"`
	UptimeSeconds  float64                             `json:"uptime_seconds"`
	MemoryPercent  float64                             `json:"memory_percent"`
	MemoryUsedMiB  float64                             `json:"memory_used_mib"`
	ActiveRequests int                                 `json:"active_requests"`
	PoolSize       int                                 `json:"pool_size"`
	TotalRequests  int64                               `json:"total_requests"`
	TotalErrors    int64                               `json:"total_errors"`
	Endpoints      map[string]models.EndpointAggregate `json:"endpoints"`
}

// Snapshot is the full telemetry view pushed to websocket observers
type Snapshot struct {
	Timestamp time.Time                                 `json:"timestamp"`
	Health    Health                                    `json:"health"`
	Active    []models.RequestRecord                    `json:"active"`
	Completed []models.RequestRecord                    `json:"completed"`
	Pool      models.PoolSnapshot                       `json:"pool"`
	Timelines map[string][]models.TimelineSample        `json:"timelines"`
	Janitor   []models.JanitorEvent                     `json:"janitor"`
	Errors    []models.ErrorEvent                       `json:"errors"`
}

// Monitor is the in-memory telemetry hub. Every mutating operation
// serializes under one lock; readers get copies. Bounded windows hold the
// last 100 completed requests, janitor events, and errors, additionally
// swept by age.
type Monitor struct {
	mu         sync.Mutex
	active     map[string]models.RequestRecord
	completed  *ring[models.RequestRecord]
	janitor    *ring[models.JanitorEvent]
	errors     *ring[models.ErrorEvent]
	aggregates map[string]*models.EndpointAggregate
	timelines  map[models.TimelineMetric]*ring[models.TimelineSample]

	totalRequests int64
	totalErrors   int64
	startedAt     time.Time

	hints  chan struct{}
	pool   PoolView
	probe  interfaces.MemoryProbe
	config common.MonitorConfig
	logger arbor.ILogger
}

// New creates a monitor over the pool and memory probe
func New(pool PoolView, probe interfaces.MemoryProbe, config common.MonitorConfig, logger arbor.ILogger) *Monitor {
	return &Monitor{
		active:     make(map[string]models.RequestRecord),
		completed:  newRing[models.RequestRecord](windowCapacity),
		janitor:    newRing[models.JanitorEvent](windowCapacity),
		errors:     newRing[models.ErrorEvent](windowCapacity),
		aggregates: make(map[string]*models.EndpointAggregate),
		timelines: map[models.TimelineMetric]*ring[models.TimelineSample]{
			models.MetricMemoryPercent:      newRing[models.TimelineSample](timelineCapacity),
			models.MetricInflightRequests:   newRing[models.TimelineSample](timelineCapacity),
			models.MetricActiveBrowserCount: newRing[models.TimelineSample](timelineCapacity),
		},
		startedAt: time.Now(),
		hints:     make(chan struct{}, hintCapacity),
		pool:      pool,
		probe:     probe,
		config:    config,
		logger:    logger,
	}
}

// TrackStart registers an in-flight request
func (m *Monitor) TrackStart(requestID, endpoint, url string, memNow float64) {
	m.mu.Lock()
	m.active[requestID] = models.RequestRecord{
		ID:          requestID,
		Endpoint:    endpoint,
		URL:         url,
		StartedAt:   time.Now(),
		MemStartMiB: memNow,
	}
	m.aggregateFor(endpoint).Count++
	m.totalRequests++
	m.mu.Unlock()

	inflightRequests.Inc()
	m.persistHint()
}

// TrackEnd moves a request from active to the completed window and folds its
// outcome into the endpoint aggregate. Unknown request ids are ignored.
func (m *Monitor) TrackEnd(requestID string, success bool, errMsg string, memNow float64) {
	m.mu.Lock()
	record, ok := m.active[requestID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, requestID)

	now := time.Now()
	record.FinishedAt = &now
	record.Success = &success
	record.Error = errMsg
	record.MemEndMiB = memNow
	m.completed.push(record)

	agg := m.aggregateFor(record.Endpoint)
	if success {
		agg.Successes++
	} else {
		agg.Errors++
		m.totalErrors++
	}
	agg.TotalElapsedMs += record.ElapsedMs()
	m.mu.Unlock()

	inflightRequests.Dec()
	outcome := "success"
	if !success {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(record.Endpoint, outcome).Inc()
	requestDuration.WithLabelValues(record.Endpoint).Observe(float64(record.ElapsedMs()) / 1000)
	m.persistHint()
}

// TrackPoolHit records which tier served a request
func (m *Monitor) TrackPoolHit(requestID string, hit models.TierHit, fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.active[requestID]
	if !ok {
		return
	}
	record.TierHit = hit
	record.Fingerprint = fingerprint
	m.active[requestID] = record
	if hit != models.TierHitNew {
		m.aggregateFor(record.Endpoint).PoolHits++
	}
}

// TrackJanitor appends a pool lifecycle event
func (m *Monitor) TrackJanitor(event models.JanitorEvent) {
	m.mu.Lock()
	m.janitor.push(event)
	m.mu.Unlock()
	janitorEvents.WithLabelValues(event.Kind).Inc()
}

// TrackError appends a non-fatal failure
func (m *Monitor) TrackError(event models.ErrorEvent) {
	m.mu.Lock()
	m.errors.push(event)
	m.mu.Unlock()
}

// SampleTimelines pushes one sample per metric; all three share the same
// timestamp. Called every 5 s by the sampler.
func (m *Monitor) SampleTimelines() {
	mem := m.probe.UsagePercent()
	poolSize := m.pool.Size()
	now := time.Now()

	m.mu.Lock()
	inflight := len(m.active)
	m.timelines[models.MetricMemoryPercent].push(models.TimelineSample{Timestamp: now, Value: mem})
	m.timelines[models.MetricInflightRequests].push(models.TimelineSample{Timestamp: now, Value: float64(inflight)})
	m.timelines[models.MetricActiveBrowserCount].push(models.TimelineSample{Timestamp: now, Value: float64(poolSize)})
	m.mu.Unlock()

	memoryPercent.Set(mem)
	poolBrowsers.Set(float64(poolSize))
}

// Sweep drops window entries older than MaxAge. The age bound and the ring
// capacity are independent; whichever bites first wins.
func (m *Monitor) Sweep(now time.Time) {
	cutoff := now.Add(-m.config.MaxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.completed.dropWhile(func(r models.RequestRecord) bool {
		return r.FinishedAt != nil && r.FinishedAt.Before(cutoff)
	})
	m.janitor.dropWhile(func(e models.JanitorEvent) bool {
		return e.Timestamp.Before(cutoff)
	})
	m.errors.dropWhile(func(e models.ErrorEvent) bool {
		return e.Timestamp.Before(cutoff)
	})
}

// GetHealth returns the service health projection
func (m *Monitor) GetHealth() Health {
	mem := m.probe.UsagePercent()
	usedMiB := m.probe.UsedMiB()
	poolSize := m.pool.Size()

	m.mu.Lock()
	defer m.mu.Unlock()

	status := "ok"
	if mem >= 85 {
		status = "degraded"
	}

	endpoints := make(map[string]models.EndpointAggregate, len(m.aggregates))
	for name, agg := range m.aggregates {
		endpoints[name] = *agg
	}

	return Health{
		Status:         status,
		UptimeSeconds:  time.Since(m.startedAt).Seconds(),
		MemoryPercent:  mem,
		MemoryUsedMiB:  usedMiB,
		ActiveRequests: len(m.active),
		PoolSize:       poolSize,
		TotalRequests:  m.totalRequests,
		TotalErrors:    m.totalErrors,
		Endpoints:      endpoints,
	}
}

// GetActive returns a copy of the in-flight requests
func (m *Monitor) GetActive() []models.RequestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.RequestRecord, 0, len(m.active))
	for _, r := range m.active {
		out = append(out, r)
	}
	return out
}

// GetCompleted returns up to limit most recent completed requests, oldest
// first
func (m *Monitor) GetCompleted(limit int) []models.RequestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed.last(limit)
}

// GetBrowserList returns the pool's current instances
func (m *Monitor) GetBrowserList() models.PoolSnapshot {
	return m.pool.Snapshot()
}

// GetTimeline returns samples for one metric within the window ending now
func (m *Monitor) GetTimeline(metric models.TimelineMetric, window time.Duration) []models.TimelineSample {
	cutoff := time.Now().Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	tl, ok := m.timelines[metric]
	if !ok {
		return nil
	}
	out := make([]models.TimelineSample, 0, tl.len())
	for _, s := range tl.items() {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// GetJanitorLog returns up to limit most recent janitor events
func (m *Monitor) GetJanitorLog(limit int) []models.JanitorEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.janitor.last(limit)
}

// GetErrorLog returns up to limit most recent errors
func (m *Monitor) GetErrorLog(limit int) []models.ErrorEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors.last(limit)
}

// BuildSnapshot assembles the full telemetry view for push observers
func (m *Monitor) BuildSnapshot() Snapshot {
	health := m.GetHealth()
	pool := m.pool.Snapshot()

	m.mu.Lock()
	active := make([]models.RequestRecord, 0, len(m.active))
	for _, r := range m.active {
		active = append(active, r)
		if len(active) == 10 {
			break
		}
	}
	completed := m.completed.last(10)
	janitor := m.janitor.last(10)
	errs := m.errors.last(10)
	timelines := make(map[string][]models.TimelineSample, len(m.timelines))
	for metric, tl := range m.timelines {
		timelines[string(metric)] = tl.items()
	}
	m.mu.Unlock()

	return Snapshot{
		Timestamp: time.Now(),
		Health:    health,
		Active:    active,
		Completed: completed,
		Pool:      pool,
		Timelines: timelines,
		Janitor:   janitor,
		Errors:    errs,
	}
}

// EndpointStats returns a copy of the aggregates for persistence
func (m *Monitor) EndpointStats() map[string]models.EndpointAggregate {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]models.EndpointAggregate, len(m.aggregates))
	for name, agg := range m.aggregates {
		out[name] = *agg
	}
	return out
}

// Hints exposes the persistence hint channel to the worker
func (m *Monitor) Hints() <-chan struct{} {
	return m.hints
}

// persistHint nudges the persistence worker; a full channel drops the hint
func (m *Monitor) persistHint() {
	select {
	case m.hints <- struct{}{}:
	default:
	}
}

// aggregateFor returns the aggregate for an endpoint, creating it on first
// use; callers hold the lock
func (m *Monitor) aggregateFor(endpoint string) *models.EndpointAggregate {
	agg, ok := m.aggregates[endpoint]
	if !ok {
		agg = &models.EndpointAggregate{}
		m.aggregates[endpoint] = agg
	}
	return agg
}
