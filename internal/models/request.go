package models

import (
	"time"
)

// RequestRecord tracks one crawl request from admission to completion
type RequestRecord struct {
	ID          string     `json:"id"`
	Endpoint    string     `json:"endpoint"`
	URL         string     `json:"url"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	Error       string     `json:"error,omitempty"`
	MemStartMiB float64    `json:"mem_start_mib"`
	MemEndMiB   float64    `json:"mem_end_mib"`
	TierHit     TierHit    `json:"tier_hit,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
}

// ElapsedMs returns the wall-clock duration of a finished request
func (r *RequestRecord) ElapsedMs() int64 {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt).Milliseconds()
}

// EndpointAggregate accumulates per-endpoint counters, mutated under the
// monitor lock
type EndpointAggregate struct {
	Count          int64 `json:"count"`
	Successes      int64 `json:"successes"`
	Errors         int64 `json:"errors"`
	TotalElapsedMs int64 `json:"total_elapsed_ms"`
	PoolHits       int64 `json:"pool_hits"`
}

// JanitorEvent records a pool lifecycle action (promote, close_cold,
// close_hot, skip_active)
type JanitorEvent struct {
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Tier        Tier      `json:"tier,omitempty"`
	IdleSeconds float64   `json:"idle_seconds,omitempty"`
	Details     string    `json:"details,omitempty"`
}

// ErrorEvent records a non-fatal failure for the monitor error window
type ErrorEvent struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// TimelineMetric names one of the sampled timelines
type TimelineMetric string

const (
	MetricMemoryPercent      TimelineMetric = "memory_percent"
	MetricInflightRequests   TimelineMetric = "inflight_requests"
	MetricActiveBrowserCount TimelineMetric = "active_browser_count"
)

// TimelineSample is one fixed-cadence scalar observation
type TimelineSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}
