package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "venari",
		Name:      "requests_total",
		Help:      "Crawl requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	inflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "venari",
		Name:      "inflight_requests",
		Help:      "Requests currently being processed.",
	})

	memoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "venari",
		Name:      "memory_percent",
		Help:      "Container memory usage as a percent of the effective limit.",
	})

	poolBrowsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "venari",
		Name:      "pool_browsers",
		Help:      "Live browser instances across all tiers.",
	})

	janitorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "venari",
		Name:      "janitor_events_total",
		Help:      "Pool janitor actions by kind.",
	}, []string{"kind"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "venari",
		Name:      "request_duration_seconds",
		Help:      "Crawl request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})
)
