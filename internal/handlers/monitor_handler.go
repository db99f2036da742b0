package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/services/monitor"
)

// MonitorHandler serves the read-only telemetry endpoints
type MonitorHandler struct {
	monitor *monitor.Monitor
	logger  arbor.ILogger
}

func NewMonitorHandler(m *monitor.Monitor, logger arbor.ILogger) *MonitorHandler {
	return &MonitorHandler{monitor: m, logger: logger}
}

// Health serves GET /monitor/health
func (h *MonitorHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	_ = WriteJSON(w, http.StatusOK, h.monitor.GetHealth())
}

// Requests serves GET /monitor/requests?status=all|active|completed|success|error&limit=N
func (h *MonitorHandler) Requests(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit, ok := ParseLimit(w, r, 100)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	if status == "" {
		status = "all"
	}

	var records []models.RequestRecord
	switch status {
	case "active":
		records = h.monitor.GetActive()
	case "completed":
		records = h.monitor.GetCompleted(limit)
	case "success", "error":
		wantSuccess := status == "success"
		for _, rec := range h.monitor.GetCompleted(limit) {
			if rec.Success != nil && *rec.Success == wantSuccess {
				records = append(records, rec)
			}
		}
	case "all":
		records = append(h.monitor.GetActive(), h.monitor.GetCompleted(limit)...)
	default:
		WriteAPIError(w, http.StatusBadRequest, "validation_error", "status must be one of all, active, completed, success, error")
		return
	}

	if records == nil {
		records = []models.RequestRecord{}
	}
	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{
		"requests": records,
		"count":    len(records),
	})
}

// Browsers serves GET /monitor/browsers
func (h *MonitorHandler) Browsers(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	_ = WriteJSON(w, http.StatusOK, h.monitor.GetBrowserList())
}

// JanitorLog serves GET /monitor/logs/janitor
func (h *MonitorHandler) JanitorLog(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit, ok := ParseLimit(w, r, 100)
	if !ok {
		return
	}
	events := h.monitor.GetJanitorLog(limit)
	if events == nil {
		events = []models.JanitorEvent{}
	}
	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ErrorLog serves GET /monitor/logs/errors
func (h *MonitorHandler) ErrorLog(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit, ok := ParseLimit(w, r, 100)
	if !ok {
		return
	}
	events := h.monitor.GetErrorLog(limit)
	if events == nil {
		events = []models.ErrorEvent{}
	}
	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{"errors": events})
}

// timelineWindows maps the window query parameter to a duration
var timelineWindows = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
}

// timelineMetrics maps the metric query parameter to the sampled timeline
var timelineMetrics = map[string]models.TimelineMetric{
	"memory":   models.MetricMemoryPercent,
	"requests": models.MetricInflightRequests,
	"browsers": models.MetricActiveBrowserCount,
}

// Timeline serves GET /monitor/timeline?metric=memory|requests|browsers&window=5m|15m|1h
func (h *MonitorHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	metricParam := r.URL.Query().Get("metric")
	if metricParam == "" {
		metricParam = "memory"
	}
	metric, ok := timelineMetrics[metricParam]
	if !ok {
		WriteAPIError(w, http.StatusBadRequest, "validation_error", "metric must be one of memory, requests, browsers")
		return
	}

	windowParam := r.URL.Query().Get("window")
	if windowParam == "" {
		windowParam = "5m"
	}
	window, ok := timelineWindows[windowParam]
	if !ok {
		WriteAPIError(w, http.StatusBadRequest, "validation_error", "window must be one of 5m, 15m, 1h")
		return
	}

	samples := h.monitor.GetTimeline(metric, window)
	if samples == nil {
		samples = []models.TimelineSample{}
	}
	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{
		"metric":  metricParam,
		"window":  windowParam,
		"samples": samples,
	})
}
