package handlers

import (
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
)

// HealthHandler serves the operational endpoints: health, version, config,
// metrics, and the optional local shutdown trigger
type HealthHandler struct {
	probe     interfaces.MemoryProbe
	config    *common.Config
	startedAt time.Time
	shutdown  func()
	metrics   http.Handler
	logger    arbor.ILogger
}

func NewHealthHandler(probe interfaces.MemoryProbe, config *common.Config, shutdown func(), logger arbor.ILogger) *HealthHandler {
	return &HealthHandler{
		probe:     probe,
		config:    config,
		startedAt: time.Now(),
		shutdown:  shutdown,
		metrics:   promhttp.Handler(),
		logger:    logger,
	}
}

// Health serves GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"container": map[string]float64{
			"memory_percent":  h.probe.UsagePercent(),
			"memory_used_mib": h.probe.UsedMiB(),
			"cpu_percent":     cpuPercent(),
		},
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
		"version":        common.GetVersion(),
	})
}

// Version serves GET /version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.Version,
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

// Config serves GET /config with secrets masked
func (h *HealthHandler) Config(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	_ = WriteJSON(w, http.StatusOK, h.config.Sanitized())
}

// Metrics serves GET /metrics in Prometheus exposition format
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

// Shutdown serves POST /shutdown when enabled in config
func (h *HealthHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !h.config.Server.EnableShutdownEndpoint || h.shutdown == nil {
		WriteAPIError(w, http.StatusNotFound, "not_found", "shutdown endpoint disabled")
		return
	}

	h.logger.Info().Msg("Shutdown requested via endpoint")
	_ = WriteJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	go h.shutdown()
}

// cpuPercent approximates CPU utilization from the 1-minute load average
// normalized by core count; returns 0 where /proc is unavailable
func cpuPercent() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	return loadPercent(string(data), runtime.NumCPU())
}

// loadPercent converts a /proc/loadavg line into a percentage of total CPU
// capacity, clamped at 100
func loadPercent(raw string, cores int) float64 {
	if cores < 1 {
		return 0
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	percent := load / float64(cores) * 100
	if percent > 100 {
		percent = 100
	}
	return percent
}
