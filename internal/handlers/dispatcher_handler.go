package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/services/gateway"
)

// DispatcherHandler exposes admission strategy introspection
type DispatcherHandler struct {
	gateway *gateway.Service
	logger  arbor.ILogger
}

func NewDispatcherHandler(gw *gateway.Service, logger arbor.ILogger) *DispatcherHandler {
	return &DispatcherHandler{gateway: gw, logger: logger}
}

// List serves GET /dispatchers
func (h *DispatcherHandler) List(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{
		"dispatchers": h.gateway.DispatcherTypes(),
		"default":     h.gateway.DefaultDispatcherType(),
	})
}

// Default serves GET /dispatchers/default
func (h *DispatcherHandler) Default(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]string{"type": h.gateway.DefaultDispatcherType()})
}

// Stats serves GET /dispatchers/{type}/stats
func (h *DispatcherHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/dispatchers/")
	name := strings.TrimSuffix(path, "/stats")
	if name == path || name == "" {
		WriteAPIError(w, http.StatusNotFound, "not_found", "unknown dispatcher endpoint")
		return
	}

	stats, ok := h.gateway.DispatcherStats(name)
	if !ok {
		WriteAPIError(w, http.StatusNotFound, "not_found", "unknown dispatcher type: "+name)
		return
	}
	_ = WriteJSON(w, http.StatusOK, stats)
}
