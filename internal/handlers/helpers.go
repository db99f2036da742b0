package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/venari/internal/interfaces"
)

// apiError is the wire shape of every error response
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// RequireMethod validates the HTTP method, writing 405 on mismatch
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteAPIError writes the standard error envelope
func WriteAPIError(w http.ResponseWriter, statusCode int, code, message string) {
	_ = WriteJSON(w, statusCode, errorEnvelope{Error: apiError{Code: code, Message: message}})
}

// WriteMappedError translates a service error into its HTTP response
func WriteMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrMemoryPressure):
		WriteAPIError(w, http.StatusServiceUnavailable, "memory_pressure", err.Error())
	case errors.Is(err, interfaces.ErrMemoryExhausted):
		WriteAPIError(w, http.StatusServiceUnavailable, "memory_exhausted", err.Error())
	case errors.Is(err, interfaces.ErrNotFound):
		WriteAPIError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, interfaces.ErrEngineLaunch):
		WriteAPIError(w, http.StatusInternalServerError, "engine_launch_error", err.Error())
	case errors.Is(err, interfaces.ErrEngineRun):
		WriteAPIError(w, http.StatusInternalServerError, "engine_run_error", err.Error())
	default:
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// DecodeBody parses and validates a JSON request body; writes 400 and
// returns false on failure
func DecodeBody(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "validation_error", "invalid JSON body: "+err.Error())
		return false
	}
	if err := v.Struct(dst); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}

// ParseLimit reads the limit query parameter, enforcing 1 <= limit <= 1000
func ParseLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > 1000 {
		WriteAPIError(w, http.StatusBadRequest, "validation_error", "limit must be between 1 and 1000")
		return 0, false
	}
	return limit, true
}
