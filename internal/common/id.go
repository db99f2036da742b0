package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewRequestID generates a short unique request ID with the "req_" prefix.
// Format: req_<12 hex chars>
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// NewJobID generates a unique job ID with the "job_" prefix.
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}
