package models

import (
	"encoding/json"
	"time"
)

// WebhookPayload is the JSON body POSTed to a webhook target on job
// completion. Data is present only for completed jobs whose config requested
// it; Error is present only for failed jobs.
type WebhookPayload struct {
	TaskID    string          `json:"task_id"`
	TaskType  JobKind         `json:"task_type"`
	Status    string          `json:"status"`    // "completed" or "failed"
	Timestamp string          `json:"timestamp"` // RFC3339 UTC
	URLs      []string        `json:"urls"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewWebhookPayload composes the payload for a terminal job
func NewWebhookPayload(job *Job, includeData bool) WebhookPayload {
	payload := WebhookPayload{
		TaskID:    job.ID,
		TaskType:  job.Kind,
		Status:    string(job.Status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		URLs:      job.URLs,
	}
	if job.Status == JobStatusFailed {
		payload.Error = job.Error
	} else if includeData {
		payload.Data = job.Result
	}
	return payload
}

// WebhookDelivery tracks one in-flight delivery; transient, not persisted
// across restarts
type WebhookDelivery struct {
	JobID         string
	TargetURL     string
	Headers       map[string]string
	IncludeData   bool
	Attempt       int
	NextAttemptAt time.Time
}
