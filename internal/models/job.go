package models

import (
	"encoding/json"
	"time"
)

// JobKind distinguishes async task types
type JobKind string

const (
	JobKindCrawl      JobKind = "crawl"
	JobKindLLMExtract JobKind = "llm_extraction"
)

// JobStatus represents the state of an async job.
// Transitions form pending -> running -> (completed|failed); terminal states
// are never re-entered.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo enforces the job state machine
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// WebhookConfig is the caller-supplied completion notification target
type WebhookConfig struct {
	URL           string            `json:"webhook_url" validate:"required,url"`
	DataInPayload bool              `json:"webhook_data_in_payload,omitempty"`
	Headers       map[string]string `json:"webhook_headers,omitempty"`
}

// Job is the persisted record of an async crawl or LLM extraction task.
// Lives in the KV store under job:{id} with a 24h TTL from creation.
type Job struct {
	ID            string          `json:"id"`
	Kind          JobKind         `json:"kind"`
	Status        JobStatus       `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	URLs          []string        `json:"urls"`
	BrowserSpec   *BrowserSpec    `json:"browser_config,omitempty"`
	CrawlerSpec   json.RawMessage `json:"crawler_config,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	WebhookConfig *WebhookConfig  `json:"webhook_config,omitempty"`
}
