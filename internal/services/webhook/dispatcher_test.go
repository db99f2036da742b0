package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/models"
)

type webhookTarget struct {
	mu       sync.Mutex
	statuses []int
	bodies   []models.WebhookPayload
	headers  []http.Header
	calls    int
}

func (t *webhookTarget) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.mu.Lock()
		defer t.mu.Unlock()

		body, _ := io.ReadAll(r.Body)
		var payload models.WebhookPayload
		_ = json.Unmarshal(body, &payload)
		t.bodies = append(t.bodies, payload)
		t.headers = append(t.headers, r.Header.Clone())

		status := http.StatusOK
		if t.calls < len(t.statuses) {
			status = t.statuses[t.calls]
		}
		t.calls++
		w.WriteHeader(status)
	}
}

func (t *webhookTarget) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func testDispatcher() *Dispatcher {
	return NewDispatcher(common.WebhookConfig{
		Timeout:     2 * time.Second,
		MaxAttempts: 5,
		MaxDelay:    20 * time.Millisecond,
		DefaultHeaders: map[string]string{
			"X-Default": "global",
			"X-Both":    "global",
		},
	}, arbor.NewLogger())
}

func completedJob(url string) models.Job {
	now := time.Now().UTC()
	return models.Job{
		ID:         "job_test1234",
		Kind:       models.JobKindCrawl,
		Status:     models.JobStatusCompleted,
		CreatedAt:  now.Add(-time.Minute),
		FinishedAt: &now,
		URLs:       []string{"https://example.com"},
		Result:     json.RawMessage(`{"pages":1}`),
		WebhookConfig: &models.WebhookConfig{
			URL:           url,
			DataInPayload: true,
			Headers: map[string]string{
				"X-Job":  "per-job",
				"X-Both": "per-job",
			},
		},
	}
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	target := &webhookTarget{statuses: []int{503, 503, 200}}
	server := httptest.NewServer(target.handler())
	defer server.Close()

	d := testDispatcher()
	d.Enqueue(completedJob(server.URL))
	d.Shutdown()

	assert.Equal(t, 3, target.callCount(), "two 503s then success")

	target.mu.Lock()
	defer target.mu.Unlock()
	payload := target.bodies[2]
	assert.Equal(t, "job_test1234", payload.TaskID)
	assert.Equal(t, models.JobKindCrawl, payload.TaskType)
	assert.Equal(t, "completed", payload.Status)
	assert.JSONEq(t, `{"pages":1}`, string(payload.Data))

	parsed, err := time.Parse(time.RFC3339, payload.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, time.Minute)
}

func TestDispatcher_ClientErrorIsTerminal(t *testing.T) {
	target := &webhookTarget{statuses: []int{404}}
	server := httptest.NewServer(target.handler())
	defer server.Close()

	d := testDispatcher()
	d.Enqueue(completedJob(server.URL))
	d.Shutdown()

	assert.Equal(t, 1, target.callCount(), "4xx does not retry")
}

func TestDispatcher_TooManyRequestsRetries(t *testing.T) {
	target := &webhookTarget{statuses: []int{429, 200}}
	server := httptest.NewServer(target.handler())
	defer server.Close()

	d := testDispatcher()
	d.Enqueue(completedJob(server.URL))
	d.Shutdown()

	assert.Equal(t, 2, target.callCount())
}

func TestDispatcher_ExhaustsAttempts(t *testing.T) {
	target := &webhookTarget{statuses: []int{500, 500, 500, 500, 500, 500}}
	server := httptest.NewServer(target.handler())
	defer server.Close()

	d := testDispatcher()
	d.Enqueue(completedJob(server.URL))
	d.Shutdown()

	assert.Equal(t, 5, target.callCount(), "stops at max attempts")
}

func TestDispatcher_HeaderMergePerJobWins(t *testing.T) {
	target := &webhookTarget{}
	server := httptest.NewServer(target.handler())
	defer server.Close()

	d := testDispatcher()
	d.Enqueue(completedJob(server.URL))
	d.Shutdown()

	target.mu.Lock()
	defer target.mu.Unlock()
	require.Len(t, target.headers, 1)
	h := target.headers[0]
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "global", h.Get("X-Default"))
	assert.Equal(t, "per-job", h.Get("X-Job"))
	assert.Equal(t, "per-job", h.Get("X-Both"), "per-job headers override defaults")
}

func TestDispatcher_FailedJobCarriesErrorNotData(t *testing.T) {
	target := &webhookTarget{}
	server := httptest.NewServer(target.handler())
	defer server.Close()

	job := completedJob(server.URL)
	job.Status = models.JobStatusFailed
	job.Error = "engine crashed"

	d := testDispatcher()
	d.Enqueue(job)
	d.Shutdown()

	target.mu.Lock()
	defer target.mu.Unlock()
	require.Len(t, target.bodies, 1)
	payload := target.bodies[0]
	assert.Equal(t, "failed", payload.Status)
	assert.Equal(t, "engine crashed", payload.Error)
	assert.Empty(t, payload.Data)
}

func TestDispatcher_NoConfigIsNoop(t *testing.T) {
	d := testDispatcher()
	job := completedJob("http://unused")
	job.WebhookConfig = nil
	d.Enqueue(job)
	d.Shutdown()
}
