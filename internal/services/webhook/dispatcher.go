package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/models"
)

// Dispatcher delivers job-completion webhooks with retries. Deliveries for
// distinct jobs run concurrently and independently; failures never surface
// to the job path.
type Dispatcher struct {
	client *http.Client
	config common.WebhookConfig
	logger arbor.ILogger
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewDispatcher(config common.WebhookConfig, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: config.Timeout},
		config: config,
		logger: logger,
	}
}

// Enqueue schedules delivery for a terminal job; returns immediately
func (d *Dispatcher) Enqueue(job models.Job) {
	if job.WebhookConfig == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn().Str("job_id", job.ID).Msg("Webhook dispatcher closed, dropping notification")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.deliver(context.Background(), &job)
	}()
}

// Shutdown stops accepting deliveries and waits for in-flight ones
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// deliver runs the attempt loop for one job
func (d *Dispatcher) deliver(ctx context.Context, job *models.Job) {
	payload := models.NewWebhookPayload(job, job.WebhookConfig.DataInPayload)
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Webhook payload serialization failed")
		return
	}

	maxAttempts := d.config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := d.post(ctx, job, body)
		lastErr = err

		switch {
		case err == nil && status >= 200 && status < 300:
			d.logger.Info().
				Str("job_id", job.ID).
				Str("url", job.WebhookConfig.URL).
				Int("status", status).
				Int("attempt", attempt).
				Msg("Webhook delivered")
			return

		case err == nil && status >= 400 && status < 500 && status != http.StatusTooManyRequests:
			// Client errors other than 429 will not improve on retry
			d.logger.Warn().
				Str("job_id", job.ID).
				Str("url", job.WebhookConfig.URL).
				Int("status", status).
				Msg("Webhook rejected, not retrying")
			return

		default:
			if err == nil {
				lastErr = fmt.Errorf("webhook returned status %d", status)
			}
		}

		if attempt < maxAttempts {
			backoff := d.backoff(attempt)
			d.logger.Debug().
				Str("job_id", job.ID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("Webhook attempt failed, retrying")

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}

	d.logger.Error().
		Str("job_id", job.ID).
		Str("url", job.WebhookConfig.URL).
		Int("attempts", maxAttempts).
		Err(lastErr).
		Msg("Webhook delivery failed after all attempts")
}

// post performs one delivery attempt
func (d *Dispatcher) post(ctx context.Context, job *models.Job, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookConfig.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	// Per-job headers win over the configured defaults
	for k, v := range d.config.DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range job.WebhookConfig.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

// backoff doubles from 1s per attempt, capped at MaxDelay, jittered ±20%
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := time.Second << (attempt - 1)
	if d.config.MaxDelay > 0 && delay > d.config.MaxDelay {
		delay = d.config.MaxDelay
	}
	jittered := float64(delay) * (0.8 + 0.4*rand.Float64())
	return time.Duration(jittered)
}
