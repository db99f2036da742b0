package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// KeyPrefix namespaces job records in the KV store
const KeyPrefix = "job:"

// Registry persists async job records in the KV store and enforces their
// state machine. Records live under job:{id} with a TTL measured from
// creation, so completed jobs stay queryable until the record expires.
type Registry struct {
	// mu serializes read-modify-write transitions; the KV store has no
	// multi-operation transactions
	mu     sync.Mutex
	store  interfaces.KeyValueStore
	config common.JobsConfig
	logger arbor.ILogger
}

func NewRegistry(store interfaces.KeyValueStore, config common.JobsConfig, logger arbor.ILogger) *Registry {
	return &Registry{
		store:  store,
		config: config,
		logger: logger,
	}
}

// CreateJob persists a new PENDING job and returns it
func (r *Registry) CreateJob(ctx context.Context, kind models.JobKind, urls []string, browserSpec *models.BrowserSpec, crawlerSpec json.RawMessage, webhook *models.WebhookConfig) (*models.Job, error) {
	job := &models.Job{
		ID:            common.NewJobID(),
		Kind:          kind,
		Status:        models.JobStatusPending,
		CreatedAt:     time.Now().UTC(),
		URLs:          urls,
		BrowserSpec:   browserSpec,
		CrawlerSpec:   crawlerSpec,
		WebhookConfig: webhook,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	ok, err := r.store.SetNX(ctx, KeyPrefix+job.ID, string(data), r.config.TTL)
	if err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("job id collision: %s", job.ID)
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(kind)).
		Int("urls", len(urls)).
		Msg("Created async job")

	return job, nil
}

// Get returns the job or ErrNotFound when absent or expired
func (r *Registry) Get(ctx context.Context, id string) (*models.Job, error) {
	raw, err := r.store.Get(ctx, KeyPrefix+id)
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("read job: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// MarkRunning transitions PENDING -> RUNNING
func (r *Registry) MarkRunning(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.JobStatusRunning, func(job *models.Job) {})
}

// MarkCompleted transitions RUNNING -> COMPLETED with the result attached
func (r *Registry) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	return r.transition(ctx, id, models.JobStatusCompleted, func(job *models.Job) {
		job.Result = result
	})
}

// MarkFailed transitions to FAILED with the error message attached
func (r *Registry) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return r.transition(ctx, id, models.JobStatusFailed, func(job *models.Job) {
		job.Error = errMsg
	})
}

// transition applies one state change under the registry lock. A transition
// out of a terminal state is a warned no-op so duplicate completions stay
// harmless.
func (r *Registry) transition(ctx context.Context, id string, next models.JobStatus, mutate func(*models.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		r.logger.Warn().
			Str("job_id", id).
			Str("status", string(job.Status)).
			Str("attempted", string(next)).
			Msg("Ignoring transition on terminal job")
		return nil
	}
	if !job.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidTransition, job.Status, next)
	}

	job.Status = next
	if next.IsTerminal() {
		now := time.Now().UTC()
		job.FinishedAt = &now
	}
	mutate(job)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	// Keep the original expiry: TTL counts from creation, not last write
	remaining := r.config.TTL - time.Since(job.CreatedAt)
	if remaining < time.Minute {
		remaining = time.Minute
	}
	if err := r.store.Set(ctx, KeyPrefix+id, string(data), remaining); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}

	r.logger.Debug().
		Str("job_id", id).
		Str("status", string(next)).
		Msg("Job transitioned")
	return nil
}

// List returns all live job records
func (r *Registry) List(ctx context.Context) ([]*models.Job, error) {
	entries, err := r.store.ListByPrefix(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]*models.Job, 0, len(entries))
	for key, raw := range entries {
		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Skipping undecodable job record")
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}
