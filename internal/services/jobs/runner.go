package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/models"
)

// Executor produces a job's result; the runner handles state transitions
type Executor func(ctx context.Context, job *models.Job) (json.RawMessage, error)

// Notifier delivers completion notifications for jobs with a webhook config
type Notifier interface {
	Enqueue(job models.Job)
}

// Runner executes jobs in the background: RUNNING, then COMPLETED or FAILED,
// then the webhook notification when one is configured. Panics in executors
// fail the job instead of the process.
type Runner struct {
	registry *Registry
	notifier Notifier
	logger   arbor.ILogger
	wg       sync.WaitGroup
}

// NewRunner creates a runner; notifier may be nil when webhooks are disabled
func NewRunner(registry *Registry, notifier Notifier, logger arbor.ILogger) *Runner {
	return &Runner{
		registry: registry,
		notifier: notifier,
		logger:   logger,
	}
}

// Launch starts the job in its own goroutine and returns immediately
func (r *Runner) Launch(job *models.Job, exec Executor) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(job, exec)
	}()
}

// Wait blocks until all launched jobs have finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(job *models.Job, exec Executor) {
	ctx := context.Background()

	if err := r.registry.MarkRunning(ctx, job.ID); err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Could not mark job running")
		return
	}

	result, err := r.execute(ctx, job, exec)
	if err != nil {
		if markErr := r.registry.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			r.logger.Warn().Err(markErr).Str("job_id", job.ID).Msg("Could not mark job failed")
		}
	} else {
		if markErr := r.registry.MarkCompleted(ctx, job.ID, result); markErr != nil {
			r.logger.Warn().Err(markErr).Str("job_id", job.ID).Msg("Could not mark job completed")
		}
	}

	r.notify(ctx, job.ID)
}

// execute runs the executor with panic containment
func (r *Runner) execute(ctx context.Context, job *models.Job, exec Executor) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
			r.logger.Error().Str("job_id", job.ID).Msgf("Job executor panicked: %v", rec)
		}
	}()
	return exec(ctx, job)
}

// notify hands the terminal job to the webhook dispatcher
func (r *Runner) notify(ctx context.Context, jobID string) {
	if r.notifier == nil {
		return
	}

	job, err := r.registry.Get(ctx, jobID)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Could not reload job for notification")
		return
	}
	if job.WebhookConfig == nil || !job.Status.IsTerminal() {
		return
	}

	r.notifier.Enqueue(*job)
}
