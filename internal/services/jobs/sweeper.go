package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/models"
)

// Sweeper fails PENDING/RUNNING jobs that outlived the stale deadline,
// usually because the process restarted mid-job or a worker died. Runs on a
// cron schedule with second precision.
type Sweeper struct {
	registry *Registry
	config   common.JobsConfig
	cron     *cron.Cron
	logger   arbor.ILogger
}

func NewSweeper(registry *Registry, config common.JobsConfig, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		registry: registry,
		config:   config,
		cron:     cron.New(cron.WithSeconds()),
		logger:   logger,
	}
}

// Start schedules the sweep; returns an error for an invalid schedule
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.config.SweepSchedule, func() {
		s.SweepOnce(context.Background(), time.Now())
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", s.config.SweepSchedule).
		Dur("stale_deadline", s.config.StaleDeadline).
		Msg("Stale job sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Debug().Msg("Stale job sweeper stopped")
}

// SweepOnce scans all live jobs and times out stale non-terminal ones
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) {
	jobs, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Job sweep scan failed")
		return
	}

	swept := 0
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if now.Sub(job.CreatedAt) <= s.config.StaleDeadline {
			continue
		}
		if err := s.registry.MarkFailed(ctx, job.ID, "timeout"); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to time out stale job")
			continue
		}
		swept++
		s.logger.Info().
			Str("job_id", job.ID).
			Str("status", string(models.JobStatusFailed)).
			Dur("age", now.Sub(job.CreatedAt)).
			Msg("Timed out stale job")
	}

	if swept > 0 {
		s.logger.Info().Int("swept", swept).Msg("Stale job sweep finished")
	}
}
