package monitor

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
)

// Sampler drives the monitor's fixed-cadence work: timeline samples and the
// age-based window sweep, both every SampleInterval (5 s by default).
type Sampler struct {
	monitor *Monitor
	logger  arbor.ILogger
}

func NewSampler(monitor *Monitor, logger arbor.ILogger) *Sampler {
	return &Sampler{monitor: monitor, logger: logger}
}

// Run ticks until ctx is cancelled
func (s *Sampler) Run(ctx context.Context) {
	interval := s.monitor.config.SampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Debug().Dur("interval", interval).Msg("Timeline sampler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("Timeline sampler stopped")
			return
		case <-ticker.C:
			s.monitor.SampleTimelines()
			s.monitor.Sweep(time.Now())
		}
	}
}
