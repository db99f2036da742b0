package monitor

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/interfaces"
)

// EndpointStatsKey is where aggregates are persisted in the KV store
const EndpointStatsKey = "monitor:endpoint_stats"

// PersistenceWorker flushes endpoint aggregates to the KV store whenever the
// monitor hints that they changed. Hints are best-effort; a missed hint only
// delays the next flush. Failures are logged and swallowed.
type PersistenceWorker struct {
	monitor *Monitor
	store   interfaces.KeyValueStore
	logger  arbor.ILogger
}

func NewPersistenceWorker(monitor *Monitor, store interfaces.KeyValueStore, logger arbor.ILogger) *PersistenceWorker {
	return &PersistenceWorker{
		monitor: monitor,
		store:   store,
		logger:  logger,
	}
}

// Run consumes hints until ctx is cancelled, then performs one final flush
func (w *PersistenceWorker) Run(ctx context.Context) {
	w.logger.Debug().Msg("Monitor persistence worker started")

	for {
		select {
		case <-ctx.Done():
			// Final flush runs on its own context; ctx is already dead
			w.flush(context.Background())
			w.logger.Debug().Msg("Monitor persistence worker stopped")
			return
		case <-w.monitor.Hints():
			w.flush(ctx)
		}
	}
}

func (w *PersistenceWorker) flush(ctx context.Context) {
	stats := w.monitor.EndpointStats()
	data, err := json.Marshal(stats)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to serialize endpoint stats")
		return
	}

	if err := w.store.Set(ctx, EndpointStatsKey, string(data), w.monitor.config.PersistTTL); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to persist endpoint stats")
	}
}
