package app

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/handlers"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/services/dispatch"
	"github.com/ternarybob/venari/internal/services/engine"
	"github.com/ternarybob/venari/internal/services/gateway"
	"github.com/ternarybob/venari/internal/services/jobs"
	"github.com/ternarybob/venari/internal/services/llm"
	"github.com/ternarybob/venari/internal/services/memory"
	"github.com/ternarybob/venari/internal/services/monitor"
	"github.com/ternarybob/venari/internal/services/pool"
	"github.com/ternarybob/venari/internal/services/webhook"
	"github.com/ternarybob/venari/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc
	workers   sync.WaitGroup

	// Storage
	DB    *badger.BadgerDB
	Store interfaces.KeyValueStore

	// Core services
	Probe   *memory.Probe
	Engine  *engine.Engine
	Monitor *monitor.Monitor
	Broker  *monitor.PushBroker
	Pool    *pool.Pool

	// Admission
	Limiter   *dispatch.RateLimiter
	Semaphore *dispatch.FixedConcurrency
	Adaptive  *dispatch.MemoryAdaptive

	// Async jobs
	Registry *jobs.Registry
	Sweeper  *jobs.Sweeper
	Runner   *jobs.Runner
	Webhook  *webhook.Dispatcher

	Gateway *gateway.Service

	// HTTP handlers
	CrawlHandler      *handlers.CrawlHandler
	JobHandler        *handlers.JobHandler
	MonitorHandler    *handlers.MonitorHandler
	WSHandler         *handlers.WebSocketHandler
	HealthHandler     *handlers.HealthHandler
	DispatcherHandler *handlers.DispatcherHandler

	// onShutdown is invoked by the /shutdown endpoint when enabled
	onShutdown func()
}

// New wires every component from configuration. The returned App owns the
// background workers; callers stop them through Close.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Config:    config,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := a.initStorage(); err != nil {
		cancel()
		return nil, err
	}

	a.Probe = memory.NewProbe(logger)
	a.Engine = engine.New(config.Engine, logger)
	a.Monitor = monitor.New(poolViewHolder{app: a}, a.Probe, config.Monitor, logger)

	defaultSpec := models.DefaultBrowserSpec(config.Engine.UserAgent)
	p, err := pool.New(ctx, a.Engine, a.Probe, a.Monitor, config.Pool, defaultSpec, logger)
	if err != nil {
		cancel()
		_ = a.DB.Close()
		return nil, err
	}
	a.Pool = p

	a.Limiter = dispatch.NewRateLimiter(config.RateLimiter, logger)
	a.Semaphore = dispatch.NewFixedConcurrency(config.Dispatcher.MaxConcurrency, a.Limiter, logger)
	a.Adaptive = dispatch.NewMemoryAdaptive(config.Dispatcher, a.Probe, a.Limiter, logger)

	a.Registry = jobs.NewRegistry(a.Store, config.Jobs, logger)
	a.Sweeper = jobs.NewSweeper(a.Registry, config.Jobs, logger)
	a.Webhook = webhook.NewDispatcher(config.Webhook, logger)
	a.Runner = jobs.NewRunner(a.Registry, a.Webhook, logger)

	var extractor gateway.Extractor
	if config.LLM.APIKey != "" {
		svc, err := llm.NewService(config.LLM, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("LLM extraction disabled")
		} else {
			extractor = svc
		}
	} else {
		logger.Info().Msg("No LLM API key configured; extraction jobs disabled")
	}

	a.Gateway = gateway.NewService(gateway.Deps{
		Pool:      a.Pool,
		Engine:    a.Engine,
		Monitor:   a.Monitor,
		Probe:     a.Probe,
		Registry:  a.Registry,
		Runner:    a.Runner,
		Extractor: extractor,
		Semaphore: a.Semaphore,
		Adaptive:  a.Adaptive,
		Config:    config.Dispatcher,
	}, logger)

	a.Broker = monitor.NewPushBroker(a.Monitor, logger)

	a.CrawlHandler = handlers.NewCrawlHandler(a.Gateway, config.Engine, logger)
	a.JobHandler = handlers.NewJobHandler(a.Gateway, logger)
	a.MonitorHandler = handlers.NewMonitorHandler(a.Monitor, logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Broker, logger)
	a.HealthHandler = handlers.NewHealthHandler(a.Probe, config, a.triggerShutdown, logger)
	a.DispatcherHandler = handlers.NewDispatcherHandler(a.Gateway, logger)

	a.startWorkers()

	if err := a.Sweeper.Start(); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info().
		Str("dispatcher", config.Dispatcher.Type).
		Int("max_inflight", config.Dispatcher.MaxInflight).
		Msg("Application initialized")

	return a, nil
}

func (a *App) initStorage() error {
	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.DB = db
	a.Store = badger.NewKVStorage(db, a.Logger)
	return nil
}

// startWorkers launches the long-running background loops
func (a *App) startWorkers() {
	janitor := pool.NewJanitor(a.Pool, a.Probe, a.Logger)
	sampler := monitor.NewSampler(a.Monitor, a.Logger)
	persistence := monitor.NewPersistenceWorker(a.Monitor, a.Store, a.Logger)

	for _, run := range []func(context.Context){
		janitor.Run,
		sampler.Run,
		persistence.Run,
		a.Broker.Run,
		a.Adaptive.Run,
	} {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			run(a.ctx)
		}()
	}
}

// SetShutdownFunc registers the callback invoked by POST /shutdown
func (a *App) SetShutdownFunc(fn func()) {
	a.onShutdown = fn
}

func (a *App) triggerShutdown() {
	if a.onShutdown != nil {
		a.onShutdown()
	}
}

// Close stops everything in dependency order: no new work, drain jobs and
// webhooks, close browsers, then storage last so final flushes land.
func (a *App) Close() {
	a.Logger.Info().Msg("Shutting down application")

	a.Sweeper.Stop()
	a.cancelCtx()

	done := make(chan struct{})
	go func() {
		a.Runner.Wait()
		a.Webhook.Shutdown()
		a.workers.Wait()
		close(done)
	}()

	drain := a.Config.Server.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(drain):
		a.Logger.Warn().Dur("timeout", drain).Msg("Drain timeout exceeded; forcing shutdown")
	}

	a.Pool.Shutdown()

	if err := a.DB.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close database")
	}

	a.Logger.Info().Msg("Application stopped")
}

// poolViewHolder defers pool access so the monitor can be constructed before
// the pool that feeds it events
type poolViewHolder struct {
	app *App
}

func (h poolViewHolder) Snapshot() models.PoolSnapshot {
	if h.app.Pool == nil {
		return models.PoolSnapshot{}
	}
	return h.app.Pool.Snapshot()
}

func (h poolViewHolder) Size() int {
	if h.app.Pool == nil {
		return 0
	}
	return h.app.Pool.Size()
}
