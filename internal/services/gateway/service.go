package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/services/dispatch"
	"github.com/ternarybob/venari/internal/services/jobs"
	"github.com/ternarybob/venari/internal/services/monitor"
	"github.com/ternarybob/venari/internal/services/pool"
)

// Extractor runs LLM extraction for llm_extraction jobs; nil disables them
type Extractor interface {
	Extract(ctx context.Context, content, instruction string) (json.RawMessage, error)
}

// Service binds HTTP requests to the pool, engine, and monitor. It owns the
// synchronous crawl path and launches the async job path.
type Service struct {
	pool      *pool.Pool
	engine    interfaces.CrawlerEngine
	monitor   *monitor.Monitor
	probe     interfaces.MemoryProbe
	registry  *jobs.Registry
	runner    *jobs.Runner
	extractor Extractor

	dispatchers map[string]dispatch.Dispatcher
	defaultType string
	logger      arbor.ILogger
}

// Deps bundles the gateway's collaborators
type Deps struct {
	Pool      *pool.Pool
	Engine    interfaces.CrawlerEngine
	Monitor   *monitor.Monitor
	Probe     interfaces.MemoryProbe
	Registry  *jobs.Registry
	Runner    *jobs.Runner
	Extractor Extractor

	Semaphore *dispatch.FixedConcurrency
	Adaptive  *dispatch.MemoryAdaptive
	Config    common.DispatcherConfig
}

func NewService(deps Deps, logger arbor.ILogger) *Service {
	dispatchers := map[string]dispatch.Dispatcher{
		dispatch.TypeSemaphore:      deps.Semaphore,
		dispatch.TypeMemoryAdaptive: deps.Adaptive,
	}

	defaultType := deps.Config.Type
	if _, ok := dispatchers[defaultType]; !ok {
		defaultType = dispatch.TypeMemoryAdaptive
	}

	return &Service{
		pool:        deps.Pool,
		engine:      deps.Engine,
		monitor:     deps.Monitor,
		probe:       deps.Probe,
		registry:    deps.Registry,
		runner:      deps.Runner,
		extractor:   deps.Extractor,
		dispatchers: dispatchers,
		defaultType: defaultType,
		logger:      logger,
	}
}

// Crawl runs the synchronous path for a batch of URLs under the selected
// admission strategy and returns per-URL results in input order
func (s *Service) Crawl(ctx context.Context, endpoint string, urls []string, browserSpec models.BrowserSpec, crawlerSpec models.CrawlerSpec, dispatcherType string) []models.CrawlResult {
	d := s.Dispatcher(dispatcherType)

	results := make([]models.CrawlResult, len(urls))

	// Duplicate URLs each get their own result slot
	var mu sync.Mutex
	slots := make(map[string][]int, len(urls))
	for i, u := range urls {
		slots[u] = append(slots[u], i)
	}

	d.Dispatch(ctx, urls, func(ctx context.Context, url string) error {
		result, err := s.CrawlOne(ctx, endpoint, url, browserSpec, crawlerSpec)
		if result == nil {
			result = &models.CrawlResult{URL: url, Error: err.Error()}
		}

		mu.Lock()
		idx := slots[url][0]
		slots[url] = slots[url][1:]
		mu.Unlock()
		results[idx] = *result
		return err
	})

	return results
}

// CrawlOne runs one URL through track-acquire-run-track. The pool instance
// is released back to its tier, never closed.
func (s *Service) CrawlOne(ctx context.Context, endpoint, url string, browserSpec models.BrowserSpec, crawlerSpec models.CrawlerSpec) (*models.CrawlResult, error) {
	requestID := common.NewRequestID()

	s.monitor.TrackStart(requestID, endpoint, url, s.probe.UsedMiB())

	inst, hit, err := s.pool.Acquire(ctx, browserSpec)
	if err != nil {
		s.monitor.TrackEnd(requestID, false, err.Error(), s.probe.UsedMiB())
		return nil, err
	}
	s.monitor.TrackPoolHit(requestID, hit, inst.Fingerprint)

	result, runErr := s.engine.Run(ctx, inst.Browser, models.CrawlRequest{URL: url, Spec: crawlerSpec})
	s.pool.Release(inst)

	if runErr != nil {
		s.monitor.TrackEnd(requestID, false, runErr.Error(), s.probe.UsedMiB())
		return result, fmt.Errorf("%w: %v", interfaces.ErrEngineRun, runErr)
	}

	s.monitor.TrackEnd(requestID, true, "", s.probe.UsedMiB())
	return result, nil
}

// CrawlStream runs URLs sequentially, emitting each result as it completes
func (s *Service) CrawlStream(ctx context.Context, endpoint string, urls []string, browserSpec models.BrowserSpec, crawlerSpec models.CrawlerSpec, emit func(models.CrawlResult) error) error {
	for _, url := range urls {
		result, err := s.CrawlOne(ctx, endpoint, url, browserSpec, crawlerSpec)
		if result == nil {
			result = &models.CrawlResult{URL: url, Error: err.Error()}
		}
		if emitErr := emit(*result); emitErr != nil {
			return emitErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// CreateJob persists an async job and launches its background execution
func (s *Service) CreateJob(ctx context.Context, kind models.JobKind, urls []string, browserSpec *models.BrowserSpec, crawlerSpec json.RawMessage, webhook *models.WebhookConfig) (*models.Job, error) {
	if kind == models.JobKindLLMExtract && s.extractor == nil {
		return nil, fmt.Errorf("llm extraction not configured")
	}

	job, err := s.registry.CreateJob(ctx, kind, urls, browserSpec, crawlerSpec, webhook)
	if err != nil {
		return nil, err
	}

	s.runner.Launch(job, s.executor(kind))
	return job, nil
}

// GetJob returns the persisted job record
func (s *Service) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.registry.Get(ctx, id)
}

// Dispatcher resolves a strategy by name, falling back to the default
func (s *Service) Dispatcher(name string) dispatch.Dispatcher {
	if d, ok := s.dispatchers[name]; ok {
		return d
	}
	return s.dispatchers[s.defaultType]
}

// DefaultDispatcherType names the configured default strategy
func (s *Service) DefaultDispatcherType() string {
	return s.defaultType
}

// DispatcherStats returns introspection for one strategy
func (s *Service) DispatcherStats(name string) (dispatch.Stats, bool) {
	d, ok := s.dispatchers[name]
	if !ok {
		return dispatch.Stats{}, false
	}
	return d.Stats(), true
}

// DispatcherTypes lists the available strategies
func (s *Service) DispatcherTypes() []string {
	return []string{dispatch.TypeMemoryAdaptive, dispatch.TypeSemaphore}
}

// executor builds the background work function for a job kind
func (s *Service) executor(kind models.JobKind) jobs.Executor {
	return func(ctx context.Context, job *models.Job) (json.RawMessage, error) {
		switch kind {
		case models.JobKindLLMExtract:
			return s.runExtraction(ctx, job)
		default:
			return s.runCrawl(ctx, job)
		}
	}
}

// runCrawl reuses the synchronous path for an async crawl job
func (s *Service) runCrawl(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	browserSpec, crawlerSpec := jobSpecs(job)
	results := s.Crawl(ctx, "/crawl/job", job.URLs, browserSpec, crawlerSpec, "")

	for _, r := range results {
		if !r.Success {
			data, _ := json.Marshal(results)
			return data, fmt.Errorf("crawl failed for %s: %s", r.URL, r.Error)
		}
	}
	return json.Marshal(results)
}

// runExtraction crawls each URL to markdown, then extracts over the combined
// content
func (s *Service) runExtraction(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	browserSpec, crawlerSpec := jobSpecs(job)
	crawlerSpec.Action = models.ActionMarkdown

	instruction := extractionInstruction(job.CrawlerSpec)

	var content strings.Builder
	for _, url := range job.URLs {
		result, err := s.CrawlOne(ctx, "/llm/job", url, browserSpec, crawlerSpec)
		if err != nil {
			return nil, fmt.Errorf("crawl %s: %w", url, err)
		}
		fmt.Fprintf(&content, "## %s\n\n%s\n\n", url, result.Markdown)
	}

	return s.extractor.Extract(ctx, content.String(), instruction)
}

// jobSpecs decodes the persisted specs, falling back to defaults
func jobSpecs(job *models.Job) (models.BrowserSpec, models.CrawlerSpec) {
	browserSpec := models.DefaultBrowserSpec("")
	if job.BrowserSpec != nil {
		browserSpec = *job.BrowserSpec
	}

	var crawlerSpec models.CrawlerSpec
	if len(job.CrawlerSpec) > 0 {
		// Unknown fields are fine here; the instruction rides in the same blob
		_ = json.Unmarshal(job.CrawlerSpec, &crawlerSpec)
	}
	return browserSpec, crawlerSpec
}

// extractionInstruction pulls the instruction out of the crawler config blob
func extractionInstruction(raw json.RawMessage) string {
	var cfg struct {
		Instruction string `json:"instruction"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &cfg)
	}
	if cfg.Instruction == "" {
		return "Extract the key facts from the page content."
	}
	return cfg.Instruction
}

// IsNotFound reports whether err is the registry's missing-job error
func IsNotFound(err error) bool {
	return errors.Is(err, interfaces.ErrNotFound)
}
