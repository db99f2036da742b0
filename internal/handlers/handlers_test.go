package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/services/dispatch"
	"github.com/ternarybob/venari/internal/services/gateway"
	"github.com/ternarybob/venari/internal/services/jobs"
	"github.com/ternarybob/venari/internal/services/monitor"
	"github.com/ternarybob/venari/internal/services/pool"
)

type fakeBrowser struct{}

func (fakeBrowser) Close() error { return nil }

type fakeEngine struct {
	mu       sync.Mutex
	failURL  string
	timeouts map[string]time.Duration
}

func (e *fakeEngine) Launch(ctx context.Context, spec models.BrowserSpec) (interfaces.Browser, error) {
	return fakeBrowser{}, nil
}

func (e *fakeEngine) Run(ctx context.Context, browser interfaces.Browser, req models.CrawlRequest) (*models.CrawlResult, error) {
	e.mu.Lock()
	failURL := e.failURL
	if e.timeouts == nil {
		e.timeouts = make(map[string]time.Duration)
	}
	e.timeouts[req.URL] = req.Spec.Timeout
	e.mu.Unlock()

	if req.URL == failURL {
		return &models.CrawlResult{URL: req.URL, Error: "render crashed"}, errors.New("render crashed")
	}
	return &models.CrawlResult{URL: req.URL, Success: true, HTML: "<html/>", Markdown: "ok"}, nil
}

type fakeProbe struct {
	mu      sync.Mutex
	percent float64
}

func (p *fakeProbe) UsagePercent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent
}

func (p *fakeProbe) UsedMiB() float64 { return 64 }

func (p *fakeProbe) set(v float64) {
	p.mu.Lock()
	p.percent = v
	p.mu.Unlock()
}

type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (s *memoryKV) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", interfaces.ErrKeyNotFound
	}
	return v, nil
}

func (s *memoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memoryKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return false, nil
	}
	s.data[key] = value
	return true, nil
}

func (s *memoryKV) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryKV) ListByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (s *memoryKV) Close() error { return nil }

type stubPoolView struct{}

func (stubPoolView) Snapshot() models.PoolSnapshot { return models.PoolSnapshot{} }
func (stubPoolView) Size() int                     { return 0 }

type fixture struct {
	gateway *gateway.Service
	monitor *monitor.Monitor
	probe   *fakeProbe
	engine  *fakeEngine
	config  *common.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	engine := &fakeEngine{}
	probe := &fakeProbe{percent: 20}
	config := common.NewDefaultConfig()
	config.Engine.RequestTimeout = time.Second

	mon := monitor.New(stubPoolView{}, probe, common.MonitorConfig{
		MaxAge:         5 * time.Minute,
		SampleInterval: 5 * time.Second,
		PersistTTL:     time.Hour,
	}, logger)

	p, err := pool.New(context.Background(), engine, probe, mon, common.PoolConfig{
		PromotionThreshold: 3,
		MemoryHardLimit:    95.0,
		ShutdownTimeout:    100 * time.Millisecond,
	}, models.DefaultBrowserSpec("test-agent"), logger)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)

	limiter := dispatch.NewRateLimiter(common.RateLimiterConfig{
		BaseDelayMin:   time.Millisecond,
		BaseDelayMax:   2 * time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		MaxRetries:     1,
		RateLimitCodes: []int{429, 503},
	}, logger)

	dispCfg := common.DispatcherConfig{
		Type:              dispatch.TypeSemaphore,
		MaxConcurrency:    4,
		MaxInflight:       4,
		SoftThreshold:     70,
		CriticalThreshold: 85,
		RecoveryThreshold: 65,
		FairnessTimeout:   50 * time.Millisecond,
		HardWaitTimeout:   100 * time.Millisecond,
		CheckInterval:     5 * time.Millisecond,
	}
	adaptive := dispatch.NewMemoryAdaptive(dispCfg, probe, limiter, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go adaptive.Run(ctx)

	registry := jobs.NewRegistry(&memoryKV{data: make(map[string]string)}, common.JobsConfig{
		TTL:           time.Hour,
		StaleDeadline: time.Hour,
	}, logger)
	runner := jobs.NewRunner(registry, nil, logger)

	gw := gateway.NewService(gateway.Deps{
		Pool:      p,
		Engine:    engine,
		Monitor:   mon,
		Probe:     probe,
		Registry:  registry,
		Runner:    runner,
		Semaphore: dispatch.NewFixedConcurrency(4, limiter, logger),
		Adaptive:  adaptive,
		Config:    dispCfg,
	}, logger)

	return &fixture{gateway: gw, monitor: mon, probe: probe, engine: engine, config: config}
}

func (f *fixture) crawlHandler() *CrawlHandler {
	return NewCrawlHandler(f.gateway, f.config.Engine, arbor.NewLogger())
}

func postJSON(t *testing.T, handler http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestCrawlHandler_SingleURLSuccess(t *testing.T) {
	f := newFixture(t)

	rec := postJSON(t, f.crawlHandler().Crawl, "/crawl", `{"urls":["https://example.com"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []models.CrawlResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].Success)
	assert.NotEmpty(t, resp.Results[0].Markdown)
}

func TestCrawlHandler_RejectsEmptyURLs(t *testing.T) {
	f := newFixture(t)

	rec := postJSON(t, f.crawlHandler().Crawl, "/crawl", `{"urls":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")
}

func TestCrawlHandler_RejectsMalformedJSON(t *testing.T) {
	f := newFixture(t)

	rec := postJSON(t, f.crawlHandler().Crawl, "/crawl", `{"urls":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCrawlHandler_RejectsBadDispatcher(t *testing.T) {
	f := newFixture(t)

	rec := postJSON(t, f.crawlHandler().Crawl, "/crawl", `{"urls":["https://example.com"],"dispatcher":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCrawlHandler_MemoryPressureMapsTo503(t *testing.T) {
	f := newFixture(t)
	f.probe.set(96)

	body := `{"urls":["https://example.com"],"browser_config":{"headless":true,"viewport":{"width":500,"height":500}}}`
	rec := postJSON(t, f.crawlHandler().Crawl, "/crawl", body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "memory_pressure")
}

func TestCrawlHandler_EngineErrorMapsTo500(t *testing.T) {
	f := newFixture(t)
	f.engine.failURL = "https://broken.example"

	rec := postJSON(t, f.crawlHandler().Crawl, "/crawl", `{"urls":["https://broken.example"]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "engine_run_error")
}

func TestCrawlHandler_BatchReturns200WithPerResultErrors(t *testing.T) {
	f := newFixture(t)
	f.engine.failURL = "https://broken.example"

	rec := postJSON(t, f.crawlHandler().Crawl, "/crawl", `{"urls":["https://example.com","https://broken.example"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []models.CrawlResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)
}

func TestCrawlHandler_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/crawl", nil)
	rec := httptest.NewRecorder()
	f.crawlHandler().Crawl(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCrawlHandler_ExecuteJSRequiresScript(t *testing.T) {
	f := newFixture(t)

	rec := postJSON(t, f.crawlHandler().ExecuteJS, "/execute_js", `{"urls":["https://example.com"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "script")
}

func TestCrawlHandler_StreamEmitsNDJSONWithCompletion(t *testing.T) {
	f := newFixture(t)

	rec := postJSON(t, f.crawlHandler().Stream, "/crawl/stream", `{"urls":["https://a.example/","https://b.example/"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)

	var first models.CrawlResult
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "https://a.example/", first.URL)

	var final map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &final))
	assert.Equal(t, "completed", final["status"])
}

func TestCrawlHandler_StreamInitTimeoutCoversFirstURLOnly(t *testing.T) {
	f := newFixture(t)
	f.config.Engine.StreamInitTimeout = 250 * time.Millisecond

	rec := postJSON(t, f.crawlHandler().Stream, "/crawl/stream",
		`{"urls":["https://a.example/","https://b.example/","https://c.example/"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	assert.Equal(t, f.config.Engine.StreamInitTimeout, f.engine.timeouts["https://a.example/"])
	assert.Equal(t, f.config.Engine.RequestTimeout, f.engine.timeouts["https://b.example/"])
	assert.Equal(t, f.config.Engine.RequestTimeout, f.engine.timeouts["https://c.example/"])
}

func TestJobHandler_CreateAndFetch(t *testing.T) {
	f := newFixture(t)
	h := NewJobHandler(f.gateway, arbor.NewLogger())

	rec := postJSON(t, h.CrawlJob, "/crawl/job", `{"urls":["https://example.com"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	taskID := created["task_id"]
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/crawl/job/"+taskID, nil)
		getRec := httptest.NewRecorder()
		h.CrawlJob(getRec, req)
		if getRec.Code != http.StatusOK {
			return false
		}
		var job models.Job
		if err := json.Unmarshal(getRec.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Status == models.JobStatusCompleted && len(job.Result) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJobHandler_UnknownJobReturns404(t *testing.T) {
	f := newFixture(t)
	h := NewJobHandler(f.gateway, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/crawl/job/job_missing", nil)
	rec := httptest.NewRecorder()
	h.CrawlJob(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_InvalidWebhookURLRejected(t *testing.T) {
	f := newFixture(t)
	h := NewJobHandler(f.gateway, arbor.NewLogger())

	rec := postJSON(t, h.CrawlJob, "/crawl/job", `{"urls":["https://example.com"],"webhook_config":{"webhook_url":"not-a-url"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobHandler_LLMJobWithoutExtractorFails(t *testing.T) {
	f := newFixture(t)
	h := NewJobHandler(f.gateway, arbor.NewLogger())

	rec := postJSON(t, h.LLMJob, "/llm/job", `{"urls":["https://example.com"]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMonitorHandler_Health(t *testing.T) {
	f := newFixture(t)
	h := NewMonitorHandler(f.monitor, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/monitor/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var health monitor.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
}

func TestMonitorHandler_RequestsStatusFilter(t *testing.T) {
	f := newFixture(t)
	f.engine.failURL = "https://broken.example"
	_, _ = f.gateway.CrawlOne(context.Background(), "/crawl", "https://example.com", models.DefaultBrowserSpec("test-agent"), models.CrawlerSpec{})
	_, _ = f.gateway.CrawlOne(context.Background(), "/crawl", "https://broken.example", models.DefaultBrowserSpec("test-agent"), models.CrawlerSpec{})

	h := NewMonitorHandler(f.monitor, arbor.NewLogger())

	fetch := func(status string) int {
		req := httptest.NewRequest(http.MethodGet, "/monitor/requests?status="+status, nil)
		rec := httptest.NewRecorder()
		h.Requests(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.Count
	}

	assert.Equal(t, 2, fetch("completed"))
	assert.Equal(t, 1, fetch("success"))
	assert.Equal(t, 1, fetch("error"))
	assert.Equal(t, 0, fetch("active"))
}

func TestMonitorHandler_RequestsRejectsBadStatus(t *testing.T) {
	f := newFixture(t)
	h := NewMonitorHandler(f.monitor, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/monitor/requests?status=bogus", nil)
	rec := httptest.NewRecorder()
	h.Requests(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMonitorHandler_RequestsRejectsBadLimit(t *testing.T) {
	f := newFixture(t)
	h := NewMonitorHandler(f.monitor, arbor.NewLogger())

	for _, limit := range []string{"0", "1001", "abc"} {
		req := httptest.NewRequest(http.MethodGet, "/monitor/requests?limit="+limit, nil)
		rec := httptest.NewRecorder()
		h.Requests(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestMonitorHandler_TimelineValidation(t *testing.T) {
	f := newFixture(t)
	h := NewMonitorHandler(f.monitor, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/monitor/timeline?metric=memory&window=5m", nil)
	rec := httptest.NewRecorder()
	h.Timeline(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/monitor/timeline?metric=bogus", nil)
	rec = httptest.NewRecorder()
	h.Timeline(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/monitor/timeline?metric=memory&window=2h", nil)
	rec = httptest.NewRecorder()
	h.Timeline(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatcherHandler_ListAndStats(t *testing.T) {
	f := newFixture(t)
	h := NewDispatcherHandler(f.gateway, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/dispatchers", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), dispatch.TypeMemoryAdaptive)

	req = httptest.NewRequest(http.MethodGet, "/dispatchers/semaphore/stats", nil)
	rec = httptest.NewRecorder()
	h.Stats(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats dispatch.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, dispatch.TypeSemaphore, stats.Type)

	req = httptest.NewRequest(http.MethodGet, "/dispatchers/bogus/stats", nil)
	rec = httptest.NewRecorder()
	h.Stats(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthHandler_HealthAndVersion(t *testing.T) {
	f := newFixture(t)
	h := NewHealthHandler(f.probe, f.config, nil, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memory_percent")

	req = httptest.NewRequest(http.MethodGet, "/version", nil)
	rec = httptest.NewRecorder()
	h.Version(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandler_LoadPercentNormalizedByCores(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		cores int
		want  float64
	}{
		{"idle", "0.00 0.10 0.05 1/200 1234", 4, 0},
		{"half of one core", "0.50 0.40 0.30 1/200 1234", 1, 50},
		{"two of four cores", "2.00 1.50 1.00 3/400 5678", 4, 50},
		{"saturated clamps at 100", "16.00 12.00 8.00 9/999 42", 4, 100},
		{"no cores", "1.00 1.00 1.00 1/1 1", 0, 0},
		{"garbage", "not-a-number", 4, 0},
		{"empty", "", 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, loadPercent(tt.raw, tt.cores), 0.01)
		})
	}
}

func TestHealthHandler_ConfigMasksSecrets(t *testing.T) {
	f := newFixture(t)
	f.config.LLM.APIKey = "sk-secret"
	h := NewHealthHandler(f.probe, f.config, nil, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	h.Config(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret")
	assert.Contains(t, rec.Body.String(), "***")
}

func TestHealthHandler_ShutdownDisabledReturns404(t *testing.T) {
	f := newFixture(t)
	h := NewHealthHandler(f.probe, f.config, func() {}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	rec := httptest.NewRecorder()
	h.Shutdown(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
