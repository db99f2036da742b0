package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/services/gateway"
)

// CrawlRequestBody is the wire shape of synchronous crawl requests
type CrawlRequestBody struct {
	URLs          []string            `json:"urls" validate:"required,min=1,dive,url"`
	BrowserConfig *models.BrowserSpec `json:"browser_config,omitempty"`
	CrawlerConfig *crawlerConfigBody  `json:"crawler_config,omitempty"`
	Dispatcher    string              `json:"dispatcher,omitempty" validate:"omitempty,oneof=semaphore memory_adaptive"`
}

type crawlerConfigBody struct {
	WaitFor         string `json:"wait_for,omitempty"`
	Script          string `json:"script,omitempty"`
	OnlyMainContent bool   `json:"only_main_content,omitempty"`
	TimeoutSeconds  int    `json:"timeout,omitempty" validate:"omitempty,min=1,max=600"`
}

// CrawlHandler serves the synchronous crawl endpoints
type CrawlHandler struct {
	gateway   *gateway.Service
	config    common.EngineConfig
	userAgent string
	validate  *validator.Validate
	logger    arbor.ILogger
}

func NewCrawlHandler(gw *gateway.Service, config common.EngineConfig, logger arbor.ILogger) *CrawlHandler {
	return &CrawlHandler{
		gateway:   gw,
		config:    config,
		userAgent: config.UserAgent,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Crawl serves POST /crawl: the full result for a batch of URLs
func (h *CrawlHandler) Crawl(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "/crawl", models.ActionCrawl)
}

// HTML serves POST /html
func (h *CrawlHandler) HTML(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "/html", models.ActionHTML)
}

// Markdown serves POST /md
func (h *CrawlHandler) Markdown(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "/md", models.ActionMarkdown)
}

// Screenshot serves POST /screenshot
func (h *CrawlHandler) Screenshot(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "/screenshot", models.ActionScreenshot)
}

// PDF serves POST /pdf
func (h *CrawlHandler) PDF(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "/pdf", models.ActionPDF)
}

// ExecuteJS serves POST /execute_js
func (h *CrawlHandler) ExecuteJS(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var body CrawlRequestBody
	if !DecodeBody(w, r, h.validate, &body) {
		return
	}
	if body.CrawlerConfig == nil || body.CrawlerConfig.Script == "" {
		WriteAPIError(w, http.StatusBadRequest, "validation_error", "crawler_config.script is required for execute_js")
		return
	}

	h.run(w, r, "/execute_js", models.ActionExecuteJS, body)
}

// Stream serves POST /crawl/stream: NDJSON, one result per line, then a
// final {"status":"completed"} line
func (h *CrawlHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var body CrawlRequestBody
	if !DecodeBody(w, r, h.validate, &body) {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)

	browserSpec, crawlerSpec := h.specs(body, models.ActionCrawl)

	emit := func(result models.CrawlResult) error {
		if err := encoder.Encode(result); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	// The tighter init timeout covers only the first result so the stream
	// starts promptly; later URLs keep the full request timeout
	initSpec := crawlerSpec
	initSpec.Timeout = h.config.StreamInitTimeout

	err := h.gateway.CrawlStream(r.Context(), "/crawl/stream", body.URLs[:1], browserSpec, initSpec, emit)
	if err == nil && len(body.URLs) > 1 {
		err = h.gateway.CrawlStream(r.Context(), "/crawl/stream", body.URLs[1:], browserSpec, crawlerSpec, emit)
	}
	if err != nil {
		h.logger.Warn().Err(err).Msg("Crawl stream aborted")
		return
	}

	_ = encoder.Encode(map[string]string{"status": "completed"})
	if flusher != nil {
		flusher.Flush()
	}
}

func (h *CrawlHandler) serve(w http.ResponseWriter, r *http.Request, endpoint string, action models.CrawlAction) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var body CrawlRequestBody
	if !DecodeBody(w, r, h.validate, &body) {
		return
	}
	h.run(w, r, endpoint, action, body)
}

func (h *CrawlHandler) run(w http.ResponseWriter, r *http.Request, endpoint string, action models.CrawlAction, body CrawlRequestBody) {
	browserSpec, crawlerSpec := h.specs(body, action)

	// Single-URL requests surface their error as the mapped HTTP status;
	// batches return 200 with per-result errors
	if len(body.URLs) == 1 {
		result, err := h.gateway.CrawlOne(r.Context(), endpoint, body.URLs[0], browserSpec, crawlerSpec)
		if err != nil {
			WriteMappedError(w, err)
			return
		}
		_ = WriteJSON(w, http.StatusOK, map[string]interface{}{"results": []models.CrawlResult{*result}})
		return
	}

	results := h.gateway.Crawl(r.Context(), endpoint, body.URLs, browserSpec, crawlerSpec, body.Dispatcher)
	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// specs translates the wire body into engine specs
func (h *CrawlHandler) specs(body CrawlRequestBody, action models.CrawlAction) (models.BrowserSpec, models.CrawlerSpec) {
	browserSpec := models.DefaultBrowserSpec(h.userAgent)
	if body.BrowserConfig != nil {
		browserSpec = *body.BrowserConfig
	}

	crawlerSpec := models.CrawlerSpec{Action: action, Timeout: h.config.RequestTimeout}
	if body.CrawlerConfig != nil {
		crawlerSpec.WaitFor = body.CrawlerConfig.WaitFor
		crawlerSpec.Script = body.CrawlerConfig.Script
		crawlerSpec.OnlyMainContent = body.CrawlerConfig.OnlyMainContent
		if body.CrawlerConfig.TimeoutSeconds > 0 {
			crawlerSpec.Timeout = time.Duration(body.CrawlerConfig.TimeoutSeconds) * time.Second
		}
	}
	return browserSpec, crawlerSpec
}
