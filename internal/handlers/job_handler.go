package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/services/gateway"
)

// JobRequestBody is the wire shape of async job submissions
type JobRequestBody struct {
	URLs          []string              `json:"urls" validate:"required,min=1,dive,url"`
	BrowserConfig *models.BrowserSpec   `json:"browser_config,omitempty"`
	CrawlerConfig json.RawMessage       `json:"crawler_config,omitempty"`
	WebhookConfig *models.WebhookConfig `json:"webhook_config,omitempty"`
}

// JobHandler serves async job submission and status lookup
type JobHandler struct {
	gateway  *gateway.Service
	validate *validator.Validate
	logger   arbor.ILogger
}

func NewJobHandler(gw *gateway.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		gateway:  gw,
		validate: validator.New(),
		logger:   logger,
	}
}

// CrawlJob serves POST /crawl/job and GET /crawl/job/{id}
func (h *JobHandler) CrawlJob(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "/crawl/job", models.JobKindCrawl)
}

// LLMJob serves POST /llm/job and GET /llm/job/{id}
func (h *JobHandler) LLMJob(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "/llm/job", models.JobKindLLMExtract)
}

func (h *JobHandler) handle(w http.ResponseWriter, r *http.Request, prefix string, kind models.JobKind) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r, kind)
	case http.MethodGet:
		id := strings.TrimPrefix(strings.TrimSuffix(r.URL.Path, "/"), prefix+"/")
		if id == "" || strings.Contains(id, "/") {
			WriteAPIError(w, http.StatusNotFound, "not_found", "job id missing")
			return
		}
		h.get(w, r, id)
	default:
		WriteAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	}
}

func (h *JobHandler) create(w http.ResponseWriter, r *http.Request, kind models.JobKind) {
	var body JobRequestBody
	if !DecodeBody(w, r, h.validate, &body) {
		return
	}
	if body.WebhookConfig != nil {
		if err := h.validate.Struct(body.WebhookConfig); err != nil {
			WriteAPIError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
	}

	job, err := h.gateway.CreateJob(r.Context(), kind, body.URLs, body.BrowserConfig, body.CrawlerConfig, body.WebhookConfig)
	if err != nil {
		WriteMappedError(w, err)
		return
	}

	_ = WriteJSON(w, http.StatusAccepted, map[string]string{"task_id": job.ID})
}

func (h *JobHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.gateway.GetJob(r.Context(), id)
	if err != nil {
		WriteMappedError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, job)
}
