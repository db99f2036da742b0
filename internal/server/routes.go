package server

import (
	"net/http"
)

// setupRoutes registers every endpoint on a fresh mux
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Synchronous crawl surface
	mux.HandleFunc("/crawl", s.app.CrawlHandler.Crawl)
	mux.HandleFunc("/crawl/stream", s.app.CrawlHandler.Stream)
	mux.HandleFunc("/html", s.app.CrawlHandler.HTML)
	mux.HandleFunc("/md", s.app.CrawlHandler.Markdown)
	mux.HandleFunc("/screenshot", s.app.CrawlHandler.Screenshot)
	mux.HandleFunc("/pdf", s.app.CrawlHandler.PDF)
	mux.HandleFunc("/execute_js", s.app.CrawlHandler.ExecuteJS)

	// Async jobs: POST on the bare path, GET on /{id}
	mux.HandleFunc("/crawl/job", s.app.JobHandler.CrawlJob)
	mux.HandleFunc("/crawl/job/", s.app.JobHandler.CrawlJob)
	mux.HandleFunc("/llm/job", s.app.JobHandler.LLMJob)
	mux.HandleFunc("/llm/job/", s.app.JobHandler.LLMJob)

	// Monitor surface
	mux.HandleFunc("/monitor/health", s.app.MonitorHandler.Health)
	mux.HandleFunc("/monitor/requests", s.app.MonitorHandler.Requests)
	mux.HandleFunc("/monitor/browsers", s.app.MonitorHandler.Browsers)
	mux.HandleFunc("/monitor/logs/janitor", s.app.MonitorHandler.JanitorLog)
	mux.HandleFunc("/monitor/logs/errors", s.app.MonitorHandler.ErrorLog)
	mux.HandleFunc("/monitor/timeline", s.app.MonitorHandler.Timeline)
	mux.HandleFunc("/monitor/ws", s.app.WSHandler.Monitor)

	// Dispatcher introspection
	mux.HandleFunc("/dispatchers", s.app.DispatcherHandler.List)
	mux.HandleFunc("/dispatchers/default", s.app.DispatcherHandler.Default)
	mux.HandleFunc("/dispatchers/", s.app.DispatcherHandler.Stats)

	// Operational endpoints
	mux.HandleFunc("/health", s.app.HealthHandler.Health)
	mux.HandleFunc("/metrics", s.app.HealthHandler.Metrics)
	mux.HandleFunc("/version", s.app.HealthHandler.Version)
	mux.HandleFunc("/config", s.app.HealthHandler.Config)
	mux.HandleFunc("/shutdown", s.app.HealthHandler.Shutdown)

	return mux
}
