package models

import (
	"encoding/json"
	"time"
)

// CrawlAction selects what the engine produces for a URL
type CrawlAction string

const (
	ActionCrawl      CrawlAction = "crawl"      // Full result: html + markdown + metadata
	ActionHTML       CrawlAction = "html"       // Rendered outer HTML only
	ActionMarkdown   CrawlAction = "markdown"   // Markdown conversion only
	ActionScreenshot CrawlAction = "screenshot" // PNG screenshot
	ActionPDF        CrawlAction = "pdf"        // Printed PDF
	ActionExecuteJS  CrawlAction = "execute_js" // Evaluate a script, return its value
)

// CrawlerSpec tunes a single crawl operation
type CrawlerSpec struct {
	Action          CrawlAction   `json:"action,omitempty"`
	WaitFor         string        `json:"wait_for,omitempty"` // CSS selector to await before capture
	Script          string        `json:"script,omitempty"`   // JavaScript for execute_js
	Timeout         time.Duration `json:"-"`
	OnlyMainContent bool          `json:"only_main_content,omitempty"`
}

// CrawlRequest is one unit of engine work
type CrawlRequest struct {
	URL  string
	Spec CrawlerSpec
}

// PageMetadata carries document-level fields extracted from the page
type PageMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
}

// CrawlResult is the engine output for one URL
type CrawlResult struct {
	URL        string          `json:"url"`
	Success    bool            `json:"success"`
	HTML       string          `json:"html,omitempty"`
	Markdown   string          `json:"markdown,omitempty"`
	Screenshot []byte          `json:"screenshot,omitempty"` // PNG bytes (base64 in JSON)
	PDF        []byte          `json:"pdf,omitempty"`        // PDF bytes (base64 in JSON)
	JSResult   json.RawMessage `json:"js_result,omitempty"`
	Metadata   *PageMetadata   `json:"metadata,omitempty"`
	Error      string          `json:"error,omitempty"`
	ElapsedMs  int64           `json:"elapsed_ms"`
}
