package interfaces

import (
	"context"

	"github.com/ternarybob/venari/internal/models"
)

// Browser is an opaque handle to a running headless browser. The pool owns
// handles exclusively; request handlers only borrow them.
type Browser interface {
	// Close terminates the browser process and releases its resources
	Close() error
}

// CrawlerEngine launches browsers and executes crawl operations on them.
// The control plane treats rendering, conversion, and extraction as opaque.
type CrawlerEngine interface {
	// Launch starts a browser matching the spec. Launch failures are not
	// cached: a later acquisition with the same fingerprint retries.
	Launch(ctx context.Context, spec models.BrowserSpec) (Browser, error)

	// Run executes one crawl request on a borrowed browser
	Run(ctx context.Context, browser Browser, req models.CrawlRequest) (*models.CrawlResult, error)
}

// MemoryProbe reports container-aware memory usage. Advisory: never fails,
// returns 0 when no source is readable.
type MemoryProbe interface {
	UsagePercent() float64
	UsedMiB() float64
}
