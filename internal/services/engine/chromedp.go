package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// Engine drives headless Chrome through chromedp. One Engine serves all
// pool instances; per-request state lives in tab contexts.
type Engine struct {
	config    common.EngineConfig
	converter *MarkdownConverter
	logger    arbor.ILogger
}

func New(config common.EngineConfig, logger arbor.ILogger) *Engine {
	return &Engine{
		config:    config,
		converter: NewMarkdownConverter(),
		logger:    logger,
	}
}

// chromeBrowser is one running Chrome process with its context chain
type chromeBrowser struct {
	ctx             context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

// Close terminates the browser process
func (b *chromeBrowser) Close() error {
	b.browserCancel()
	b.allocatorCancel()
	return nil
}

// Launch starts a Chrome process for the spec and verifies it responds
func (e *Engine) Launch(ctx context.Context, spec models.BrowserSpec) (interfaces.Browser, error) {
	start := time.Now()

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", spec.Headless),
		chromedp.Flag("disable-gpu", e.config.DisableGPU),
		chromedp.Flag("no-sandbox", e.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(spec.Viewport.Width, spec.Viewport.Height),
	)
	if spec.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(spec.UserAgent))
	}
	if spec.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(spec.Proxy))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// Startup probe: a browser that cannot reach about:blank is unusable
	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup probe: %w", err)
	}

	e.logger.Debug().
		Dur("startup_time", time.Since(start)).
		Bool("headless", spec.Headless).
		Msg("Browser instance launched")

	return &chromeBrowser{
		ctx:             browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
	}, nil
}

// Run executes one crawl request in a fresh tab on the borrowed browser
func (e *Engine) Run(ctx context.Context, browser interfaces.Browser, req models.CrawlRequest) (*models.CrawlResult, error) {
	cb, ok := browser.(*chromeBrowser)
	if !ok {
		return nil, fmt.Errorf("browser not launched by this engine")
	}

	timeout := req.Spec.Timeout
	if timeout <= 0 {
		timeout = e.config.RequestTimeout
	}

	start := time.Now()
	result := &models.CrawlResult{URL: req.URL}

	tabCtx, tabCancel := chromedp.NewContext(cb.ctx)
	defer tabCancel()
	runCtx, runCancel := context.WithTimeout(tabCtx, timeout)
	defer runCancel()

	// Propagate caller cancellation into the tab
	stop := context.AfterFunc(ctx, runCancel)
	defer stop()

	if err := chromedp.Run(runCtx, e.actions(req, result)...); err != nil {
		result.Error = err.Error()
		result.ElapsedMs = time.Since(start).Milliseconds()
		return result, fmt.Errorf("crawl %s: %w", req.URL, err)
	}

	if err := e.finish(req, result); err != nil {
		result.Error = err.Error()
		result.ElapsedMs = time.Since(start).Milliseconds()
		return result, err
	}

	result.Success = true
	result.ElapsedMs = time.Since(start).Milliseconds()
	return result, nil
}

// actions builds the chromedp task list for the request
func (e *Engine) actions(req models.CrawlRequest, result *models.CrawlResult) []chromedp.Action {
	tasks := []chromedp.Action{chromedp.Navigate(req.URL)}

	if req.Spec.WaitFor != "" {
		tasks = append(tasks, chromedp.WaitVisible(req.Spec.WaitFor, chromedp.ByQuery))
	} else {
		tasks = append(tasks, chromedp.WaitReady("body", chromedp.ByQuery))
	}

	switch req.Spec.Action {
	case models.ActionScreenshot:
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			buf, err := page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithCaptureBeyondViewport(true).
				Do(ctx)
			if err != nil {
				return err
			}
			result.Screenshot = buf
			return nil
		}))

	case models.ActionPDF:
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			// Print media emulation so print stylesheets apply
			if err := emulation.SetEmulatedMedia().WithMedia("print").Do(ctx); err != nil {
				return err
			}
			buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return err
			}
			result.PDF = buf
			return nil
		}))

	case models.ActionExecuteJS:
		var raw json.RawMessage
		tasks = append(tasks,
			chromedp.Evaluate(req.Spec.Script, &raw),
			chromedp.ActionFunc(func(ctx context.Context) error {
				result.JSResult = raw
				return nil
			}),
		)

	default:
		// crawl, html, markdown all start from the rendered document
		tasks = append(tasks, chromedp.OuterHTML("html", &result.HTML, chromedp.ByQuery))
	}

	return tasks
}

// finish derives markdown and metadata from the captured HTML
func (e *Engine) finish(req models.CrawlRequest, result *models.CrawlResult) error {
	switch req.Spec.Action {
	case models.ActionCrawl, "":
		markdown, err := e.converter.Convert(result.HTML, req.URL, req.Spec.OnlyMainContent)
		if err != nil {
			return err
		}
		result.Markdown = markdown
		title, description, language := ExtractMetadata(result.HTML)
		result.Metadata = &models.PageMetadata{
			Title:       title,
			Description: description,
			Language:    language,
		}

	case models.ActionMarkdown:
		markdown, err := e.converter.Convert(result.HTML, req.URL, req.Spec.OnlyMainContent)
		if err != nil {
			return err
		}
		result.Markdown = markdown
		result.HTML = ""
	}

	return nil
}
