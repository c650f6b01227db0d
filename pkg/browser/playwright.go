package browser

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher starts Chromium through Playwright. The Playwright
// driver process is installed and started on first launch and shared by
// every browser.
type PlaywrightLauncher struct {
	mu          sync.Mutex
	playwright  *playwright.Playwright
	initialized bool
	install     bool
}

// NewPlaywrightLauncher creates a launcher. When install is set the
// Playwright driver and browsers are downloaded if missing.
func NewPlaywrightLauncher(install bool) *PlaywrightLauncher {
	return &PlaywrightLauncher{install: install}
}

// initialize starts the Playwright driver process once.
func (l *PlaywrightLauncher) initialize() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		return l.playwright, nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if l.install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	l.playwright = pw
	l.initialized = true
	return pw, nil
}

// Launch starts a browser with a single page sized to the viewport.
func (l *PlaywrightLauncher) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw, err := l.initialize()
	if err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     opts.Args(),
		Timeout:  playwright.Float(float64(opts.Timeout.Milliseconds())),
	}
	if opts.Display != "" {
		launchOpts.Env = map[string]string{"DISPLAY": opts.Display}
	}
	if opts.ExecPath != "" {
		launchOpts.ExecutablePath = playwright.String(opts.ExecPath)
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	timeout := float64(opts.Timeout.Milliseconds())
	page.SetDefaultTimeout(timeout)
	page.SetDefaultNavigationTimeout(timeout)

	return &playwrightDriver{
		browser: browser,
		context: bctx,
		page:    page,
		timeout: opts.Timeout,
	}, nil
}

// Shutdown stops the Playwright driver process.
func (l *PlaywrightLauncher) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized && l.playwright != nil {
		if err := l.playwright.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		l.initialized = false
	}
	return nil
}

// playwrightDriver adapts a Playwright page to Driver. Playwright calls are
// not context aware, so the context deadline is translated into a per-call
// timeout, or the call is abandoned where Playwright takes no timeout.
type playwrightDriver struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	timeout time.Duration
}

// timeoutMillis returns the time left before ctx expires, capped at the default timeout.
func (d *playwrightDriver) timeoutMillis(ctx context.Context) *float64 {
	t := d.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < t {
			t = left
		}
	}
	if t < time.Millisecond {
		t = time.Millisecond
	}
	return playwright.Float(float64(t.Milliseconds()))
}

func (d *playwrightDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	waitUntil := playwright.WaitUntilState("networkidle")
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: &waitUntil,
		Timeout:   d.timeoutMillis(ctx),
	})
	return err
}

func (d *playwrightDriver) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.page.Click(selector, playwright.PageClickOptions{
		Timeout: d.timeoutMillis(ctx),
	})
}

func (d *playwrightDriver) Fill(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.page.Fill(selector, text, playwright.PageFillOptions{
		Timeout: d.timeoutMillis(ctx),
	})
}

// Evaluate has no timeout option in Playwright, so the call is abandoned
// when ctx ends.
func (d *playwrightDriver) Evaluate(ctx context.Context, script string) (any, error) {
	return callWithContext(ctx, func() (any, error) {
		return d.page.Evaluate(script)
	})
}

func (d *playwrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: d.timeoutMillis(ctx),
	})
}

func (d *playwrightDriver) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.page.URL(), nil
}

func (d *playwrightDriver) Title(ctx context.Context) (string, error) {
	return callWithContext(ctx, d.page.Title)
}

// Close tears down the page, its context and the browser, ignoring
// individual failures so every resource gets a close attempt.
func (d *playwrightDriver) Close() error {
	_ = d.page.Close()
	_ = d.context.Close()
	return d.browser.Close()
}
