package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/entrhq/browserd/pkg/logging"
)

// ChromedpLauncher starts Chromium over the DevTools protocol with chromedp.
type ChromedpLauncher struct {
	logger *logging.Logger
}

// NewChromedpLauncher creates a chromedp launcher.
func NewChromedpLauncher() *ChromedpLauncher {
	return &ChromedpLauncher{logger: logging.NewLogger("chromedp")}
}

// Launch starts a browser process and attaches to its first tab.
func (l *ChromedpLauncher) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("start-maximized", true),
	)
	if opts.Display != "" {
		allocOpts = append(allocOpts, chromedp.Env("DISPLAY="+opts.Display))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	// The browser outlives the launch request, so it is rooted in a
	// background context rather than ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(l.logger.Debugf),
		chromedp.WithErrorf(l.logger.Debugf),
	)

	d := &chromedpDriver{
		allocCancel: allocCancel,
		ctx:         tabCtx,
		cancel:      tabCancel,
		timeout:     opts.Timeout,
	}

	// The first Run allocates the browser and ties it to the context it is
	// given, so it must run on the tab context itself.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	if err := d.run(ctx, chromedp.EmulateViewport(int64(opts.Viewport.Width), int64(opts.Viewport.Height))); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}

	l.logger.Infof("chromedp browser started (headless=%v, display=%q)", opts.Headless, opts.Display)
	return d, nil
}

// Shutdown is a no-op; every chromedp browser owns its own process.
func (l *ChromedpLauncher) Shutdown() error {
	return nil
}

// chromedpDriver runs each call on the long lived tab context, bounded by
// the caller's context and the default timeout.
type chromedpDriver struct {
	mu          sync.Mutex
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	timeout     time.Duration
}

// bind derives a context from the tab that is also cancelled when the caller's ctx is.
func (d *chromedpDriver) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(d.ctx, d.timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (d *chromedpDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	runCtx, cancel := d.bind(ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (d *chromedpDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (d *chromedpDriver) Click(ctx context.Context, selector string) error {
	return d.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (d *chromedpDriver) Fill(ctx context.Context, selector, text string) error {
	return d.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (d *chromedpDriver) Evaluate(ctx context.Context, script string) (any, error) {
	var out any
	if err := d.run(ctx, chromedp.Evaluate(script, &out)); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *chromedpDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *chromedpDriver) URL(ctx context.Context) (string, error) {
	var url string
	if err := d.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

func (d *chromedpDriver) Title(ctx context.Context) (string, error) {
	var title string
	if err := d.run(ctx, chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

// Close cancels the tab and kills the browser process. It does not wait
// for in-flight calls.
func (d *chromedpDriver) Close() error {
	d.cancel()
	d.allocCancel()
	return nil
}
