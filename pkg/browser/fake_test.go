package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// fakeDriver is an in-memory Driver. Resolution scripts succeed for targets
// listed in matches, keyed by target and mapped to the strategy name.
type fakeDriver struct {
	mu       sync.Mutex
	matches  map[string]string
	calls    []string
	url      string
	closed   bool
	failNext error

	// block, when set, makes Click wait until it is closed.
	block chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{matches: map[string]string{}, url: "about:blank"}
}

func (d *fakeDriver) log(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return err
	}
	return nil
}

func (d *fakeDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	if err := d.log("navigate " + url); err != nil {
		return err
	}
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Click(ctx context.Context, selector string) error {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return d.log("click " + selector)
}

func (d *fakeDriver) Fill(ctx context.Context, selector, text string) error {
	return d.log("fill " + selector + " " + text)
}

func (d *fakeDriver) Evaluate(ctx context.Context, script string) (any, error) {
	switch {
	case strings.Contains(script, "const token"):
		if err := d.log("resolve"); err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		for target, how := range d.matches {
			if strings.Contains(script, "const target = "+jsString(target)+";") {
				return how, nil
			}
		}
		return "", nil
	case strings.Contains(script, "window.scrollBy"):
		return float64(500), d.log("scroll")
	case strings.Contains(script, "const limit"):
		return map[string]any{
			"url":   d.url,
			"title": "Fake Page",
			"elements": []any{
				map[string]any{"index": 0, "tag": "button", "text": "Search"},
				map[string]any{"index": 1, "tag": "a", "text": "Home", "href": "https://example.com/"},
			},
		}, d.log("pageinfo")
	}
	if err := d.log("eval"); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (d *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.log("screenshot"); err != nil {
		return nil, err
	}
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (d *fakeDriver) URL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *fakeDriver) Title(ctx context.Context) (string, error) {
	return "Fake Page", nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// fakeLauncher hands out a prepared driver or fails.
type fakeLauncher struct {
	mu       sync.Mutex
	driver   *fakeDriver
	err      error
	launched []LaunchOptions
}

func (l *fakeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.launched = append(l.launched, opts)
	if l.driver == nil {
		l.driver = newFakeDriver()
	}
	return l.driver, nil
}

func (l *fakeLauncher) Shutdown() error { return nil }

// fakeDisplay counts releases.
type fakeDisplay struct {
	mu       sync.Mutex
	released int
	err      error
}

func (f *fakeDisplay) Name() string { return "fake" }

func (f *fakeDisplay) Acquire(ctx context.Context, n int) (Display, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fakeHandle{owner: f}, nil
}

type fakeHandle struct{ owner *fakeDisplay }

func (h *fakeHandle) Name() string   { return ":fake" }
func (h *fakeHandle) Headless() bool { return true }
func (h *fakeHandle) Virtual() bool  { return false }
func (h *fakeHandle) Release() {
	h.owner.mu.Lock()
	h.owner.released++
	h.owner.mu.Unlock()
}

var errBoom = errors.New("boom")
