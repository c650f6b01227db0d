// Package browser drives one real browser per session and records every
// action it performs in the session's step log.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/browserd/pkg/events"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/types"
)

// SessionStore is the part of the session registry the controller needs.
type SessionStore interface {
	Get(id string) (*types.Session, error)
	SetState(id string, state types.State) bool
	AppendStep(id string, step types.Step) (types.Step, error)
	SetError(id, message string) bool
	Events() *events.Bus[*types.SessionEvent]
}

// instance is a live browser bound to a session.
type instance struct {
	sessionID string
	driver    Driver
	display   Display
	gate      *gate

	// actMu serializes actions so element tagging and the follow-up
	// driver call are not interleaved.
	actMu sync.Mutex

	launchedAt time.Time
}

// Controller owns every live browser.
type Controller struct {
	mu        sync.Mutex
	instances map[string]*instance
	launching map[string]struct{}

	store    SessionStore
	launcher Launcher
	display  DisplayStrategy
	guard    *URLGuard
	opts     Options

	bus         *events.Bus[*types.BrowserEvent]
	logger      *logging.Logger
	unsubscribe func()
}

// NewController creates a controller and subscribes it to store events so
// control changes pause and resume agent actions.
func NewController(store SessionStore, launcher Launcher, display DisplayStrategy, guard *URLGuard, opts Options) *Controller {
	opts.setDefaults()
	c := &Controller{
		instances: make(map[string]*instance),
		launching: make(map[string]struct{}),
		store:     store,
		launcher:  launcher,
		display:   display,
		guard:     guard,
		opts:      opts,
		bus:       events.NewBus[*types.BrowserEvent](),
		logger:    logging.NewLogger("browser"),
	}
	c.unsubscribe = store.Events().Subscribe(c.onSessionEvent)
	return c
}

// Events returns the bus browser events are published on.
func (c *Controller) Events() *events.Bus[*types.BrowserEvent] {
	return c.bus
}

// DisplayStrategy returns the strategy browsers are launched with.
func (c *Controller) DisplayStrategy() DisplayStrategy {
	return c.display
}

func (c *Controller) onSessionEvent(e *types.SessionEvent) {
	inst := c.lookup(e.SessionID)
	if inst == nil {
		return
	}

	switch e.Type {
	case types.SessionEventStateChanged:
		inst.gate.poke()
	case types.SessionEventCompleted, types.SessionEventError, types.SessionEventDeleted:
		// A finished session's display and ports go back to the registry.
		if err := c.Close(e.SessionID); err != nil && !errors.Is(err, ErrInstanceNotFound) {
			c.logger.Warnf("Failed to close browser for %s session %s: %v", e.Type, e.SessionID, err)
		}
	case types.SessionEventControlChanged, types.SessionEventResumed:
		if e.Controller == types.ControllerUser {
			inst.gate.setPaused(true)
			c.logger.Infof("Agent actions paused for session %s (user control)", e.SessionID)
			return
		}
		inst.gate.setPaused(false)
		c.logger.Infof("Agent actions resumed for session %s", e.SessionID)
		c.bus.Publish(&types.BrowserEvent{Type: types.BrowserEventResumed, SessionID: e.SessionID})
	case types.SessionEventPaused:
		inst.gate.setPaused(true)
		c.logger.Infof("Agent actions paused for session %s", e.SessionID)
	}
}

func (c *Controller) lookup(id string) *instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instances[id]
}

func (c *Controller) get(id string) (*instance, error) {
	if inst := c.lookup(id); inst != nil {
		return inst, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
}

// Has reports whether the session has a live browser.
func (c *Controller) Has(id string) bool {
	return c.lookup(id) != nil
}

// Display returns the display the session's browser renders on.
func (c *Controller) Display(id string) (Display, bool) {
	inst := c.lookup(id)
	if inst == nil {
		return nil, false
	}
	return inst.display, true
}

// Paused reports whether agent actions for the session are currently held back.
func (c *Controller) Paused(id string) bool {
	inst := c.lookup(id)
	return inst != nil && inst.gate.isPaused()
}

// Launch starts the session's browser, moves it to AI_CONTROL and opens
// its starting URL. A browser that cannot be started puts the session in
// ERROR and yields a *LaunchError.
func (c *Controller) Launch(ctx context.Context, id string) error {
	s, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if s.State.IsTerminal() {
		return fmt.Errorf("session %s is %s", id, s.State)
	}

	c.mu.Lock()
	if _, ok := c.instances[id]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLaunched, id)
	}
	if _, ok := c.launching[id]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLaunched, id)
	}
	c.launching[id] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.launching, id)
		c.mu.Unlock()
	}()

	c.logger.Infof("Launching browser for session %s on display :%d (%s)", id, s.DisplayNum, c.display.Name())

	display, err := c.display.Acquire(ctx, s.DisplayNum)
	if err != nil {
		return c.failLaunch(id, err)
	}

	driver, err := c.launcher.Launch(ctx, LaunchOptions{
		Display:  display.Name(),
		Headless: display.Headless(),
		Viewport: c.opts.Viewport,
		Timeout:  c.opts.Timeout,
		ExecPath: c.opts.ExecPath,
	})
	if err != nil {
		display.Release()
		return c.failLaunch(id, err)
	}

	inst := &instance{
		sessionID:  id,
		driver:     driver,
		display:    display,
		gate:       newGate(),
		launchedAt: time.Now(),
	}

	c.mu.Lock()
	c.instances[id] = inst
	c.mu.Unlock()

	if !c.store.SetState(id, types.StateAIControl) {
		_ = c.Close(id)
		return fmt.Errorf("session %s ended while its browser was launching", id)
	}
	c.logger.Infof("Browser launched successfully for session %s", id)
	c.bus.Publish(&types.BrowserEvent{Type: types.BrowserEventLaunched, SessionID: id})

	if s.URL != "" {
		if _, err := c.Navigate(ctx, id, s.URL, AsUser()); err != nil {
			c.logger.Warnf("Initial navigation for session %s failed: %v", id, err)
		}
	}
	return nil
}

func (c *Controller) failLaunch(id string, err error) error {
	c.logger.Errorf("Failed to launch browser for session %s: %v", id, err)
	c.store.SetError(id, fmt.Sprintf("failed to launch browser: %v", err))
	return &LaunchError{SessionID: id, Err: err}
}

// begin resolves the instance and admits the action. Agent actions wait
// until the gate is open and the registry agrees the agent holds control;
// the gate trails the registry by one event, so a disagreement is waited
// out on the gate's change channel. User actions only need a session that
// is neither paused nor finished. The returned context carries the action
// timeout.
func (c *Controller) begin(ctx context.Context, id string, opts []ActionOption) (*instance, context.Context, context.CancelFunc, error) {
	var cfg actionConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	inst, err := c.get(id)
	if err != nil {
		return nil, nil, nil, err
	}

	if cfg.asUser {
		err = c.admitUser(inst)
	} else {
		err = c.admitAgent(ctx, inst, cfg.noWait)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	return inst, actx, cancel, nil
}

func (c *Controller) admitUser(inst *instance) error {
	if inst.gate.isStopping() {
		return ErrStopping
	}
	s, err := c.store.Get(inst.sessionID)
	if err != nil {
		return err
	}
	if s.State == types.StatePaused || s.State.IsTerminal() {
		return fmt.Errorf("%w: session %s is %s", ErrNotInControl, inst.sessionID, s.State)
	}
	return nil
}

func (c *Controller) admitAgent(ctx context.Context, inst *instance, noWait bool) error {
	for {
		paused, stopping, changed := inst.gate.snapshot()
		if stopping {
			return ErrStopping
		}
		s, err := c.store.Get(inst.sessionID)
		if err != nil {
			return err
		}
		if s.State.IsTerminal() {
			return ErrStopping
		}
		if !paused && s.State == types.StateAIControl {
			return nil
		}
		if noWait {
			return fmt.Errorf("%w: session %s is %s", ErrNotInControl, inst.sessionID, s.State)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// abort handles an action that never reached the browser. Sessions without
// a browser and refused actions get no step; anything else is logged as a
// failed step.
func (c *Controller) abort(id, action string, err error) (types.Step, error) {
	if errors.Is(err, ErrInstanceNotFound) || errors.Is(err, ErrNotInControl) {
		return types.Step{}, err
	}
	return c.record(id, action, "", err, "")
}

// record appends the outcome of an action to the step log.
func (c *Controller) record(id, action, result string, actErr error, screenshot string) (types.Step, error) {
	step := types.Step{
		Action:     action,
		Result:     result,
		Status:     types.StepCompleted,
		Screenshot: screenshot,
	}
	if actErr != nil {
		step.Result = "Failed: " + actErr.Error()
		step.Status = types.StepFailed
	}

	added, err := c.store.AppendStep(id, step)
	if err != nil {
		c.logger.Warnf("Could not record step for session %s: %v", id, err)
		added = step
	}
	return added, actErr
}

// Navigate opens url and logs the outcome.
func (c *Controller) Navigate(ctx context.Context, id, url string, opts ...ActionOption) (types.Step, error) {
	action := "Navigate to " + url

	inst, actx, cancel, err := c.begin(ctx, id, opts)
	if err != nil {
		return c.abort(id, action, err)
	}
	defer cancel()

	if err := c.guard.Check(url); err != nil {
		return c.record(id, action, "", err, "")
	}

	inst.actMu.Lock()
	err = inst.driver.Navigate(actx, url)
	inst.actMu.Unlock()

	if err == nil {
		c.bus.Publish(&types.BrowserEvent{Type: types.BrowserEventNavigated, SessionID: id, URL: url})
	}
	return c.record(id, action, "Successfully loaded page", err, "")
}

// resolve tags the element target refers to and returns a selector for it.
func (c *Controller) resolve(ctx context.Context, inst *instance, target string, fields bool) (string, string, error) {
	token := ulid.Make().String()

	out, err := inst.driver.Evaluate(ctx, resolveScript(target, token, fields))
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve %q: %w", target, err)
	}

	how, _ := out.(string)
	if how == "" {
		return "", "", fmt.Errorf("%w: %s", ErrElementNotFound, target)
	}
	return markedSelector(token), how, nil
}

// Click clicks the element target refers to. Targets are tried as a CSS
// selector, an XPath expression, visible text of a clickable element and
// finally an exact aria-label.
func (c *Controller) Click(ctx context.Context, id, target string, opts ...ActionOption) (types.Step, error) {
	action := "Click on " + target

	inst, actx, cancel, err := c.begin(ctx, id, opts)
	if err != nil {
		return c.abort(id, action, err)
	}
	defer cancel()

	inst.actMu.Lock()
	selector, how, err := c.resolve(actx, inst, target, false)
	if err == nil {
		err = inst.driver.Click(actx, selector)
	}
	inst.actMu.Unlock()

	if err == nil {
		c.logger.Debugf("Clicked %q in session %s (matched by %s)", target, id, how)
	}
	return c.record(id, action, "Clicked successfully", err, "")
}

// Type replaces the value of the field target refers to with text.
func (c *Controller) Type(ctx context.Context, id, target, text string, opts ...ActionOption) (types.Step, error) {
	action := "Type into " + target

	inst, actx, cancel, err := c.begin(ctx, id, opts)
	if err != nil {
		return c.abort(id, action, err)
	}
	defer cancel()

	inst.actMu.Lock()
	selector, _, err := c.resolve(actx, inst, target, true)
	if err == nil {
		err = inst.driver.Fill(actx, selector, text)
	}
	inst.actMu.Unlock()

	return c.record(id, action, "Text entered successfully", err, "")
}

// Scroll moves the page one screen step up when direction is "up", down otherwise.
func (c *Controller) Scroll(ctx context.Context, id, direction string, opts ...ActionOption) (types.Step, error) {
	dir := "down"
	dy := ScrollDistance
	if strings.EqualFold(strings.TrimSpace(direction), "up") {
		dir = "up"
		dy = -ScrollDistance
	}
	action := "Scroll " + dir

	inst, actx, cancel, err := c.begin(ctx, id, opts)
	if err != nil {
		return c.abort(id, action, err)
	}
	defer cancel()

	inst.actMu.Lock()
	_, err = inst.driver.Evaluate(actx, scrollScript(dy))
	inst.actMu.Unlock()

	return c.record(id, action, "Scrolled "+dir, err, "")
}

// Wait pauses for d, or DefaultWait when d is not positive.
func (c *Controller) Wait(ctx context.Context, id string, d time.Duration, opts ...ActionOption) (types.Step, error) {
	if d <= 0 {
		d = DefaultWait
	}
	action := fmt.Sprintf("Wait %dms", d.Milliseconds())

	_, _, cancel, err := c.begin(ctx, id, opts)
	if err != nil {
		return c.abort(id, action, err)
	}
	cancel()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
	}
	return c.record(id, action, "Waited", err, "")
}

// ExecuteStep logs a named step, optionally running script in the page,
// and attaches a screenshot taken afterwards. The script's result becomes
// the step result.
func (c *Controller) ExecuteStep(ctx context.Context, id, action, script string, opts ...ActionOption) (types.Step, error) {
	inst, actx, cancel, err := c.begin(ctx, id, opts)
	if err != nil {
		return c.abort(id, action, err)
	}
	defer cancel()

	inst.actMu.Lock()
	defer inst.actMu.Unlock()

	result := "Step completed"
	if script != "" {
		out, err := inst.driver.Evaluate(actx, script)
		if err != nil {
			return c.record(id, action, "", err, "")
		}
		result = stringify(out)
	}

	png, err := inst.driver.Screenshot(actx)
	if err != nil {
		return c.record(id, action, "", err, "")
	}
	return c.record(id, action, result, nil, dataURL(png))
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "Step completed"
	case string:
		return x
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func dataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// Screenshot captures the viewport as a PNG data URL. It is neither gated
// nor logged.
func (c *Controller) Screenshot(ctx context.Context, id string) (string, error) {
	png, err := c.ScreenshotPNG(ctx, id)
	if err != nil {
		return "", err
	}
	return dataURL(png), nil
}

// ScreenshotPNG captures the viewport as raw PNG bytes.
func (c *Controller) ScreenshotPNG(ctx context.Context, id string) ([]byte, error) {
	inst, err := c.get(id)
	if err != nil {
		return nil, err
	}
	if inst.gate.isStopping() {
		return nil, ErrStopping
	}

	sctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	return inst.driver.Screenshot(sctx)
}

// PageInfo returns the URL, title and interactive elements of the current page.
func (c *Controller) PageInfo(ctx context.Context, id string) (*PageInfo, error) {
	inst, err := c.get(id)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	out, err := inst.driver.Evaluate(pctx, pageInfoScript(c.opts.MaxElements))
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}

	// Drivers hand back generic JSON values; round-trip them into the struct.
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode page info: %w", err)
	}
	var info PageInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to decode page info: %w", err)
	}
	if len(info.Elements) > c.opts.MaxElements {
		info.Elements = info.Elements[:c.opts.MaxElements]
	}
	return &info, nil
}

// URL returns the address of the current page.
func (c *Controller) URL(ctx context.Context, id string) (string, error) {
	inst, err := c.get(id)
	if err != nil {
		return "", err
	}
	return inst.driver.URL(ctx)
}

// Close marks the browser as stopping, which fails any waiting agent
// actions, then force closes it and releases its display.
func (c *Controller) Close(id string) error {
	c.mu.Lock()
	inst, ok := c.instances[id]
	if ok {
		delete(c.instances, id)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	c.logger.Infof("Closing browser for session %s after %s", inst.sessionID, time.Since(inst.launchedAt).Round(time.Second))
	inst.gate.stop()

	err := inst.driver.Close()
	inst.display.Release()

	c.bus.Publish(&types.BrowserEvent{Type: types.BrowserEventClosed, SessionID: id})
	if err != nil {
		return fmt.Errorf("failed to close browser for session %s: %w", id, err)
	}
	return nil
}

// CloseAll closes every live browser concurrently.
func (c *Controller) CloseAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			err := c.Close(id)
			if errors.Is(err, ErrInstanceNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Shutdown closes every browser, stops listening to session events and
// releases the launcher.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.unsubscribe()
	closeErr := c.CloseAll(ctx)
	if err := c.launcher.Shutdown(); err != nil {
		return errors.Join(closeErr, err)
	}
	return closeErr
}
