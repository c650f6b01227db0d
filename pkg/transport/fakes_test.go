package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/browserd/pkg/agent"
	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/events"
	"github.com/entrhq/browserd/pkg/session"
	"github.com/entrhq/browserd/pkg/stream"
	"github.com/entrhq/browserd/pkg/types"
)

const testShot = "data:image/png;base64,iVBORw0KGgo="

type fakeBrowser struct {
	reg *session.Registry
	bus *events.Bus[*types.BrowserEvent]

	mu        sync.Mutex
	launched  map[string]bool
	closed    []string
	launchErr error
}

func newFakeBrowser(reg *session.Registry) *fakeBrowser {
	return &fakeBrowser{
		reg:      reg,
		bus:      events.NewBus[*types.BrowserEvent](),
		launched: make(map[string]bool),
	}
}

func (b *fakeBrowser) Events() *events.Bus[*types.BrowserEvent] { return b.bus }

func (b *fakeBrowser) Launch(ctx context.Context, id string) error {
	if b.launchErr != nil {
		b.reg.SetError(id, b.launchErr.Error())
		return &browser.LaunchError{SessionID: id, Err: b.launchErr}
	}
	b.mu.Lock()
	b.launched[id] = true
	b.mu.Unlock()
	b.reg.SetState(id, types.StateAIControl)
	b.bus.Publish(&types.BrowserEvent{Type: types.BrowserEventLaunched, SessionID: id})
	return nil
}

func (b *fakeBrowser) isLaunched(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launched[id]
}

func (b *fakeBrowser) record(id, action string, err error) (types.Step, error) {
	step := types.Step{Action: action, Result: "ok", Status: types.StepCompleted, Timestamp: time.Now()}
	if err != nil {
		step.Result = "Error: " + err.Error()
		step.Status = types.StepFailed
	}
	step, appendErr := b.reg.AppendStep(id, step)
	if appendErr != nil {
		return step, appendErr
	}
	return step, err
}

// admit refuses actions the way the controller does: user actions while
// paused or finished, agent actions outside AI_CONTROL.
func (b *fakeBrowser) admit(id string, agentOnly bool) error {
	if !b.isLaunched(id) {
		return browser.ErrInstanceNotFound
	}
	s, err := b.reg.Get(id)
	if err != nil {
		return err
	}
	if s.State == types.StatePaused || s.State.IsTerminal() || (agentOnly && s.State != types.StateAIControl) {
		return fmt.Errorf("%w: session %s is %s", browser.ErrNotInControl, id, s.State)
	}
	return nil
}

func (b *fakeBrowser) Navigate(ctx context.Context, id, url string, opts ...browser.ActionOption) (types.Step, error) {
	if err := b.admit(id, false); err != nil {
		return types.Step{}, err
	}
	if strings.Contains(url, "blocked") {
		return b.record(id, "Navigate to "+url, browser.ErrNavigationDenied)
	}
	step, err := b.record(id, "Navigate to "+url, nil)
	b.bus.Publish(&types.BrowserEvent{Type: types.BrowserEventNavigated, SessionID: id, URL: url})
	return step, err
}

func (b *fakeBrowser) ExecuteStep(ctx context.Context, id, action, script string, opts ...browser.ActionOption) (types.Step, error) {
	if err := b.admit(id, true); err != nil {
		return types.Step{}, err
	}
	if script == "throw" {
		return b.record(id, action, errors.New("script failed"))
	}
	return b.record(id, action, nil)
}

func (b *fakeBrowser) Screenshot(ctx context.Context, id string) (string, error) {
	if !b.isLaunched(id) {
		return "", browser.ErrInstanceNotFound
	}
	return testShot, nil
}

func (b *fakeBrowser) Close(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.launched[id] {
		return browser.ErrInstanceNotFound
	}
	delete(b.launched, id)
	b.closed = append(b.closed, id)
	return nil
}

// fakeAgent blocks every run until it is cancelled.
type fakeAgent struct {
	bus *events.Bus[*types.AgentEvent]

	mu      sync.Mutex
	running map[string]context.CancelFunc
	runs    int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		bus:     events.NewBus[*types.AgentEvent](),
		running: make(map[string]context.CancelFunc),
	}
}

func (a *fakeAgent) Events() *events.Bus[*types.AgentEvent] { return a.bus }
func (a *fakeAgent) Model() string                         { return "navigator" }

func (a *fakeAgent) Run(ctx context.Context, id, task string) (agent.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if _, ok := a.running[id]; ok {
		a.mu.Unlock()
		return agent.Result{}, agent.ErrAlreadyRunning
	}
	a.running[id] = cancel
	a.runs++
	a.mu.Unlock()

	a.bus.Publish(&types.AgentEvent{Type: types.AgentEventStepStart, SessionID: id, Step: 1, Message: task})
	<-ctx.Done()

	a.mu.Lock()
	delete(a.running, id)
	a.mu.Unlock()
	return agent.Result{Message: "task cancelled"}, nil
}

func (a *fakeAgent) Cancel(id string) bool {
	a.mu.Lock()
	cancel, ok := a.running[id]
	delete(a.running, id)
	a.mu.Unlock()
	if ok {
		cancel()
		a.bus.Publish(&types.AgentEvent{Type: types.AgentEventTaskCancelled, SessionID: id})
	}
	return ok
}

func (a *fakeAgent) Running(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.running[id]
	return ok
}

func (a *fakeAgent) runCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs
}

type fakeStreams struct {
	bus *events.Bus[*stream.Frame]

	mu      sync.Mutex
	started map[string]bool
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		bus:     events.NewBus[*stream.Frame](),
		started: make(map[string]bool),
	}
}

func (s *fakeStreams) Events() *events.Bus[*stream.Frame] { return s.bus }

func (s *fakeStreams) Start(ctx context.Context, sess *types.Session) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[sess.ID] = true
	return stream.ModeScreenshot, nil
}

func (s *fakeStreams) Stop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.started[id]
	delete(s.started, id)
	return ok
}

func (s *fakeStreams) isStarted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started[id]
}

func (s *fakeStreams) StreamURL(sess *types.Session) string { return "" }

type fixture struct {
	reg     *session.Registry
	browser *fakeBrowser
	agent   *fakeAgent
	streams *fakeStreams
	svc     *Service
}

func newFixture(t *testing.T, opts ServiceOptions) *fixture {
	t.Helper()
	reg := session.NewRegistry()
	f := &fixture{
		reg:     reg,
		browser: newFakeBrowser(reg),
		agent:   newFakeAgent(),
		streams: newFakeStreams(),
	}
	f.svc = NewService(reg, f.browser, f.agent, f.streams, opts)
	t.Cleanup(f.svc.Close)
	return f
}

// launch creates and launches a session for user.
func (f *fixture) launch(t *testing.T, user string) *types.Session {
	t.Helper()
	sess, err := f.svc.Create(CreateRequest{UserID: user, Task: "find socks"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ready, err := f.svc.Launch(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	return ready.Session
}
