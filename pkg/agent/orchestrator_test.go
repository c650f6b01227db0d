package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/llm/tokenizer"
	"github.com/entrhq/browserd/pkg/session"
	"github.com/entrhq/browserd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider answers with replies in order, repeating the last one.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
	prompts []string
}

func (p *scriptedProvider) Generate(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	i := p.calls
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	return p.replies[i], nil
}

func (p *scriptedProvider) Model() string                      { return "navigator" }
func (p *scriptedProvider) Available(ctx context.Context) bool { return true }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeBrowser logs every action into the registry the way the controller does.
type fakeBrowser struct {
	reg *session.Registry

	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newFakeBrowser(reg *session.Registry) *fakeBrowser {
	return &fakeBrowser{reg: reg, fail: map[string]error{}}
}

func (b *fakeBrowser) act(id, kind, action string) (types.Step, error) {
	b.mu.Lock()
	b.calls = append(b.calls, action)
	err := b.fail[kind]
	b.mu.Unlock()

	st := types.Step{Action: action, Result: "ok"}
	if err != nil {
		st.Status = types.StepFailed
		st.Result = "Failed: " + err.Error()
	}
	step, _ := b.reg.AppendStep(id, st)
	return step, err
}

func (b *fakeBrowser) called() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBrowser) PageInfo(ctx context.Context, id string) (*browser.PageInfo, error) {
	return &browser.PageInfo{
		URL:   "https://shop.example",
		Title: "Shop",
		Elements: []browser.Element{
			{Index: 0, Tag: "button", Text: "Add to cart"},
		},
	}, nil
}

func (b *fakeBrowser) Screenshot(ctx context.Context, id string) (string, error) {
	return "data:image/png;base64,AA==", nil
}

func (b *fakeBrowser) Navigate(ctx context.Context, id, url string, opts ...browser.ActionOption) (types.Step, error) {
	return b.act(id, "navigate", "Navigate to "+url)
}

func (b *fakeBrowser) Click(ctx context.Context, id, target string, opts ...browser.ActionOption) (types.Step, error) {
	return b.act(id, "click", "Click on "+target)
}

func (b *fakeBrowser) Type(ctx context.Context, id, target, text string, opts ...browser.ActionOption) (types.Step, error) {
	return b.act(id, "type", "Type into "+target)
}

func (b *fakeBrowser) Scroll(ctx context.Context, id, direction string, opts ...browser.ActionOption) (types.Step, error) {
	return b.act(id, "scroll", "Scroll "+direction)
}

func (b *fakeBrowser) Wait(ctx context.Context, id string, d time.Duration, opts ...browser.ActionOption) (types.Step, error) {
	return b.act(id, "wait", fmt.Sprintf("Wait %dms", d.Milliseconds()))
}

// agentEvents records orchestrator events.
type agentEvents struct {
	mu     sync.Mutex
	events []*types.AgentEvent
}

func (r *agentEvents) handle(e *types.AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *agentEvents) count(kind types.AgentEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func decision(action types.ActionKind, confidence float64, thought, target, value string) string {
	b, _ := json.Marshal(map[string]any{
		"thought":    thought,
		"action":     action,
		"target":     target,
		"value":      value,
		"confidence": confidence,
	})
	return string(b)
}

type fixture struct {
	reg      *session.Registry
	browser  *fakeBrowser
	provider *scriptedProvider
	orch     *Orchestrator
	events   *agentEvents
	session  *types.Session
}

func newFixture(t *testing.T, maxSteps int, replies ...string) *fixture {
	t.Helper()

	reg := session.NewRegistry()
	s, err := reg.Create("u1", "buy socks", session.CreateOptions{MaxSteps: maxSteps})
	require.NoError(t, err)
	require.True(t, reg.SetState(s.ID, types.StateAIControl))

	f := &fixture{
		reg:      reg,
		browser:  newFakeBrowser(reg),
		provider: &scriptedProvider{replies: replies},
		events:   &agentEvents{},
		session:  s,
	}
	f.orch = NewOrchestrator(reg, f.browser, f.provider, Options{
		RetryInterval: time.Millisecond,
		Tokenizer:     tokenizer.NewEstimator(),
	})
	f.orch.Events().Subscribe(f.events.handle)
	return f
}

type outcome struct {
	res Result
	err error
}

func (f *fixture) runAsync() <-chan outcome {
	done := make(chan outcome, 1)
	go func() {
		res, err := f.orch.Run(context.Background(), f.session.ID, "")
		done <- outcome{res, err}
	}()
	return done
}

func (f *fixture) waitFor(t *testing.T, cond func(*types.Session) bool) *types.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := f.reg.WaitFor(ctx, f.session.ID, cond)
	require.NoError(t, err)
	return s
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
		return outcome{}
	}
}

func TestRun_DoneEndsSuccessfully(t *testing.T) {
	f := newFixture(t, 0, decision(types.ActionDone, 0.9, "purchased", "", ""))

	res, err := f.orch.Run(context.Background(), f.session.ID, "buy socks")
	require.NoError(t, err)

	assert.Equal(t, Result{Success: true, Message: "purchased"}, res)
	assert.Empty(t, f.browser.called())

	s, _ := f.reg.Get(f.session.ID)
	assert.Equal(t, types.StateCompleted, s.State)
	assert.Equal(t, 1, f.events.count(types.AgentEventTaskComplete))
	assert.False(t, f.orch.Running(f.session.ID))
}

func TestRun_DispatchesDecisions(t *testing.T) {
	f := newFixture(t, 0,
		decision(types.ActionNavigate, 0.9, "open shop", "", "https://shop.example"),
		decision(types.ActionClick, 0.9, "add", "Add to cart", ""),
		decision(types.ActionType, 0.8, "search", "#q", "socks"),
		decision(types.ActionScroll, 0.8, "look", "", "up"),
		decision(types.ActionWait, 0.8, "load", "", "250"),
		decision(types.ActionDone, 0.95, "all done", "", ""),
	)

	res, err := f.orch.Run(context.Background(), f.session.ID, "")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 5, res.Steps)
	assert.Equal(t, []string{
		"Navigate to https://shop.example",
		"Click on Add to cart",
		"Type into #q",
		"Scroll up",
		"Wait 250ms",
	}, f.browser.called())
	assert.Equal(t, 5, f.events.count(types.AgentEventActionExecuted))
	assert.Equal(t, 6, f.events.count(types.AgentEventActionDecided))

	// The task falls back to the session's own when none is given.
	assert.Contains(t, f.provider.prompts[0], "TASK: buy socks")
	assert.Contains(t, f.provider.prompts[1], "CURRENT STEP: 2")
}

func TestRun_LowConfidenceWaitsForHuman(t *testing.T) {
	f := newFixture(t, 0,
		decision(types.ActionClick, 0.9, "add", "Add to cart", ""),
		decision(types.ActionClick, 0.4, "not sure which size", "M", ""),
		decision(types.ActionDone, 0.9, "purchased", "", ""),
	)
	done := f.runAsync()

	flagged := f.waitFor(t, func(s *types.Session) bool { return s.TakeoverRequested })
	assert.Equal(t, "not sure which size", flagged.TakeoverReason)
	assert.Equal(t, types.StateAIControl, flagged.State)
	assert.True(t, f.orch.Running(f.session.ID))

	// The loop stays blocked while the flag is set.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.provider.callCount())

	require.True(t, f.reg.TakeControl(f.session.ID))
	require.True(t, f.reg.ReturnControl(f.session.ID))

	out := await(t, done)
	require.NoError(t, out.err)
	assert.True(t, out.res.Success)
	assert.Equal(t, 1, out.res.Steps)
	assert.Equal(t, []string{"Click on Add to cart"}, f.browser.called())

	s, _ := f.reg.Get(f.session.ID)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, "Click on Add to cart", s.Steps[0].Action)
	assert.Equal(t, 1, f.events.count(types.AgentEventTakeoverRequested))
}

func TestRun_ResumeAfterPauseContinues(t *testing.T) {
	f := newFixture(t, 0,
		decision(types.ActionNeedHuman, 0.9, "captcha", "", ""),
		decision(types.ActionDone, 0.9, "ok", "", ""),
	)
	done := f.runAsync()

	f.waitFor(t, func(s *types.Session) bool { return s.TakeoverRequested })
	require.True(t, f.reg.Pause(f.session.ID))
	require.True(t, f.reg.Resume(f.session.ID, false))

	out := await(t, done)
	assert.True(t, out.res.Success)
	assert.Equal(t, 0, out.res.Steps)
}

func TestRun_WaitsWhileUserHasControl(t *testing.T) {
	f := newFixture(t, 0, decision(types.ActionDone, 0.9, "done", "", ""))
	require.True(t, f.reg.TakeControl(f.session.ID))

	done := f.runAsync()
	require.Eventually(t, func() bool {
		return f.events.count(types.AgentEventWaitingForUser) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.provider.callCount())

	require.True(t, f.reg.ReturnControl(f.session.ID))
	out := await(t, done)
	assert.True(t, out.res.Success)
}

func TestRun_PendingTakeoverHoldsFirstDecision(t *testing.T) {
	f := newFixture(t, 0, decision(types.ActionDone, 0.9, "done", "", ""))
	require.True(t, f.reg.RequestTakeover(f.session.ID, "captcha from an earlier run"))

	done := f.runAsync()
	require.Eventually(t, func() bool { return f.orch.Running(f.session.ID) }, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.provider.callCount())
	assert.Equal(t, 0, f.events.count(types.AgentEventStepStart))

	require.True(t, f.reg.TakeControl(f.session.ID))
	require.True(t, f.reg.ReturnControl(f.session.ID))

	out := await(t, done)
	require.NoError(t, out.err)
	assert.True(t, out.res.Success)
	assert.Equal(t, 1, f.provider.callCount())
}

func TestRun_ActionFailureContinues(t *testing.T) {
	f := newFixture(t, 0,
		decision(types.ActionClick, 0.9, "buy", "#missing", ""),
		decision(types.ActionDone, 0.9, "gave up gracefully", "", ""),
	)
	f.browser.fail["click"] = browser.ErrElementNotFound

	res, err := f.orch.Run(context.Background(), f.session.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Success)

	s, _ := f.reg.Get(f.session.ID)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, types.StepFailed, s.Steps[0].Status)
	assert.Equal(t, 1, f.events.count(types.AgentEventActionFailed))
	assert.Equal(t, 2, f.provider.callCount())
}

func TestRun_StopsAtCeiling(t *testing.T) {
	f := newFixture(t, 3, decision(types.ActionScroll, 0.9, "keep looking", "", "down"))

	res, err := f.orch.Run(context.Background(), f.session.ID, "")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "max steps (3) reached without completing task", res.Message)
	assert.Len(t, f.browser.called(), 3)

	s, _ := f.reg.Get(f.session.ID)
	assert.Equal(t, types.StateAIControl, s.State, "exhausting the budget does not error the session")
	assert.Equal(t, 1, f.events.count(types.AgentEventTaskFailed))
}

func TestRun_OrchestratorCeilingBelowSession(t *testing.T) {
	f := newFixture(t, 10, decision(types.ActionScroll, 0.9, "keep looking", "", "down"))
	f.orch = NewOrchestrator(f.reg, f.browser, f.provider, Options{MaxSteps: 2, Tokenizer: tokenizer.NewEstimator()})

	res, err := f.orch.Run(context.Background(), f.session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Steps)
	assert.Len(t, f.browser.called(), 2)
}

func TestRun_UnknownSession(t *testing.T) {
	f := newFixture(t, 0, decision(types.ActionDone, 0.9, "x", "", ""))

	_, err := f.orch.Run(context.Background(), "nope", "task")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRun_RejectsSecondLoop(t *testing.T) {
	f := newFixture(t, 0, decision(types.ActionDone, 0.9, "x", "", ""))
	require.True(t, f.reg.TakeControl(f.session.ID))

	done := f.runAsync()
	require.Eventually(t, func() bool { return f.orch.Running(f.session.ID) }, 5*time.Second, 5*time.Millisecond)

	_, err := f.orch.Run(context.Background(), f.session.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.True(t, f.orch.Cancel(f.session.ID))
	<-done
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 0, decision(types.ActionDone, 0.9, "x", "", ""))
	require.True(t, f.reg.TakeControl(f.session.ID))

	done := f.runAsync()
	require.Eventually(t, func() bool {
		return f.events.count(types.AgentEventWaitingForUser) == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, f.orch.Cancel(f.session.ID))
	assert.False(t, f.orch.Cancel(f.session.ID))

	out := await(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, Result{Success: false, Message: "task cancelled"}, out.res)
	assert.False(t, f.orch.Running(f.session.ID))
	assert.Equal(t, 1, f.events.count(types.AgentEventTaskCancelled))
}

func TestRun_ParentContextCancelled(t *testing.T) {
	f := newFixture(t, 0, decision(types.ActionDone, 0.9, "x", "", ""))
	require.True(t, f.reg.TakeControl(f.session.ID))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		res, _ := f.orch.Run(ctx, f.session.ID, "")
		done <- res
	}()
	require.Eventually(t, func() bool { return f.orch.Running(f.session.ID) }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case res := <-done:
		assert.Equal(t, "task cancelled", res.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.Equal(t, 1, f.events.count(types.AgentEventTaskCancelled))
}

func TestRun_SessionDeletedWhileWaiting(t *testing.T) {
	f := newFixture(t, 0, decision(types.ActionDone, 0.9, "x", "", ""))
	require.True(t, f.reg.TakeControl(f.session.ID))

	done := f.runAsync()
	require.Eventually(t, func() bool { return f.orch.Running(f.session.ID) }, 5*time.Second, 5*time.Millisecond)

	require.True(t, f.reg.Delete(f.session.ID))
	out := await(t, done)
	assert.False(t, out.res.Success)
	assert.Equal(t, "session ended", out.res.Message)
}

func TestRun_SessionErroredWhileWaiting(t *testing.T) {
	f := newFixture(t, 0, decision(types.ActionDone, 0.9, "x", "", ""))
	require.True(t, f.reg.TakeControl(f.session.ID))

	done := f.runAsync()
	require.Eventually(t, func() bool { return f.orch.Running(f.session.ID) }, 5*time.Second, 5*time.Millisecond)

	require.True(t, f.reg.SetError(f.session.ID, "browser crashed"))
	out := await(t, done)
	assert.Equal(t, "session failed: browser crashed", out.res.Message)
}

func TestRun_MalformedRepliesFallBackToHuman(t *testing.T) {
	f := newFixture(t, 0, "I think you should click the button")
	f.orch = NewOrchestrator(f.reg, f.browser, f.provider, Options{
		DecisionRetries: 2,
		RetryInterval:   time.Millisecond,
		Tokenizer:       tokenizer.NewEstimator(),
	})
	f.orch.Events().Subscribe(f.events.handle)

	done := f.runAsync()
	flagged := f.waitFor(t, func(s *types.Session) bool { return s.TakeoverRequested })

	assert.Contains(t, flagged.TakeoverReason, "Error getting action")
	assert.Equal(t, 3, f.provider.callCount())

	require.True(t, f.orch.Cancel(f.session.ID))
	<-done
}

func TestRun_RetryRecovers(t *testing.T) {
	f := newFixture(t, 0, "```json\n{oops", decision(types.ActionDone, 0.9, "done", "", ""))
	f.orch = NewOrchestrator(f.reg, f.browser, f.provider, Options{
		DecisionRetries: 1,
		RetryInterval:   time.Millisecond,
		Tokenizer:       tokenizer.NewEstimator(),
	})

	res, err := f.orch.Run(context.Background(), f.session.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, f.provider.callCount())
}

func TestRequestDecision_TransportError(t *testing.T) {
	f := newFixture(t, 0)
	f.provider.err = errors.New("connection refused")

	_, err := f.orch.requestDecision(context.Background(), "prompt")

	var decErr *DecisionError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, 1, decErr.Attempts)
	assert.ErrorContains(t, err, "connection refused")
}

func TestWaitDuration(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, waitDuration("1500"))
	assert.Equal(t, browser.DefaultWait, waitDuration(""))
	assert.Equal(t, browser.DefaultWait, waitDuration("soon"))
	assert.Equal(t, browser.DefaultWait, waitDuration("-5"))
}
