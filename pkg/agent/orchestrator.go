// Package agent runs the perceive, decide and act loop that lets the
// navigator drive a session's browser until the task is done or a human
// has to step in.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/events"
	"github.com/entrhq/browserd/pkg/llm"
	"github.com/entrhq/browserd/pkg/llm/tokenizer"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/types"
)

const (
	// DefaultMaxSteps caps the actions of a run when neither the options nor
	// the session set a lower ceiling.
	DefaultMaxSteps = 20
	// DefaultConfidenceThreshold is the confidence below which a decision
	// is handed to a human.
	DefaultConfidenceThreshold = 0.7
	// DefaultDecisionTimeout bounds one navigator request.
	DefaultDecisionTimeout = 60 * time.Second
	// DefaultRetryInterval is the first backoff between navigator retries.
	DefaultRetryInterval = 500 * time.Millisecond
	// DefaultPromptTokenBudget caps the prompt size in tokens.
	DefaultPromptTokenBudget = 3000
)

// ErrAlreadyRunning is returned by Run when the session already has a loop.
var ErrAlreadyRunning = errors.New("task already running for this session")

// Browser is the part of the browser controller the loop drives.
type Browser interface {
	PageInfo(ctx context.Context, id string) (*browser.PageInfo, error)
	Screenshot(ctx context.Context, id string) (string, error)
	Navigate(ctx context.Context, id, url string, opts ...browser.ActionOption) (types.Step, error)
	Click(ctx context.Context, id, target string, opts ...browser.ActionOption) (types.Step, error)
	Type(ctx context.Context, id, target, text string, opts ...browser.ActionOption) (types.Step, error)
	Scroll(ctx context.Context, id, direction string, opts ...browser.ActionOption) (types.Step, error)
	Wait(ctx context.Context, id string, d time.Duration, opts ...browser.ActionOption) (types.Step, error)
}

// Sessions is the part of the session registry the loop needs.
type Sessions interface {
	Get(id string) (*types.Session, error)
	RequestTakeover(id, reason string) bool
	Complete(id string) bool
	WaitFor(ctx context.Context, id string, cond func(*types.Session) bool) (*types.Session, error)
}

// Options configures an Orchestrator.
type Options struct {
	// MaxSteps bounds dispatched actions per run. A session's own positive
	// MaxSteps lowers it further.
	MaxSteps int

	// ConfidenceThreshold is the lowest confidence acted on without a human.
	ConfidenceThreshold float64

	// StepDelay is slept between dispatched actions.
	StepDelay time.Duration

	// DecisionTimeout bounds each navigator call.
	DecisionTimeout time.Duration

	// DecisionRetries is how many times a failed or malformed reply is retried.
	DecisionRetries int

	// RetryInterval is the first backoff between retries.
	RetryInterval time.Duration

	// PromptTokenBudget caps the prompt size.
	PromptTokenBudget int

	// Tokenizer counts prompt tokens. Defaults to tiktoken.
	Tokenizer *tokenizer.Tokenizer
}

func (o *Options) setDefaults() {
	if o.MaxSteps <= 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if o.DecisionTimeout <= 0 {
		o.DecisionTimeout = DefaultDecisionTimeout
	}
	if o.DecisionRetries < 0 {
		o.DecisionRetries = 0
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.PromptTokenBudget <= 0 {
		o.PromptTokenBudget = DefaultPromptTokenBudget
	}
	if o.Tokenizer == nil {
		o.Tokenizer = tokenizer.New()
	}
}

// Result is the outcome of a run.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Steps   int    `json:"steps"`
}

// run is one active loop. The pointer identifies it in the running set.
type run struct {
	cancel context.CancelFunc
}

// Orchestrator runs at most one loop per session.
type Orchestrator struct {
	sessions Sessions
	browser  Browser
	provider llm.Provider
	opts     Options
	prompts  *promptBuilder

	mu      sync.Mutex
	running map[string]*run

	bus    *events.Bus[*types.AgentEvent]
	logger *logging.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(sessions Sessions, b Browser, provider llm.Provider, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		sessions: sessions,
		browser:  b,
		provider: provider,
		opts:     opts,
		prompts:  newPromptBuilder(opts.Tokenizer, opts.PromptTokenBudget),
		running:  make(map[string]*run),
		bus:      events.NewBus[*types.AgentEvent](),
		logger:   logging.NewLogger("agent"),
	}
}

// Events returns the bus agent events are published on.
func (o *Orchestrator) Events() *events.Bus[*types.AgentEvent] {
	return o.bus
}

// Model returns the navigator model name.
func (o *Orchestrator) Model() string {
	return o.provider.Model()
}

// CheckModel reports whether the navigator backend serves the model.
func (o *Orchestrator) CheckModel(ctx context.Context) bool {
	return o.provider.Available(ctx)
}

// Running reports whether a loop is active for the session.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// Cancel stops the session's loop at its next checkpoint. Actions already
// dispatched to the browser are left to finish.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	r, ok := o.running[id]
	if ok {
		delete(o.running, id)
	}
	o.mu.Unlock()

	if !ok {
		return false
	}
	r.cancel()
	o.logger.Infof("Task cancelled for session %s", id)
	o.publish(&types.AgentEvent{Type: types.AgentEventTaskCancelled, SessionID: id})
	return true
}

func (o *Orchestrator) start(id string, r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; ok {
		return false
	}
	o.running[id] = r
	return true
}

// release removes r from the running set, reporting whether it was still there.
func (o *Orchestrator) release(id string, r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[id] != r {
		return false
	}
	delete(o.running, id)
	return true
}

func (o *Orchestrator) ceiling(s *types.Session) int {
	if s.MaxSteps > 0 && s.MaxSteps < o.opts.MaxSteps {
		return s.MaxSteps
	}
	return o.opts.MaxSteps
}

func (o *Orchestrator) publish(e *types.AgentEvent) {
	o.bus.Publish(e)
}

// Run drives the session until the navigator reports done, the step
// ceiling is reached, the run is cancelled or the session ends. Waiting for
// a human never consumes a step.
func (o *Orchestrator) Run(ctx context.Context, id, task string) (Result, error) {
	sess, err := o.sessions.Get(id)
	if err != nil {
		return Result{}, err
	}
	if task == "" {
		task = sess.Task
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{cancel: cancel}
	if !o.start(id, r) {
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	defer o.release(id, r)

	ceiling := o.ceiling(sess)
	o.logger.Infof("Starting task %q for session %s (max %d steps)", task, id, ceiling)

	steps := 0
	for steps < ceiling {
		if runCtx.Err() != nil {
			return o.cancelled(id, r, steps), nil
		}

		sess, err := o.sessions.Get(id)
		if err != nil {
			return o.failed(id, steps, "session ended"), nil
		}
		if sess.State.IsTerminal() {
			return o.failed(id, steps, endedMessage(sess)), nil
		}

		// A takeover flagged before this run started is honoured like one
		// raised mid-run.
		if sess.State != types.StateAIControl || sess.TakeoverRequested {
			switch {
			case sess.State == types.StateUserControl || sess.State == types.StatePaused:
				o.logger.Infof("Session %s is %s, waiting for AI control", id, sess.State)
				o.publish(&types.AgentEvent{Type: types.AgentEventWaitingForUser, SessionID: id, Step: steps + 1})
			case sess.TakeoverRequested:
				o.logger.Infof("Session %s has a pending takeover request, waiting for a human", id)
			}
			if res, done := o.awaitControl(runCtx, id, r, steps); done {
				return res, nil
			}
			continue
		}

		round := steps + 1
		decision := o.decide(runCtx, id, task, round)
		if decision == nil || runCtx.Err() != nil {
			return o.cancelled(id, r, steps), nil
		}

		if decision.NeedsHuman(o.opts.ConfidenceThreshold) {
			o.logger.Infof("Requesting human takeover for session %s: %s", id, decision.Thought)
			o.sessions.RequestTakeover(id, decision.Thought)
			o.publish(&types.AgentEvent{
				Type:      types.AgentEventTakeoverRequested,
				SessionID: id,
				Step:      round,
				Decision:  decision,
				Message:   decision.Thought,
			})
			if res, done := o.awaitControl(runCtx, id, r, steps); done {
				return res, nil
			}
			continue
		}

		if decision.Action == types.ActionDone {
			o.logger.Infof("Task completed for session %s: %s", id, decision.Thought)
			o.sessions.Complete(id)
			o.publish(&types.AgentEvent{
				Type:      types.AgentEventTaskComplete,
				SessionID: id,
				Step:      round,
				Decision:  decision,
				Message:   decision.Thought,
			})
			return Result{Success: true, Message: decision.Thought, Steps: steps}, nil
		}

		steps++
		// Cancelling the run must not abort an action the browser already started.
		if err := o.execute(context.WithoutCancel(runCtx), id, decision); err != nil {
			o.logger.Warnf("Action %s failed for session %s: %v", decision.Action, id, err)
			o.publish(&types.AgentEvent{
				Type:      types.AgentEventActionFailed,
				SessionID: id,
				Step:      round,
				Decision:  decision,
				Message:   err.Error(),
			})
		} else {
			o.publish(&types.AgentEvent{
				Type:      types.AgentEventActionExecuted,
				SessionID: id,
				Step:      round,
				Decision:  decision,
			})
		}

		if !sleep(runCtx, o.opts.StepDelay) {
			return o.cancelled(id, r, steps), nil
		}
	}

	o.logger.Infof("Max steps (%d) reached for session %s", ceiling, id)
	return o.failed(id, steps, fmt.Sprintf("max steps (%d) reached without completing task", ceiling)), nil
}

// awaitControl blocks until the agent holds control with no pending
// takeover. done is set when the run has to end instead.
func (o *Orchestrator) awaitControl(ctx context.Context, id string, r *run, steps int) (Result, bool) {
	sess, err := o.sessions.WaitFor(ctx, id, func(s *types.Session) bool {
		if s.State.IsTerminal() {
			return true
		}
		return s.State == types.StateAIControl && !s.TakeoverRequested
	})
	switch {
	case ctx.Err() != nil:
		return o.cancelled(id, r, steps), true
	case err != nil:
		return o.failed(id, steps, "session ended"), true
	case sess.State.IsTerminal():
		return o.failed(id, steps, endedMessage(sess)), true
	}
	o.logger.Infof("AI control restored for session %s", id)
	return Result{}, false
}

func endedMessage(s *types.Session) string {
	if s.State == types.StateError && s.Error != "" {
		return "session failed: " + s.Error
	}
	return "session " + strings.ToLower(string(s.State))
}

func (o *Orchestrator) cancelled(id string, r *run, steps int) Result {
	// Cancel has already announced it when the entry is gone.
	if o.release(id, r) {
		o.publish(&types.AgentEvent{Type: types.AgentEventTaskCancelled, SessionID: id})
	}
	return Result{Success: false, Message: "task cancelled", Steps: steps}
}

func (o *Orchestrator) failed(id string, steps int, msg string) Result {
	o.publish(&types.AgentEvent{Type: types.AgentEventTaskFailed, SessionID: id, Step: steps, Message: msg})
	return Result{Success: false, Message: msg, Steps: steps}
}

// decide observes the page and asks the navigator what to do. An unusable
// reply becomes a need_human decision; nil is returned only when ctx ended.
func (o *Orchestrator) decide(ctx context.Context, id, task string, round int) *types.Decision {
	info, err := o.browser.PageInfo(ctx, id)
	if err != nil {
		o.logger.Warnf("Failed to read page for session %s: %v", id, err)
		info = &browser.PageInfo{}
	}
	shot, err := o.browser.Screenshot(ctx, id)
	if err != nil {
		o.logger.Debugf("Failed to capture screenshot for session %s: %v", id, err)
	}

	o.publish(&types.AgentEvent{
		Type:       types.AgentEventStepStart,
		SessionID:  id,
		Step:       round,
		Message:    info.URL,
		Screenshot: shot,
	})

	prompt := o.prompts.Build(task, round, info)

	started := time.Now()
	decision, err := o.requestDecision(ctx, prompt)
	elapsed := time.Since(started)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		o.logger.Errorf("Failed to get action from navigator for session %s: %v", id, err)
		decision = fallbackDecision(err)
	}

	o.logger.Infof("Step %d: %s - %s", round, decision.Action, decision.Thought)
	o.publish(&types.AgentEvent{
		Type:      types.AgentEventActionDecided,
		SessionID: id,
		Step:      round,
		Decision:  decision,
		Duration:  elapsed,
	})
	return decision
}

// requestDecision calls the navigator, retrying transport failures and
// malformed replies with exponential backoff.
func (o *Orchestrator) requestDecision(ctx context.Context, prompt string) (*types.Decision, error) {
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.RetryInterval

	decision, err := backoff.Retry(ctx, func() (*types.Decision, error) {
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, o.opts.DecisionTimeout)
		defer cancel()

		reply, err := o.provider.Generate(callCtx, prompt)
		if err != nil {
			var httpErr *llm.HTTPError
			if ctx.Err() != nil || (errors.As(err, &httpErr) && !httpErr.Retryable()) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return parseDecision(reply)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.opts.DecisionRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warnf("Navigator attempt %d failed, retrying in %s: %v", attempts, next, err)
		}),
	)
	if err != nil {
		return nil, &DecisionError{Attempts: attempts, Err: err}
	}
	return decision, nil
}

// execute dispatches a decision to the browser.
func (o *Orchestrator) execute(ctx context.Context, id string, d *types.Decision) error {
	var err error
	switch d.Action {
	case types.ActionClick:
		_, err = o.browser.Click(ctx, id, d.Target)
	case types.ActionType:
		_, err = o.browser.Type(ctx, id, d.Target, d.Value)
	case types.ActionScroll:
		_, err = o.browser.Scroll(ctx, id, d.Value)
	case types.ActionNavigate:
		_, err = o.browser.Navigate(ctx, id, d.Value)
	case types.ActionWait:
		_, err = o.browser.Wait(ctx, id, waitDuration(d.Value))
	default:
		err = fmt.Errorf("unknown action: %s", d.Action)
	}
	return err
}

// waitDuration reads a millisecond count, falling back to browser.DefaultWait.
func waitDuration(v string) time.Duration {
	ms, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || ms <= 0 {
		return browser.DefaultWait
	}
	return time.Duration(ms) * time.Millisecond
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
