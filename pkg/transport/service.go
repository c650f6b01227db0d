// Package transport exposes sessions to clients over a websocket event
// channel and a REST API.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/entrhq/browserd/pkg/agent"
	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/events"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/session"
	"github.com/entrhq/browserd/pkg/stream"
	"github.com/entrhq/browserd/pkg/types"
)

var (
	// ErrInvalidRequest is returned when a command is missing required fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidAction is returned for an unknown control action.
	ErrInvalidAction = errors.New("invalid action")

	// ErrNotAllowed is returned when a control action is illegal in the
	// session's current state.
	ErrNotAllowed = errors.New("action not allowed in current state")
)

// Sessions is the part of the session registry the transport needs.
type Sessions interface {
	Create(userID, task string, opts session.CreateOptions) (*types.Session, error)
	Get(id string) (*types.Session, error)
	ListByUser(userID string) []*types.Session
	Active() []*types.Session
	TakeControl(id string) bool
	ReturnControl(id string) bool
	Pause(id string) bool
	Resume(id string, asUser bool) bool
	Complete(id string) bool
	Events() *events.Bus[*types.SessionEvent]
}

// Browser is the part of the browser controller the transport needs.
type Browser interface {
	Launch(ctx context.Context, id string) error
	Navigate(ctx context.Context, id, url string, opts ...browser.ActionOption) (types.Step, error)
	ExecuteStep(ctx context.Context, id, action, script string, opts ...browser.ActionOption) (types.Step, error)
	Screenshot(ctx context.Context, id string) (string, error)
	Close(id string) error
	Events() *events.Bus[*types.BrowserEvent]
}

// Agent runs decision loops.
type Agent interface {
	Run(ctx context.Context, id, task string) (agent.Result, error)
	Cancel(id string) bool
	Running(id string) bool
	Model() string
	Events() *events.Bus[*types.AgentEvent]
}

// Streams relays live frames.
type Streams interface {
	Start(ctx context.Context, s *types.Session) (string, error)
	Stop(id string) bool
	StreamURL(s *types.Session) string
	Events() *events.Bus[*stream.Frame]
}

// CreateRequest is the payload for creating a session.
type CreateRequest struct {
	UserID   string `json:"userId"`
	Task     string `json:"task"`
	URL      string `json:"url,omitempty"`
	MaxSteps int    `json:"maxSteps,omitempty"`
}

// Ready describes a launched session.
type Ready struct {
	SessionID string         `json:"sessionId"`
	StreamURL string         `json:"streamUrl"`
	Session   *types.Session `json:"session"`
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Autostart starts an agent run as soon as a session is launched.
	Autostart bool
}

// Service implements the session commands shared by the socket and REST
// surfaces.
type Service struct {
	sessions Sessions
	browser  Browser
	agent    Agent
	streams  Streams
	opts     ServiceOptions

	// ctx scopes background agent runs; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	logger *logging.Logger
}

// NewService creates a Service.
func NewService(sessions Sessions, b Browser, a Agent, st Streams, opts ServiceOptions) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		sessions: sessions,
		browser:  b,
		agent:    a,
		streams:  st,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logging.NewLogger("transport"),
	}
}

// Close cancels every background run and waits for them to return.
func (s *Service) Close() {
	s.cancel()
	s.runs.Wait()
}

// Create registers a session without launching it.
func (s *Service) Create(req CreateRequest) (*types.Session, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Task = strings.TrimSpace(req.Task)
	if req.UserID == "" || req.Task == "" {
		return nil, fmt.Errorf("%w: userId and task are required", ErrInvalidRequest)
	}
	if req.MaxSteps < 0 {
		return nil, fmt.Errorf("%w: maxSteps must not be negative", ErrInvalidRequest)
	}
	return s.sessions.Create(req.UserID, req.Task, session.CreateOptions{
		URL:      req.URL,
		MaxSteps: req.MaxSteps,
	})
}

// Launch starts the session's browser and frame source, then the agent run
// when autostart is on.
func (s *Service) Launch(ctx context.Context, id string) (*Ready, error) {
	if err := s.browser.Launch(ctx, id); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.streams.Start(ctx, sess); err != nil {
		s.logger.Warnf("No live frames for session %s: %v", id, err)
	}

	if s.opts.Autostart {
		if err := s.StartRun(id); err != nil {
			s.logger.Warnf("Autostart failed for session %s: %v", id, err)
		}
	}

	if sess, err = s.sessions.Get(id); err != nil {
		return nil, err
	}
	return &Ready{
		SessionID: id,
		StreamURL: s.streams.StreamURL(sess),
		Session:   sess,
	}, nil
}

// Get returns a session snapshot.
func (s *Service) Get(id string) (*types.Session, error) {
	return s.sessions.Get(id)
}

// Owned returns the session when it belongs to userID. Sessions of other
// users are reported as not found.
func (s *Service) Owned(userID, id string) (*types.Session, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if userID == "" || sess.UserID != userID {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns the sessions of one user.
func (s *Service) List(userID string) ([]*types.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	return s.sessions.ListByUser(userID), nil
}

// StreamURL is where VNC clients connect for sess, or "" when frames are
// pushed over the socket.
func (s *Service) StreamURL(sess *types.Session) string {
	return s.streams.StreamURL(sess)
}

// ActiveCount is the number of non-terminal sessions.
func (s *Service) ActiveCount() int {
	return len(s.sessions.Active())
}

// Model names the navigator model.
func (s *Service) Model() string {
	return s.agent.Model()
}

// Control applies a control action and returns the resulting state. asUser
// only matters for resume.
func (s *Service) Control(id, action string, asUser bool) (types.State, error) {
	if _, err := s.sessions.Get(id); err != nil {
		return "", err
	}

	parsed, err := types.ParseControlAction(action)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	var ok bool
	switch parsed {
	case types.ControlTakeControl:
		ok = s.sessions.TakeControl(id)
	case types.ControlReturnControl:
		ok = s.sessions.ReturnControl(id)
	case types.ControlPause:
		ok = s.sessions.Pause(id)
	case types.ControlResume:
		ok = s.sessions.Resume(id, asUser)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotAllowed, action)
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		return "", err
	}
	return sess.State, nil
}

// Navigate opens url in the session's browser on behalf of the user.
func (s *Service) Navigate(ctx context.Context, id, url string) (types.Step, error) {
	if strings.TrimSpace(url) == "" {
		return types.Step{}, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if _, err := s.sessions.Get(id); err != nil {
		return types.Step{}, err
	}
	return refused(s.browser.Navigate(ctx, id, url, browser.AsUser()))
}

// ExecuteStep logs a client supplied step, optionally running script. It
// runs only while the agent holds control and never waits for it.
func (s *Service) ExecuteStep(ctx context.Context, id, action, script string) (types.Step, error) {
	if strings.TrimSpace(action) == "" {
		return types.Step{}, fmt.Errorf("%w: action is required", ErrInvalidRequest)
	}
	if _, err := s.sessions.Get(id); err != nil {
		return types.Step{}, err
	}
	return refused(s.browser.ExecuteStep(ctx, id, action, script, browser.NoWait()))
}

// refused reports browser actions turned away by the session state as ErrNotAllowed.
func refused(step types.Step, err error) (types.Step, error) {
	if errors.Is(err, browser.ErrNotInControl) {
		return step, fmt.Errorf("%w: %w", ErrNotAllowed, err)
	}
	return step, err
}

// Screenshot captures the session's viewport as a data URL.
func (s *Service) Screenshot(ctx context.Context, id string) (string, error) {
	if _, err := s.sessions.Get(id); err != nil {
		return "", err
	}
	return s.browser.Screenshot(ctx, id)
}

// StartRun starts the agent loop for the session in the background.
func (s *Service) StartRun(id string) error {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	if sess.State.IsTerminal() {
		return fmt.Errorf("%w: session is %s", ErrNotAllowed, sess.State)
	}
	if s.agent.Running(id) {
		return fmt.Errorf("%w: %s", agent.ErrAlreadyRunning, id)
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		res, err := s.agent.Run(s.ctx, id, sess.Task)
		if err != nil {
			s.logger.Warnf("Agent run for session %s did not start: %v", id, err)
			return
		}
		s.logger.Infof("Agent run for session %s finished after %d steps: success=%t %s", id, res.Steps, res.Success, res.Message)
	}()
	return nil
}

// CancelRun stops the session's agent loop, reporting whether one was running.
func (s *Service) CancelRun(id string) bool {
	return s.agent.Cancel(id)
}

// End cancels the agent run, stops live frames, closes the browser and
// completes the session.
func (s *Service) End(id string) error {
	if _, err := s.sessions.Get(id); err != nil {
		return err
	}

	s.agent.Cancel(id)
	s.streams.Stop(id)

	var closeErr error
	if err := s.browser.Close(id); err != nil && !errors.Is(err, browser.ErrInstanceNotFound) {
		closeErr = err
	}
	s.sessions.Complete(id)

	if closeErr != nil {
		s.logger.Warnf("Session %s ended with close error: %v", id, closeErr)
	}
	return closeErr
}
