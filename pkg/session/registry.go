// Package session keeps the authoritative record of every automation session
// and enforces its control state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/events"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned when an id does not name a live session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions is returned by Create when the active session limit is reached.
	ErrTooManySessions = errors.New("maximum number of sessions reached")
)

// Bases are the first resource handles the registry hands out.
type Bases struct {
	Display int
	VNCPort int
	WSPort  int
}

// DefaultBases mirrors the conventional X display and VNC/websockify ports.
var DefaultBases = Bases{Display: 99, VNCPort: 5900, WSPort: 6080}

// CreateOptions carries optional session fields.
type CreateOptions struct {
	URL      string
	MaxSteps int
}

// Option configures a Registry.
type Option func(*Registry)

// WithBases sets the first display number and ports to allocate.
func WithBases(b Bases) Option {
	return func(r *Registry) {
		r.bases = b
	}
}

// WithMaxSessions limits how many non-terminal sessions may exist at once.
// Zero means unlimited.
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// record pairs a session with the channel closed on its next change.
type record struct {
	session *types.Session
	changed chan struct{}
}

// Registry owns all sessions. Every mutation goes through its methods and is
// announced on Events() after the internal lock is released. Events reach
// subscribers in the order the mutations happened.
type Registry struct {
	// pubMu is held across a mutation and its publish. Subscribers must not
	// mutate the registry.
	pubMu       sync.Mutex
	mu          sync.Mutex
	sessions    map[string]*record
	bases       Bases
	maxSessions int
	now         func() time.Time

	bus    *events.Bus[*types.SessionEvent]
	logger *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*record),
		bases:    DefaultBases,
		now:      time.Now,
		bus:      events.NewBus[*types.SessionEvent](),
		logger:   logging.NewLogger("session"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the bus every registry event is published on.
func (r *Registry) Events() *events.Bus[*types.SessionEvent] {
	return r.bus
}

// Create registers a new session in INITIALIZING with freshly allocated
// display and ports.
func (r *Registry) Create(userID, task string, opts CreateOptions) (*types.Session, error) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Lock()

	if r.maxSessions > 0 && r.activeCountLocked() >= r.maxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, r.maxSessions)
	}

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = types.DefaultSessionMaxSteps
	}

	now := r.now()
	s := &types.Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		Task:        task,
		URL:         opts.URL,
		State:       types.StateInitializing,
		Steps:       []types.Step{},
		CurrentStep: 0,
		MaxSteps:    maxSteps,
		DisplayNum:  r.lowestFreeLocked(r.bases.Display, func(s *types.Session) int { return s.DisplayNum }),
		VNCPort:     r.lowestFreeLocked(r.bases.VNCPort, func(s *types.Session) int { return s.VNCPort }),
		WSPort:      r.lowestFreeLocked(r.bases.WSPort, func(s *types.Session) int { return s.WSPort }),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.sessions[s.ID] = &record{session: s, changed: make(chan struct{})}
	snap := s.Clone()
	r.mu.Unlock()

	r.logger.Infof("Created session %s for user %s on display :%d", snap.ID, snap.UserID, snap.DisplayNum)
	r.bus.Publish(types.NewSessionCreatedEvent(snap))
	return snap, nil
}

func (r *Registry) activeCountLocked() int {
	n := 0
	for _, rec := range r.sessions {
		if rec.session.Active() {
			n++
		}
	}
	return n
}

// lowestFreeLocked returns the smallest value >= base not held by an active
// session. Finished sessions give their handles back.
func (r *Registry) lowestFreeLocked(base int, field func(*types.Session) int) int {
	used := make(map[int]struct{}, len(r.sessions))
	for _, rec := range r.sessions {
		if rec.session.Active() {
			used[field(rec.session)] = struct{}{}
		}
	}
	for v := base; ; v++ {
		if _, taken := used[v]; !taken {
			return v
		}
	}
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rec.session.Clone(), nil
}

// ListByUser returns snapshots of a user's sessions, oldest first.
func (r *Registry) ListByUser(userID string) []*types.Session {
	return r.filter(func(s *types.Session) bool { return s.UserID == userID })
}

// List returns snapshots of every session, oldest first.
func (r *Registry) List() []*types.Session {
	return r.filter(func(*types.Session) bool { return true })
}

// Active returns snapshots of all non-terminal sessions, oldest first.
func (r *Registry) Active() []*types.Session {
	return r.filter((*types.Session).Active)
}

func (r *Registry) filter(keep func(*types.Session) bool) []*types.Session {
	r.mu.Lock()
	out := make([]*types.Session, 0, len(r.sessions))
	for _, rec := range r.sessions {
		if keep(rec.session) {
			out = append(out, rec.session.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// mutate runs fn under the lock. When fn reports a change the session's
// timestamp is bumped, waiters are woken and the events fn built are
// published after unlocking.
func (r *Registry) mutate(id string, fn func(s *types.Session) (changed bool, evts []*types.SessionEvent)) (bool, error) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	changed, evts := fn(rec.session)
	if changed {
		rec.session.UpdatedAt = r.now()
		close(rec.changed)
		rec.changed = make(chan struct{})
	}
	r.mu.Unlock()

	for _, e := range evts {
		r.bus.Publish(e)
	}
	return changed, nil
}

// transition moves s to next, clearing the takeover flag when control goes back to the agent.
func transition(s *types.Session, next types.State) {
	if next == types.StateAIControl {
		s.TakeoverRequested = false
		s.TakeoverReason = ""
	}
	s.State = next
}

// SetState moves a session to state when the state machine allows it. It is
// the launch path (INITIALIZING to AI_CONTROL).
func (r *Registry) SetState(id string, state types.State) bool {
	ok, _ := r.mutate(id, func(s *types.Session) (bool, []*types.SessionEvent) {
		if !s.State.CanTransition(state) {
			return false, nil
		}
		prev := s.State
		transition(s, state)
		r.logger.Infof("Session %s state changed %s -> %s", s.ID, prev, state)
		return true, []*types.SessionEvent{types.NewStateChangedEvent(s.Clone(), prev)}
	})
	return ok
}

// AppendStep adds an entry to the step log, numbering it after the last one.
func (r *Registry) AppendStep(id string, step types.Step) (types.Step, error) {
	var added types.Step
	_, err := r.mutate(id, func(s *types.Session) (bool, []*types.SessionEvent) {
		step.Step = len(s.Steps) + 1
		if step.Timestamp.IsZero() {
			step.Timestamp = r.now()
		}
		if step.Status == "" {
			step.Status = types.StepCompleted
		}
		s.Steps = append(s.Steps, step)
		s.CurrentStep = len(s.Steps)
		added = step
		return true, []*types.SessionEvent{types.NewStepEvent(s.Clone(), step)}
	})
	return added, err
}

// TakeControl hands an AI-controlled session to the user.
func (r *Registry) TakeControl(id string) bool {
	ok, _ := r.mutate(id, func(s *types.Session) (bool, []*types.SessionEvent) {
		if s.State != types.StateAIControl {
			return false, nil
		}
		transition(s, types.StateUserControl)
		r.logger.Infof("User took control of session %s", s.ID)
		return true, []*types.SessionEvent{types.NewControlChangedEvent(s.Clone(), types.ControllerUser)}
	})
	return ok
}

// ReturnControl hands a user-controlled session back to the agent.
func (r *Registry) ReturnControl(id string) bool {
	ok, _ := r.mutate(id, func(s *types.Session) (bool, []*types.SessionEvent) {
		if s.State != types.StateUserControl {
			return false, nil
		}
		transition(s, types.StateAIControl)
		r.logger.Infof("AI regained control of session %s", s.ID)
		return true, []*types.SessionEvent{types.NewControlChangedEvent(s.Clone(), types.ControllerAI)}
	})
	return ok
}

// Pause suspends a session held by either actor.
func (r *Registry) Pause(id string) bool {
	ok, _ := r.mutate(id, func(s *types.Session) (bool, []*types.SessionEvent) {
		if s.State != types.StateAIControl && s.State != types.StateUserControl {
			return false, nil
		}
		prev := s.State
		transition(s, types.StatePaused)
		r.logger.Infof("Session %s paused", s.ID)
		e := types.NewPausedEvent(s.Clone())
		e.Previous = prev
		return true, []*types.SessionEvent{e}
	})
	return ok
}

// Resume continues a paused session under the user when asUser is set,
// otherwise under the agent.
func (r *Registry) Resume(id string, asUser bool) bool {
	ok, _ := r.mutate(id, func(s *types.Session) (bool, []*types.SessionEvent) {
		if s.State != types.StatePaused {
			return false, nil
		}
		next, controller := types.StateAIControl, types.ControllerAI
		if asUser {
			next, controller = types.StateUserControl, types.ControllerUser
		}
		transition(s, next)
		r.logger.Infof("Session %s resumed with %s control", s.ID, controller)
		return true, []*types.SessionEvent{types.NewResumedEvent(s.Clone(), controller)}
	})
	return ok
}

// RequestTakeover flags that the agent wants a human to step in. The state
// is left unchanged; the flag clears on the next transition into AI_CONTROL.
func (r *Registry) RequestTakeover(id, reason string) bool {
	ok, _ := r.mutate(id, func(s *types.Session) (bool, []*types.SessionEvent) {
		if s.State.IsTerminal() {
			return false, nil
		}
		s.TakeoverRequested = true
		s.TakeoverReason = reason
		r.logger.Infof("Takeover requested for session %s: %s", s.ID, reason)
		return true, []*types.SessionEvent{types.NewTakeoverRequestedEvent(s.Clone(), reason)}
	})
	return ok
}

// SetError moves a non-terminal session to ERROR.
func (r *Registry) SetError(id, message string) bool {
	ok, _ := r.mutate(id, func(s *types.Session) (bool, []*types.SessionEvent) {
		if s.State.IsTerminal() {
			return false, nil
		}
		s.State = types.StateError
		s.Error = message
		r.logger.Errorf("Session %s error: %s", s.ID, message)
		return true, []*types.SessionEvent{types.NewSessionErrorEvent(s.Clone(), message)}
	})
	return ok
}

// Complete moves a non-terminal session to COMPLETED.
func (r *Registry) Complete(id string) bool {
	ok, _ := r.mutate(id, func(s *types.Session) (bool, []*types.SessionEvent) {
		if s.State.IsTerminal() {
			return false, nil
		}
		s.State = types.StateCompleted
		r.logger.Infof("Session %s completed", s.ID)
		return true, []*types.SessionEvent{types.NewSessionCompletedEvent(s.Clone())}
	})
	return ok
}

// Delete removes a session and releases its display and ports.
func (r *Registry) Delete(id string) bool {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	close(rec.changed)
	snap := rec.session.Clone()
	r.mu.Unlock()

	r.logger.Infof("Session %s deleted", id)
	r.bus.Publish(types.NewSessionDeletedEvent(snap))
	return true
}

// WaitFor blocks until cond holds for the session, returning the matching
// snapshot. It fails with ErrSessionNotFound if the session is deleted and
// with ctx.Err() if ctx is done first.
func (r *Registry) WaitFor(ctx context.Context, id string, cond func(*types.Session) bool) (*types.Session, error) {
	for {
		r.mu.Lock()
		rec, ok := r.sessions[id]
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		snap := rec.session.Clone()
		changed := rec.changed
		r.mu.Unlock()

		if cond(snap) {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}
