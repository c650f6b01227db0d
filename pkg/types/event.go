package types

import "time"

// SessionEventType defines the type of event emitted by the session registry.
type SessionEventType string

const (
	SessionEventCreated           SessionEventType = "created"            // SessionEventCreated indicates a session was registered.
	SessionEventStateChanged      SessionEventType = "state_changed"      // SessionEventStateChanged indicates a state transition happened.
	SessionEventStep              SessionEventType = "step"               // SessionEventStep indicates a step was appended to the log.
	SessionEventControlChanged    SessionEventType = "control_changed"    // SessionEventControlChanged indicates control moved between AI and USER.
	SessionEventTakeoverRequested SessionEventType = "takeover_requested" // SessionEventTakeoverRequested indicates the agent asked a human to step in.
	SessionEventError             SessionEventType = "error"              // SessionEventError indicates the session entered ERROR.
	SessionEventCompleted         SessionEventType = "completed"          // SessionEventCompleted indicates the session entered COMPLETED.
	SessionEventPaused            SessionEventType = "paused"             // SessionEventPaused indicates both actors were suspended.
	SessionEventResumed           SessionEventType = "resumed"            // SessionEventResumed indicates a paused session resumed.
	SessionEventDeleted           SessionEventType = "deleted"            // SessionEventDeleted indicates the session was removed.
)

// SessionEvent is published by the registry after every mutation.
type SessionEvent struct {
	Type      SessionEventType
	SessionID string
	UserID    string

	// Session is a snapshot taken right after the mutation.
	Session *Session

	// Step is set for step events.
	Step *Step

	// Previous and Current are set for state_changed events.
	Previous State
	Current  State

	// Controller is set for control_changed and resumed events.
	Controller Controller

	// Reason carries the takeover reason or the error message.
	Reason string
}

func newSessionEvent(t SessionEventType, s *Session) *SessionEvent {
	return &SessionEvent{
		Type:      t,
		SessionID: s.ID,
		UserID:    s.UserID,
		Session:   s,
	}
}

// NewSessionCreatedEvent creates a created event.
func NewSessionCreatedEvent(s *Session) *SessionEvent {
	return newSessionEvent(SessionEventCreated, s)
}

// NewStateChangedEvent creates a state_changed event.
func NewStateChangedEvent(s *Session, previous State) *SessionEvent {
	e := newSessionEvent(SessionEventStateChanged, s)
	e.Previous = previous
	e.Current = s.State
	return e
}

// NewStepEvent creates a step event for the given log entry.
func NewStepEvent(s *Session, step Step) *SessionEvent {
	e := newSessionEvent(SessionEventStep, s)
	e.Step = &step
	return e
}

// NewControlChangedEvent creates a control_changed event.
func NewControlChangedEvent(s *Session, controller Controller) *SessionEvent {
	e := newSessionEvent(SessionEventControlChanged, s)
	e.Controller = controller
	return e
}

// NewTakeoverRequestedEvent creates a takeover_requested event.
func NewTakeoverRequestedEvent(s *Session, reason string) *SessionEvent {
	e := newSessionEvent(SessionEventTakeoverRequested, s)
	e.Reason = reason
	return e
}

// NewSessionErrorEvent creates an error event.
func NewSessionErrorEvent(s *Session, message string) *SessionEvent {
	e := newSessionEvent(SessionEventError, s)
	e.Reason = message
	return e
}

// NewSessionCompletedEvent creates a completed event.
func NewSessionCompletedEvent(s *Session) *SessionEvent {
	return newSessionEvent(SessionEventCompleted, s)
}

// NewPausedEvent creates a paused event.
func NewPausedEvent(s *Session) *SessionEvent {
	return newSessionEvent(SessionEventPaused, s)
}

// NewResumedEvent creates a resumed event.
func NewResumedEvent(s *Session, controller Controller) *SessionEvent {
	e := newSessionEvent(SessionEventResumed, s)
	e.Controller = controller
	return e
}

// NewSessionDeletedEvent creates a deleted event.
func NewSessionDeletedEvent(s *Session) *SessionEvent {
	return newSessionEvent(SessionEventDeleted, s)
}

// BrowserEventType defines the type of event emitted by the browser controller.
type BrowserEventType string

const (
	BrowserEventLaunched  BrowserEventType = "launched"  // BrowserEventLaunched indicates a browser is up for a session.
	BrowserEventNavigated BrowserEventType = "navigated" // BrowserEventNavigated indicates a page navigation finished.
	BrowserEventResumed   BrowserEventType = "resumed"   // BrowserEventResumed indicates gated actions may proceed again.
	BrowserEventClosed    BrowserEventType = "closed"    // BrowserEventClosed indicates the browser was torn down.
)

// BrowserEvent is published by the browser controller.
type BrowserEvent struct {
	Type      BrowserEventType
	SessionID string
	URL       string
}

// AgentEventType defines the type of event emitted by the agent orchestrator.
type AgentEventType string

const (
	AgentEventWaitingForUser    AgentEventType = "waiting_for_user"   // AgentEventWaitingForUser indicates the loop is waiting for control to return.
	AgentEventStepStart         AgentEventType = "step_start"         // AgentEventStepStart indicates a new decision round started.
	AgentEventActionDecided     AgentEventType = "action_decided"     // AgentEventActionDecided indicates the navigator returned a decision.
	AgentEventTakeoverRequested AgentEventType = "takeover_requested" // AgentEventTakeoverRequested indicates the loop handed control to a human.
	AgentEventActionExecuted    AgentEventType = "action_executed"    // AgentEventActionExecuted indicates an action succeeded.
	AgentEventActionFailed      AgentEventType = "action_failed"      // AgentEventActionFailed indicates an action failed and the loop continues.
	AgentEventTaskComplete      AgentEventType = "task_complete"      // AgentEventTaskComplete indicates the navigator declared the task done.
	AgentEventTaskCancelled     AgentEventType = "task_cancelled"     // AgentEventTaskCancelled indicates the run was cancelled.
	AgentEventTaskFailed        AgentEventType = "task_failed"        // AgentEventTaskFailed indicates the run ended without success.
)

// AgentEvent is published by the agent orchestrator while a run progresses.
type AgentEvent struct {
	Type      AgentEventType
	SessionID string

	// Step is the 1-based decision round.
	Step int

	// Decision is set for action_decided, takeover_requested and action events.
	Decision *Decision

	// Message carries the result text, the takeover reason or the error message.
	Message string

	// Screenshot is a PNG data URL taken at step_start.
	Screenshot string

	// Duration is how long the navigator took to decide, set on action_decided.
	Duration time.Duration
}
