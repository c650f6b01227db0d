package types

import "time"

// State is the control/lifecycle state of a session.
type State string

const (
	StateInitializing State = "INITIALIZING" // StateInitializing indicates the browser has not been launched yet.
	StateAIControl    State = "AI_CONTROL"   // StateAIControl indicates the agent drives the browser.
	StateUserControl  State = "USER_CONTROL" // StateUserControl indicates a human drives the browser.
	StatePaused       State = "PAUSED"       // StatePaused indicates both actors are suspended.
	StateCompleted    State = "COMPLETED"    // StateCompleted indicates the session finished. Terminal.
	StateError        State = "ERROR"        // StateError indicates the session failed. Terminal.
)

// IsTerminal reports whether no further transitions are possible from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

var transitions = map[State][]State{
	StateInitializing: {StateAIControl, StateCompleted, StateError},
	StateAIControl:    {StateUserControl, StatePaused, StateCompleted, StateError},
	StateUserControl:  {StateAIControl, StatePaused, StateCompleted, StateError},
	StatePaused:       {StateAIControl, StateUserControl, StateCompleted, StateError},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Controller identifies the actor holding control of a session.
type Controller string

const (
	ControllerAI   Controller = "AI"
	ControllerUser Controller = "USER"
)

// StepStatus is the outcome of a logged step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepPending   StepStatus = "pending"
	StepFailed    StepStatus = "failed"
)

// DefaultSessionMaxSteps is the step budget given to sessions created without one.
const DefaultSessionMaxSteps = 10

// Step is one entry in a session's action log.
type Step struct {
	// Step is the 1-based position of this entry in the log.
	Step int `json:"step"`

	// Action describes what was attempted, e.g. "Click: #submit".
	Action string `json:"action"`

	// Result is the human readable outcome.
	Result string `json:"result"`

	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`

	// Screenshot is an optional PNG data URL captured after the action.
	Screenshot string `json:"screenshot,omitempty"`
}

// Session is one automation run bound to one browser and one step log.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Task   string `json:"task"`

	// URL is the optional page the browser opens on launch.
	URL string `json:"url,omitempty"`

	State       State  `json:"state"`
	Steps       []Step `json:"steps"`
	CurrentStep int    `json:"currentStep"`
	MaxSteps    int    `json:"maxSteps"`

	// Resource handles, unique among live sessions.
	DisplayNum int `json:"-"`
	VNCPort    int `json:"-"`
	WSPort     int `json:"-"`

	// TakeoverRequested is set when the agent asks a human to step in and
	// cleared on the next transition into AI_CONTROL.
	TakeoverRequested bool   `json:"takeoverRequested"`
	TakeoverReason    string `json:"takeoverReason,omitempty"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Steps = make([]Step, len(s.Steps))
	copy(c.Steps, s.Steps)
	return &c
}

// ControlledBy returns who currently holds control, or "" when nobody does.
func (s *Session) ControlledBy() Controller {
	switch s.State {
	case StateAIControl:
		return ControllerAI
	case StateUserControl:
		return ControllerUser
	default:
		return ""
	}
}

// Active reports whether the session has not reached a terminal state.
func (s *Session) Active() bool {
	return !s.State.IsTerminal()
}
