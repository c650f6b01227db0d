package types

import (
	"errors"
	"fmt"
)

// ActionKind is an action the navigator may choose.
type ActionKind string

const (
	ActionClick     ActionKind = "click"
	ActionType      ActionKind = "type"
	ActionScroll    ActionKind = "scroll"
	ActionNavigate  ActionKind = "navigate"
	ActionWait      ActionKind = "wait"
	ActionDone      ActionKind = "done"
	ActionNeedHuman ActionKind = "need_human"
)

// Valid reports whether k is a known action.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionClick, ActionType, ActionScroll, ActionNavigate, ActionWait, ActionDone, ActionNeedHuman:
		return true
	}
	return false
}

// Decision is the navigator's choice for a single step.
type Decision struct {
	// Thought is the navigator's rationale.
	Thought string `json:"thought"`

	Action ActionKind `json:"action"`

	// Target locates an element for click and type.
	Target string `json:"target,omitempty"`

	// Value is the text to type, the URL to open, the scroll direction
	// ("up" or "down") or the wait in milliseconds.
	Value string `json:"value,omitempty"`

	// Confidence is in [0, 1].
	Confidence float64 `json:"confidence"`
}

// NeedsHuman reports whether the decision should hand control to a person
// given the configured confidence threshold.
func (d *Decision) NeedsHuman(threshold float64) bool {
	return d.Action == ActionNeedHuman || d.Confidence < threshold
}

// Validate checks the decision against the navigator response schema.
func (d *Decision) Validate() error {
	if !d.Action.Valid() {
		return fmt.Errorf("unknown action %q", d.Action)
	}
	if d.Thought == "" {
		return errors.New("thought is required")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", d.Confidence)
	}

	switch d.Action {
	case ActionClick:
		if d.Target == "" {
			return errors.New("click requires a target")
		}
	case ActionType:
		if d.Target == "" {
			return errors.New("type requires a target")
		}
		if d.Value == "" {
			return errors.New("type requires a value")
		}
	case ActionNavigate:
		if d.Value == "" {
			return errors.New("navigate requires a value")
		}
	}
	return nil
}

// String renders the decision the way it is recorded in the step log.
func (d *Decision) String() string {
	switch {
	case d.Target != "" && d.Value != "":
		return fmt.Sprintf("%s %s = %q", d.Action, d.Target, d.Value)
	case d.Target != "":
		return fmt.Sprintf("%s %s", d.Action, d.Target)
	case d.Value != "":
		return fmt.Sprintf("%s %s", d.Action, d.Value)
	}
	return string(d.Action)
}
