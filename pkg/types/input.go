package types

import "fmt"

// ControlAction defines a control request a client can send for a session.
type ControlAction string

const (
	ControlTakeControl   ControlAction = "take_control"   // ControlTakeControl moves AI_CONTROL to USER_CONTROL.
	ControlReturnControl ControlAction = "return_control" // ControlReturnControl moves USER_CONTROL to AI_CONTROL.
	ControlPause         ControlAction = "pause"          // ControlPause suspends both actors.
	ControlResume        ControlAction = "resume"         // ControlResume continues a paused session.
)

// ParseControlAction validates a control action received from a client.
func ParseControlAction(s string) (ControlAction, error) {
	switch a := ControlAction(s); a {
	case ControlTakeControl, ControlReturnControl, ControlPause, ControlResume:
		return a, nil
	}
	return "", fmt.Errorf("invalid control action %q", s)
}
