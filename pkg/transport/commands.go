package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/entrhq/browserd/pkg/types"
)

type handlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) error

type command struct {
	fn handlerFunc

	// async commands talk to the browser and run off the read loop.
	async bool
}

var errNotAuthenticated = errors.New("not authenticated")

func (h *Hub) commandHandlers() map[string]command {
	return map[string]command{
		"auth":                   {fn: h.handleAuth},
		"session:create":         {fn: h.handleCreate, async: true},
		"session:join":           {fn: h.handleJoin},
		"session:take_control":   {fn: h.control(types.ControlTakeControl, "session:control_taken", "Cannot take control in current state")},
		"session:return_control": {fn: h.control(types.ControlReturnControl, "session:control_returned", "Cannot return control in current state")},
		"session:pause":          {fn: h.control(types.ControlPause, "", "Cannot pause in current state")},
		"session:resume":         {fn: h.control(types.ControlResume, "", "Cannot resume in current state")},
		"session:execute_step":   {fn: h.handleExecuteStep, async: true},
		"session:navigate":       {fn: h.handleNavigate, async: true},
		"session:screenshot":     {fn: h.handleScreenshot, async: true},
		"session:end":            {fn: h.handleEnd, async: true},
		"session:run":            {fn: h.handleRun},
		"session:cancel":         {fn: h.handleCancel},
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Conn, env Envelope) {
	cmd, ok := h.handlers[env.Event]
	if !ok {
		c.EmitError(fmt.Errorf("unknown event %q", env.Event))
		return
	}
	if env.Event != "auth" && c.UserID() == "" {
		c.EmitError(errNotAuthenticated)
		return
	}

	run := func() {
		if err := cmd.fn(ctx, c, env.Data); err != nil {
			h.logger.Debugf("%s from %s failed: %v", env.Event, c.id, err)
			c.EmitError(err)
		}
	}
	if cmd.async {
		go run()
		return
	}
	run()
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

type authCommand struct {
	UserID string `json:"userId"`
}

func (h *Hub) handleAuth(_ context.Context, c *Conn, data json.RawMessage) error {
	var cmd authCommand
	if err := decode(data, &cmd); err != nil {
		return err
	}
	cmd.UserID = strings.TrimSpace(cmd.UserID)
	if cmd.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}

	if prev := c.setUser(cmd.UserID); prev != "" && prev != cmd.UserID {
		h.Leave(c, userRoom(prev))
	}
	h.Join(c, userRoom(cmd.UserID))
	h.logger.Infof("Client %s authenticated as %s", c.id, cmd.UserID)

	sessions, err := h.service.List(cmd.UserID)
	if err != nil {
		return err
	}
	c.Emit("sessions:list", sessions)
	return nil
}

func (h *Hub) handleCreate(ctx context.Context, c *Conn, data json.RawMessage) error {
	var req CreateRequest
	if len(data) > 0 {
		if err := decode(data, &req); err != nil {
			return err
		}
	}
	req.UserID = c.UserID()

	sess, err := h.service.Create(req)
	if err != nil {
		c.Emit("session:error", struct {
			Error string `json:"error"`
		}{err.Error()})
		return nil
	}
	h.Join(c, sessionRoom(sess.ID))

	// A client leaving mid-launch must not strand a half started browser.
	ready, err := h.service.Launch(context.WithoutCancel(ctx), sess.ID)
	if err != nil {
		c.Emit("session:error", struct {
			SessionID string `json:"sessionId"`
			Error     string `json:"error"`
		}{sess.ID, err.Error()})
		return nil
	}
	c.Emit("session:ready", ready)
	return nil
}

// sessionCommand is the payload of every per-session command.
type sessionCommand struct {
	SessionID string `json:"sessionId"`
	AsUser    bool   `json:"asUser,omitempty"`
	Action    string `json:"action,omitempty"`
	Script    string `json:"script,omitempty"`
	URL       string `json:"url,omitempty"`
}

// owned decodes a session command and checks the session belongs to the
// connection's user.
func (h *Hub) owned(c *Conn, data json.RawMessage) (sessionCommand, *types.Session, error) {
	var cmd sessionCommand
	if err := decode(data, &cmd); err != nil {
		return cmd, nil, err
	}
	if cmd.SessionID == "" {
		return cmd, nil, fmt.Errorf("%w: sessionId is required", ErrInvalidRequest)
	}
	sess, err := h.service.Owned(c.UserID(), cmd.SessionID)
	if err != nil {
		return cmd, nil, errors.New("session not found or access denied")
	}
	return cmd, sess, nil
}

func (h *Hub) handleJoin(_ context.Context, c *Conn, data json.RawMessage) error {
	_, sess, err := h.owned(c, data)
	if err != nil {
		return err
	}
	h.Join(c, sessionRoom(sess.ID))
	c.Emit("session:joined", struct {
		Session   *types.Session `json:"session"`
		StreamURL string         `json:"streamUrl"`
	}{sess, h.service.StreamURL(sess)})
	return nil
}

func (h *Hub) control(action types.ControlAction, ack, failure string) handlerFunc {
	return func(_ context.Context, c *Conn, data json.RawMessage) error {
		cmd, sess, err := h.owned(c, data)
		if err != nil {
			return err
		}
		if _, err := h.service.Control(sess.ID, string(action), cmd.AsUser); err != nil {
			if errors.Is(err, ErrNotAllowed) {
				return errors.New(failure)
			}
			return err
		}
		if ack != "" {
			c.Emit(ack, sessionRef{sess.ID})
		}
		return nil
	}
}

type stepResult struct {
	SessionID string      `json:"sessionId"`
	Step      *types.Step `json:"step,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (h *Hub) handleExecuteStep(ctx context.Context, c *Conn, data json.RawMessage) error {
	cmd, sess, err := h.owned(c, data)
	if err != nil {
		return err
	}
	if sess.State != types.StateAIControl {
		return fmt.Errorf("%w: session is %s", ErrNotAllowed, sess.State)
	}

	step, err := h.service.ExecuteStep(ctx, sess.ID, cmd.Action, cmd.Script)
	if errors.Is(err, ErrNotAllowed) {
		return err
	}
	if err != nil {
		c.Emit("session:step_error", stepResult{SessionID: sess.ID, Error: err.Error()})
		return nil
	}
	c.Emit("session:step_completed", stepResult{SessionID: sess.ID, Step: &step})
	return nil
}

func (h *Hub) handleNavigate(ctx context.Context, c *Conn, data json.RawMessage) error {
	cmd, sess, err := h.owned(c, data)
	if err != nil {
		return err
	}

	if _, err := h.service.Navigate(ctx, sess.ID, cmd.URL); err != nil {
		c.Emit("session:navigate_error", stepResult{SessionID: sess.ID, Error: err.Error()})
		return nil
	}
	// Room members already got session:navigated from the browser events.
	if !c.InRoom(sessionRoom(sess.ID)) {
		c.Emit("session:navigated", struct {
			SessionID string `json:"sessionId"`
			URL       string `json:"url"`
		}{sess.ID, cmd.URL})
	}
	return nil
}

func (h *Hub) handleScreenshot(ctx context.Context, c *Conn, data json.RawMessage) error {
	_, sess, err := h.owned(c, data)
	if err != nil {
		return err
	}
	shot, err := h.service.Screenshot(ctx, sess.ID)
	if err != nil {
		return err
	}
	c.Emit("session:screenshot", struct {
		SessionID  string `json:"sessionId"`
		Screenshot string `json:"screenshot"`
	}{sess.ID, shot})
	return nil
}

func (h *Hub) handleEnd(_ context.Context, c *Conn, data json.RawMessage) error {
	_, sess, err := h.owned(c, data)
	if err != nil {
		return err
	}
	if err := h.service.End(sess.ID); err != nil {
		h.logger.Warnf("Ending session %s: %v", sess.ID, err)
	}
	h.Leave(c, sessionRoom(sess.ID))
	c.Emit("session:ended", sessionRef{sess.ID})
	return nil
}

func (h *Hub) handleRun(_ context.Context, c *Conn, data json.RawMessage) error {
	_, sess, err := h.owned(c, data)
	if err != nil {
		return err
	}
	if err := h.service.StartRun(sess.ID); err != nil {
		return err
	}
	c.Emit("agent:started", sessionRef{sess.ID})
	return nil
}

func (h *Hub) handleCancel(_ context.Context, c *Conn, data json.RawMessage) error {
	_, sess, err := h.owned(c, data)
	if err != nil {
		return err
	}
	if !h.service.CancelRun(sess.ID) {
		return fmt.Errorf("no agent run for session %s", sess.ID)
	}
	return nil
}
