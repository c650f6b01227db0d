package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserd/pkg/agent"
	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/session"
	"github.com/entrhq/browserd/pkg/types"
)

func TestService_CreateValidates(t *testing.T) {
	f := newFixture(t, ServiceOptions{})

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing user", CreateRequest{Task: "t"}},
		{"missing task", CreateRequest{UserID: "u"}},
		{"blank task", CreateRequest{UserID: "u", Task: "   "}},
		{"negative steps", CreateRequest{UserID: "u", Task: "t", MaxSteps: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestService_Launch(t *testing.T) {
	f := newFixture(t, ServiceOptions{})

	sess, err := f.svc.Create(CreateRequest{UserID: "u1", Task: "find socks", URL: "https://shop.example", MaxSteps: 4})
	require.NoError(t, err)
	assert.Equal(t, types.StateInitializing, sess.State)
	assert.Equal(t, 4, sess.MaxSteps)

	ready, err := f.svc.Launch(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, ready.SessionID)
	assert.Equal(t, types.StateAIControl, ready.Session.State)
	assert.Empty(t, ready.StreamURL)
	assert.True(t, f.streams.isStarted(sess.ID))
	assert.Zero(t, f.agent.runCount())
}

func TestService_LaunchFailure(t *testing.T) {
	f := newFixture(t, ServiceOptions{})
	f.browser.launchErr = errors.New("chromium missing")

	sess, err := f.svc.Create(CreateRequest{UserID: "u1", Task: "t"})
	require.NoError(t, err)

	_, err = f.svc.Launch(context.Background(), sess.ID)
	var launchErr *browser.LaunchError
	require.ErrorAs(t, err, &launchErr)

	got, err := f.svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateError, got.State)
	assert.False(t, f.streams.isStarted(sess.ID))
}

func TestService_Autostart(t *testing.T) {
	f := newFixture(t, ServiceOptions{Autostart: true})
	sess := f.launch(t, "u1")

	require.Eventually(t, func() bool { return f.agent.Running(sess.ID) }, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, f.svc.StartRun(sess.ID), agent.ErrAlreadyRunning)
}

func TestService_Owned(t *testing.T) {
	f := newFixture(t, ServiceOptions{})
	sess := f.launch(t, "u1")

	got, err := f.svc.Owned("u1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = f.svc.Owned("u2", sess.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = f.svc.Owned("", sess.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = f.svc.Owned("u1", "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestService_List(t *testing.T) {
	f := newFixture(t, ServiceOptions{})
	f.launch(t, "u1")
	f.launch(t, "u1")
	f.launch(t, "u2")

	got, err := f.svc.List("u1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = f.svc.List("")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 3, f.svc.ActiveCount())
}

func TestService_Control(t *testing.T) {
	f := newFixture(t, ServiceOptions{})
	sess := f.launch(t, "u1")

	state, err := f.svc.Control(sess.ID, string(types.ControlTakeControl), false)
	require.NoError(t, err)
	assert.Equal(t, types.StateUserControl, state)

	_, err = f.svc.Control(sess.ID, string(types.ControlTakeControl), false)
	assert.ErrorIs(t, err, ErrNotAllowed)

	state, err = f.svc.Control(sess.ID, string(types.ControlPause), false)
	require.NoError(t, err)
	assert.Equal(t, types.StatePaused, state)

	state, err = f.svc.Control(sess.ID, string(types.ControlResume), true)
	require.NoError(t, err)
	assert.Equal(t, types.StateUserControl, state)

	state, err = f.svc.Control(sess.ID, string(types.ControlReturnControl), false)
	require.NoError(t, err)
	assert.Equal(t, types.StateAIControl, state)

	_, err = f.svc.Control(sess.ID, "dance", false)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = f.svc.Control("missing", string(types.ControlPause), false)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestService_BrowserCommands(t *testing.T) {
	f := newFixture(t, ServiceOptions{})
	sess := f.launch(t, "u1")
	ctx := context.Background()

	step, err := f.svc.Navigate(ctx, sess.ID, "https://shop.example")
	require.NoError(t, err)
	assert.Equal(t, 1, step.Step)

	_, err = f.svc.Navigate(ctx, sess.ID, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Navigate(ctx, sess.ID, "https://blocked.example")
	assert.ErrorIs(t, err, browser.ErrNavigationDenied)

	step, err = f.svc.ExecuteStep(ctx, sess.ID, "Check cart", "")
	require.NoError(t, err)
	assert.Equal(t, "Check cart", step.Action)

	_, err = f.svc.ExecuteStep(ctx, sess.ID, "", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	shot, err := f.svc.Screenshot(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, testShot, shot)

	_, err = f.svc.Screenshot(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	got, err := f.svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 3)
	assert.Equal(t, types.StepFailed, got.Steps[1].Status)
}

func TestService_BrowserCommandsFollowControl(t *testing.T) {
	f := newFixture(t, ServiceOptions{})
	sess := f.launch(t, "u1")
	ctx := context.Background()

	require.True(t, f.reg.TakeControl(sess.ID))
	_, err := f.svc.ExecuteStep(ctx, sess.ID, "Check cart", "")
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.ErrorIs(t, err, browser.ErrNotInControl)
	_, err = f.svc.Navigate(ctx, sess.ID, "https://shop.example")
	require.NoError(t, err, "the user drives during USER_CONTROL")

	require.True(t, f.reg.Pause(sess.ID))
	_, err = f.svc.ExecuteStep(ctx, sess.ID, "Check cart", "")
	assert.ErrorIs(t, err, ErrNotAllowed)
	_, err = f.svc.Navigate(ctx, sess.ID, "https://shop.example/cart")
	assert.ErrorIs(t, err, ErrNotAllowed)

	got, err := f.svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)
}

func TestService_StartRunRejectsTerminal(t *testing.T) {
	f := newFixture(t, ServiceOptions{})
	sess := f.launch(t, "u1")
	require.NoError(t, f.svc.End(sess.ID))

	assert.ErrorIs(t, f.svc.StartRun(sess.ID), ErrNotAllowed)
	assert.ErrorIs(t, f.svc.StartRun("missing"), session.ErrSessionNotFound)
}

func TestService_End(t *testing.T) {
	f := newFixture(t, ServiceOptions{})
	sess := f.launch(t, "u1")

	require.NoError(t, f.svc.StartRun(sess.ID))
	require.Eventually(t, func() bool { return f.agent.Running(sess.ID) }, 5*time.Second, time.Millisecond)

	require.NoError(t, f.svc.End(sess.ID))
	assert.False(t, f.agent.Running(sess.ID))
	assert.False(t, f.streams.isStarted(sess.ID))
	assert.Equal(t, []string{sess.ID}, f.browser.closed)

	got, err := f.svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, got.State)

	// Ending twice is harmless.
	require.NoError(t, f.svc.End(sess.ID))
	assert.ErrorIs(t, f.svc.End("missing"), session.ErrSessionNotFound)
}

func TestService_CloseStopsRuns(t *testing.T) {
	f := newFixture(t, ServiceOptions{})
	sess := f.launch(t, "u1")

	require.NoError(t, f.svc.StartRun(sess.ID))
	require.Eventually(t, func() bool { return f.agent.Running(sess.ID) }, 5*time.Second, time.Millisecond)

	f.svc.Close()
	assert.False(t, f.agent.Running(sess.ID))
}
