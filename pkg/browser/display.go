package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/browserd/pkg/process"
)

// Display is a screen a browser renders on.
type Display interface {
	// Name is the X display name passed to the browser, or "" to inherit
	// the process environment.
	Name() string

	// Headless reports whether the browser must run without a window.
	Headless() bool

	// Virtual reports whether the display was created for the session and
	// can be served over VNC.
	Virtual() bool

	Release()
}

// DisplayStrategy prepares displays for sessions.
type DisplayStrategy interface {
	Name() string
	Acquire(ctx context.Context, displayNum int) (Display, error)
}

// DirectDisplay renders on whatever display the process already has, or
// headless when there is none.
type DirectDisplay struct {
	headless bool
}

// NewDirectDisplay creates a direct strategy.
func NewDirectDisplay(headless bool) *DirectDisplay {
	return &DirectDisplay{headless: headless}
}

func (d *DirectDisplay) Name() string { return "direct" }

func (d *DirectDisplay) Acquire(ctx context.Context, _ int) (Display, error) {
	return directHandle{headless: d.headless}, ctx.Err()
}

type directHandle struct {
	headless bool
}

func (h directHandle) Name() string   { return "" }
func (h directHandle) Headless() bool { return h.headless }
func (h directHandle) Virtual() bool  { return false }
func (h directHandle) Release()       {}

// VirtualDisplay starts a dedicated Xvfb server on the session's display number.
type VirtualDisplay struct {
	viewport    Viewport
	startupWait time.Duration
	command     string
}

// NewVirtualDisplay creates an Xvfb backed strategy.
func NewVirtualDisplay(viewport Viewport, startupWait time.Duration) *VirtualDisplay {
	return &VirtualDisplay{
		viewport:    viewport,
		startupWait: startupWait,
		command:     "Xvfb",
	}
}

func (v *VirtualDisplay) Name() string { return "virtual" }

func (v *VirtualDisplay) Acquire(ctx context.Context, displayNum int) (Display, error) {
	name := fmt.Sprintf(":%d", displayNum)
	screen := fmt.Sprintf("%dx%dx24", v.viewport.Width, v.viewport.Height)

	proc, err := process.Start(ctx, v.startupWait, v.command, name, "-screen", "0", screen, "-ac")
	if err != nil {
		return nil, fmt.Errorf("failed to start virtual display %s: %w", name, err)
	}
	return &virtualHandle{name: name, proc: proc}, nil
}

type virtualHandle struct {
	name string
	proc *process.Process
}

func (h *virtualHandle) Name() string   { return h.name }
func (h *virtualHandle) Headless() bool { return false }
func (h *virtualHandle) Virtual() bool  { return true }
func (h *virtualHandle) Release()       { h.proc.Stop() }

// Capabilities describes what the host offers for rendering browsers.
type Capabilities struct {
	HasDisplay bool
	HasXvfb    bool
}

// ProbeCapabilities inspects the environment once at startup.
func ProbeCapabilities(lookupEnv func(string) (string, bool), available func(string) bool) Capabilities {
	display, ok := lookupEnv("DISPLAY")
	return Capabilities{
		HasDisplay: ok && display != "",
		HasXvfb:    available("Xvfb"),
	}
}

// SelectDisplay picks a strategy for mode ("auto", "direct" or "virtual").
// In auto mode an existing display wins, then Xvfb, then headless direct.
func SelectDisplay(mode string, caps Capabilities, viewport Viewport, startupWait time.Duration) (DisplayStrategy, error) {
	switch mode {
	case "direct":
		return NewDirectDisplay(!caps.HasDisplay), nil
	case "virtual":
		if !caps.HasXvfb {
			return nil, fmt.Errorf("virtual display requested but Xvfb is not installed")
		}
		return NewVirtualDisplay(viewport, startupWait), nil
	case "auto", "":
		switch {
		case caps.HasDisplay:
			return NewDirectDisplay(false), nil
		case caps.HasXvfb:
			return NewVirtualDisplay(viewport, startupWait), nil
		default:
			return NewDirectDisplay(true), nil
		}
	}
	return nil, fmt.Errorf("unknown display mode %q", mode)
}
