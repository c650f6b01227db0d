// Package stream relays live frames of a session's browser to clients,
// either through a VNC websocket bridge or by polling screenshots.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/events"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/process"
	"github.com/entrhq/browserd/pkg/types"
)

const (
	ModeScreenshot = "screenshot"
	ModeVNC        = "vnc"
)

// Frame is one screenshot pushed to clients.
type Frame struct {
	SessionID string
	Mode      string
	// Data is a PNG data URL.
	Data string
}

// FrameSource is a running relay for one session.
type FrameSource interface {
	Mode() string
	Stop()
}

// Browser is the part of the browser controller the manager needs.
type Browser interface {
	Screenshotter
	Display(id string) (browser.Display, bool)
}

// Options configures a Manager.
type Options struct {
	Interval    time.Duration
	VNCEnabled  bool
	StartupWait time.Duration
	PublicHost  string
	Origins     []string

	// OnRelay is called for every frame or VNC chunk sent out.
	OnRelay func(mode string)
}

// Manager runs at most one frame source per session.
type Manager struct {
	browser Browser
	opts    Options

	// vncAvailable reports whether the VNC server binary can be run.
	vncAvailable func() bool

	mu      sync.Mutex
	sources map[string]FrameSource

	bus    *events.Bus[*Frame]
	logger *logging.Logger
}

// NewManager creates a Manager.
func NewManager(b Browser, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PublicHost == "" {
		opts.PublicHost = "localhost"
	}
	return &Manager{
		browser:      b,
		opts:         opts,
		vncAvailable: func() bool { return process.Available(VNCServer) },
		sources:      make(map[string]FrameSource),
		bus:          events.NewBus[*Frame](),
		logger:       logging.NewLogger("stream"),
	}
}

// Events returns the bus screenshot frames are published on.
func (m *Manager) Events() *events.Bus[*Frame] {
	return m.bus
}

// Observe stops a session's relay when its browser closes.
func (m *Manager) Observe(bus *events.Bus[*types.BrowserEvent]) func() {
	return bus.Subscribe(func(e *types.BrowserEvent) {
		if e.Type == types.BrowserEventClosed {
			m.Stop(e.SessionID)
		}
	})
}

func (m *Manager) relayed(mode string) {
	if m.opts.OnRelay != nil {
		m.opts.OnRelay(mode)
	}
}

// Start begins relaying frames for s, replacing any running source. The
// VNC bridge is used when enabled and the session runs on a virtual
// display with x11vnc installed; screenshot polling is used otherwise or
// when the bridge fails to start.
func (m *Manager) Start(ctx context.Context, s *types.Session) (string, error) {
	m.Stop(s.ID)

	var src FrameSource
	if m.canRelayVNC(s.ID) {
		relay, err := StartVNCRelay(ctx, s.ID, RelayOptions{
			Display:     s.DisplayNum,
			VNCPort:     s.VNCPort,
			WSPort:      s.WSPort,
			StartupWait: m.opts.StartupWait,
			Origins:     m.opts.Origins,
			OnChunk:     func() { m.relayed(ModeVNC) },
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			m.logger.Warnf("VNC relay unavailable for session %s, falling back to screenshots: %v", s.ID, err)
		} else {
			src = relay
		}
	}
	if src == nil {
		src = StartScreenshotStreamer(s.ID, m.browser, m.opts.Interval, func(f *Frame) {
			m.relayed(ModeScreenshot)
			m.bus.Publish(f)
		})
	}

	m.mu.Lock()
	old := m.sources[s.ID]
	m.sources[s.ID] = src
	m.mu.Unlock()

	// A concurrent Start for the same session may have raced us.
	if old != nil {
		old.Stop()
	}
	return src.Mode(), nil
}

func (m *Manager) canRelayVNC(id string) bool {
	if !m.opts.VNCEnabled {
		return false
	}
	d, ok := m.browser.Display(id)
	if !ok || !d.Virtual() {
		return false
	}
	return m.vncAvailable()
}

// Stop ends the session's relay, reporting whether one was running.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	src, ok := m.sources[id]
	delete(m.sources, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	src.Stop()
	return true
}

// StopAll ends every relay.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sources := m.sources
	m.sources = make(map[string]FrameSource)
	m.mu.Unlock()

	for _, src := range sources {
		src.Stop()
	}
}

// Mode returns the session's relay mode, or "" when none is running.
func (m *Manager) Mode(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src, ok := m.sources[id]; ok {
		return src.Mode()
	}
	return ""
}

// StreamURL is where VNC clients connect for s. It is empty unless the
// session is relayed over VNC.
func (m *Manager) StreamURL(s *types.Session) string {
	if m.Mode(s.ID) != ModeVNC {
		return ""
	}
	return fmt.Sprintf("ws://%s:%d", m.opts.PublicHost, s.WSPort)
}
