package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/entrhq/browserd/pkg/events"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/stream"
	"github.com/entrhq/browserd/pkg/types"
)

// Envelope is the wire format of every socket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	// DefaultMessagesPerSecond is the inbound command rate per connection.
	DefaultMessagesPerSecond = 20

	// DefaultMessageBurst is the inbound command burst per connection.
	DefaultMessageBurst = 40

	// sendBuffer is how many outbound messages may queue per connection
	// before new ones are dropped.
	sendBuffer = 256

	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
)

// ConnMetrics receives socket connection counts.
type ConnMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
}

// HubOptions configures a Hub.
type HubOptions struct {
	// Origins are host patterns accepted on upgrade. Empty allows only
	// same-host requests.
	Origins []string

	MessagesPerSecond float64
	MessageBurst      int

	Metrics ConnMetrics
}

// Hub accepts socket connections, dispatches their commands and fans
// server events out to rooms.
type Hub struct {
	service *Service
	opts    HubOptions

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn

	handlers map[string]command
	logger   *logging.Logger
}

// NewHub creates a Hub serving service.
func NewHub(service *Service, opts HubOptions) *Hub {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = DefaultMessageBurst
	}
	h := &Hub{
		service: service,
		opts:    opts,
		conns:   make(map[string]*Conn),
		rooms:   make(map[string]map[string]*Conn),
		logger:  logging.NewLogger("hub"),
	}
	h.handlers = h.commandHandlers()
	return h
}

func userRoom(id string) string    { return "user:" + id }
func sessionRoom(id string) string { return "session:" + id }

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.Origins,
	})
	if err != nil {
		h.logger.Warnf("Socket upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	c := &Conn{
		id:      ulid.Make().String(),
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.MessageBurst),
		rooms:   make(map[string]struct{}),
		cancel:  cancel,
		logger:  h.logger,
	}

	h.register(c)
	defer h.unregister(c)

	go c.writeLoop(ctx)
	c.readLoop(ctx, h)
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()

	if h.opts.Metrics != nil {
		h.opts.Metrics.ConnectionOpened()
	}
	h.logger.Infof("Client connected: %s (%d open)", c.id, n)
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for room := range c.joined() {
		h.leaveLocked(c, room)
	}
	h.mu.Unlock()

	c.cancel()
	c.ws.CloseNow()

	if h.opts.Metrics != nil {
		h.opts.Metrics.ConnectionClosed()
	}
	h.logger.Infof("Client disconnected: %s", c.id)
}

// Join adds c to room.
func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.id] = c
	c.addRoom(room)
}

// Leave removes c from room.
func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Conn, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	c.removeRoom(room)
}

// Broadcast sends one event to every member of the given rooms. A
// connection in several of the rooms receives it once.
func (h *Hub) Broadcast(event string, data any, rooms ...string) {
	msg, err := encode(event, data)
	if err != nil {
		h.logger.Errorf("Failed to encode %s: %v", event, err)
		return
	}

	h.mu.RLock()
	targets := make(map[string]*Conn)
	for _, room := range rooms {
		for id, c := range h.rooms[room] {
			targets[id] = c
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
}

// Connections is the number of open sockets.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Observe relays registry, browser, agent and frame events to rooms. The
// returned function unsubscribes from all of them.
func (h *Hub) Observe(
	sessions *events.Bus[*types.SessionEvent],
	browsers *events.Bus[*types.BrowserEvent],
	agents *events.Bus[*types.AgentEvent],
	frames *events.Bus[*stream.Frame],
) func() {
	unsubs := []func(){
		sessions.Subscribe(h.onSessionEvent),
		browsers.Subscribe(h.onBrowserEvent),
		agents.Subscribe(h.onAgentEvent),
		frames.Subscribe(h.onFrame),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

func (h *Hub) onSessionEvent(e *types.SessionEvent) {
	room := sessionRoom(e.SessionID)

	switch e.Type {
	case types.SessionEventCreated:
		h.Broadcast("session:created", e.Session, userRoom(e.UserID))
	case types.SessionEventStateChanged:
		h.Broadcast("session:state_changed", struct {
			SessionID string      `json:"sessionId"`
			State     types.State `json:"state"`
			Previous  types.State `json:"previous"`
		}{e.SessionID, e.Current, e.Previous}, room, userRoom(e.UserID))
	case types.SessionEventStep:
		h.Broadcast("session:step", struct {
			SessionID string      `json:"sessionId"`
			Step      *types.Step `json:"step"`
		}{e.SessionID, e.Step}, room)
	case types.SessionEventControlChanged:
		h.Broadcast("session:control_changed", struct {
			SessionID  string           `json:"sessionId"`
			Controller types.Controller `json:"controller"`
		}{e.SessionID, e.Controller}, room)
	case types.SessionEventTakeoverRequested:
		h.Broadcast("session:takeover_requested", struct {
			SessionID string `json:"sessionId"`
			Reason    string `json:"reason"`
		}{e.SessionID, e.Reason}, room, userRoom(e.UserID))
	case types.SessionEventError:
		h.Broadcast("session:error", struct {
			SessionID string `json:"sessionId"`
			Error     string `json:"error"`
		}{e.SessionID, e.Reason}, room)
	case types.SessionEventCompleted:
		h.Broadcast("session:completed", sessionRef{e.SessionID}, room)
	case types.SessionEventPaused:
		h.Broadcast("session:paused", sessionRef{e.SessionID}, room)
	case types.SessionEventResumed:
		h.Broadcast("session:resumed", struct {
			SessionID  string           `json:"sessionId"`
			Controller types.Controller `json:"controller"`
		}{e.SessionID, e.Controller}, room)
	case types.SessionEventDeleted:
		h.Broadcast("session:ended", sessionRef{e.SessionID}, room)
	}
}

func (h *Hub) onBrowserEvent(e *types.BrowserEvent) {
	if e.Type != types.BrowserEventNavigated {
		return
	}
	h.Broadcast("session:navigated", struct {
		SessionID string `json:"sessionId"`
		URL       string `json:"url"`
	}{e.SessionID, e.URL}, sessionRoom(e.SessionID))
}

type agentProgress struct {
	SessionID  string          `json:"sessionId"`
	Step       int             `json:"step,omitempty"`
	Decision   *types.Decision `json:"decision,omitempty"`
	Message    string          `json:"message,omitempty"`
	Screenshot string          `json:"screenshot,omitempty"`
	DurationMS int64           `json:"durationMs,omitempty"`
}

func (h *Hub) onAgentEvent(e *types.AgentEvent) {
	h.Broadcast("agent:"+string(e.Type), agentProgress{
		SessionID:  e.SessionID,
		Step:       e.Step,
		Decision:   e.Decision,
		Message:    e.Message,
		Screenshot: e.Screenshot,
		DurationMS: e.Duration.Milliseconds(),
	}, sessionRoom(e.SessionID))
}

func (h *Hub) onFrame(f *stream.Frame) {
	h.Broadcast("session:frame", struct {
		SessionID  string `json:"sessionId"`
		Screenshot string `json:"screenshot"`
	}{f.SessionID, f.Data}, sessionRoom(f.SessionID))
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
