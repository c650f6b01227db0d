package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/entrhq/browserd/pkg/logging"
)

// Conn is one client socket.
type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	cancel  context.CancelFunc
	logger  *logging.Logger

	mu     sync.Mutex
	userID string
	rooms  map[string]struct{}
}

// ID returns the connection's ULID.
func (c *Conn) ID() string {
	return c.id
}

// UserID returns the authenticated user, or "".
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) setUser(id string) (previous string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, c.userID = c.userID, id
	return previous
}

func (c *Conn) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Conn) joined() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make(map[string]struct{}, len(c.rooms))
	for r := range c.rooms {
		rooms[r] = struct{}{}
	}
	return rooms
}

// InRoom reports whether c is a member of room.
func (c *Conn) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// enqueue queues msg without blocking. Messages for a client that cannot
// keep up are dropped.
func (c *Conn) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.logger.Debugf("Dropping message for slow client %s", c.id)
	}
}

// Emit sends one event to this connection only.
func (c *Conn) Emit(event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		c.logger.Errorf("Failed to encode %s: %v", event, err)
		return
	}
	c.enqueue(msg)
}

type errorMessage struct {
	Message string `json:"message"`
}

// EmitError reports a failed command to this connection.
func (c *Conn) EmitError(err error) {
	c.Emit("error", errorMessage{Message: err.Error()})
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.logger.Debugf("Write to %s failed: %v", c.id, err)
				c.cancel()
				return
			}
		}
	}
}

var errRateLimited = errors.New("rate limit exceeded")

func (c *Conn) readLoop(ctx context.Context, h *Hub) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				c.logger.Debugf("Read from %s ended: %v", c.id, err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.EmitError(errors.New("binary messages are not supported"))
			continue
		}
		if !c.limiter.Allow() {
			c.EmitError(errRateLimited)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.EmitError(errors.New("malformed message"))
			continue
		}
		h.dispatch(ctx, c, env)
	}
}
