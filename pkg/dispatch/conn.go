package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"examsentry/pkg/auth"
	"examsentry/pkg/rooms"
	"examsentry/pkg/structlog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Conn is one authenticated websocket connection. The identity attached
// at the credential gate is read-only for the connection's lifetime.
// Events from one connection are processed in arrival order by its
// single read loop; delivery to the connection never blocks the
// broadcast path.
type Conn struct {
	id       string
	identity *auth.Identity
	ws       *websocket.Conn
	send     chan rooms.Message
	srv      *Server
	log      *structlog.Logger

	mu        sync.Mutex
	sessionID string // student: the joined session

	closeOnce sync.Once
	closed    chan struct{}
}

// ConnID implements rooms.Client.
func (c *Conn) ConnID() string { return c.id }

// Deliver implements rooms.Client. The message is dropped, not queued
// unboundedly, when the connection cannot keep up.
func (c *Conn) Deliver(msg rooms.Message) {
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
		c.log.Warn("send buffer full, dropping message", structlog.Fields{
			"conn_id": c.id, "type": msg.Type,
		})
	}
}

// Identity returns the connection's immutable identity facts.
func (c *Conn) Identity() *auth.Identity { return c.identity }

func (c *Conn) joinedSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) setJoinedSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// writePump serializes outbound messages onto the websocket and keeps
// the connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop decodes inbound envelopes and dispatches them in arrival
// order. It exits on any read error, triggering disconnect cleanup.
func (c *Conn) readLoop() {
	defer func() {
		c.srv.disconnect(c)
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("connection read error", structlog.Fields{"conn_id": c.id, "error": err.Error()})
			}
			return
		}
		switch c.identity.Role {
		case auth.RoleStudent:
			c.srv.dispatchStudent(c, env)
		case auth.RoleObserver:
			c.srv.dispatchObserver(c, env)
		}
	}
}

func (c *Conn) sendError(code, detail string) {
	c.Deliver(rooms.Message{Type: EventError, Data: map[string]any{
		"code":   code,
		"detail": detail,
	}})
}

func (c *Conn) sendAck(of string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["of"] = of
	c.Deliver(rooms.Message{Type: EventAck, Data: data})
}
