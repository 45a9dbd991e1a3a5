package rooms

import (
	"sync"

	"examsentry/pkg/metrics"
)

// Message is a server-initiated event fanned out to room members.
type Message struct {
	Type   string `json:"type"`
	Urgent bool   `json:"urgent,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Client receives fan-out messages. The websocket connection layer
// implements it; delivery must never block the broadcast path.
type Client interface {
	ConnID() string
	Deliver(msg Message)
}

// Hub tracks room memberships and fans messages out to members. Join
// and leave are idempotent; one client may belong to many rooms.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[Room]map[string]Client
	byConn  map[string]map[Room]bool
	bridge  *Bridge
	metrics *metrics.Metrics
}

// NewHub creates an empty hub. Bridge and metrics are optional.
func NewHub(bridge *Bridge, m *metrics.Metrics) *Hub {
	h := &Hub{
		rooms:   make(map[Room]map[string]Client),
		byConn:  make(map[string]map[Room]bool),
		bridge:  bridge,
		metrics: m,
	}
	if bridge != nil {
		bridge.onRemote = h.deliverLocal
	}
	return h
}

// Join adds the client to a room. Joining twice is a no-op.
func (h *Hub) Join(room Room, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Client)
		h.rooms[room] = members
	}
	members[c.ConnID()] = c

	joined, ok := h.byConn[c.ConnID()]
	if !ok {
		joined = make(map[Room]bool)
		h.byConn[c.ConnID()] = joined
	}
	joined[room] = true
}

// Leave removes the client from a room. Leaving an unjoined room is a
// no-op.
func (h *Hub) Leave(room Room, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c.ConnID())
}

// LeaveAll drops every membership for a connection, used on disconnect.
func (h *Hub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.byConn[connID] {
		h.leaveLocked(room, connID)
	}
	delete(h.byConn, connID)
}

func (h *Hub) leaveLocked(room Room, connID string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.byConn[connID]; ok {
		delete(joined, room)
	}
}

// Drop removes every member from a room at once, used when the room's
// backing session ends.
func (h *Hub) Drop(room Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID := range h.rooms[room] {
		if joined, ok := h.byConn[connID]; ok {
			delete(joined, room)
		}
	}
	delete(h.rooms, room)
}

// Rooms returns the rooms a connection currently belongs to.
func (h *Hub) Rooms(connID string) []Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Room, 0, len(h.byConn[connID]))
	for room := range h.byConn[connID] {
		out = append(out, room)
	}
	return out
}

// MemberCount returns the number of clients in a room.
func (h *Hub) MemberCount(room Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast delivers the message to every member of the room on this
// instance and forwards it across the bridge for members connected
// elsewhere.
func (h *Hub) Broadcast(room Room, msg Message) {
	h.deliverLocal(room, msg)
	if h.bridge != nil {
		h.bridge.publish(room, msg)
	}
}

func (h *Hub) deliverLocal(room Room, msg Message) {
	h.mu.RLock()
	members := make([]Client, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.Deliver(msg)
	}
	if h.metrics != nil && len(members) > 0 {
		h.metrics.BroadcastsSent.WithLabelValues(room.Kind.String()).Add(float64(len(members)))
	}
}
