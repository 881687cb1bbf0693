package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"auctiond/kv"
	"auctiond/observability"
)

// Hub tracks which clients watch which auction room and fans events out to
// them. With a pub/sub bridge attached, broadcasts travel through the shared
// channel so every gateway instance delivers them; without one, delivery is
// local only.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	bridge  *kv.PubSub
	metrics *observability.GatewayMetrics
}

// NewHub builds a hub. bridge may be nil for single-instance deployments and
// tests.
func NewHub(bridge *kv.PubSub, metrics *observability.GatewayMetrics) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*client]struct{}),
		bridge:  bridge,
		metrics: metrics,
	}
}

// Run consumes bridge envelopes until the context is cancelled. No-op
// without a bridge.
func (h *Hub) Run(ctx context.Context) {
	if h.bridge == nil {
		return
	}
	h.bridge.Listen(ctx, h.deliver)
}

// Broadcast sends one event to every watcher of the room, across instances
// when bridged. Bridge trouble degrades to local delivery rather than
// dropping the event.
func (h *Hub) Broadcast(ctx context.Context, room string, msg ServerMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		slog.Error("broadcast encode failed", "type", msg.Type, "error", err)
		return
	}
	if h.bridge != nil {
		if err := h.bridge.Publish(ctx, room, raw); err == nil {
			return
		} else {
			slog.Warn("broadcast bridge publish failed, delivering locally", "room", room, "error", err)
		}
	}
	h.deliver(room, raw)
}

// Send writes one event to a single client.
func (h *Hub) Send(c *client, msg ServerMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		slog.Error("send encode failed", "type", msg.Type, "error", err)
		return
	}
	c.enqueue(raw)
}

func (h *Hub) deliver(room string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		c.enqueue(payload)
	}
}

// join adds the client to a room and returns the new watcher count.
func (h *Hub) join(room string, c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.addRoom(room)
	return len(members)
}

// leave removes the client from a room and returns the remaining watcher
// count.
func (h *Hub) leave(room string, c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(room, c)
}

// leaveAll removes a disconnecting client from every room, returning the
// affected rooms with their remaining watcher counts.
func (h *Hub) leaveAll(c *client) map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	remaining := make(map[string]int)
	for _, room := range c.roomList() {
		remaining[room] = h.leaveLocked(room, c)
	}
	return remaining
}

func (h *Hub) leaveLocked(room string, c *client) int {
	members := h.rooms[room]
	delete(members, c)
	c.removeRoom(room)
	if len(members) == 0 {
		delete(h.rooms, room)
		return 0
	}
	return len(members)
}

// watchers returns the current room size.
func (h *Hub) watchers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
