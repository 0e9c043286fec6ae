package ws

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/protocol"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/room"
)

type Config struct {
	MessagesPerSecond float64
	MessageBurst      int
	// Sessions dropped for flooding more than this many times are disconnected
	MaxRateViolations int
}

func DefaultConfig() Config {
	return Config{
		MessagesPerSecond: 100,
		MessageBurst:      200,
		MaxRateViolations: 1000,
	}
}

// Hub binds sessions to rooms and fans room events out to their members.
//
// Room state lives in the registry; each room serializes its own mutations.
// Outbound frames are queued while the room lock is held, so every member
// receives events in authoritative log order.
type Hub struct {
	registry *room.Registry
	config   Config
	log      logrus.FieldLogger

	// Connected sessions by id, bound or not
	sessions map[string]*Client
	mu       sync.RWMutex
}

func NewHub(registry *room.Registry, config Config, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		registry: registry,
		config:   config,
		log:      log.WithField("component", "hub"),
		sessions: make(map[string]*Client),
	}
}

func (h *Hub) Registry() *room.Registry { return h.registry }

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.sessions[c.id] = c
	total := len(h.sessions)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"session_id": c.id, "sessions": total}).Info("Session connected")
	c.enqueueEvent(protocol.EventConnected, protocol.UserEvent{UserID: c.id})
}

// Tears a session down exactly once: removes it from every room and tells the
// remaining members before it leaves the session table. GetClientCount
// reaching zero therefore implies every room close has been observed.
func (h *Hub) unregister(c *Client) {
	c.unregisterOnce.Do(func() {
		evicted := h.registry.OnDisconnect(c.id, func(tx *room.Tx) {
			remaining := tx.MemberCount()
			if remaining == 0 {
				return
			}
			h.fanout(tx, c.id, protocol.EventUserLeft, protocol.MembershipEvent{
				UserID:    c.id,
				UserCount: remaining,
			})
		})

		c.closeSend()

		h.mu.Lock()
		delete(h.sessions, c.id)
		h.mu.Unlock()

		log := h.log.WithField("session_id", c.id)
		for _, id := range evicted {
			log.WithField("room_id", id).Info("Room closed (empty)")
		}
		log.Info("Session disconnected")
	})
}

func (h *Hub) lookup(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.sessions[id]
	return c, ok
}

// Queues an event for every member of the room except `except`.
// Must be called from inside a room callback.
func (h *Hub) fanout(tx *room.Tx, except string, event protocol.EventType, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("Failed to encode event")
		return
	}

	for _, id := range tx.Members() {
		if id == except {
			continue
		}
		if c, ok := h.lookup(id); ok {
			c.enqueue(frame)
		}
	}
}

// Number of live rooms
func (h *Hub) GetRoomCount() int {
	return h.registry.Len()
}

// Number of connected sessions, bound or not
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Member counts of the live rooms keyed by room id
func (h *Hub) GetActiveRooms() map[string]int {
	rooms := h.registry.Rooms()
	result := make(map[string]int, len(rooms))
	for _, r := range rooms {
		result[r.ID] = r.MemberCount()
	}
	return result
}

// Closes every connection. Each session's read loop then unregisters it.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.sessions))
	for _, c := range h.sessions {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeConn()
	}
	h.log.WithField("sessions", len(clients)).Info("Closed all sessions")
}
