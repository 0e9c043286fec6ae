package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/protocol"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// One live connection. A session starts unbound and binds to a single room
// on its first successful join; the binding lasts for the connection's life.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	id    string
	send  chan []byte
	guard *ratelimit.Guard
	log   logrus.FieldLogger

	roomMu sync.RWMutex
	roomID string

	sendMu     sync.Mutex
	sendClosed bool

	unregisterOnce sync.Once
	closeOnce      sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		id:    id,
		send:  make(chan []byte, sendBufferSize),
		guard: ratelimit.NewGuard(hub.config.MessagesPerSecond, hub.config.MessageBurst, hub.config.MaxRateViolations),
		log:   hub.log.WithField("session_id", id),
	}
}

// Upgrades the request and starts the session's pumps.
// An optional ?room= query parameter joins that room right away.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.WithError(err).Warn("Upgrade failed")
		return
	}

	client := newClient(hub, conn, uuid.NewString())
	hub.register(client)

	if roomID := r.URL.Query().Get("room"); roomID != "" {
		hub.join(client, roomID)
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) ID() string { return c.id }

// Room the session is bound to, empty while unbound
func (c *Client) RoomID() string {
	c.roomMu.RLock()
	defer c.roomMu.RUnlock()
	return c.roomID
}

func (c *Client) bind(roomID string) {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	c.roomID = roomID
}

// Queues a frame without blocking. A session whose buffer is full is
// disconnected rather than allowed to stall the room.
func (c *Client) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("Send buffer full, disconnecting slow session")
		c.closeConn()
		return false
	}
}

func (c *Client) enqueueEvent(event protocol.EventType, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.log.WithError(err).WithField("event", event).Error("Failed to encode event")
		return false
	}
	return c.enqueue(frame)
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error")
			}
			return
		}

		switch c.guard.Check() {
		case ratelimit.Drop:
			if n := c.guard.Violations(); n%100 == 1 {
				c.log.WithFields(logrus.Fields{
					"room_id":    c.RoomID(),
					"violations": n,
				}).Warn("Rate limit exceeded")
			}
			continue
		case ratelimit.Disconnect:
			c.log.WithField("violations", c.guard.Violations()).Warn("Disconnecting session for excessive rate limit violations")
			return
		}

		c.hub.handleMessage(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Debug("Write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
