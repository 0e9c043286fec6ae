package ws

import (
	"github.com/sirupsen/logrus"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/protocol"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/room"
)

// Translates one inbound frame into room operations. Requests that cannot
// apply (unbound session, unknown room, malformed payload) are dropped and
// logged; nothing is reported back to the sender.
func (h *Hub) handleMessage(c *Client, message []byte) {
	env, err := protocol.Decode(message)
	if err != nil {
		c.log.WithError(err).Debug("Dropping undecodable message")
		return
	}
	if !protocol.IsClientEvent(env.Type) {
		c.log.WithField("event", env.Type).Debug("Dropping server-only event from client")
		return
	}

	switch env.Type {
	case protocol.EventPing:
		c.enqueueEvent(protocol.EventPong, nil)

	case protocol.EventJoinRoom:
		roomID, err := protocol.DecodeRoomID(env)
		if err != nil {
			c.log.WithError(err).Debug("Dropping join")
			return
		}
		h.join(c, roomID)

	case protocol.EventDraw:
		req, err := protocol.DecodeData[protocol.DrawRequest](env)
		if err != nil {
			c.log.WithError(err).Debug("Dropping draw")
			return
		}
		h.commit(c, req)

	case protocol.EventUndo, protocol.EventRedo:
		roomID, err := protocol.DecodeRoomID(env)
		if err != nil {
			c.log.WithError(err).Debugf("Dropping %s", env.Type)
			return
		}
		if env.Type == protocol.EventUndo {
			h.undo(c, roomID)
		} else {
			h.redo(c, roomID)
		}

	case protocol.EventCursorMove:
		req, err := protocol.DecodeData[protocol.CursorRequest](env)
		if err != nil {
			c.log.WithError(err).Debug("Dropping cursor move")
			return
		}
		h.cursorMove(c, req)
	}
}

// Binds an unbound session to roomID, creating the room if needed. The
// joiner receives the snapshot and everyone else the new member count,
// both queued under the room lock so no commit can slip in between.
func (h *Hub) join(c *Client, roomID string) {
	log := c.log.WithField("room_id", roomID)

	if !protocol.ValidRoomID(roomID) {
		log.Debug("Dropping join for invalid room id")
		return
	}
	if bound := c.RoomID(); bound != "" {
		log.WithField("bound_room_id", bound).Debug("Dropping join: session already bound")
		return
	}

	var members int
	h.registry.Join(roomID, c.id, func(tx *room.Tx) {
		members = tx.MemberCount()
		c.enqueueEvent(protocol.EventRoomState, protocol.RoomState{Paths: tx.Snapshot()})
		h.fanout(tx, c.id, protocol.EventUserJoined, protocol.MembershipEvent{
			UserID:    c.id,
			UserCount: members,
		})
	})
	c.bind(roomID)

	log.WithField("members", members).Info("Session joined room")
}

// Resolves the room a bound session may act on. requested must be empty or
// match the bound room.
func (h *Hub) boundRoom(c *Client, requested string, event protocol.EventType) (*room.Room, bool) {
	log := c.log.WithFields(logrus.Fields{"event": event, "room_id": requested})

	bound := c.RoomID()
	if bound == "" {
		log.Debug("Dropping event from unbound session")
		return nil, false
	}
	if requested != "" && requested != bound {
		log.WithField("bound_room_id", bound).Debug("Dropping event for a room the session is not bound to")
		return nil, false
	}

	r, ok := h.registry.Get(bound)
	if !ok {
		log.Debug("Dropping event for unknown room")
		return nil, false
	}
	return r, true
}

func (h *Hub) commit(c *Client, req protocol.DrawRequest) {
	r, ok := h.boundRoom(c, req.RoomID, protocol.EventDraw)
	if !ok {
		return
	}

	path := req.Path
	path.AuthorID = c.id
	if err := path.Validate(); err != nil {
		c.log.WithError(err).Debug("Dropping invalid path")
		return
	}

	r.Do(func(tx *room.Tx) {
		if !tx.HasMember(c.id) {
			return
		}
		tx.Commit(path)
		h.fanout(tx, c.id, protocol.EventDraw, protocol.DrawEvent{UserID: c.id, Path: path})
	})
}

func (h *Hub) undo(c *Client, roomID string) {
	r, ok := h.boundRoom(c, roomID, protocol.EventUndo)
	if !ok {
		return
	}

	r.Do(func(tx *room.Tx) {
		if !tx.HasMember(c.id) {
			return
		}
		if _, ok := tx.Undo(c.id); !ok {
			c.log.Debug("Nothing to undo")
			return
		}
		h.fanout(tx, "", protocol.EventUndoPath, protocol.UserEvent{UserID: c.id})
	})
}

func (h *Hub) redo(c *Client, roomID string) {
	r, ok := h.boundRoom(c, roomID, protocol.EventRedo)
	if !ok {
		return
	}

	r.Do(func(tx *room.Tx) {
		if !tx.HasMember(c.id) {
			return
		}
		if _, ok := tx.Redo(c.id); !ok {
			c.log.Debug("Nothing to redo")
			return
		}
		h.fanout(tx, "", protocol.EventRedoPath, protocol.UserEvent{UserID: c.id})
	})
}

// Cursor positions are relayed, never logged into the room's drawing log
func (h *Hub) cursorMove(c *Client, req protocol.CursorRequest) {
	r, ok := h.boundRoom(c, req.RoomID, protocol.EventCursorMove)
	if !ok {
		return
	}

	r.Do(func(tx *room.Tx) {
		if !tx.HasMember(c.id) {
			return
		}
		h.fanout(tx, c.id, protocol.EventCursorMove, protocol.CursorEvent{UserID: c.id, X: req.X, Y: req.Y})
	})
}
