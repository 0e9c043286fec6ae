package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/room"
)

// Represents the type of a protocol event
type EventType string

const (
	// Sent by clients
	EventJoinRoom EventType = "joinRoom"
	EventUndo     EventType = "undo"
	EventRedo     EventType = "redo"
	EventPing     EventType = "ping"

	// Sent in both directions
	EventDraw       EventType = "draw"
	EventCursorMove EventType = "cursorMove"

	// Sent by the server
	EventConnected  EventType = "connected"
	EventRoomState  EventType = "roomState"
	EventUndoPath   EventType = "undoPath"
	EventRedoPath   EventType = "redoPath"
	EventUserJoined EventType = "userJoined"
	EventUserLeft   EventType = "userLeft"
	EventPong       EventType = "pong"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrMalformed    = errors.New("malformed message")
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Every frame on the wire is a JSON envelope
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type DrawRequest struct {
	RoomID string    `json:"roomId"`
	Path   room.Path `json:"path"`
}

type CursorRequest struct {
	RoomID string  `json:"roomId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type RoomState struct {
	Paths []room.Path `json:"paths"`
}

type DrawEvent struct {
	UserID string    `json:"userId"`
	Path   room.Path `json:"path"`
}

// Payload of connected, undoPath and redoPath
type UserEvent struct {
	UserID string `json:"userId"`
}

type CursorEvent struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Payload of userJoined and userLeft
type MembershipEvent struct {
	UserID    string `json:"userId"`
	UserCount int    `json:"userCount"`
}

// Reports whether t may be sent by a client
func IsClientEvent(t EventType) bool {
	switch t {
	case EventJoinRoom, EventDraw, EventUndo, EventRedo, EventCursorMove, EventPing:
		return true
	}
	return false
}

// Reports whether t may be sent by the server
func IsServerEvent(t EventType) bool {
	switch t {
	case EventConnected, EventRoomState, EventDraw, EventUndoPath, EventRedoPath,
		EventCursorMove, EventUserJoined, EventUserLeft, EventPong:
		return true
	}
	return false
}

func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// Parses a frame into its envelope. The payload is left raw.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if len(bytes.TrimSpace(data)) == 0 {
		return env, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !IsClientEvent(env.Type) && !IsServerEvent(env.Type) {
		return env, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return env, nil
}

// Decodes an envelope payload into T
func DecodeData[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("%w: %s has no data", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return v, nil
}

// Extracts the room id from joinRoom, undo and redo payloads. Both a bare
// JSON string and an object with a roomId field are accepted.
func DecodeRoomID(env Envelope) (string, error) {
	if len(env.Data) == 0 {
		return "", nil
	}

	var id string
	if err := json.Unmarshal(env.Data, &id); err == nil {
		return id, nil
	}

	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &obj); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return obj.RoomID, nil
}

// Builds a frame for the given event and payload. A nil payload omits data.
func Encode(t EventType, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", t, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}
