package replica

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/protocol"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/room"
)

const writeWait = 10 * time.Second

var ErrClosed = errors.New("connection closed")

type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type Options struct {
	Renderer Renderer
	Dialer   *websocket.Dialer
	Log      logrus.FieldLogger

	// Connectivity changes; err is set when the connection was lost
	OnStatus     func(status Status, err error)
	OnCursor     func(ev protocol.CursorEvent)
	OnMembership func(event protocol.EventType, ev protocol.MembershipEvent)
	OnPong       func()
}

// Conn is a participant's connection to one room. Inbound room events are
// applied to its Replica; transport failures only change its status.
type Conn struct {
	ws      *websocket.Conn
	roomID  string
	userID  string
	replica *Replica
	opts    Options
	log     logrus.FieldLogger

	writeMu sync.Mutex

	joined     chan struct{}
	joinedOnce sync.Once
	done       chan struct{}
	closeOnce  sync.Once
	closing    chan struct{}
}

// Dial connects to url, learns the session id, and joins roomID. It returns
// once the join request is sent; Joined reports when the snapshot arrived.
// Drawing before then is allowed.
func Dial(ctx context.Context, url, roomID string, opts Options) (*Conn, error) {
	if !protocol.ValidRoomID(roomID) {
		return nil, fmt.Errorf("dial %s: invalid room id %q", url, roomID)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	c := &Conn{
		roomID:  roomID,
		replica: New(opts.Renderer),
		opts:    opts,
		log:     opts.Log.WithFields(logrus.Fields{"component": "replica", "room_id": roomID}),
		joined:  make(chan struct{}),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	c.status(StatusConnecting, nil)

	ws, _, err := opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.status(StatusDisconnected, err)
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.ws = ws

	userID, err := c.awaitConnected(ctx)
	if err != nil {
		ws.Close()
		c.status(StatusDisconnected, err)
		return nil, err
	}
	c.userID = userID
	c.replica.SetSelf(userID)
	c.log = c.log.WithField("session_id", userID)

	if err := c.send(protocol.EventJoinRoom, roomID); err != nil {
		ws.Close()
		c.status(StatusDisconnected, err)
		return nil, fmt.Errorf("join %s: %w", roomID, err)
	}

	c.status(StatusConnected, nil)
	go c.readLoop()
	return c, nil
}

// The server greets every session with its id before anything else
func (c *Conn) awaitConnected(ctx context.Context) (string, error) {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	defer c.ws.SetReadDeadline(time.Time{})

	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("await connected: %w", err)
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		return "", fmt.Errorf("await connected: %w", err)
	}
	if env.Type != protocol.EventConnected {
		return "", fmt.Errorf("await connected: unexpected %s", env.Type)
	}
	ev, err := protocol.DecodeData[protocol.UserEvent](env)
	if err != nil {
		return "", fmt.Errorf("await connected: %w", err)
	}
	return ev.UserID, nil
}

func (c *Conn) UserID() string { return c.userID }

func (c *Conn) RoomID() string { return c.roomID }

func (c *Conn) Replica() *Replica { return c.replica }

func (c *Conn) Paths() []room.Path { return c.replica.Paths() }

// Closed when the read loop exits
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed once the room snapshot has been applied
func (c *Conn) Joined() <-chan struct{} { return c.joined }

// Commits p locally and sends it to the room
func (c *Conn) Draw(p room.Path) error {
	if c.isDone() {
		return ErrClosed
	}
	p.AuthorID = c.userID
	if err := p.Validate(); err != nil {
		return err
	}
	p = c.replica.CommitLocal(p)
	return c.send(protocol.EventDraw, protocol.DrawRequest{RoomID: c.roomID, Path: p})
}

// Undo and Redo apply to the replica at once. The server's notification
// for our own session is ignored when it comes back.
func (c *Conn) Undo() error {
	if c.isDone() {
		return ErrClosed
	}
	c.replica.UndoLocal()
	return c.send(protocol.EventUndo, c.roomID)
}

func (c *Conn) Redo() error {
	if c.isDone() {
		return ErrClosed
	}
	c.replica.RedoLocal()
	return c.send(protocol.EventRedo, c.roomID)
}

func (c *Conn) CursorMove(x, y float64) error {
	return c.send(protocol.EventCursorMove, protocol.CursorRequest{RoomID: c.roomID, X: x, Y: y})
}

func (c *Conn) Ping() error {
	return c.send(protocol.EventPing, nil)
}

// Closes the connection and waits for the read loop to exit
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		if cerr := c.ws.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	<-c.done
	return err
}

func (c *Conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) send(event protocol.EventType, payload any) error {
	if c.isDone() {
		return ErrClosed
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) readLoop() {
	var readErr error
	defer func() {
		c.ws.Close()
		select {
		case <-c.closing:
			c.status(StatusDisconnected, nil)
		default:
			c.status(StatusDisconnected, readErr)
		}
		close(c.done)
	}()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		c.handle(frame)
	}
}

func (c *Conn) handle(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.log.WithError(err).Debug("Dropping undecodable event")
		return
	}

	switch env.Type {
	case protocol.EventRoomState:
		state, err := protocol.DecodeData[protocol.RoomState](env)
		if err != nil {
			c.log.WithError(err).Warn("Dropping room state")
			return
		}
		c.replica.ApplyRoomState(state.Paths)
		c.joinedOnce.Do(func() { close(c.joined) })

	case protocol.EventDraw:
		ev, err := protocol.DecodeData[protocol.DrawEvent](env)
		if err != nil {
			c.log.WithError(err).Debug("Dropping draw")
			return
		}
		p := ev.Path
		p.AuthorID = ev.UserID
		c.replica.ApplyDraw(p)

	case protocol.EventUndoPath, protocol.EventRedoPath:
		ev, err := protocol.DecodeData[protocol.UserEvent](env)
		if err != nil {
			c.log.WithError(err).Debugf("Dropping %s", env.Type)
			return
		}
		if ev.UserID == c.userID {
			return
		}
		if env.Type == protocol.EventUndoPath {
			c.replica.ApplyUndo(ev.UserID)
		} else {
			c.replica.ApplyRedo(ev.UserID)
		}

	case protocol.EventCursorMove:
		if c.opts.OnCursor == nil {
			return
		}
		ev, err := protocol.DecodeData[protocol.CursorEvent](env)
		if err != nil {
			return
		}
		c.opts.OnCursor(ev)

	case protocol.EventUserJoined, protocol.EventUserLeft:
		if c.opts.OnMembership == nil {
			return
		}
		ev, err := protocol.DecodeData[protocol.MembershipEvent](env)
		if err != nil {
			return
		}
		c.opts.OnMembership(env.Type, ev)

	case protocol.EventPong:
		if c.opts.OnPong != nil {
			c.opts.OnPong()
		}

	default:
		c.log.WithField("event", env.Type).Debug("Ignoring event")
	}
}

func (c *Conn) status(s Status, err error) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s, err)
	}
}
