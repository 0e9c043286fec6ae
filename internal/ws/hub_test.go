package ws

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/protocol"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/room"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestHub() *Hub {
	return NewHub(room.NewRegistry(), DefaultConfig(), quietLogger())
}

// Registers a connection-less session and consumes its connected event
func connect(t *testing.T, h *Hub, id string) *Client {
	t.Helper()
	c := newClient(h, nil, id)
	h.register(c)

	env := next(t, c)
	require.Equal(t, protocol.EventConnected, env.Type)
	return c
}

func send(t *testing.T, h *Hub, c *Client, event protocol.EventType, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	h.handleMessage(c, frame)
}

func next(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatalf("session %s received nothing", c.id)
		return protocol.Envelope{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("session %s got unexpected frame %s", c.id, frame)
	default:
	}
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	v, err := protocol.DecodeData[T](env)
	require.NoError(t, err)
	return v
}

func path(id string, pts ...room.Point) room.Path {
	if len(pts) == 0 {
		pts = []room.Point{{X: 1, Y: 1}}
	}
	return room.Path{ID: id, Points: pts, Color: "#000", Width: 2, Tool: room.ToolBrush}
}

// Joins each session to roomID and drains the join traffic
func joinAll(t *testing.T, h *Hub, roomID string, clients ...*Client) {
	t.Helper()
	for i, c := range clients {
		send(t, h, c, protocol.EventJoinRoom, roomID)
		require.Equal(t, protocol.EventRoomState, next(t, c).Type)
		for _, other := range clients[:i] {
			require.Equal(t, protocol.EventUserJoined, next(t, other).Type)
		}
	}
}

func TestHubCreation(t *testing.T) {
	hub := newTestHub()
	require.NotNil(t, hub)
	assert.NotNil(t, hub.sessions)
	assert.Equal(t, 0, hub.GetRoomCount())
	assert.Equal(t, 0, hub.GetClientCount())
	assert.Empty(t, hub.GetActiveRooms())
}

func TestJoinSendsSnapshotAndMembership(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	b := connect(t, h, "B")

	send(t, h, a, protocol.EventJoinRoom, "r1")
	state := decode[protocol.RoomState](t, next(t, a))
	assert.Empty(t, state.Paths)
	assert.Equal(t, "r1", a.RoomID())

	send(t, h, a, protocol.EventDraw, protocol.DrawRequest{RoomID: "r1", Path: path("p1")})

	send(t, h, b, protocol.EventJoinRoom, "r1")
	env := next(t, b)
	require.Equal(t, protocol.EventRoomState, env.Type)
	state = decode[protocol.RoomState](t, env)
	require.Len(t, state.Paths, 1)
	assert.Equal(t, "p1", state.Paths[0].ID)
	assert.Equal(t, "A", state.Paths[0].AuthorID)

	env = next(t, a)
	require.Equal(t, protocol.EventUserJoined, env.Type)
	joined := decode[protocol.MembershipEvent](t, env)
	assert.Equal(t, "B", joined.UserID)
	assert.Equal(t, 2, joined.UserCount)

	assertSilent(t, b)
	assert.Equal(t, map[string]int{"r1": 2}, h.GetActiveRooms())
}

func TestDrawBroadcastToOthersOnly(t *testing.T) {
	h := newTestHub()
	a, b, c := connect(t, h, "A"), connect(t, h, "B"), connect(t, h, "C")
	joinAll(t, h, "r1", a, b, c)

	p := path("p1", room.Point{X: 0, Y: 0}, room.Point{X: 5, Y: 5})
	p.AuthorID = "spoofed"
	send(t, h, a, protocol.EventDraw, protocol.DrawRequest{RoomID: "r1", Path: p})

	for _, peer := range []*Client{b, c} {
		env := next(t, peer)
		require.Equal(t, protocol.EventDraw, env.Type)
		ev := decode[protocol.DrawEvent](t, env)
		assert.Equal(t, "A", ev.UserID)
		assert.Equal(t, "p1", ev.Path.ID)
		assert.Equal(t, "A", ev.Path.AuthorID, "author is always the session")
		assert.Len(t, ev.Path.Points, 2)
	}
	assertSilent(t, a)

	r, ok := h.registry.Get("r1")
	require.True(t, ok)
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "A", snap[0].AuthorID)
}

func TestUndoRedoNotifyEveryone(t *testing.T) {
	h := newTestHub()
	a, b := connect(t, h, "A"), connect(t, h, "B")
	joinAll(t, h, "r1", a, b)

	send(t, h, a, protocol.EventDraw, protocol.DrawRequest{RoomID: "r1", Path: path("p1")})
	next(t, b)
	send(t, h, b, protocol.EventDraw, protocol.DrawRequest{RoomID: "r1", Path: path("p2")})
	next(t, a)

	send(t, h, a, protocol.EventUndo, "r1")
	for _, peer := range []*Client{a, b} {
		env := next(t, peer)
		require.Equal(t, protocol.EventUndoPath, env.Type)
		assert.Equal(t, "A", decode[protocol.UserEvent](t, env).UserID)
	}

	r, _ := h.registry.Get("r1")
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "p2", snap[0].ID)

	send(t, h, a, protocol.EventRedo, "r1")
	for _, peer := range []*Client{a, b} {
		env := next(t, peer)
		require.Equal(t, protocol.EventRedoPath, env.Type)
		assert.Equal(t, "A", decode[protocol.UserEvent](t, env).UserID)
	}

	snap = r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "p2", snap[0].ID)
	assert.Equal(t, "p1", snap[1].ID)
}

func TestNoopUndoRedoAreSilent(t *testing.T) {
	h := newTestHub()
	a, b := connect(t, h, "A"), connect(t, h, "B")
	joinAll(t, h, "r1", a, b)

	send(t, h, a, protocol.EventUndo, "r1")
	send(t, h, a, protocol.EventRedo, "r1")

	assertSilent(t, a)
	assertSilent(t, b)
}

func TestUnboundSessionEventsDropped(t *testing.T) {
	h := newTestHub()
	a, b := connect(t, h, "A"), connect(t, h, "B")
	joinAll(t, h, "r1", a)

	send(t, h, b, protocol.EventDraw, protocol.DrawRequest{RoomID: "r1", Path: path("x")})
	send(t, h, b, protocol.EventUndo, "r1")
	send(t, h, b, protocol.EventRedo, "r1")
	send(t, h, b, protocol.EventCursorMove, protocol.CursorRequest{RoomID: "r1", X: 1, Y: 2})

	assertSilent(t, a)
	assertSilent(t, b)
	r, _ := h.registry.Get("r1")
	assert.Empty(t, r.Snapshot())
}

func TestForeignRoomAndInvalidEventsDropped(t *testing.T) {
	h := newTestHub()
	a, b := connect(t, h, "A"), connect(t, h, "B")
	joinAll(t, h, "r1", a, b)

	send(t, h, a, protocol.EventDraw, protocol.DrawRequest{RoomID: "r2", Path: path("x")})
	send(t, h, a, protocol.EventDraw, protocol.DrawRequest{RoomID: "r1", Path: room.Path{ID: "empty"}})
	send(t, h, a, protocol.EventRoomState, protocol.RoomState{})
	h.handleMessage(a, []byte("not json"))
	h.handleMessage(a, []byte(`{"type":"draw","data":"oops"}`))

	assertSilent(t, a)
	assertSilent(t, b)
	_, ok := h.registry.Get("r2")
	assert.False(t, ok, "events never create rooms")
}

func TestRebindingNotSupported(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")
	joinAll(t, h, "r1", a)

	send(t, h, a, protocol.EventJoinRoom, "r2")
	assertSilent(t, a)
	assert.Equal(t, "r1", a.RoomID())
	_, ok := h.registry.Get("r2")
	assert.False(t, ok)
}

func TestInvalidRoomIDIgnored(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")

	send(t, h, a, protocol.EventJoinRoom, "bad room id!")
	assertSilent(t, a)
	assert.Empty(t, a.RoomID())
	assert.Equal(t, 0, h.GetRoomCount())
}

func TestCursorMoveRelayed(t *testing.T) {
	h := newTestHub()
	a, b := connect(t, h, "A"), connect(t, h, "B")
	joinAll(t, h, "r1", a, b)

	send(t, h, a, protocol.EventCursorMove, protocol.CursorRequest{RoomID: "r1", X: 10, Y: 20})

	env := next(t, b)
	require.Equal(t, protocol.EventCursorMove, env.Type)
	ev := decode[protocol.CursorEvent](t, env)
	assert.Equal(t, protocol.CursorEvent{UserID: "A", X: 10, Y: 20}, ev)
	assertSilent(t, a)

	r, _ := h.registry.Get("r1")
	assert.Empty(t, r.Snapshot())
}

func TestPingPong(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "A")

	send(t, h, a, protocol.EventPing, nil)
	assert.Equal(t, protocol.EventPong, next(t, a).Type)
}

func TestDisconnectLifecycle(t *testing.T) {
	h := newTestHub()
	a, b := connect(t, h, "A"), connect(t, h, "B")
	joinAll(t, h, "r1", a, b)
	send(t, h, a, protocol.EventDraw, protocol.DrawRequest{RoomID: "r1", Path: path("p1")})
	next(t, b)

	h.unregister(b)
	h.unregister(b)

	env := next(t, a)
	require.Equal(t, protocol.EventUserLeft, env.Type)
	left := decode[protocol.MembershipEvent](t, env)
	assert.Equal(t, "B", left.UserID)
	assert.Equal(t, 1, left.UserCount)
	assertSilent(t, a)

	_, ok := <-b.send
	assert.False(t, ok, "send channel closed on unregister")
	assert.False(t, b.enqueue([]byte("late")))

	r, ok := h.registry.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 1, r.MemberCount())

	h.unregister(a)
	_, ok = h.registry.Get("r1")
	assert.False(t, ok, "room evicted once empty")
	assert.Equal(t, 0, h.GetClientCount())

	c := connect(t, h, "C")
	send(t, h, c, protocol.EventJoinRoom, "r1")
	state := decode[protocol.RoomState](t, next(t, c))
	assert.Empty(t, state.Paths, "rejoining an evicted room starts empty")
}

func TestLateJoinerSeesAuthoritativeState(t *testing.T) {
	h := newTestHub()
	a, b := connect(t, h, "A"), connect(t, h, "B")
	joinAll(t, h, "r1", a, b)

	send(t, h, a, protocol.EventDraw, protocol.DrawRequest{Path: path("p1")})
	send(t, h, b, protocol.EventDraw, protocol.DrawRequest{Path: path("p2")})
	send(t, h, a, protocol.EventUndo, nil)
	send(t, h, a, protocol.EventRedo, nil)

	late := connect(t, h, "L")
	send(t, h, late, protocol.EventJoinRoom, "r1")
	state := decode[protocol.RoomState](t, next(t, late))
	require.Len(t, state.Paths, 2)
	assert.Equal(t, "p2", state.Paths[0].ID)
	assert.Equal(t, "p1", state.Paths[1].ID)
}

func TestSlowConsumerDoesNotBlockRoom(t *testing.T) {
	h := newTestHub()
	a, b := connect(t, h, "A"), connect(t, h, "B")
	joinAll(t, h, "r1", a, b)

	for i := 0; i < sendBufferSize+10; i++ {
		send(t, h, a, protocol.EventDraw, protocol.DrawRequest{Path: path(fmt.Sprintf("p%d", i))})
	}

	assert.Len(t, b.send, sendBufferSize)
	r, _ := h.registry.Get("r1")
	assert.Len(t, r.Snapshot(), sendBufferSize+10)
}

func TestPeersObserveCommitOrder(t *testing.T) {
	h := newTestHub()
	watcher := connect(t, h, "W")
	authors := make([]*Client, 4)
	for i := range authors {
		authors[i] = connect(t, h, fmt.Sprintf("author-%d", i))
	}
	joinAll(t, h, "r1", append([]*Client{watcher}, authors...)...)

	var wg sync.WaitGroup
	for i, c := range authors {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				frame, _ := protocol.Encode(protocol.EventDraw, protocol.DrawRequest{Path: path(fmt.Sprintf("a%d-%d", i, n))})
				h.handleMessage(c, frame)
			}
		}(i, c)
	}
	wg.Wait()

	r, _ := h.registry.Get("r1")
	snap := r.Snapshot()
	require.Len(t, snap, 200)

	for _, p := range snap {
		env := next(t, watcher)
		require.Equal(t, protocol.EventDraw, env.Type)
		assert.Equal(t, p.ID, decode[protocol.DrawEvent](t, env).Path.ID)
	}
}
