package replica

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/protocol"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/room"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/ws"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startServer(t *testing.T) (string, *ws.Hub, *httptest.Server) {
	t.Helper()
	hub := ws.NewHub(room.NewRegistry(), ws.DefaultConfig(), quietLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub, srv
}

func dialRoom(t *testing.T, url, roomID string, opts Options) *Conn {
	t.Helper()
	if opts.Log == nil {
		opts.Log = quietLogger()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, roomID, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	select {
	case <-c.Joined():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room state")
	}
	return c
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
	errs     []error
}

func (s *statusLog) record(st Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
	s.errs = append(s.errs, err)
}

func (s *statusLog) snapshot() ([]Status, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.statuses...), append([]error(nil), s.errs...)
}

func TestConnSharesDrawingWithPeers(t *testing.T) {
	url, _, _ := startServer(t)

	a := dialRoom(t, url, "board", Options{})
	b := dialRoom(t, url, "board", Options{})
	require.NotEqual(t, a.UserID(), b.UserID())

	require.NoError(t, a.Draw(path("p1", "")))
	require.NoError(t, b.Draw(path("p2", "")))

	converged := func(want ...string) func() bool {
		return func() bool {
			return assert.ObjectsAreEqual(want, ids(a.Paths())) && assert.ObjectsAreEqual(want, ids(b.Paths()))
		}
	}
	assert.Eventually(t, func() bool {
		return len(a.Paths()) == 2 && len(b.Paths()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Undo())
	assert.Eventually(t, converged("p2"), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Redo())
	assert.Eventually(t, func() bool {
		return len(a.Paths()) == 2 && len(b.Paths()) == 2 && a.Paths()[1].ID == "p1" && b.Paths()[1].ID == "p1"
	}, 2*time.Second, 10*time.Millisecond)

	for _, p := range b.Paths() {
		if p.ID == "p1" {
			assert.Equal(t, a.UserID(), p.AuthorID)
		}
	}
}

func serverPaths(hub *ws.Hub, roomID string) []string {
	r, ok := hub.Registry().Get(roomID)
	if !ok {
		return nil
	}
	return ids(r.Snapshot())
}

// Waits for a pong. The server answers in order, so every event it sent in
// response to earlier requests has been applied by then.
func settle(t *testing.T, c *Conn, pongs <-chan struct{}) {
	t.Helper()
	require.NoError(t, c.Ping())
	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}
}

func pongOptions() (Options, chan struct{}) {
	pongs := make(chan struct{}, 8)
	return Options{OnPong: func() { pongs <- struct{}{} }}, pongs
}

func TestDrawBeforeRoomState(t *testing.T) {
	url, hub, _ := startServer(t)
	opts, pongs := pongOptions()
	opts.Log = quietLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a, err := Dial(ctx, url, "board", opts)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.Draw(path("p1", "")))
	<-a.Joined()
	settle(t, a, pongs)

	assert.Equal(t, []string{"p1"}, serverPaths(hub, "board"))
	assert.Equal(t, []string{"p1"}, ids(a.Paths()))
}

func TestUndoThenDrawKeepsNewPath(t *testing.T) {
	url, hub, _ := startServer(t)
	opts, pongs := pongOptions()
	a := dialRoom(t, url, "board", opts)
	b := dialRoom(t, url, "board", Options{})

	require.NoError(t, a.Draw(path("p1", "")))
	assert.Eventually(t, func() bool { return len(b.Paths()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Undo())
	require.NoError(t, a.Draw(path("p2", "")))
	settle(t, a, pongs)

	assert.Equal(t, []string{"p2"}, serverPaths(hub, "board"))
	assert.Equal(t, []string{"p2"}, ids(a.Paths()))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"p2"}, ids(b.Paths()))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedoThenDrawKeepsBothPaths(t *testing.T) {
	url, hub, _ := startServer(t)
	opts, pongs := pongOptions()
	a := dialRoom(t, url, "board", opts)
	b := dialRoom(t, url, "board", Options{})

	require.NoError(t, a.Draw(path("p1", "")))
	require.NoError(t, a.Undo())
	settle(t, a, pongs)
	require.Empty(t, a.Paths())

	require.NoError(t, a.Redo())
	require.NoError(t, a.Draw(path("p2", "")))
	settle(t, a, pongs)

	want := []string{"p1", "p2"}
	assert.Equal(t, want, serverPaths(hub, "board"))
	assert.Equal(t, want, ids(a.Paths()))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ids(b.Paths()))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLateJoinerReceivesSnapshot(t *testing.T) {
	url, hub, _ := startServer(t)

	a := dialRoom(t, url, "board", Options{})
	require.NoError(t, a.Draw(path("p1", "")))
	require.NoError(t, a.Draw(path("p2", "")))
	assert.Eventually(t, func() bool {
		r, ok := hub.Registry().Get("board")
		return ok && len(r.Snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	r := &recordingRenderer{}
	late := dialRoom(t, url, "board", Options{Renderer: r})
	assert.Equal(t, []string{"p1", "p2"}, ids(late.Paths()))
	assert.Equal(t, []string{"p1", "p2"}, ids(r.last()))
}

func TestConnCallbacks(t *testing.T) {
	url, _, _ := startServer(t)

	var mu sync.Mutex
	var cursors []protocol.CursorEvent
	var membership []protocol.EventType
	pongs := make(chan struct{}, 1)

	a := dialRoom(t, url, "board", Options{
		OnCursor: func(ev protocol.CursorEvent) {
			mu.Lock()
			cursors = append(cursors, ev)
			mu.Unlock()
		},
		OnMembership: func(event protocol.EventType, ev protocol.MembershipEvent) {
			mu.Lock()
			membership = append(membership, event)
			mu.Unlock()
		},
		OnPong: func() { pongs <- struct{}{} },
	})
	b := dialRoom(t, url, "board", Options{})

	require.NoError(t, b.CursorMove(3, 4))
	require.NoError(t, a.Ping())
	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}

	require.NoError(t, b.Close())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cursors) == 1 && len(membership) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, b.UserID(), cursors[0].UserID)
	assert.Equal(t, 3.0, cursors[0].X)
	assert.Equal(t, []protocol.EventType{protocol.EventUserJoined, protocol.EventUserLeft}, membership)
}

func TestStatusOnServerLoss(t *testing.T) {
	url, hub, _ := startServer(t)
	statuses := &statusLog{}

	c := dialRoom(t, url, "board", Options{OnStatus: statuses.record})
	hub.CloseAll()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}

	got, errs := statuses.snapshot()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, got)
	assert.Error(t, errs[2])

	assert.ErrorIs(t, c.Draw(path("late", "")), ErrClosed)
	assert.Empty(t, c.Paths())
}

func TestCloseReportsCleanDisconnect(t *testing.T) {
	url, hub, _ := startServer(t)
	statuses := &statusLog{}

	c := dialRoom(t, url, "board", Options{OnStatus: statuses.record})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	got, errs := statuses.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, StatusDisconnected, got[2])
	assert.NoError(t, errs[2])

	assert.Eventually(t, func() bool { return hub.GetRoomCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDialRejectsBadInput(t *testing.T) {
	url, _, _ := startServer(t)

	_, err := Dial(context.Background(), url, "bad room", Options{Log: quietLogger()})
	assert.Error(t, err)

	statuses := &statusLog{}
	_, err = Dial(context.Background(), "ws://127.0.0.1:1/ws", "board", Options{Log: quietLogger(), OnStatus: statuses.record})
	assert.Error(t, err)
	got, _ := statuses.snapshot()
	assert.Equal(t, []Status{StatusConnecting, StatusDisconnected}, got)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}
