package replica

import (
	"sync"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/room"
)

// Renderer draws the full path list. It is called after every change,
// outside the replica's lock.
type Renderer interface {
	Redraw(paths []room.Path)
}

type RendererFunc func(paths []room.Path)

func (f RendererFunc) Redraw(paths []room.Path) { f(paths) }

// Replica is a participant's local mirror of a room's drawing.
//
// It applies the same per-author undo and redo rules as the server's log:
// an undo notification for a user removes that user's most recent path, a
// redo restores that user's most recently undone path, and a new path from
// a user discards that user's pending redos. Remote events are applied as
// they arrive, without reconciling against the server.
//
// The replica's own draws, undos and redos take effect immediately. Those
// made before the first snapshot arrives are replayed on top of it.
type Replica struct {
	mu       sync.Mutex
	log      *room.DrawingLog
	self     string
	renderer Renderer

	synced  bool
	pending []func(*room.DrawingLog) bool
}

// renderer may be nil
func New(renderer Renderer) *Replica {
	return &Replica{
		log:      room.NewDrawingLog(),
		renderer: renderer,
	}
}

// Sets the author id used for local commits
func (r *Replica) SetSelf(userID string) {
	r.mu.Lock()
	r.self = userID
	r.mu.Unlock()
}

func (r *Replica) Self() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// Replaces local state with the server's snapshot. Local changes made before
// the first snapshot are reapplied after it, since the server orders them
// after the join.
func (r *Replica) ApplyRoomState(paths []room.Path) {
	r.update(func() bool {
		r.log = room.NewDrawingLog()
		for _, p := range paths {
			r.log.Commit(p)
		}
		for _, op := range r.pending {
			op(r.log)
		}
		r.pending = nil
		r.synced = true
		return true
	})
}

// Appends a path committed by another participant
func (r *Replica) ApplyDraw(p room.Path) {
	r.update(func() bool {
		r.log.Commit(p)
		return true
	})
}

// Appends a locally drawn path before the server has seen it. The author is
// forced to the replica's own id.
func (r *Replica) CommitLocal(p room.Path) room.Path {
	var committed room.Path
	r.local(func(l *room.DrawingLog) bool {
		p.AuthorID = r.self
		l.Commit(p)
		committed = p
		return true
	})
	return committed
}

// Undoes the replica's own most recent path without waiting for the server
func (r *Replica) UndoLocal() bool {
	return r.local(func(l *room.DrawingLog) bool {
		_, ok := l.Undo(r.self)
		return ok
	})
}

// Redoes the replica's own most recently undone path without waiting for the server
func (r *Replica) RedoLocal() bool {
	return r.local(func(l *room.DrawingLog) bool {
		_, ok := l.Redo(r.self)
		return ok
	})
}

// Removes userID's most recent path. False, with no redraw, if there is none.
func (r *Replica) ApplyUndo(userID string) bool {
	return r.update(func() bool {
		_, ok := r.log.Undo(userID)
		return ok
	})
}

// Restores userID's most recently undone path. False, with no redraw, if there is none.
func (r *Replica) ApplyRedo(userID string) bool {
	return r.update(func() bool {
		_, ok := r.log.Redo(userID)
		return ok
	})
}

func (r *Replica) Paths() []room.Path {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Snapshot()
}

// Applies a change of our own, remembering it until the first snapshot
func (r *Replica) local(op func(*room.DrawingLog) bool) bool {
	return r.update(func() bool {
		if !r.synced {
			r.pending = append(r.pending, op)
		}
		return op(r.log)
	})
}

// Runs fn under the lock and redraws when it reports a change
func (r *Replica) update(fn func() bool) bool {
	r.mu.Lock()
	changed := fn()
	var paths []room.Path
	if changed && r.renderer != nil {
		paths = r.log.Snapshot()
	}
	r.mu.Unlock()

	if paths != nil {
		r.renderer.Redraw(paths)
	}
	return changed
}
