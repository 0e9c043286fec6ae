package room

import (
	"sort"
	"sync"
	"time"
)

// Receives room lifecycle events. Calls are made with the registry lock held,
// so a lifetime is always reported open before it is reported closed. A new
// lifetime of the same id may open before the previous one is reported
// closed. Implementations must not block or call back into the registry.
type Observer interface {
	RoomOpened(roomID string, lifetime uint64, at time.Time)
	RoomClosed(summary Summary)
}

type Option func(*Registry)

func WithObserver(o Observer) Option {
	return func(g *Registry) {
		g.observer = o
	}
}

// Process-wide mapping of room id to Room. Rooms are created lazily on first
// join and evicted the instant their member set becomes empty.
//
// The registry lock only guards the map. Lock order is registry, then room.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	observer Observer
	// Last lifetime handed out
	lifetime uint64
}

func NewRegistry(opts ...Option) *Registry {
	g := &Registry{
		rooms: make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Returns the live room for id, creating it if absent. A closed room still
// awaiting removal is replaced, so callers never receive a dead room.
func (g *Registry) GetOrCreate(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.rooms[roomID]; ok && !r.Closed() {
		return r
	}
	g.lifetime++
	r := NewRoom(roomID)
	r.Lifetime = g.lifetime
	g.rooms[roomID] = r

	if g.observer != nil {
		g.observer.RoomOpened(roomID, r.Lifetime, r.openedAt)
	}
	return r
}

// Looks up a live room without creating one
func (g *Registry) Get(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok || r.Closed() {
		return nil, false
	}
	return r, true
}

// Adds userID to the room, creating the room if needed. fn, when non-nil,
// runs under the room lock right after the member is added.
func (g *Registry) Join(roomID, userID string, fn func(tx *Tx)) *Room {
	for {
		r := g.GetOrCreate(roomID)
		joined := r.Do(func(tx *Tx) {
			tx.Join(userID)
			if fn != nil {
				fn(tx)
			}
		})
		if joined {
			return r
		}
		// Lost a race with eviction; GetOrCreate will hand out a fresh room.
	}
}

// Removes userID from the room and evicts it if it is left empty.
// fn runs under the room lock only when userID was actually a member.
func (g *Registry) Leave(roomID, userID string, fn func(tx *Tx)) bool {
	r, ok := g.Get(roomID)
	if !ok {
		return false
	}
	return g.leave(r, userID, fn)
}

// Removes userID from every room and evicts the rooms left empty.
// Returns the ids of the evicted rooms.
func (g *Registry) OnDisconnect(userID string, fn func(tx *Tx)) []string {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	var evicted []string
	for _, r := range rooms {
		if g.leave(r, userID, fn) {
			evicted = append(evicted, r.ID)
		}
	}
	return evicted
}

func (g *Registry) leave(r *Room, userID string, fn func(tx *Tx)) bool {
	emptied := false
	r.Do(func(tx *Tx) {
		if !tx.Leave(userID) {
			return
		}
		emptied = tx.MemberCount() == 0
		if fn != nil {
			fn(tx)
		}
	})
	if emptied {
		g.evict(r)
	}
	return emptied
}

func (g *Registry) evict(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rooms[r.ID] == r {
		delete(g.rooms, r.ID)
	}
	if g.observer != nil {
		g.observer.RoomClosed(r.Summary())
	}
}

// Number of live rooms
func (g *Registry) Len() int {
	return len(g.Rooms())
}

// Returns the live rooms ordered by id
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		if !r.Closed() {
			rooms = append(rooms, r)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}
