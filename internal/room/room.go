package room

import (
	"sort"
	"sync"
	"time"
)

// A collaborative drawing session: one drawing log plus the connected members.
// All access to the log and member set is serialized by the room's own mutex.
type Room struct {
	ID string
	// Distinguishes successive rooms that reuse the same id
	Lifetime uint64

	mu       sync.Mutex
	log      *DrawingLog
	members  map[string]struct{}
	closed   bool
	openedAt time.Time
	closedAt time.Time
	peak     int
	commits  int
	undos    int
	redos    int
}

// Lifetime statistics reported when a room is evicted
type Summary struct {
	RoomID      string
	Lifetime    uint64
	OpenedAt    time.Time
	ClosedAt    time.Time
	PeakMembers int
	Commits     int
	Undos       int
	Redos       int
	Paths       int
}

// Point-in-time view of an active room
type Info struct {
	ID         string    `json:"id"`
	Members    int       `json:"members"`
	Paths      int       `json:"paths"`
	UndoLedger int       `json:"undo_ledger"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Creates a new room with the given ID and an empty drawing log
func NewRoom(id string) *Room {
	return &Room{
		ID:       id,
		log:      NewDrawingLog(),
		members:  make(map[string]struct{}),
		openedAt: time.Now(),
	}
}

// Tx is the exclusive view of a room handed to Do callbacks.
// It must not be retained after the callback returns.
type Tx struct {
	r *Room
}

func (tx *Tx) RoomID() string { return tx.r.ID }

// Adds a member and returns the resulting member count. Joining twice is a no-op.
func (tx *Tx) Join(userID string) int {
	tx.r.members[userID] = struct{}{}
	if n := len(tx.r.members); n > tx.r.peak {
		tx.r.peak = n
	}
	return len(tx.r.members)
}

// Removes a member. The room closes the moment its last member leaves.
func (tx *Tx) Leave(userID string) bool {
	if _, ok := tx.r.members[userID]; !ok {
		return false
	}
	delete(tx.r.members, userID)
	if len(tx.r.members) == 0 {
		tx.r.closed = true
		tx.r.closedAt = time.Now()
	}
	return true
}

func (tx *Tx) HasMember(userID string) bool {
	_, ok := tx.r.members[userID]
	return ok
}

func (tx *Tx) MemberCount() int { return len(tx.r.members) }

// Returns the member ids in a stable order
func (tx *Tx) Members() []string {
	ids := make([]string, 0, len(tx.r.members))
	for id := range tx.r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (tx *Tx) Commit(p Path) {
	tx.r.log.Commit(p)
	tx.r.commits++
}

func (tx *Tx) Undo(authorID string) (UndoRecord, bool) {
	rec, ok := tx.r.log.Undo(authorID)
	if ok {
		tx.r.undos++
	}
	return rec, ok
}

func (tx *Tx) Redo(authorID string) (Path, bool) {
	p, ok := tx.r.log.Redo(authorID)
	if ok {
		tx.r.redos++
	}
	return p, ok
}

func (tx *Tx) Snapshot() []Path { return tx.r.log.Snapshot() }

// Runs fn with exclusive access to the room. Returns false without calling fn
// when the room has already been closed.
func (r *Room) Do(fn func(tx *Tx)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	fn(&Tx{r: r})
	return true
}

// Adds a member; false if the room is closed
func (r *Room) Join(userID string) bool {
	return r.Do(func(tx *Tx) { tx.Join(userID) })
}

// Removes a member and reports whether the room is now empty
func (r *Room) Leave(userID string) bool {
	empty := true
	r.Do(func(tx *Tx) {
		tx.Leave(userID)
		empty = tx.MemberCount() == 0
	})
	return empty
}

func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) Commit(p Path) bool {
	return r.Do(func(tx *Tx) { tx.Commit(p) })
}

func (r *Room) Undo(authorID string) (rec UndoRecord, ok bool) {
	r.Do(func(tx *Tx) { rec, ok = tx.Undo(authorID) })
	return rec, ok
}

func (r *Room) Redo(authorID string) (p Path, ok bool) {
	r.Do(func(tx *Tx) { p, ok = tx.Redo(authorID) })
	return p, ok
}

// Returns a consistent copy of the committed paths
func (r *Room) Snapshot() []Path {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Snapshot()
}

// Returns a copy of the undo ledger
func (r *Room) Ledger() []UndoRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Ledger()
}

func (r *Room) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		ID:         r.ID,
		Members:    len(r.members),
		Paths:      r.log.Len(),
		UndoLedger: r.log.LedgerLen(),
		OpenedAt:   r.openedAt,
	}
}

func (r *Room) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		RoomID:      r.ID,
		Lifetime:    r.Lifetime,
		OpenedAt:    r.openedAt,
		ClosedAt:    r.closedAt,
		PeakMembers: r.peak,
		Commits:     r.commits,
		Undos:       r.undos,
		Redos:       r.redos,
		Paths:       r.log.Len(),
	}
}
