package history

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/db"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/room"
)

const defaultQueueSize = 256

// Persistence side of the recorder
type Store interface {
	OpenRoomSession(roomID string, openedAt time.Time) (int64, error)
	CloseRoomSession(s db.RoomSession) error
}

type event struct {
	opened   bool
	roomID   string
	lifetime uint64
	at       time.Time
	summary  room.Summary
}

// Recorder writes room lifecycle events to a Store from a single worker
// goroutine. It implements room.Observer; callbacks never block on the
// database, and events that do not fit in the queue are dropped.
type Recorder struct {
	store  Store
	log    logrus.FieldLogger
	events chan event
	stop   chan struct{}
	wg     sync.WaitGroup

	// Open session row per room lifetime. Owned by the worker.
	rows map[uint64]int64

	mu      sync.Mutex
	dropped int
	stopped bool
}

func NewRecorder(store Store, log logrus.FieldLogger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Recorder{
		store:  store,
		log:    log.WithField("component", "history"),
		events: make(chan event, queueSize),
		stop:   make(chan struct{}),
		rows:   make(map[uint64]int64),
	}
}

func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
	r.log.Info("History recorder started")
}

// Drains queued events, then returns
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()
	r.log.WithField("dropped", r.Dropped()).Info("History recorder stopped")
}

func (r *Recorder) RoomOpened(roomID string, lifetime uint64, at time.Time) {
	r.enqueue(event{opened: true, roomID: roomID, lifetime: lifetime, at: at})
}

func (r *Recorder) RoomClosed(summary room.Summary) {
	r.enqueue(event{roomID: summary.RoomID, lifetime: summary.Lifetime, at: summary.ClosedAt, summary: summary})
}

// Number of events discarded because the queue was full or the recorder stopped
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) enqueue(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		r.dropped++
		return
	}
	select {
	case r.events <- e:
	default:
		r.dropped++
		r.log.WithField("room_id", e.roomID).Warn("History queue full, dropping event")
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		select {
		case e := <-r.events:
			r.write(e)
		case <-r.stop:
			for {
				select {
				case e := <-r.events:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e event) {
	log := r.log.WithField("room_id", e.roomID)

	if e.opened {
		id, err := r.store.OpenRoomSession(e.roomID, e.at)
		if err != nil {
			log.WithError(err).Error("Failed to record room open")
			return
		}
		r.rows[e.lifetime] = id
		return
	}

	// A missing row id makes the store insert a complete row.
	id := r.rows[e.lifetime]
	delete(r.rows, e.lifetime)

	closedAt := e.summary.ClosedAt
	err := r.store.CloseRoomSession(db.RoomSession{
		ID:          id,
		RoomID:      e.summary.RoomID,
		OpenedAt:    e.summary.OpenedAt,
		ClosedAt:    &closedAt,
		PeakMembers: e.summary.PeakMembers,
		Commits:     e.summary.Commits,
		Undos:       e.summary.Undos,
		Redos:       e.summary.Redos,
		FinalPaths:  e.summary.Paths,
	})
	if err != nil {
		log.WithError(err).Error("Failed to record room close")
		return
	}
	log.WithFields(logrus.Fields{
		"commits":      e.summary.Commits,
		"peak_members": e.summary.PeakMembers,
	}).Debug("Recorded room session")
}
