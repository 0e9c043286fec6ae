package room

import "time"

// Log entry metadata kept beside the immutable path
type Entry struct {
	Path        Path
	CommittedAt time.Time
	RedoneAt    time.Time
}

// A path removed by undo, restorable by its author
type UndoRecord struct {
	Path      Path
	AuthorID  string
	RemovedAt time.Time
}

// The authoritative ordered record of committed paths for one room.
// DrawingLog is not safe for concurrent use; Room serializes access to it.
type DrawingLog struct {
	entries []Entry
	ledger  []UndoRecord
	now     func() time.Time
}

func NewDrawingLog() *DrawingLog {
	return &DrawingLog{
		entries: make([]Entry, 0),
		ledger:  make([]UndoRecord, 0),
		now:     time.Now,
	}
}

// Appends a path and drops the author's pending undo entries, so a redo
// can never resurrect a path older than the author's newest commit.
func (l *DrawingLog) Commit(p Path) {
	l.entries = append(l.entries, Entry{Path: p.Clone(), CommittedAt: l.now()})

	kept := l.ledger[:0]
	for _, rec := range l.ledger {
		if rec.AuthorID != p.AuthorID {
			kept = append(kept, rec)
		}
	}
	for i := len(kept); i < len(l.ledger); i++ {
		l.ledger[i] = UndoRecord{}
	}
	l.ledger = kept
}

// Removes the author's most recent path still in the log.
// Scans from the tail because other authors may have committed after it.
func (l *DrawingLog) Undo(authorID string) (UndoRecord, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Path.AuthorID != authorID {
			continue
		}

		path := l.entries[i].Path
		l.entries = removeAt(l.entries, i)

		rec := UndoRecord{Path: path, AuthorID: authorID, RemovedAt: l.now()}
		l.ledger = append(l.ledger, rec)

		rec.Path = rec.Path.Clone()
		return rec, true
	}
	return UndoRecord{}, false
}

// Restores the author's most recently undone path at the tail of the log
func (l *DrawingLog) Redo(authorID string) (Path, bool) {
	for i := len(l.ledger) - 1; i >= 0; i-- {
		if l.ledger[i].AuthorID != authorID {
			continue
		}

		rec := l.ledger[i]
		l.ledger = removeAt(l.ledger, i)

		now := l.now()
		l.entries = append(l.entries, Entry{Path: rec.Path, CommittedAt: now, RedoneAt: now})
		return rec.Path.Clone(), true
	}
	return Path{}, false
}

// Deletes s[i] and clears the vacated tail slot so the backing array does
// not keep the removed points alive
func removeAt[T any](s []T, i int) []T {
	last := len(s) - 1
	copy(s[i:], s[i+1:])
	var zero T
	s[last] = zero
	return s[:last]
}

// Returns the committed paths in authoritative order
func (l *DrawingLog) Snapshot() []Path {
	paths := make([]Path, len(l.entries))
	for i, e := range l.entries {
		paths[i] = e.Path.Clone()
	}
	return paths
}

// Returns a copy of the log entries with their metadata
func (l *DrawingLog) Entries() []Entry {
	entries := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		e.Path = e.Path.Clone()
		entries[i] = e
	}
	return entries
}

// Returns a copy of the undo ledger, oldest first
func (l *DrawingLog) Ledger() []UndoRecord {
	ledger := make([]UndoRecord, len(l.ledger))
	for i, rec := range l.ledger {
		rec.Path = rec.Path.Clone()
		ledger[i] = rec
	}
	return ledger
}

func (l *DrawingLog) Len() int { return len(l.entries) }

func (l *DrawingLog) LedgerLen() int { return len(l.ledger) }
