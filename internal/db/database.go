package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// In-memory DSN; history then lives only as long as the process
const MemoryDSN = ":memory:"

// Activity history of rooms. Only lifecycle metadata is stored here,
// never the drawing itself.
type Database struct {
	db *sql.DB
}

// One room lifetime, from first join to eviction
type RoomSession struct {
	ID          int64      `json:"id"`
	RoomID      string     `json:"room_id"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	PeakMembers int        `json:"peak_members"`
	Commits     int        `json:"commits"`
	Undos       int        `json:"undos"`
	Redos       int        `json:"redos"`
	FinalPaths  int        `json:"final_paths"`
}

type Stats struct {
	TotalSessions int `json:"total_sessions"`
	OpenSessions  int `json:"open_sessions"`
	TotalCommits  int `json:"total_commits"`
}

func New(dsn string) (*Database, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}

	memory := dsn == MemoryDSN || strings.Contains(dsn, "mode=memory")
	if !memory && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER,
		peak_members INTEGER NOT NULL DEFAULT 0,
		commits INTEGER NOT NULL DEFAULT 0,
		undos INTEGER NOT NULL DEFAULT 0,
		redos INTEGER NOT NULL DEFAULT 0,
		final_paths INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_room_sessions_room_id ON room_sessions(room_id);
	CREATE INDEX IF NOT EXISTS idx_room_sessions_closed_at ON room_sessions(closed_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Records that a room came into existence
func (d *Database) OpenRoomSession(roomID string, openedAt time.Time) (int64, error) {
	result, err := d.db.Exec(
		"INSERT INTO room_sessions (room_id, opened_at) VALUES (?, ?)",
		roomID, toMillis(openedAt),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// Completes the session row s.ID. When s.ID is zero or names no open row,
// for example because the open event was never recorded, a complete row is
// inserted instead.
func (d *Database) CloseRoomSession(s RoomSession) error {
	if s.ClosedAt == nil {
		return fmt.Errorf("close room session %s: missing closed_at", s.RoomID)
	}

	if s.ID != 0 {
		result, err := d.db.Exec(`
			UPDATE room_sessions
			SET closed_at = ?, peak_members = ?, commits = ?, undos = ?, redos = ?, final_paths = ?
			WHERE id = ? AND room_id = ? AND closed_at IS NULL
		`, toMillis(*s.ClosedAt), s.PeakMembers, s.Commits, s.Undos, s.Redos, s.FinalPaths, s.ID, s.RoomID)
		if err != nil {
			return err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}
	}

	_, err := d.db.Exec(`
		INSERT INTO room_sessions (room_id, opened_at, closed_at, peak_members, commits, undos, redos, final_paths)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.RoomID, toMillis(s.OpenedAt), toMillis(*s.ClosedAt), s.PeakMembers, s.Commits, s.Undos, s.Redos, s.FinalPaths)
	return err
}

// Closes sessions left open by a previous process
func (d *Database) CloseAbandonedSessions(at time.Time) (int64, error) {
	result, err := d.db.Exec(
		"UPDATE room_sessions SET closed_at = ? WHERE closed_at IS NULL",
		toMillis(at),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const sessionColumns = "id, room_id, opened_at, closed_at, peak_members, commits, undos, redos, final_paths"

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (RoomSession, error) {
	var s RoomSession
	var opened int64
	var closed sql.NullInt64
	err := row.Scan(&s.ID, &s.RoomID, &opened, &closed, &s.PeakMembers, &s.Commits, &s.Undos, &s.Redos, &s.FinalPaths)
	if err != nil {
		return s, err
	}
	s.OpenedAt = fromMillis(opened)
	if closed.Valid {
		t := fromMillis(closed.Int64)
		s.ClosedAt = &t
	}
	return s, nil
}

// Lists sessions, newest first
func (d *Database) ListRoomSessions(limit, offset int) ([]RoomSession, error) {
	rows, err := d.db.Query(
		"SELECT "+sessionColumns+" FROM room_sessions ORDER BY id DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]RoomSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Lists the sessions of one room id, newest first
func (d *Database) GetRoomSessions(roomID string, limit, offset int) ([]RoomSession, error) {
	rows, err := d.db.Query(
		"SELECT "+sessionColumns+" FROM room_sessions WHERE room_id = ? ORDER BY id DESC LIMIT ? OFFSET ?",
		roomID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]RoomSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Deletes closed sessions that ended before cutoff
func (d *Database) PruneClosedBefore(cutoff time.Time) (int64, error) {
	result, err := d.db.Exec(
		"DELETE FROM room_sessions WHERE closed_at IS NOT NULL AND closed_at < ?",
		toMillis(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *Database) GetStats() (Stats, error) {
	var stats Stats
	err := d.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN closed_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(commits), 0)
		FROM room_sessions
	`).Scan(&stats.TotalSessions, &stats.OpenSessions, &stats.TotalCommits)
	return stats, err
}
