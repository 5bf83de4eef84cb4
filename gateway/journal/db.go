// Package journal persists gateway session events (tickles, failures,
// re-inits, logouts) to SQLite so session health can be inspected after the
// fact.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ibkrgo/gateway-session/gateway"
)

// Kind classifies a journal event.
type Kind string

const (
	KindTickle  Kind = "tickle"
	KindFailure Kind = "failure"
	KindReinit  Kind = "reinit"
	KindLogout  Kind = "logout"
)

// recorded_at is stored in UTC with fixed-width nanoseconds so that string
// ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Event is one row of the journal.
type Event struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Operation     string    `json:"operation"`
	Authenticated bool      `json:"authenticated"`
	Session       string    `json:"session,omitempty"`
	SSOExpires    int64     `json:"sso_expires,omitempty"`
	Collision     bool      `json:"collision,omitempty"`
	Message       string    `json:"message,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// DB provides SQLite persistence for session events.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// OpenDB opens (or creates) the SQLite database at path and ensures tables exist.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS session_events (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL CHECK(kind IN ('tickle','failure','reinit','logout')),
    operation     TEXT NOT NULL,
    authenticated INTEGER NOT NULL DEFAULT 0,
    session       TEXT NOT NULL DEFAULT '',
    sso_expires   INTEGER NOT NULL DEFAULT 0,
    collision     INTEGER NOT NULL DEFAULT 0,
    message       TEXT NOT NULL DEFAULT '',
    recorded_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_recorded_at ON session_events(recorded_at);`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db, now: time.Now}, nil
}

// Record inserts ev, filling in ID and RecordedAt when unset.
func (d *DB) Record(ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = d.now()
	}
	_, err := d.db.Exec(`INSERT INTO session_events
		(id, kind, operation, authenticated, session, sso_expires, collision, message, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		ev.ID, string(ev.Kind), ev.Operation, boolToInt(ev.Authenticated), ev.Session,
		ev.SSOExpires, boolToInt(ev.Collision), ev.Message, ev.RecordedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// RecordTickle journals a successful keepalive.
func (d *DB) RecordTickle(resp *gateway.TickleResponse) error {
	return d.Record(&Event{
		Kind:          KindTickle,
		Operation:     gateway.OpTickle,
		Authenticated: resp.Authenticated(),
		Session:       resp.Session,
		SSOExpires:    resp.SSOExpires,
		Collision:     resp.Collision,
	})
}

// RecordFailure journals a failed call.
func (d *DB) RecordFailure(operation string, callErr error) error {
	return d.Record(&Event{
		Kind:      KindFailure,
		Operation: operation,
		Message:   callErr.Error(),
	})
}

// RecordReinit journals a successful session re-initialization.
func (d *DB) RecordReinit(resp *gateway.InitSessionResponse) error {
	return d.Record(&Event{
		Kind:          KindReinit,
		Operation:     gateway.OpInitSession,
		Authenticated: resp.Authenticated,
		Message:       resp.Message,
	})
}

// RecordLogout journals the end of a session.
func (d *DB) RecordLogout(resp *gateway.LogoutResponse) error {
	return d.Record(&Event{
		Kind:          KindLogout,
		Operation:     gateway.OpLogout,
		Authenticated: false,
		Message:       fmt.Sprintf("status=%t", resp.Status),
	})
}

// Recent returns up to limit events, newest first.
func (d *DB) Recent(limit int) ([]*Event, error) {
	rows, err := d.db.Query(`SELECT id, kind, operation, authenticated, session, sso_expires,
		collision, message, recorded_at FROM session_events ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			ev          Event
			kind        string
			authI       int
			collisionI  int
			recordedAtS string
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Operation, &authI, &ev.Session, &ev.SSOExpires,
			&collisionI, &ev.Message, &recordedAtS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.Authenticated = authI != 0
		ev.Collision = collisionI != 0
		ev.RecordedAt, err = time.Parse(timeLayout, recordedAtS)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Prune deletes events recorded before cutoff and returns how many went.
func (d *DB) Prune(cutoff time.Time) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM session_events WHERE recorded_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
