// Package db provides SQLite storage for the access change history.
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dailytasks/dailytasks-netcontrol/internal/mac"
)

// Access actions recorded in the history.
const (
	ActionAllow = "allow"
	ActionBlock = "block"
)

// DefaultListLimit caps ListEvents when no limit is given.
const DefaultListLimit = 50

// MaxListLimit is the largest page ListEvents returns.
const MaxListLimit = 500

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// AccessEvent is one allow/block attempt. The history is informational only;
// device status is never derived from it.
type AccessEvent struct {
	ID         string    `json:"id"`
	MACAddress string    `json:"macAddress"`
	Action     string    `json:"action"`
	Success    bool      `json:"success"`
	Actor      string    `json:"actor,omitempty"` // token subject
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	MACAddress string // any accepted notation; matched in canonical form
	Limit      int
}

// Open opens the SQLite database and creates tables if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Create tables
	if err := createTables(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func createTables(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS access_events (
			id TEXT PRIMARY KEY,
			mac_address TEXT NOT NULL,
			mac_canonical TEXT NOT NULL,
			action TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			actor TEXT DEFAULT '',
			remote_addr TEXT DEFAULT '',
			request_id TEXT DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_mac ON access_events(mac_canonical);
		CREATE INDEX IF NOT EXISTS idx_events_created ON access_events(created_at);
	`)
	return err
}

// RecordEvent inserts an event, filling in ID and CreatedAt when unset.
func (db *DB) RecordEvent(ctx context.Context, e *AccessEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	// Stored as text; a single zone keeps ORDER BY and PruneBefore correct.
	e.CreatedAt = e.CreatedAt.UTC()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO access_events (id, mac_address, mac_canonical, action, success, actor, remote_addr, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.MACAddress, mac.Canonical(e.MACAddress), e.Action, e.Success, e.Actor, e.RemoteAddr, e.RequestID, e.CreatedAt)
	return err
}

// ListEvents returns the newest events first.
func (db *DB) ListEvents(ctx context.Context, f EventFilter) ([]*AccessEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var rows *sql.Rows
	var err error

	if f.MACAddress != "" {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT id, mac_address, action, success, actor, remote_addr, request_id, created_at
			FROM access_events WHERE mac_canonical = ? ORDER BY created_at DESC LIMIT ?
		`, mac.Canonical(f.MACAddress), limit)
	} else {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT id, mac_address, action, success, actor, remote_addr, request_id, created_at
			FROM access_events ORDER BY created_at DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*AccessEvent
	for rows.Next() {
		e := &AccessEvent{}
		var actor, remoteAddr, requestID sql.NullString
		if err := rows.Scan(&e.ID, &e.MACAddress, &e.Action, &e.Success, &actor, &remoteAddr, &requestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		e.RemoteAddr = remoteAddr.String
		e.RequestID = requestID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneBefore deletes events older than cutoff.
func (db *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM access_events WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
