// Package discoveryaudit persists a read-only audit trail of discovery-graph
// transitions (participant seen, endpoint matched/unmatched, lease expired)
// for operational diagnostics. It is not a durable sample history — only a
// log of discovery events for the diagnostics API to surface.
//
// SQLite via modernc.org/sqlite, opened with a WAL-mode DSN; schema
// migrations run through golang-migrate/v4's iofs source against an
// embedded migrations directory.
package discoveryaudit

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// EventType enumerates the discovery-graph transitions this audit trail
// records (match/unmatch triggers and SPDP lease expiry).
type EventType string

const (
	EventParticipantSeen EventType = "participant_seen"
	EventEndpointMatched EventType = "endpoint_matched"
	EventEndpointUnmatched EventType = "endpoint_unmatched"
	EventLeaseExpired EventType = "lease_expired"
)

// Event is one row of the discovery_events table.
type Event struct {
	ID int64 `json:"id"`
	Type EventType `json:"event_type"`
	GUID string `json:"guid"`
	Detail string `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DB wraps a SQLite connection dedicated to the discovery audit trail.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the audit database at path and runs migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("discoveryaudit: open database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)

	db := &DB{conn: conn}
	if err := db.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("discoveryaudit: migrate: %w", err)
	}
	return db, nil
}

func (db *DB) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(db.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("up: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error { return db.conn.Close() }

// Health checks database connectivity.
func (db *DB) Health() error { return db.conn.Ping() }

// Record appends one discovery event to the audit trail. Failure here is
// logged and dropped by callers — the audit trail is a diagnostics aid,
// not a path any protocol correctness invariant depends on.
func (db *DB) Record(eventType EventType, guid, detail string) error {
	_, err := db.conn.Exec(
		`INSERT INTO discovery_events (event_type, guid, detail) VALUES (?, ?, ?)`,
		string(eventType), guid, detail,
	)
	if err != nil {
		return fmt.Errorf("discoveryaudit: record %s: %w", eventType, err)
	}
	return nil
}

// Recent returns the most recent events, newest first, capped at limit.
func (db *DB) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.Query(
		`SELECT id, event_type, guid, detail, occurred_at FROM discovery_events
		 ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("discoveryaudit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var eventType, occurredAt string
		if err := rows.Scan(&e.ID, &eventType, &e.GUID, &e.Detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("discoveryaudit: scan event: %w", err)
		}
		e.Type = EventType(eventType)
		if t, err := time.Parse("2006-01-02 15:04:05", occurredAt); err == nil {
			e.OccurredAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ByGUID returns every event recorded for a given entity/participant GUID,
// newest first.
func (db *DB) ByGUID(guid string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.Query(
		`SELECT id, event_type, guid, detail, occurred_at FROM discovery_events
		 WHERE guid = ? ORDER BY id DESC LIMIT ?`, guid, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("discoveryaudit: query by guid: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var eventType, occurredAt string
		if err := rows.Scan(&e.ID, &eventType, &e.GUID, &e.Detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("discoveryaudit: scan event: %w", err)
		}
		e.Type = EventType(eventType)
		if t, err := time.Parse("2006-01-02 15:04:05", occurredAt); err == nil {
			e.OccurredAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
