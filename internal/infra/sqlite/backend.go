// sqlite provides a stream.Backend on SQLite via database/sql. A transaction
// per append gives the all-or-nothing guarantee, and the primary key on
// (stream_id, version) enforces optimistic concurrency as a safety net under
// the in-transaction version check.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/domain/stream"
)

const (
	// dateTimeFormat is the timestamp layout used for storage and parsing
	dateTimeFormat = "2006-01-02 15:04:05.999999"

	defaultEventsTable = "events"
)

// BackendOption is a functional option for configuring a Backend
type BackendOption func(*Backend)

// WithEventsTable sets a custom events table name
func WithEventsTable(table string) BackendOption {
	return func(b *Backend) {
		b.table = table
	}
}

// Backend is a SQLite-backed stream.Backend
type Backend struct {
	db    *sql.DB
	table string
}

func NewBackend(db *sql.DB, opts ...BackendOption) *Backend {
	b := &Backend{db: db, table: defaultEventsTable}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens (or creates) a SQLite database at path and returns a ready
// Backend. Use ":memory:" for an ephemeral database.
func Open(path string, opts ...BackendOption) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes itself; one open connection avoids
	// SQLITE_BUSY on concurrent appends
	db.SetMaxOpenConns(1)
	return NewBackend(db, opts...), nil
}

// Setup creates the events table if it does not exist
func (b *Backend) Setup(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_id      TEXT    NOT NULL,
			version        INTEGER NOT NULL,
			event_type     TEXT    NOT NULL,
			schema_version INTEGER NOT NULL,
			payload        BLOB,
			metadata       TEXT,
			occurred_at    TEXT    NOT NULL,
			PRIMARY KEY (stream_id, version)
		)`, b.table)
	_, err := b.db.ExecContext(ctx, ddl)
	return err
}

// Close closes the underlying database
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Append(ctx context.Context, id object.StreamId, expected object.Version, events []event.Event) (object.Version, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var current uint64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version) + 1, 0) FROM %s WHERE stream_id = ?`, b.table)
	if err := tx.QueryRowContext(ctx, query, string(id)).Scan(&current); err != nil {
		return 0, err
	}
	if object.Version(current) != expected {
		return 0, stream.ConcurrencyConflict{Stream: id, Expected: expected}
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (stream_id, version, event_type, schema_version, payload, metadata, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, b.table)
	for i, e := range events {
		var metadata any
		if len(e.Metadata) > 0 {
			raw, mErr := json.Marshal(e.Metadata)
			if mErr != nil {
				return 0, mErr
			}
			metadata = string(raw)
		}
		version := uint64(expected) + uint64(i)
		if _, err := tx.ExecContext(ctx, insert,
			string(id), version, string(e.Type), uint(e.SchemaVersion),
			e.Payload, metadata, e.OccurredAt.UTC().Format(dateTimeFormat)); err != nil {
			if isUniqueViolation(err) {
				// another transaction won the slot between our check and insert
				return 0, stream.ConcurrencyConflict{Stream: id, Expected: expected}
			}
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return 0, stream.ConcurrencyConflict{Stream: id, Expected: expected}
		}
		return 0, err
	}
	return expected + object.Version(len(events)), nil
}

func (b *Backend) ReadPage(ctx context.Context, id object.StreamId, from object.Version, limit int) ([]event.Event, error) {
	query := fmt.Sprintf(`
		SELECT event_type, schema_version, payload, metadata, occurred_at
		FROM %s WHERE stream_id = ? AND version >= ?
		ORDER BY version ASC LIMIT ?`, b.table)
	rows, err := b.db.QueryContext(ctx, query, string(id), uint64(from), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			eventType     string
			schemaVersion uint
			payload       []byte
			metadata      sql.NullString
			occurredAt    string
		)
		if err := rows.Scan(&eventType, &schemaVersion, &payload, &metadata, &occurredAt); err != nil {
			return nil, err
		}
		e := event.Event{
			Type:          event.Type(eventType),
			SchemaVersion: event.SchemaVersion(schemaVersion),
			Payload:       payload,
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, err
			}
		}
		parsed, err := time.Parse(dateTimeFormat, occurredAt)
		if err != nil {
			return nil, err
		}
		e.OccurredAt = parsed.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *Backend) NextVersion(ctx context.Context, id object.StreamId) (object.Version, error) {
	var next uint64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version) + 1, 0) FROM %s WHERE stream_id = ?`, b.table)
	if err := b.db.QueryRowContext(ctx, query, string(id)).Scan(&next); err != nil {
		return 0, err
	}
	return object.Version(next), nil
}

func (b *Backend) Exists(ctx context.Context, id object.StreamId) (bool, error) {
	var found int
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE stream_id = ?)`, b.table)
	if err := b.db.QueryRowContext(ctx, query, string(id)).Scan(&found); err != nil {
		return false, err
	}
	return found == 1, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
