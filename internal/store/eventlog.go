// Package store persists the run's lifecycle event log in a libSQL database
// under the artifacts root. The artifacts root outlives the run, so the log
// is available to later tooling alongside the artifacts it describes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/kilnci/kiln/internal/streaming"
)

const eventsTableDDL = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	level      INTEGER NOT NULL DEFAULT 0,
	job        TEXT,
	action     TEXT,
	event_type TEXT NOT NULL,
	payload    TEXT,
	timestamp  TIMESTAMP NOT NULL,
	sequence   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, sequence);
`

// EventLog is a libSQL-backed persistent event sink.
type EventLog struct {
	db *sql.DB
}

// Record is one persisted lifecycle event.
type Record struct {
	RunID     string          `json:"run_id"`
	Level     int             `json:"level"`
	Job       string          `json:"job,omitempty"`
	Action    string          `json:"action,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// OpenEventLog opens (or creates) the event database at the given path.
// The path should be a file URI, e.g. "file:/path/to/events.db".
func OpenEventLog(dbPath string) (*EventLog, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if _, err := db.Exec(eventsTableDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	return &EventLog{db: db}, nil
}

// Close closes the database.
func (el *EventLog) Close() error { return el.db.Close() }

// Publish implements streaming.Sink. Events get a monotonically increasing
// per-run sequence; the transaction keeps concurrent writers from
// interleaving sequence reads and writes.
func (el *EventLog) Publish(ctx context.Context, event streaming.Event) error {
	var payload sql.NullString
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := el.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, level, job, action, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Level, nullStr(event.Job), nullStr(event.Action),
		event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// ListEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) ListEvents(ctx context.Context, runID string, since int64) ([]*Record, error) {
	rows, err := el.db.QueryContext(ctx,
		`SELECT run_id, level, job, action, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var job, action, payload sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Level, &job, &action, &rec.Type, &payload, &rec.Timestamp, &rec.Sequence); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Job = job.String
		rec.Action = action.String
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
