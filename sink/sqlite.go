package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dratasich/flightrelay/events"

	_ "modernc.org/sqlite"
)

const createTelemetryTable = `CREATE TABLE IF NOT EXISTS telemetry (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	received_at REAL NOT NULL,
	payload     TEXT NOT NULL
)`

const insertTelemetry = `INSERT INTO telemetry (received_at, payload) VALUES (?, ?)`

// SQLiteWriter inserts each record as a row holding its JSON payload
type SQLiteWriter struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path with WAL journaling
// and a 5 second busy timeout, so readers can query while the relay writes.
func OpenSQLite(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", createTelemetryTable} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare sqlite %s: %w", path, err)
		}
	}
	return &SQLiteWriter{db: db}, nil
}

func (w *SQLiteWriter) Write(rec events.TelemetryRecord, at time.Time) error {
	payload, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	ts := float64(at.UnixNano()) / 1e9
	if _, err := w.db.Exec(insertTelemetry, ts, string(payload)); err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

// Recent returns the payloads of the last n rows, oldest first
func (w *SQLiteWriter) Recent(ctx context.Context, n int) ([]events.TelemetryRecord, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT payload FROM (SELECT id, payload FROM telemetry ORDER BY id DESC LIMIT ?) ORDER BY id`, n)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var out []events.TelemetryRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := events.ParseTelemetry([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("stored payload: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}
