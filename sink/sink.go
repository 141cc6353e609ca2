// Package sink persists telemetry records. All writers are append-only.
package sink

import (
	"errors"
	"fmt"
	"time"

	"github.com/dratasich/flightrelay/events"
)

// Writer appends records to durable storage
type Writer interface {
	Write(rec events.TelemetryRecord, at time.Time) error
	Close() error
}

// Mode selects the on-disk encoding
type Mode string

const (
	// objects back to back with no separator (legacy)
	ModeJSON Mode = "json"
	// one object per line
	ModeNDJSON Mode = "ndjson"
	// timestamp plus a fixed, inferred column set
	ModeCSV Mode = "csv"
	// rows in a sqlite database
	ModeSQLite Mode = "sqlite"
)

// ParseMode validates a configured mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeJSON, ModeNDJSON, ModeCSV, ModeSQLite:
		return m, nil
	default:
		return "", fmt.Errorf("unknown sink mode %q (want json, ndjson, csv or sqlite)", s)
	}
}

// Open creates the writer for mode at path
func Open(mode Mode, path string) (Writer, error) {
	switch mode {
	case ModeJSON:
		return OpenJSONStream(path, false)
	case ModeNDJSON:
		return OpenJSONStream(path, true)
	case ModeCSV:
		return OpenCSV(path)
	case ModeSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown sink mode %q", mode)
	}
}

// Tee writes every record to all writers, in order. A failing writer does
// not keep the record from the others.
type Tee []Writer

func (t Tee) Write(rec events.TelemetryRecord, at time.Time) error {
	var errs []error
	for _, w := range t {
		if err := w.Write(rec, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) Close() error {
	var errs []error
	for _, w := range t {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
