package sink

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dratasich/flightrelay/events"
)

// JSONStreamWriter appends each record's JSON to a file.
//
// Without a delimiter the file is the legacy "{...}{...}" stream that
// readers have to split; with one it is newline-delimited JSON.
type JSONStreamWriter struct {
	mu        sync.Mutex
	file      *os.File
	delimited bool
}

func OpenJSONStream(path string, delimited bool) (*JSONStreamWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &JSONStreamWriter{file: f, delimited: delimited}, nil
}

func (w *JSONStreamWriter) Write(rec events.TelemetryRecord, _ time.Time) error {
	b, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if w.delimited {
		b = append(b, '\n')
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	// a single write keeps a record contiguous under O_APPEND
	if _, err := w.file.Write(b); err != nil {
		return fmt.Errorf("append to %s: %w", w.file.Name(), err)
	}
	return nil
}

func (w *JSONStreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
