// Package store reads and writes the command file shared with the front end.
//
// The file holds a single JSON array of command objects, most recent last.
// Only the last entry is ever dispatched; the rest is bounded history.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dratasich/flightrelay/events"
)

// DefaultHistoryLimit is the number of entries a producer keeps in the file
const DefaultHistoryLimit = 100

// ErrMalformed marks a file that could not be parsed. A concurrent writer
// may have been caught mid-write, so callers treat it as transient.
var ErrMalformed = errors.New("malformed command store")

// Queue is the ordered content of the command file
type Queue []events.Command

// Latest returns the newest command, if any
func (q Queue) Latest() (events.Command, bool) {
	if len(q) == 0 {
		return events.Command{}, false
	}
	return q[len(q)-1], true
}

// Load reads the command file.
//
// A missing or empty file yields an empty queue and no error.
func Load(path string) (Queue, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a command file's content
func Parse(data []byte) (Queue, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var q Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return q, nil
}

// Append adds cmd to the end of the file at path, keeping at most limit
// entries (limit <= 0 means DefaultHistoryLimit).
//
// The new content is written to a temporary file in the same directory and
// renamed over the old one, so readers never observe a partial array.
// An unreadable existing file is replaced rather than extended.
func Append(path string, cmd events.Command, limit int) error {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	q, err := Load(path)
	if err != nil && !errors.Is(err, ErrMalformed) {
		return err
	}
	q = append(q, cmd)
	if len(q) > limit {
		q = q[len(q)-limit:]
	}
	return write(path, q)
}

func write(path string, q Queue) error {
	if q == nil {
		q = Queue{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// commands are forwarded byte for byte, keep "<", ">" and "&" as written
	enc.SetEscapeHTML(false)
	if err := enc.Encode(q); err != nil {
		return fmt.Errorf("encode commands: %w", err)
	}
	data := bytes.TrimRight(buf.Bytes(), "\n")

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	// no-op once renamed
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
