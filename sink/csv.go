package sink

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dratasich/flightrelay/events"
	"github.com/rs/zerolog/log"
)

const timestampColumn = "timestamp"

// CSVWriter writes one row per record: the receive time as fractional unix
// seconds, then the values of a fixed column set.
//
// The columns come from the header of an existing file, or else from the
// keys of the first record written. They never change afterwards: unknown
// keys are dropped and absent ones written empty, both with a warning.
type CSVWriter struct {
	mu      sync.Mutex
	file    *os.File
	csv     *csv.Writer
	columns []string
	// columns are set, possibly to none
	fixed bool
}

func OpenCSV(path string) (*CSVWriter, error) {
	columns, err := readHeader(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if columns != nil {
		log.Warn().Msgf("File %s already exists. Using columns found in the file: %v", path, columns)
	}
	if err := terminateLastLine(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &CSVWriter{file: f, csv: csv.NewWriter(f), columns: columns, fixed: columns != nil}, nil
}

// terminateLastLine adds the missing newline of a hand-edited file, so the
// first appended row starts on a line of its own
func terminateLastLine(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if fi.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return fmt.Errorf("read %s: %w", f.Name(), err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write %s: %w", f.Name(), err)
	}
	return nil
}

// readHeader returns the data columns of an existing file, nil if the file
// is absent or empty
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, nil
	}
	header, err := csv.NewReader(strings.NewReader(line)).Read()
	if err != nil {
		return nil, fmt.Errorf("parse header of %s: %w", path, err)
	}
	if len(header) > 0 && header[0] == timestampColumn {
		header = header[1:]
	}
	return header, nil
}

// Columns returns the fixed column set, nil until it is known (empty when
// the first record had no keys)
func (w *CSVWriter) Columns() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.fixed {
		return nil
	}
	return append([]string{}, w.columns...)
}

func (w *CSVWriter) Write(rec events.TelemetryRecord, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.fixed {
		w.columns = append([]string{}, rec.Keys()...)
		w.fixed = true
		if err := w.writeRow(append([]string{timestampColumn}, w.columns...)); err != nil {
			return err
		}
	}

	known := make(map[string]bool, len(w.columns))
	row := make([]string, 0, len(w.columns)+1)
	row = append(row, formatTimestamp(at))
	for _, c := range w.columns {
		known[c] = true
		raw, ok := rec.Raw(c)
		if !ok {
			log.Warn().Msgf("%s not found in sent data", c)
			row = append(row, "")
			continue
		}
		row = append(row, formatValue(raw))
	}
	for _, k := range rec.Keys() {
		if !known[k] {
			log.Warn().Msgf("%s column doesn't exist", k)
		}
	}
	return w.writeRow(row)
}

func (w *CSVWriter) writeRow(row []string) error {
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("write row to %s: %w", w.file.Name(), err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("write row to %s: %w", w.file.Name(), err)
	}
	return nil
}

func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	return w.file.Close()
}

func formatTimestamp(at time.Time) string {
	return fmt.Sprintf("%d.%06d", at.Unix(), at.Nanosecond()/1000)
}

// formatValue renders strings bare, null as empty and everything else as
// compact JSON
func formatValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return trimmed
	}
	return buf.String()
}
