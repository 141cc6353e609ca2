package sink

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/dratasich/flightrelay/events"
	"github.com/dratasich/flightrelay/ingest"
)

// ReadStream recovers the records of a JSON-stream file, either legacy
// concatenated or newline-delimited. Malformed segments are reported and
// skipped; the records around them are still returned.
func ReadStream(r io.Reader) ([]events.TelemetryRecord, []error, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read stream: %w", err)
	}
	var records []events.TelemetryRecord
	var bad []error
	for i, seg := range ingest.SplitConcatenated(data) {
		rec, err := events.ParseTelemetry(seg)
		if err != nil {
			bad = append(bad, &ingest.SegmentError{Index: i, Segment: seg, Err: fmt.Errorf("%w: %s", ingest.ErrMalformed, err)})
			continue
		}
		records = append(records, rec)
	}
	return records, bad, nil
}

// ReadCSV returns the header and rows of a CSV sink
func ReadCSV(r io.Reader) (header []string, rows [][]string, err error) {
	cr := csv.NewReader(r)
	// hand-edited files may have ragged rows
	cr.FieldsPerRecord = -1
	all, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv: %w", err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[0], all[1:], nil
}
