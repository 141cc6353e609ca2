package ingest

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dratasich/flightrelay/events"
)

// ErrMalformed marks a segment that is not a JSON object
var ErrMalformed = errors.New("malformed telemetry")

var boundary = []byte("}{")

// SplitConcatenated splits back-to-back JSON objects written without a
// delimiter ("{...}{...}") and restores the braces dropped by the split.
// Whitespace around segments, including newlines, is ignored.
//
// Objects whose own text contains "}{" cannot be recovered this way.
func SplitConcatenated(data []byte) [][]byte {
	var segments [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		parts := bytes.Split(line, boundary)
		for i, p := range parts {
			p = bytes.TrimSpace(p)
			seg := make([]byte, 0, len(p)+2)
			if i > 0 || !bytes.HasPrefix(p, []byte("{")) {
				seg = append(seg, '{')
			}
			seg = append(seg, p...)
			if i < len(parts)-1 || !bytes.HasSuffix(p, []byte("}")) {
				seg = append(seg, '}')
			}
			segments = append(segments, seg)
		}
	}
	return segments
}

// SegmentError is the failure of one segment of a stream
type SegmentError struct {
	Index   int
	Segment []byte
	Err     error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d: %s", e.Index, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// Decode parses a payload into telemetry records.
//
// A payload holding a single object is the normal case. Anything else is
// split with SplitConcatenated and every segment is parsed on its own, so a
// bad segment costs only itself. Failures are returned as *SegmentError
// wrapping ErrMalformed.
func Decode(data []byte) ([]events.TelemetryRecord, []error) {
	if rec, err := events.ParseTelemetry(data); err == nil {
		return []events.TelemetryRecord{rec}, nil
	}

	var records []events.TelemetryRecord
	var errs []error
	for i, seg := range SplitConcatenated(data) {
		rec, err := events.ParseTelemetry(seg)
		if err != nil {
			errs = append(errs, &SegmentError{
				Index:   i,
				Segment: seg,
				Err:     fmt.Errorf("%w: %s", ErrMalformed, err),
			})
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 && len(errs) == 0 {
		errs = append(errs, &SegmentError{Err: fmt.Errorf("%w: empty payload", ErrMalformed)})
	}
	return records, errs
}
