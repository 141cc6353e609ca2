package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// TelemetryRecord is one state report from the vehicle.
//
// Expected keys: roll, pitch, throttle, yaw, pid_x, pid_y, pid_z, pid_yaw;
// optional: position (3 numbers), orientation (4 numbers, quaternion).
// Nothing is validated, unknown fields pass through.
type TelemetryRecord struct {
	Object
}

// ParseTelemetry decodes a single JSON object into a TelemetryRecord
func ParseTelemetry(data []byte) (TelemetryRecord, error) {
	var r TelemetryRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return TelemetryRecord{}, err
	}
	return r, nil
}

// Pose is the optional spatial part of a record
type Pose struct {
	Position    []float64 `mapstructure:"position"`    // x, y, z
	Orientation []float64 `mapstructure:"orientation"` // qx, qy, qz, qw
}

// Pose decodes position and orientation if present.
// ok is false when neither field is there.
func (r TelemetryRecord) Pose() (p Pose, ok bool, err error) {
	_, hasPos := r.Get("position")
	_, hasOri := r.Get("orientation")
	if !hasPos && !hasOri {
		return p, false, nil
	}
	if err := mapstructure.Decode(r.Map(), &p); err != nil {
		return p, true, fmt.Errorf("decode pose: %w", err)
	}
	if hasPos && len(p.Position) != 3 {
		return p, true, fmt.Errorf("position has %d components, want 3", len(p.Position))
	}
	if hasOri && len(p.Orientation) != 4 {
		return p, true, fmt.Errorf("orientation has %d components, want 4", len(p.Orientation))
	}
	return p, true, nil
}

// Telemetry with timestamp
//
// example:
// `{"ts": 1756742602000, "values": {"roll": 1500, "pitch": 1500}}`
type Telemetry struct {
	// Unix timestamp in milliseconds
	Timestamp int64 `json:"ts"`
	// Key value pairs of telemetry data measured at the corresponding timestamp
	Values Object `json:"values"`
}

// Stamp wraps a record with the time it was received
func (r TelemetryRecord) Stamp(at time.Time) Telemetry {
	return Telemetry{
		Timestamp: at.UnixMilli(),
		Values:    r.Object,
	}
}
