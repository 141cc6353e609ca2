package events

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Form tells which command schema generation an entry uses
type Form int

const (
	FormUnknown Form = iota
	// {roll, pitch, throttle, yaw, pid_x, pid_y, pid_z, pid_yaw}
	FormFlat
	// {pid_values: {P: {...}, I: {...}, D: {...}}}
	FormStructured
)

func (f Form) String() string {
	switch f {
	case FormFlat:
		return "flat"
	case FormStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// keys every flat command is expected to carry
var flatKeys = []string{"roll", "pitch", "throttle", "yaw", "pid_x", "pid_y", "pid_z", "pid_yaw"}

// Command is a single control-intent snapshot.
//
// The relay treats it as an opaque, order-preserving object: the payload
// on the wire is exactly what the producer wrote. Form, Flat and Structured
// are read-only views for logging and validation.
type Command struct {
	Object
}

// Form detects the schema generation of the command
func (c Command) Form() Form {
	if _, ok := c.Get("pid_values"); ok {
		return FormStructured
	}
	for _, k := range flatKeys[:4] {
		if _, ok := c.Get(k); ok {
			return FormFlat
		}
	}
	return FormUnknown
}

// Equal reports structural equality (all fields compare equal)
func (c Command) Equal(other Command) bool {
	return c.Object.Equal(other.Object)
}

// Payload is the wire form of the command: the compact JSON object, keys in
// the order the producer wrote them. Values are not re-escaped.
func (c Command) Payload() ([]byte, error) {
	return c.Object.MarshalJSON()
}

// MissingKeys lists expected fields of the detected form that are absent
func (c Command) MissingKeys() []string {
	var missing []string
	switch c.Form() {
	case FormFlat:
		for _, k := range flatKeys {
			if _, ok := c.Get(k); !ok {
				missing = append(missing, k)
			}
		}
	case FormStructured:
		s, err := c.Structured()
		if err != nil {
			return []string{"pid_values"}
		}
		for name, g := range map[string]*PIDGains{"P": s.PIDValues.P, "I": s.PIDValues.I, "D": s.PIDValues.D} {
			if g == nil {
				missing = append(missing, "pid_values."+name)
			}
		}
	}
	return missing
}

// FlatCommand is the first schema generation: RC axis values plus the
// scalar PID outputs
type FlatCommand struct {
	Roll     int     `mapstructure:"roll" json:"roll"`
	Pitch    int     `mapstructure:"pitch" json:"pitch"`
	Throttle int     `mapstructure:"throttle" json:"throttle"`
	Yaw      int     `mapstructure:"yaw" json:"yaw"`
	PIDX     float64 `mapstructure:"pid_x" json:"pid_x"`
	PIDY     float64 `mapstructure:"pid_y" json:"pid_y"`
	PIDZ     float64 `mapstructure:"pid_z" json:"pid_z"`
	PIDYaw   float64 `mapstructure:"pid_yaw" json:"pid_yaw"`
}

// PIDGains holds one value per control axis
type PIDGains struct {
	Roll     float64 `mapstructure:"roll" json:"roll"`
	Pitch    float64 `mapstructure:"pitch" json:"pitch"`
	Throttle float64 `mapstructure:"throttle" json:"throttle"`
	Yaw      float64 `mapstructure:"yaw" json:"yaw"`
}

// StructuredCommand is the second schema generation: P, I and D gain sets
type StructuredCommand struct {
	PIDValues struct {
		P *PIDGains `mapstructure:"P" json:"P,omitempty"`
		I *PIDGains `mapstructure:"I" json:"I,omitempty"`
		D *PIDGains `mapstructure:"D" json:"D,omitempty"`
	} `mapstructure:"pid_values" json:"pid_values"`
}

// Flat decodes the command as a FlatCommand
func (c Command) Flat() (FlatCommand, error) {
	var f FlatCommand
	if c.Form() != FormFlat {
		return f, fmt.Errorf("command is %s, not flat", c.Form())
	}
	if err := mapstructure.Decode(c.Map(), &f); err != nil {
		return f, fmt.Errorf("decode flat command: %w", err)
	}
	return f, nil
}

// Structured decodes the command as a StructuredCommand
func (c Command) Structured() (StructuredCommand, error) {
	var s StructuredCommand
	if c.Form() != FormStructured {
		return s, fmt.Errorf("command is %s, not structured", c.Form())
	}
	if err := mapstructure.Decode(c.Map(), &s); err != nil {
		return s, fmt.Errorf("decode structured command: %w", err)
	}
	return s, nil
}

// NewFlatCommand builds a flat command with the canonical key order
func NewFlatCommand(f FlatCommand) Command {
	return Command{NewObject(
		"roll", f.Roll,
		"pitch", f.Pitch,
		"throttle", f.Throttle,
		"yaw", f.Yaw,
		"pid_x", f.PIDX,
		"pid_y", f.PIDY,
		"pid_z", f.PIDZ,
		"pid_yaw", f.PIDYaw,
	)}
}

// NewStructuredCommand builds a structured command from a gain set
func NewStructuredCommand(s StructuredCommand) Command {
	return Command{NewObject("pid_values", s.PIDValues)}
}

// ParseCommand decodes a single JSON object into a Command
func ParseCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, err
	}
	return c, nil
}
