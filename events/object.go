package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// ErrNotObject is returned when a payload is valid JSON but not an object
var ErrNotObject = errors.New("payload is not a JSON object")

// Object is a JSON object that remembers the order of its top-level keys.
//
// Values are kept twice: the raw bytes as received (forwarded verbatim)
// and the generic decoded form (used for structural comparison).
type Object struct {
	keys   []string
	raw    map[string]json.RawMessage
	values map[string]any
}

// NewObject builds an object from key/value pairs, in order.
// Panics on an odd number of arguments or non-string keys.
func NewObject(kv ...any) Object {
	if len(kv)%2 != 0 {
		panic("events: NewObject needs key/value pairs")
	}
	var o Object
	for i := 0; i < len(kv); i += 2 {
		o.Set(kv[i].(string), kv[i+1])
	}
	return o
}

// Keys in the order they appeared
func (o Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

func (o Object) Len() int { return len(o.keys) }

// Get returns the decoded value of key
func (o Object) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Raw returns the undecoded JSON of key
func (o Object) Raw(key string) (json.RawMessage, bool) {
	v, ok := o.raw[key]
	return v, ok
}

// Set adds or replaces key. New keys are appended to the key order.
func (o *Object) Set(key string, value any) {
	b, err := json.Marshal(value)
	if err != nil {
		// keep the object consistent; unmarshalable values become null
		b = []byte("null")
	}
	o.setRaw(key, b)
}

func (o *Object) setRaw(key string, b json.RawMessage) {
	if o.raw == nil {
		o.raw = make(map[string]json.RawMessage)
		o.values = make(map[string]any)
	}
	if _, exists := o.raw[key]; !exists {
		o.keys = append(o.keys, key)
	}
	var v any
	_ = json.Unmarshal(b, &v)
	o.raw[key] = b
	o.values[key] = v
}

// Map returns the decoded values as a plain map (order is lost)
func (o Object) Map() map[string]any {
	m := make(map[string]any, len(o.values))
	for k, v := range o.values {
		m[k] = v
	}
	return m
}

// Equal compares two objects structurally: same key set, equal values.
// Key order does not matter.
func (o Object) Equal(other Object) bool {
	if len(o.values) != len(other.values) {
		return false
	}
	for k, v := range o.values {
		ov, ok := other.values[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ErrNotObject
	}

	out := Object{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected object key %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("value of %q: %w", key, err)
		}
		out.setRaw(key, raw)
	}
	// closing brace
	if _, err := dec.Token(); err != nil {
		return err
	}
	if out.raw == nil {
		out.raw = map[string]json.RawMessage{}
		out.values = map[string]any{}
	}
	*o = out
	return nil
}

// MarshalJSON writes the keys back in their original order
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := json.Compact(&buf, o.raw[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// writeKey quotes k without HTML escaping
func writeKey(buf *bytes.Buffer, k string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(k); err != nil {
		return err
	}
	// Encode terminates with a newline
	buf.Truncate(buf.Len() - 1)
	return nil
}

func (o Object) String() string {
	b, err := o.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid object: %s>", err)
	}
	return string(b)
}
