package events

import (
	"encoding/json"
	"fmt"
)

// Ack is the confirmation datagram a vehicle may return for a command.
//
// Contents are not specified; the dispatcher only decodes and logs it.
type Ack map[string]any

// ParseAck decodes an acknowledgment payload
func ParseAck(data []byte) (Ack, error) {
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	if ack == nil {
		return nil, ErrNotObject
	}
	return ack, nil
}
