package tbmqtt

import (
	"encoding/json"
	"fmt"

	"github.com/dratasich/flightrelay/events"
	"github.com/dratasich/flightrelay/store"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
)

// RPC request
//
// see also
// - api: https://thingsboard.io/docs/reference/mqtt-api/#server-side-rpc
// - structure: https://thingsboard.io/docs/user-guide/rpc/#server-side-rpc-structure
type RequestRPC struct {
	// Unique ID of the request
	//
	// derived from the topic name
	RpcRequestId string

	// rest is parsed from the payload

	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// Handler turns an RPC request into the reply payload
type Handler interface {
	Handle(req *RequestRPC) []byte
}

const methodSetCommand = "setCommand"

// CommandHandler queues commands received as "setCommand" RPCs by
// appending them to the command store, where the dispatcher picks them up.
//
// params are either the flat fields (roll, pitch, ..., pid_yaw) or
// {"pid_values": {"P": {...}, "I": {...}, "D": {...}}}.
type CommandHandler struct {
	StorePath    string
	HistoryLimit int
}

type rpcReply struct {
	Queued bool   `json:"queued"`
	Error  string `json:"error,omitempty"`
}

func (h CommandHandler) Handle(req *RequestRPC) []byte {
	reply := rpcReply{Queued: true}
	if err := h.handle(req); err != nil {
		log.Warn().Msgf("RPC #%s rejected: %s", req.RpcRequestId, err)
		reply = rpcReply{Error: err.Error()}
	}
	b, _ := json.Marshal(reply)
	return b
}

func (h CommandHandler) handle(req *RequestRPC) error {
	if req.Method != methodSetCommand {
		return fmt.Errorf("unsupported method %q", req.Method)
	}
	cmd, err := commandFromParams(req.Params)
	if err != nil {
		return err
	}
	if err := store.Append(h.StorePath, cmd, h.HistoryLimit); err != nil {
		return fmt.Errorf("queue command: %w", err)
	}
	log.Info().Msgf("Queued command from RPC #%s: %s", req.RpcRequestId, cmd)
	return nil
}

// commandFromParams validates params against one of the two command
// schemas and rebuilds the command in canonical key order
func commandFromParams(params map[string]any) (events.Command, error) {
	if len(params) == 0 {
		return events.Command{}, fmt.Errorf("params are empty")
	}
	if _, ok := params["pid_values"]; ok {
		var s events.StructuredCommand
		if err := decodeStrict(params, &s); err != nil {
			return events.Command{}, fmt.Errorf("structured command: %w", err)
		}
		return events.NewStructuredCommand(s), nil
	}
	var f events.FlatCommand
	if err := decodeStrict(params, &f); err != nil {
		return events.Command{}, fmt.Errorf("flat command: %w", err)
	}
	return events.NewFlatCommand(f), nil
}

func decodeStrict(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
