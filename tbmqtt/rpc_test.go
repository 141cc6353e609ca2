package tbmqtt

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/dratasich/flightrelay/events"
	"github.com/dratasich/flightrelay/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRPC(t *testing.T) {
	// arrange
	// https://thingsboard.io/docs/user-guide/rpc/#server-side-rpc-structure
	jsonData := `
	{
		"method": "setCommand",
		"params": {
			"roll": 1500,
			"pitch": 1500,
			"throttle": 1000,
			"yaw": 1500
		},
		"timeout": 30000
	}`

	// act
	var req RequestRPC
	if err := json.Unmarshal([]byte(jsonData), &req); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
	cmd, err := commandFromParams(req.Params)

	// assert
	require.NoError(t, err)
	assert.Equal(t, "setCommand", req.Method)
	flat, err := cmd.Flat()
	require.NoError(t, err)
	assert.Equal(t, 1000, flat.Throttle)
	assert.Equal(t, []string{"roll", "pitch", "throttle", "yaw", "pid_x", "pid_y", "pid_z", "pid_yaw"}, cmd.Keys())
}

func TestCommandHandlerQueues(t *testing.T) {
	// arrange
	path := filepath.Join(t.TempDir(), "commands.txt")
	h := CommandHandler{StorePath: path}

	// act
	flatReply := h.Handle(&RequestRPC{RpcRequestId: "1", Method: "setCommand", Params: map[string]any{"roll": 1600.0}})
	structReply := h.Handle(&RequestRPC{RpcRequestId: "2", Method: "setCommand", Params: map[string]any{
		"pid_values": map[string]any{"P": map[string]any{"roll": 1.5}},
	}})

	// assert
	assert.JSONEq(t, `{"queued": true}`, string(flatReply))
	assert.JSONEq(t, `{"queued": true}`, string(structReply))
	q, err := store.Load(path)
	require.NoError(t, err)
	require.Len(t, q, 2)
	assert.Equal(t, events.FormFlat, q[0].Form())
	latest, _ := q.Latest()
	s, err := latest.Structured()
	require.NoError(t, err)
	assert.Equal(t, 1.5, s.PIDValues.P.Roll)
	assert.Nil(t, s.PIDValues.I)
}

func TestCommandHandlerRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.txt")
	h := CommandHandler{StorePath: path}

	cases := []*RequestRPC{
		{Method: "reboot", Params: map[string]any{"roll": 1}},
		{Method: "setCommand"},
		{Method: "setCommand", Params: map[string]any{"roll": 1, "warp": 9}},
	}
	for _, req := range cases {
		var reply rpcReply
		require.NoError(t, json.Unmarshal(h.Handle(req), &reply))
		assert.False(t, reply.Queued)
		assert.NotEmpty(t, reply.Error)
	}

	q, err := store.Load(path)
	require.NoError(t, err)
	assert.Empty(t, q)
}
