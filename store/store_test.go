package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dratasich/flightrelay/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingOrEmpty(t *testing.T) {
	dir := t.TempDir()

	q, err := Load(filepath.Join(dir, "absent.txt"))
	require.NoError(t, err)
	assert.Empty(t, q)

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	q, err = Load(empty)
	require.NoError(t, err)
	assert.Empty(t, q)

	blank := filepath.Join(dir, "blank.txt")
	require.NoError(t, os.WriteFile(blank, []byte("  \n"), 0o644))
	q, err = Load(blank)
	require.NoError(t, err)
	assert.Empty(t, q)

	arr := filepath.Join(dir, "arr.txt")
	require.NoError(t, os.WriteFile(arr, []byte("[]"), 0o644))
	q, err = Load(arr)
	require.NoError(t, err)
	_, ok := q.Latest()
	assert.False(t, ok)
}

func TestLoadLatest(t *testing.T) {
	// arrange
	path := filepath.Join(t.TempDir(), "commands.txt")
	content := `[{"roll": 1000}, {"pid_values": {"P": {"roll": 1}}}, {"roll": 1500, "pitch": 1500}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// act
	q, err := Load(path)

	// assert
	require.NoError(t, err)
	require.Len(t, q, 3)
	latest, ok := q.Latest()
	assert.True(t, ok)
	assert.Equal(t, events.FormFlat, latest.Form())
	assert.Equal(t, []string{"roll", "pitch"}, latest.Keys())
	assert.Equal(t, events.FormStructured, q[1].Form())
}

func TestLoadMalformed(t *testing.T) {
	cases := map[string]string{
		"truncated":       `[{"roll": 1500}, {"roll": 15`,
		"double appended": `[{"roll": 1500}][{"roll": 1600}]`,
		"not an array":    `{"roll": 1500}`,
		"not objects":     `[1, 2]`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "commands.txt")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, err := Load(path)

			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestAppendBoundsHistory(t *testing.T) {
	// arrange
	path := filepath.Join(t.TempDir(), "commands.txt")

	// act
	for i := 0; i < 5; i++ {
		cmd := events.NewFlatCommand(events.FlatCommand{Roll: 1000 + i, Pitch: 1500, Throttle: 1000, Yaw: 1500})
		require.NoError(t, Append(path, cmd, 3))
	}

	// assert
	q, err := Load(path)
	require.NoError(t, err)
	require.Len(t, q, 3)
	first, err := q[0].Flat()
	require.NoError(t, err)
	last, err := q[2].Flat()
	require.NoError(t, err)
	assert.Equal(t, 1002, first.Roll)
	assert.Equal(t, 1004, last.Roll)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAppendReplacesMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.txt")
	require.NoError(t, os.WriteFile(path, []byte(`[{"roll":`), 0o644))

	cmd := events.NewFlatCommand(events.FlatCommand{Roll: 1500})
	require.NoError(t, Append(path, cmd, 0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw, 1)
	assert.Equal(t, float64(1500), raw[0]["roll"])
}

func TestAppendKeepsPayloadVerbatim(t *testing.T) {
	// arrange
	path := filepath.Join(t.TempDir(), "commands.txt")
	cmd, err := events.ParseCommand([]byte(`{"roll": 1500, "note": "a<b&c"}`))
	require.NoError(t, err)

	// act
	require.NoError(t, Append(path, cmd, 0))

	// assert
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `[{"roll":1500,"note":"a<b&c"}]`, string(data))
	q, err := Load(path)
	require.NoError(t, err)
	latest, ok := q.Latest()
	require.True(t, ok)
	payload, err := latest.Payload()
	require.NoError(t, err)
	assert.Equal(t, `{"roll":1500,"note":"a<b&c"}`, string(payload))
}
