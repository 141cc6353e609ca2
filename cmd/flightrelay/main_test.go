package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dratasich/flightrelay/config"
	"github.com/dratasich/flightrelay/events"
	"github.com/dratasich/flightrelay/store"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSetupLoggingJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, setupLogging(config.Log{Level: "debug", Format: "json"}, &buf))
	log.Debug().Msg("hello")
	assert.Contains(t, buf.String(), `"message":"hello"`)
	assert.Contains(t, buf.String(), `"level":"debug"`)
}

func TestSetupLoggingRejectsLevel(t *testing.T) {
	assert.Error(t, setupLogging(config.Log{Level: "loud"}, &bytes.Buffer{}))
}

func TestPushFlatAndJSON(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "commands.txt")
	cfg := writeConfig(t, "command:\n  store_path: "+storePath+"\n  history_limit: 5\n")

	_, err := execute(t, "-c", cfg, "push", "--roll", "1500", "--pitch", "1400", "--throttle", "1000", "--yaw", "1500")
	require.NoError(t, err)
	_, err = execute(t, "-c", cfg, "push", "--json", `{"pid_values": {"P": {"roll": 0.4}}}`)
	require.NoError(t, err)

	q, err := store.Load(storePath)
	require.NoError(t, err)
	require.Len(t, q, 2)
	assert.Equal(t, events.FormFlat, q[0].Form())
	pitch, _ := q[0].Get("pitch")
	assert.Equal(t, float64(1400), pitch)
	latest, ok := q.Latest()
	require.True(t, ok)
	assert.Equal(t, events.FormStructured, latest.Form())
}

func TestPushRejectsMixedInput(t *testing.T) {
	cfg := writeConfig(t, "command:\n  store_path: "+filepath.Join(t.TempDir(), "c.txt")+"\n")

	_, err := execute(t, "-c", cfg, "push", "--roll", "1500", "--json", `{"roll": 1}`)
	assert.Error(t, err)
	_, err = execute(t, "-c", cfg, "push")
	assert.Error(t, err)
}

func TestTailJSONStream(t *testing.T) {
	sinkPath := filepath.Join(t.TempDir(), "measurements.txt")
	require.NoError(t, os.WriteFile(sinkPath, []byte(`{"seq": 1}{"seq": 2}{"seq": 3}`), 0o644))
	cfg := writeConfig(t, "telemetry:\n  sink_path: "+sinkPath+"\n  mode: json\n")

	out, err := execute(t, "-c", cfg, "tail", "-n", "2")

	require.NoError(t, err)
	assert.Equal(t, []string{`{"seq":2}`, `{"seq":3}`}, strings.Split(strings.TrimSpace(out), "\n"))
}

func TestTailCSV(t *testing.T) {
	sinkPath := filepath.Join(t.TempDir(), "measurements.csv")
	require.NoError(t, os.WriteFile(sinkPath, []byte("timestamp,a\n1.000000,1\n2.000000,2\n"), 0o644))
	cfg := writeConfig(t, "telemetry:\n  sink_path: "+sinkPath+"\n  mode: csv\n")

	out, err := execute(t, "-c", cfg, "tail", "-n", "1")

	require.NoError(t, err)
	assert.Equal(t, "timestamp,a\n2.000000,2\n", out)
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "-c", filepath.Join(t.TempDir(), "absent.yaml"), "tail")
	assert.Error(t, err)
}
