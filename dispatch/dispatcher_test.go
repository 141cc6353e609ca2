package dispatch

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dratasich/flightrelay/notify"
	"github.com/dratasich/flightrelay/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	sent    [][]byte
	ack     []byte
	sendErr error
	waits   []time.Duration
}

func (f *fakeTransport) Send(payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) AwaitAck(timeout time.Duration) ([]byte, net.Addr, error) {
	f.waits = append(f.waits, timeout)
	if f.ack == nil {
		return nil, nil, ErrNoAck
	}
	return f.ack, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5005}, nil
}

func (f *fakeTransport) Close() error { return nil }

const exampleCommand = `{"roll":1500,"pitch":1500,"throttle":1000,"yaw":1500,"pid_x":0,"pid_y":0,"pid_z":0,"pid_yaw":0}`

func fixture(t *testing.T) (*Dispatcher, *fakeTransport, string) {
	path := filepath.Join(t.TempDir(), "commands.txt")
	tr := &fakeTransport{}
	return New(Config{StorePath: path}, tr), tr, path
}

func writeStore(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDispatchExample(t *testing.T) {
	// arrange
	d, tr, path := fixture(t)
	writeStore(t, path, "["+exampleCommand+"]")

	// act
	first, err := d.Dispatch()
	require.NoError(t, err)
	writeStore(t, path, "["+exampleCommand+"]")
	second, err := d.Dispatch()
	require.NoError(t, err)

	// assert
	assert.Equal(t, StatusSent, first.Status)
	assert.Equal(t, StatusDuplicate, second.Status)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, exampleCommand, string(tr.sent[0]))
	assert.Equal(t, []time.Duration{DefaultAckTimeout}, tr.waits)
}

func TestDispatchNothingToSend(t *testing.T) {
	d, tr, path := fixture(t)

	res, err := d.Dispatch()
	require.NoError(t, err)
	assert.Equal(t, StatusNoStore, res.Status)

	writeStore(t, path, "")
	res, err = d.Dispatch()
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, res.Status)

	writeStore(t, path, "[]")
	res, err = d.Dispatch()
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, res.Status)

	assert.Empty(t, tr.sent)
	_, ok := d.LastSent()
	assert.False(t, ok)
}

func TestDispatchOnlyChanges(t *testing.T) {
	// arrange
	d, tr, path := fixture(t)
	snapshots := []string{
		`[{"roll": 1500}]`,
		`[{"roll": 1500}]`,
		`[{"roll": 1500}, {"roll": 1500.0}]`,
		`[{"roll": 1500}, {"roll": 1600}]`,
		`[{"roll": 1600}, {"roll": 1500}]`,
		`[{"pid_values": {"P": {"roll": 1}}}]`,
		`[{"pid_values": {"P": {"roll": 1}}}]`,
	}
	want := []bool{true, false, false, true, true, true, false}

	// act + assert
	for i, s := range snapshots {
		writeStore(t, path, s)
		res, err := d.Dispatch()
		require.NoError(t, err)
		assert.Equal(t, want[i], res.Status.Transmitted(), "snapshot %d: %s", i, s)
	}
	assert.Len(t, tr.sent, 4)
	assert.Equal(t, 4, d.Sent())
}

func TestDispatchMalformedIsTransient(t *testing.T) {
	d, tr, path := fixture(t)
	writeStore(t, path, `[{"roll": 1500}, {"roll": 16`)

	_, err := d.Dispatch()
	assert.ErrorIs(t, err, store.ErrMalformed)
	assert.Empty(t, tr.sent)

	// the producer finishes writing
	writeStore(t, path, `[{"roll": 1500}, {"roll": 1600}]`)
	res, err := d.Dispatch()
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, `{"roll":1600}`, string(tr.sent[0]))
}

func TestDispatchAckDecoded(t *testing.T) {
	d, tr, path := fixture(t)
	tr.ack = []byte(`{"status": "ok"}`)
	writeStore(t, path, "["+exampleCommand+"]")

	res, err := d.Dispatch()

	require.NoError(t, err)
	assert.Equal(t, StatusAcked, res.Status)
	assert.Equal(t, "ok", res.Ack["status"])
	assert.NotNil(t, res.AckFrom)
}

func TestDispatchSendFailureRetries(t *testing.T) {
	d, tr, path := fixture(t)
	tr.sendErr = errors.New("network is unreachable")
	writeStore(t, path, "["+exampleCommand+"]")

	_, err := d.Dispatch()
	require.Error(t, err)
	_, ok := d.LastSent()
	assert.False(t, ok, "failed send is not marked as sent")

	tr.sendErr = nil
	res, err := d.Dispatch()
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)
}

// vehicle stands in for the remote controller: it records every command and
// optionally replies with an ack
func vehicle(t *testing.T, reply []byte) (*net.UDPConn, <-chan []byte) {
	return slowVehicle(t, reply, 0)
}

// slowVehicle replies after delay
func slowVehicle(t *testing.T, reply []byte, delay time.Duration) (*net.UDPConn, <-chan []byte) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	got := make(chan []byte, 10)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			got <- append([]byte(nil), buf[:n]...)
			if reply != nil {
				go func() {
					time.Sleep(delay)
					_, _ = conn.WriteToUDP(reply, from)
				}()
			}
		}
	}()
	return conn, got
}

func TestUDPDispatchWithAck(t *testing.T) {
	// arrange
	remote, got := vehicle(t, []byte(`{"received": true}`))
	tr, err := NewUDPTransport("127.0.0.1", remote.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	defer tr.Close()
	path := filepath.Join(t.TempDir(), "commands.txt")
	writeStore(t, path, "["+exampleCommand+"]")
	d := New(Config{StorePath: path}, tr)

	// act
	res, err := d.Dispatch()

	// assert
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, res.Status)
	assert.Equal(t, true, res.Ack["received"])
	assert.Equal(t, exampleCommand, string(<-got))
}

func TestUDPDispatchWithoutAck(t *testing.T) {
	// arrange
	remote, got := vehicle(t, nil)
	tr, err := NewUDPTransport("127.0.0.1", remote.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	defer tr.Close()
	path := filepath.Join(t.TempDir(), "commands.txt")
	writeStore(t, path, "["+exampleCommand+"]")
	d := New(Config{StorePath: path, AckTimeout: 200 * time.Millisecond}, tr)

	// act
	start := time.Now()
	res, err := d.Dispatch()
	elapsed := time.Since(start)

	// assert
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	last, ok := d.LastSent()
	assert.True(t, ok, "command counts as sent without ack")
	payload, _ := last.Payload()
	assert.Equal(t, exampleCommand, string(payload))
	assert.Equal(t, exampleCommand, string(<-got))
}

func TestUDPLateAckNotCountedForNextCommand(t *testing.T) {
	// arrange
	remote, got := slowVehicle(t, []byte(`{"received": true}`), 300*time.Millisecond)
	tr, err := NewUDPTransport("127.0.0.1", remote.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	defer tr.Close()
	path := filepath.Join(t.TempDir(), "commands.txt")
	d := New(Config{StorePath: path, AckTimeout: 100 * time.Millisecond}, tr)

	// act
	writeStore(t, path, `[{"roll": 1500}]`)
	first, err := d.Dispatch()
	require.NoError(t, err)
	<-got
	// the reply to the first command lands after its wait gave up
	time.Sleep(400 * time.Millisecond)
	writeStore(t, path, `[{"roll": 1500}, {"roll": 1600}]`)
	second, err := d.Dispatch()
	require.NoError(t, err)

	// assert
	assert.Equal(t, StatusSent, first.Status)
	assert.Equal(t, StatusSent, second.Status, "late reply to the first command is not an ack of the second")
	assert.Equal(t, `{"roll":1600}`, string(<-got))
}

func TestRunStopsOnCancel(t *testing.T) {
	d, tr, path := fixture(t)
	writeStore(t, path, "["+exampleCommand+"]")
	ch := make(chan notify.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		d.Run(ctx, ch)
		close(done)
	}()
	ch <- notify.Event{Path: path}
	ch <- notify.Event{Path: path}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, tr.sent, 1)
}
