package dispatch

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoAck is returned by AwaitAck when nothing arrived in time
var ErrNoAck = errors.New("no acknowledgment received")

// maximum size of an acknowledgment datagram
const ackBufferSize = 1024

// Transport sends command datagrams and waits for the acknowledgment on the
// same socket
type Transport interface {
	Send(payload []byte) error
	AwaitAck(timeout time.Duration) ([]byte, net.Addr, error)
	Close() error
}

// UDPTransport is an unconnected UDP socket with a fixed destination.
// Acknowledgments are accepted from any sender, like a plain recvfrom.
type UDPTransport struct {
	conn *net.UDPConn
	dest *net.UDPAddr
}

// NewUDPTransport resolves host:port and opens a socket on an ephemeral port
func NewUDPTransport(host string, port int) (*UDPTransport, error) {
	dest, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve destination %s:%d: %w", host, port, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open command socket: %w", err)
	}
	return &UDPTransport{conn: conn, dest: dest}, nil
}

// Destination returns where commands are sent
func (t *UDPTransport) Destination() net.Addr { return t.dest }

// LocalAddr returns the socket's own address (where acks are expected)
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// drainWait bounds the look for stale datagrams before each send
const drainWait = time.Millisecond

// Send discards acknowledgments that arrived after an earlier wait gave up,
// then sends payload. The next AwaitAck only sees replies to this send.
func (t *UDPTransport) Send(payload []byte) error {
	if n := t.drain(); n > 0 {
		log.Warn().Msgf("Discarded %d late confirmation(s) from an earlier command", n)
	}
	if _, err := t.conn.WriteToUDP(payload, t.dest); err != nil {
		return fmt.Errorf("send to %s: %w", t.dest, err)
	}
	return nil
}

func (t *UDPTransport) AwaitAck(timeout time.Duration) ([]byte, net.Addr, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, err
	}
	buf := make([]byte, ackBufferSize)
	n, addr, err := t.conn.ReadFromUDP(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, nil, ErrNoAck
	}
	if err != nil {
		return nil, nil, fmt.Errorf("receive ack: %w", err)
	}
	return buf[:n], addr, nil
}

// drain reads whatever is queued on the socket and returns the count
func (t *UDPTransport) drain() int {
	buf := make([]byte, ackBufferSize)
	n := 0
	for {
		// an expired deadline fails before reading, so give the read a moment
		if err := t.conn.SetReadDeadline(time.Now().Add(drainWait)); err != nil {
			return n
		}
		if _, _, err := t.conn.ReadFromUDP(buf); err != nil {
			return n
		}
		n++
	}
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
