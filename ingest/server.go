// Package ingest receives telemetry datagrams from the vehicle and hands the
// decoded records to a sink.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dratasich/flightrelay/events"
	"github.com/rs/zerolog/log"
)

// DefaultMaxDatagram is the receive buffer size
const DefaultMaxDatagram = 4096

// MinReadTimeout is the shortest receive wait; shorter ones are raised to it
// so that an idle socket does not spin the loop
const MinReadTimeout = 10 * time.Millisecond

// greeting sent to HelloAddr after binding
var hello = []byte("Hello!")

// Sink receives every decoded record
type Sink interface {
	Write(rec events.TelemetryRecord, at time.Time) error
}

// Config of the telemetry server
type Config struct {
	// address to bind, e.g. "0.0.0.0:5006"
	ListenAddr string
	// 0 blocks on receive; otherwise each receive waits at most this long
	ReadTimeout time.Duration
	MaxDatagram int
	// optional host:port to greet once bound
	HelloAddr string
}

// Server owns the telemetry socket
type Server struct {
	cfg  Config
	sink Sink
	conn *net.UDPConn
	now  func() time.Time

	closeOnce sync.Once

	mu       sync.Mutex
	received int
	stored   int
	rejected int
}

// Listen binds the telemetry socket. A bind failure is fatal for the caller.
func Listen(cfg Config, sink Sink) (*Server, error) {
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = DefaultMaxDatagram
	}
	if cfg.ReadTimeout > 0 && cfg.ReadTimeout < MinReadTimeout {
		log.Warn().Msgf("Read timeout %s is too short, using %s", cfg.ReadTimeout, MinReadTimeout)
		cfg.ReadTimeout = MinReadTimeout
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %s: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.ListenAddr, err)
	}
	s := &Server{cfg: cfg, sink: sink, conn: conn, now: time.Now}
	log.Info().Msgf("Listening for telemetry on %s", conn.LocalAddr())

	if cfg.HelloAddr != "" {
		s.greet(cfg.HelloAddr)
	}
	return s, nil
}

// greet lets the vehicle learn where to send telemetry
func (s *Server) greet(target string) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		log.Warn().Msgf("Failed to resolve hello address %s: %s", target, err)
		return
	}
	if _, err := s.conn.WriteToUDP(hello, addr); err != nil {
		log.Warn().Msgf("Failed to send hello to %s: %s", addr, err)
		return
	}
	log.Info().Msgf("Sent hello to %s", addr)
}

// Addr is the bound address
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Stats returns datagrams received, records stored and segments rejected
func (s *Server) Stats() (received, stored, rejected int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.stored, s.rejected
}

// Serve runs the receive loop until ctx is done (returns nil) or the
// socket fails (returns the error). Cancelling ctx closes the socket.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	buf := make([]byte, s.cfg.MaxDatagram)
	for {
		if s.cfg.ReadTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				return s.stopErr(ctx, fmt.Errorf("set read deadline: %w", err))
			}
		}
		n, from, err := s.conn.ReadFromUDP(buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			// expected: no telemetry within ReadTimeout
			continue
		}
		if err != nil {
			return s.stopErr(ctx, fmt.Errorf("receive telemetry: %w", err))
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.handle(payload, from)
	}
}

func (s *Server) stopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		log.Info().Msg("Telemetry server stopped")
		return nil
	}
	log.Error().Msgf("Telemetry server failed: %s", err)
	return err
}

func (s *Server) handle(payload []byte, from net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("Unexpected failure while ingesting datagram from %s: %v", from, r)
		}
	}()

	at := s.now()
	records, errs := Decode(payload)

	s.mu.Lock()
	s.received++
	s.rejected += len(errs)
	s.mu.Unlock()

	for _, err := range errs {
		log.Warn().Msgf("Dropping telemetry from %s: %s. Payload: %q", from, err, payload)
	}
	for _, rec := range records {
		if _, _, err := rec.Pose(); err != nil {
			log.Debug().Msgf("Telemetry from %s has an odd pose: %s", from, err)
		}
		if err := s.sink.Write(rec, at); err != nil {
			log.Error().Msgf("Failed to persist telemetry from %s: %s", from, err)
			continue
		}
		s.mu.Lock()
		s.stored++
		s.mu.Unlock()
		log.Debug().Msgf("Stored telemetry from %s: %s", from, rec)
	}
}

// Close releases the socket, unblocking Serve
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}
