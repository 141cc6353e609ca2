// Package dispatch forwards the newest command of the command store to the
// vehicle, once per change.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dratasich/flightrelay/events"
	"github.com/dratasich/flightrelay/notify"
	"github.com/dratasich/flightrelay/store"
	"github.com/rs/zerolog/log"
)

// DefaultAckTimeout bounds the wait for an acknowledgment
const DefaultAckTimeout = time.Second

// Status is the outcome of one dispatch attempt
type Status int

const (
	// store file absent
	StatusNoStore Status = iota
	// store file empty or an empty array
	StatusEmpty
	// newest command equals the last one sent
	StatusDuplicate
	// sent, no acknowledgment within the timeout
	StatusSent
	// sent and acknowledged
	StatusAcked
)

func (s Status) String() string {
	switch s {
	case StatusNoStore:
		return "no-store"
	case StatusEmpty:
		return "empty"
	case StatusDuplicate:
		return "duplicate"
	case StatusSent:
		return "sent"
	case StatusAcked:
		return "acked"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Transmitted reports whether a datagram went out
func (s Status) Transmitted() bool {
	return s == StatusSent || s == StatusAcked
}

// Result describes what Dispatch did
type Result struct {
	Status  Status
	Command events.Command
	// decoded acknowledgment, nil unless Status is StatusAcked
	Ack     events.Ack
	AckFrom net.Addr
}

// Config of the dispatcher
type Config struct {
	StorePath  string
	AckTimeout time.Duration
}

// Dispatcher owns the dispatch state: the last command sent.
// Dispatch must not be called concurrently.
type Dispatcher struct {
	cfg       Config
	transport Transport

	lastSent *events.Command
	sent     int
}

func New(cfg Config, transport Transport) *Dispatcher {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	return &Dispatcher{cfg: cfg, transport: transport}
}

// Sent is the number of commands transmitted so far
func (d *Dispatcher) Sent() int { return d.sent }

// LastSent returns the last transmitted command
func (d *Dispatcher) LastSent() (events.Command, bool) {
	if d.lastSent == nil {
		return events.Command{}, false
	}
	return *d.lastSent, true
}

// Dispatch loads the store and transmits its newest entry if it differs from
// the last one sent.
//
// Errors wrapping store.ErrMalformed are transient: a producer may be
// mid-write. A send error leaves the state untouched, so the next call
// retries the same command. A missing acknowledgment is not an error.
func (d *Dispatcher) Dispatch() (Result, error) {
	q, err := store.Load(d.cfg.StorePath)
	if err != nil {
		return Result{}, err
	}
	if q == nil {
		if exists(d.cfg.StorePath) {
			return Result{Status: StatusEmpty}, nil
		}
		return Result{Status: StatusNoStore}, nil
	}
	latest, ok := q.Latest()
	if !ok {
		return Result{Status: StatusEmpty}, nil
	}
	if d.lastSent != nil && latest.Equal(*d.lastSent) {
		return Result{Status: StatusDuplicate, Command: latest}, nil
	}

	switch form := latest.Form(); form {
	case events.FormUnknown:
		log.Warn().Msgf("Command has unknown schema, forwarding as is: %s", latest)
	default:
		if missing := latest.MissingKeys(); len(missing) > 0 {
			log.Warn().Msgf("%s command misses %v, forwarding as is", form, missing)
		}
	}

	payload, err := latest.Payload()
	if err != nil {
		return Result{}, fmt.Errorf("encode command: %w", err)
	}
	if err := d.transport.Send(payload); err != nil {
		return Result{}, err
	}
	log.Info().Msgf("Sent command: %s", payload)

	res := Result{Status: StatusSent, Command: latest}
	raw, from, err := d.transport.AwaitAck(d.cfg.AckTimeout)
	switch {
	case errors.Is(err, ErrNoAck):
		log.Warn().Msg("No confirmation received from vehicle")
	case err != nil:
		log.Warn().Msgf("Failed to receive confirmation: %s", err)
	default:
		ack, err := events.ParseAck(raw)
		if err != nil {
			log.Warn().Msgf("Confirmation from %s is not JSON: %s. Payload: %q", from, err, raw)
		} else {
			log.Info().Msgf("Received confirmation from %s: %v", from, ack)
		}
		res.Status = StatusAcked
		res.Ack = ack
		res.AckFrom = from
	}

	// fire and forget: the ack is for the logs only
	d.lastSent = &latest
	d.sent++
	return res, nil
}

// Run dispatches on every notification until ctx is done or the channel is
// closed. A dispatch in flight always finishes, including its ack wait.
func (d *Dispatcher) Run(ctx context.Context, notifications <-chan notify.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notifications:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			d.handle()
		}
	}
}

func (d *Dispatcher) handle() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("Unexpected failure while dispatching: %v", r)
		}
	}()

	res, err := d.Dispatch()
	switch {
	case errors.Is(err, store.ErrMalformed):
		log.Warn().Msgf("Skipping unreadable command store (will retry on next change): %s", err)
	case err != nil:
		log.Error().Msgf("Error sending command: %s", err)
	default:
		log.Debug().Msgf("Dispatch finished: %s", res.Status)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
