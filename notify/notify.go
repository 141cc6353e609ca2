// Package notify turns file-change events on a single path into debounced
// "file possibly changed" notifications.
//
// Backends implement Source; debouncing lives in Notifier and works the
// same for every backend.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultWindow is the minimum spacing between accepted notifications
const DefaultWindow = 100 * time.Millisecond

// Event reports a (possible) change of the watched path
type Event struct {
	Path string
	Time time.Time
}

// Source delivers raw change events for a path until ctx is done.
// The returned channel is closed when the source stops.
type Source interface {
	Subscribe(ctx context.Context, path string) (<-chan Event, error)
}

// Debouncer accepts an event only if the previous accepted one is at least
// window old. It is not safe for concurrent use.
type Debouncer struct {
	window time.Duration
	last   time.Time
}

func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

// Allow reports whether an event at now is accepted, and records it if so
func (d *Debouncer) Allow(now time.Time) bool {
	if !d.last.IsZero() && now.Sub(d.last) < d.window {
		return false
	}
	d.last = now
	return true
}

// Remaining is the time until an event would be accepted again
func (d *Debouncer) Remaining(now time.Time) time.Duration {
	if d.last.IsZero() {
		return 0
	}
	if r := d.window - now.Sub(d.last); r > 0 {
		return r
	}
	return 0
}

func (d *Debouncer) mark(now time.Time) { d.last = now }

// Notifier debounces a Source.
//
// An event discarded inside the window arms one trailing notification at
// the end of the window, so the last write of a burst is never lost.
// Output is coalescing: while a notification is waiting to be consumed,
// further ones fold into it.
type Notifier struct {
	source Source
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	accepted int
	dropped  int
}

func New(source Source, window time.Duration) *Notifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Notifier{
		source: source,
		window: window,
		now:    time.Now,
	}
}

// Stats returns how many raw events were accepted and discarded so far
func (n *Notifier) Stats() (accepted, discarded int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.accepted, n.dropped
}

// Watch subscribes to path and returns the accepted notifications.
// The channel is closed when ctx is done or the source stops.
func (n *Notifier) Watch(ctx context.Context, path string) (<-chan Event, error) {
	raw, err := n.source.Subscribe(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 1)
	go n.loop(ctx, raw, out)
	return out, nil
}

func (n *Notifier) loop(ctx context.Context, raw <-chan Event, out chan Event) {
	defer close(out)

	debounce := NewDebouncer(n.window)
	trailing := time.NewTimer(time.Hour)
	trailing.Stop()
	defer trailing.Stop()

	var pending *Event
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-raw:
			if !ok {
				return
			}
			now := n.now()
			if debounce.Allow(now) {
				if pending != nil {
					trailing.Stop()
					pending = nil
				}
				n.count(true)
				n.emit(ev, out)
				continue
			}
			n.count(false)
			if pending == nil {
				trailing.Reset(debounce.Remaining(now))
			}
			pending = &ev

		case <-trailing.C:
			if pending == nil {
				continue
			}
			debounce.mark(n.now())
			log.Debug().Msgf("Trailing change notification for %s", pending.Path)
			n.emit(*pending, out)
			pending = nil
		}
	}
}

func (n *Notifier) count(accepted bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if accepted {
		n.accepted++
	} else {
		n.dropped++
	}
}

// emit never blocks: a notification already waiting covers this one
func (n *Notifier) emit(ev Event, out chan Event) {
	select {
	case out <- ev:
	default:
		log.Debug().Msgf("Change notification for %s coalesced", ev.Path)
	}
}
