package notify

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is used when a PollSource has no interval set
const DefaultPollInterval = 50 * time.Millisecond

// PollSource stats the file on a fixed cadence and reports a change
// whenever modification time or size differ from the previous look.
// A file appearing counts as a change; a file disappearing does not.
type PollSource struct {
	Interval time.Duration
}

type fileStamp struct {
	exists  bool
	modTime time.Time
	size    int64
}

func stamp(path string) (fileStamp, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileStamp{}, nil
	}
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{exists: true, modTime: fi.ModTime(), size: fi.Size()}, nil
}

func (p PollSource) Subscribe(ctx context.Context, path string) (<-chan Event, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	prev, err := stamp(path)
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur, err := stamp(path)
				if err != nil {
					log.Warn().Msgf("Failed to stat %s: %s", path, err)
					continue
				}
				changed := cur.exists && (!prev.exists || !cur.modTime.Equal(prev.modTime) || cur.size != prev.size)
				prev = cur
				if !changed {
					continue
				}
				select {
				case out <- Event{Path: path, Time: time.Now()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
