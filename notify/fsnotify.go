package notify

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// FSNotifySource uses the operating system's file notification API.
//
// The parent directory is watched rather than the file itself, so a
// producer replacing the file by rename keeps being observed.
type FSNotifySource struct{}

func (FSNotifySource) Subscribe(ctx context.Context, path string) (<-chan Event, error) {
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(target)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				name, err := filepath.Abs(ev.Name)
				if err != nil || name != target {
					continue
				}
				select {
				case out <- Event{Path: path, Time: time.Now()}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Msgf("fsnotify: watcher error on %s: %s", dir, err)
			}
		}
	}()
	return out, nil
}

// FallbackSource tries Primary and switches to Fallback when it cannot
// subscribe (no inotify instances left, unsupported filesystem, ...).
type FallbackSource struct {
	Primary  Source
	Fallback Source
}

func (s FallbackSource) Subscribe(ctx context.Context, path string) (<-chan Event, error) {
	ch, err := s.Primary.Subscribe(ctx, path)
	if err == nil {
		return ch, nil
	}
	log.Warn().Msgf("Falling back to polling for %s: %s", path, err)
	return s.Fallback.Subscribe(ctx, path)
}
