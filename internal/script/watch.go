package script

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/perchlabs/perch/internal/logger"
)

// Watcher observes script source paths and reports batched changes. Editors
// fire bursts of writes on save, so changes within the debounce window
// coalesce into one notification.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	onChange func(paths []string)
	done     chan struct{}
}

// NewWatcher watches the given paths. onChange is called from the watcher
// goroutine; it must only enqueue (typically a hub event).
func NewWatcher(paths []string, debounce time.Duration, onChange func(paths []string)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, p := range paths {
		if err := fs.Add(p); err != nil {
			fs.Close()
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	w := &Watcher{fs: fs, debounce: debounce, onChange: onChange, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var (
		pending = make(map[string]struct{})
		timer   *time.Timer
		fire    <-chan time.Time
	)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]struct{})
			fire = nil
			w.onChange(paths)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warn("script watcher error", "err", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
