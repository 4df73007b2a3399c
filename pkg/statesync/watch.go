package statesync

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchHandler is invoked whenever a watched path changes.
type WatchHandler func(path string, op fsnotify.Op)

// Watcher binds filesystem-level observation to sync triggers, per
// spec §4.2's watch/unwatch operations. Watcher errors are logged and
// the underlying fsnotify watch is re-armed rather than torn down.
type Watcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	paths   map[string]bool
	handler WatchHandler
	done    chan struct{}
}

// NewWatcher starts the background fsnotify event loop. handler is
// called for every change event on a watched path.
func NewWatcher(logger *slog.Logger, handler WatchHandler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		logger:  logger,
		fsw:     fsw,
		paths:   make(map[string]bool),
		handler: handler,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.handler != nil {
				w.handler(evt.Name, evt.Op)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error, re-arming", "error", err)
			w.rearm()
		case <-w.done:
			return
		}
	}
}

// rearm re-adds every tracked path after a watcher error, since
// fsnotify can drop a watch on certain backend errors.
func (w *Watcher) rearm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range w.paths {
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to re-arm watch", "path", path, "error", err)
		}
	}
}

// Watch binds a path to sync triggers.
func (w *Watcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fsw.Add(path); err != nil {
		return err
	}
	w.paths[path] = true
	return nil
}

// Unwatch removes a previously bound path.
func (w *Watcher) Unwatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.paths, path)
	return w.fsw.Remove(path)
}

// Close stops the watcher goroutine and releases the underlying
// fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
