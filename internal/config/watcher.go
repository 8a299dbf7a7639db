package config

import (
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/atomic"
)

// Watcher holds the live Config behind an atomically-swapped pointer, so
// a dispatch that loads the snapshot once at the start of a request never
// observes a torn or mid-reload config (spec §5, "Configuration reload").
type Watcher struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	callbacks []func(*Config)

	fsw *fsnotify.Watcher
}

// NewWatcher loads path once and returns a Watcher serving that snapshot.
// Call Start to begin watching the file for changes.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path}
	w.current.Store(cfg)
	return w, nil
}

// Get returns the current config snapshot. Safe for concurrent use; the
// returned pointer is immutable by convention — callers must not mutate
// through it.
func (w *Watcher) Get() *Config {
	return w.current.Load()
}

// OnChange registers a callback invoked (in the calling goroutine of
// Start's watch loop) after each successful reload. This is the
// in-process stand-in for the external Config-store's on_change hook
// (spec §6).
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching the config file for writes and reloads on
// change, swinging the atomic pointer to the new snapshot. In-flight
// dispatches that already loaded the old snapshot run to completion
// against it, unaffected.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	if err := fsw.Add(w.path); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.reload()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Printf("[config] watch error: %v", err)
			}
		}
	}()

	return nil
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("[config] reload of %s failed, keeping previous snapshot: %v", w.path, err)
		return
	}
	w.current.Store(cfg)
	log.Printf("[config] reloaded %s", w.path)

	w.mu.Lock()
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Close stops the watch goroutine.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
