package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Config from disk whenever its file changes, debouncing
// rapid-fire writes from editors that save in several steps.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	onReload func(*Config)

	mu          sync.Mutex
	debounce    *time.Timer
	debounceDur time.Duration
}

// NewWatcher opens an fsnotify watch on path's containing directory (the
// file itself may not exist yet) and calls onReload with every successfully
// reloaded Config.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, watcher: fw, onReload: onReload, debounceDur: 300 * time.Millisecond}, nil
}

// Run blocks, dispatching reloads until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watch error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.debounceDur, func() {
		cfg, err := Load(w.path)
		if err != nil {
			slog.Warn("config: reload failed, keeping previous config", "error", err)
			return
		}
		w.onReload(cfg)
	})
}
