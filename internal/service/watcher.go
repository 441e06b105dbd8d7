package service

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/kmckiern/agent-sessions/internal/logging"
	"github.com/kmckiern/agent-sessions/internal/provider"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

// Watcher invalidates the service snapshot when anything under the provider
// base directories changes, so the next read re-validates instead of
// waiting out the refresh interval. Event bursts collapse into a single
// invalidation per debounce window.
type Watcher struct {
	service  *SessionService
	watcher  *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher watches the base directory trees of the given providers.
// Missing directories are skipped; directories created later are picked up
// as their create events arrive.
func NewWatcher(svc *SessionService, providers []provider.SessionProvider) (*Watcher, error) {
	return newWatcher(svc, providers, time.Second)
}

func newWatcher(svc *SessionService, providers []provider.SessionProvider, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		service:  svc,
		watcher:  fsWatcher,
		debounce: debounce,
		done:     make(chan struct{}),
	}
	for _, p := range providers {
		w.addTree(p.BaseDir())
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) addTree(root string) {
	filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				telemetry.DebugWarning("watch add failed for "+path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) run() {
	var pending *time.Timer
	trigger := func() {
		if pending == nil {
			pending = time.AfterFunc(w.debounce, func() {
				w.service.Invalidate()
				telemetry.Event("watch.invalidate")
			})
			return
		}
		pending.Reset(w.debounce)
	}

	for {
		select {
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			L_trace("source event", "op", event.Op.String(), "path", event.Name)
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(event.Name)
				}
			}
			trigger()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			telemetry.DebugWarning("watch error", err)
		}
	}
}
