// Package hotreload watches the accounts file for external edits and
// reloads the pool in place: an fsnotify watcher plus a debounce timer
// guarding the reload callback.
package hotreload

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"claude-rotation-proxy/internal/pool"

	"github.com/fsnotify/fsnotify"
	sctx "github.com/phathdt/service-context"
)

// debounceWindow coalesces the burst of events a single atomic
// write-then-rename produces into one reload.
const debounceWindow = 150 * time.Millisecond

// Watcher reloads pool whenever its backing file changes on disk.
type Watcher struct {
	pool   *pool.Pool
	path   string
	logger sctx.Logger

	fsw *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// New builds a Watcher for path. Call Start to begin watching.
func New(p *pool.Pool, path string, logger sctx.Logger) *Watcher {
	return &Watcher{pool: p, path: path, logger: logger}
}

// Start begins watching the accounts file's parent directory (so a
// delete-then-recreate of the file, not just in-place writes, is seen) and
// returns once the watch is installed. Events are handled on a background
// goroutine until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	go w.run(ctx)
	return nil
}

// Stop tears down the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Withs(sctx.Fields{"error": err.Error()}).Warn("accounts file watch error")
			}
		}
	}
}

// scheduleReload debounces bursts of events from a single atomic
// write-then-rename into one ReloadIfChanged call.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		changed, err := w.pool.ReloadIfChanged()
		if err != nil {
			if w.logger != nil {
				w.logger.Withs(sctx.Fields{"error": err.Error()}).Warn("failed to reload accounts file")
			}
			return
		}
		if changed && w.logger != nil {
			w.logger.Info("accounts file changed on disk, pool reloaded")
		}
	})
}
