package stems

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay absorbs the burst of filesystem events an editor or atomic
// rename produces for a single logical change.
const debounceDelay = 250 * time.Millisecond

// Watch reloads the registry when the models file changes on disk. It blocks
// until ctx is done and is a no-op when no models file is configured.
// Failed reloads are logged and skipped; the previous set stays active.
func (r *Registry) Watch(ctx context.Context) {
	if r.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("models watch unavailable", "error", err)
		return
	}
	defer watcher.Close()

	// Watch the directory, not the file: atomic-rename writers replace the
	// inode and a file watch would go stale after the first update.
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	if err := watcher.Add(dir); err != nil {
		r.logger.Warn("models watch failed", "dir", dir, "error", err)
		return
	}
	r.logger.Info("watching models file", "path", r.path)

	var mu sync.Mutex
	var timer *time.Timer
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() {
			if err := r.Reload(); err != nil {
				r.logger.Warn("models reload rejected", "path", r.path, "error", err)
				return
			}
			r.logger.Info("models reloaded", "path", r.path, "models", len(r.Names()))
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("models watch error", "error", err)
		}
	}
}
