package gear

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the Registry from dir whenever fsnotify observes a file
// create/write/remove/rename under it, debounced by debounce so a burst of
// writes from one editor save only triggers a single Load. Runs until ctx
// is cancelled. Used for the Gear manifest directory; the policy rule file
// has its own watcher (lifecycle's watchPolicyRules).
func (r *Registry) Watch(ctx context.Context, dir string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		reload := func() {
			if err := r.Load(dir); err != nil {
				r.logger.Error("gear hot-reload failed", slog.String("dir", dir), slog.String("error", err.Error()))
			}
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("gear watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}
