package lifecycle

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"axis.run/meridian/internal/pipeline"
	"axis.run/meridian/internal/policy"
)

// watchPolicyRules reloads path into orch via Orchestrator.SetLocalValidator
// whenever fsnotify observes a write/create/rename on it, debounced so a
// single editor save doesn't trigger repeated reloads. Mirrors
// gear.Registry.Watch's debounce shape.
//
// A failed reload is logged and the previously-loaded Classifier stays
// active, so a bad edit to the rules file does not interrupt validation.
func watchPolicyRules(ctx context.Context, path string, orch *pipeline.Orchestrator, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		reload := func() {
			rf, err := policy.LoadRules(path)
			if err != nil {
				logger.Error("policy rule hot-reload failed", slog.String("path", path), slog.String("error", err.Error()))
				return
			}
			orch.SetLocalValidator(policy.NewClassifier(rf))
			logger.Info("policy rules reloaded", slog.String("path", path))
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
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("policy watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}
