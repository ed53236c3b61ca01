// Package axislog wires Axis's structured logging (§2.1 ambient stack).
//
// Grounded on the teacher's pervasive `deps.GetLogger()` / `logger
// *slog.Logger` field idiom (every processor/*/component.go carries one and
// logs with structured key-value pairs like `"job_id", id, "from", from`);
// Axis adds a JSON-at-root handler since the teacher itself leaves handler
// selection to its host process rather than specifying one centrally.
package axislog

import (
	"log/slog"
	"os"
)

// Options controls the root logger's construction.
type Options struct {
	// Level is the minimum level that will be logged.
	Level slog.Level
	// JSON selects a JSON handler; false selects slog's text handler (useful
	// for interactive `axisctl`/local development).
	JSON bool
}

// New builds the root *slog.Logger Axis's components are constructed with.
func New(opts Options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	return slog.New(handler)
}

// ForJob returns a child logger carrying jobId on every record, matching the
// teacher's inline `slog.String("job_id", id)` idiom but pre-bound so
// call sites don't repeat the key.
func ForJob(logger *slog.Logger, jobID string) *slog.Logger {
	return logger.With(slog.String("job_id", jobID))
}

// ForComponent returns a child logger carrying the component's ID, matching
// the teacher's per-component logger-field convention.
func ForComponent(logger *slog.Logger, componentID string) *slog.Logger {
	return logger.With(slog.String("component", componentID))
}
