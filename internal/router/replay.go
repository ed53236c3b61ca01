package router

import (
	"sync"
	"time"
)

// ReplayWindow rejects message IDs seen within the last window duration.
// Shared mutable state protected by a mutex, per spec §5 "Shared resources".
type ReplayWindow struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewReplayWindow returns a window that remembers message IDs for d.
func NewReplayWindow(d time.Duration) *ReplayWindow {
	return &ReplayWindow{
		window: d,
		seen:   make(map[string]time.Time),
	}
}

// CheckAndRemember returns false if messageID was already seen within the
// window (a replay), otherwise records it and returns true. Lazily prunes
// expired entries on every call rather than running a separate sweep.
func (w *ReplayWindow) CheckAndRemember(messageID string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, seenAt := range w.seen {
		if now.Sub(seenAt) > w.window {
			delete(w.seen, id)
		}
	}

	if seenAt, ok := w.seen[messageID]; ok && now.Sub(seenAt) <= w.window {
		return false
	}
	w.seen[messageID] = now
	return true
}

// Size returns the number of currently-remembered message IDs. The window
// does not cap this count: Config.MaxReplayWindowSize is not applied to it.
func (w *ReplayWindow) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
