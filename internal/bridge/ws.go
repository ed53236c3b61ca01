package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"axis.run/meridian/internal/job"
)

// pingInterval is how often handleWatchJob pings an idle connection. Without
// it a job that legitimately runs for hours gets its watch dropped the
// moment the one-hour read deadline lapses, even though both ends are alive.
const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Axis's bridge is a localhost/operator-facing API (§1 scope), not a
	// public browser-facing one, so the origin check is intentionally
	// permissive rather than CORS-aware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type statusEvent struct {
	JobID string     `json:"jobId"`
	From  job.Status `json:"from"`
	To    job.Status `json:"to"`
}

// handleWatchJob upgrades to a WebSocket and streams every status-change
// event for jobID until the Job reaches a terminal status or the client
// disconnects, matching §4.1's synchronous-delivery-in-transition-order
// guarantee for listeners.
func (s *Server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	events := make(chan statusEvent, 16)
	done := make(chan struct{})
	unsubscribe := s.store.OnStatusChange(func(id string, from, to job.Status) {
		if id != jobID {
			return
		}
		select {
		case events <- statusEvent{JobID: id, From: from, To: to}:
		case <-done:
		default:
		}
	})
	defer unsubscribe()

	conn.SetReadDeadline(time.Now().Add(time.Hour))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(time.Hour))
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case events <- statusEvent{}:
				default:
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(time.Hour))
		}
	}()
	defer close(done)

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for ev := range events {
		if ev.JobID == "" {
			return // client disconnected
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
		if ev.To.Terminal() {
			return
		}
	}
}
