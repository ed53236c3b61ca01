// Package bridge exposes Axis's external interfaces (§6) over HTTP and
// WebSocket: job submission, approval events, liveness/readiness probes,
// and metrics exposition. It is deliberately a thin shim — the core's
// actual behavior lives in internal/job, internal/pipeline, and
// internal/audit; this package only translates wire requests into calls
// against those collaborators.
//
// Grounded on the teacher's RunREPL/handleCommand command-dispatch idiom in
// cmd/semspec/app.go, generalized from a line-oriented REPL to an HTTP
// router, since §6 describes the bridge as "an external API" rather than an
// interactive console.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"axis.run/meridian/internal/job"
)

// Prober is the liveness/readiness accessor pair from §6 ("Boolean
// accessors; liveness true after phase 1, readiness true after phase 6 and
// false during shutdown"). internal/lifecycle.Runtime satisfies this.
type Prober interface {
	Live() bool
	Ready() bool
}

// Resumer drives an approved Job from executing onward to a terminal
// status. handleApprove transitions the Job's status itself (the bridge
// owns the approval wire contract) but delegates actually running the rest
// of the pipeline to this collaborator; workerpool.Pool satisfies it.
type Resumer interface {
	Resume(ctx context.Context, jobID string) error
}

// Server is the HTTP/WS bridge.
type Server struct {
	store   *job.Store
	metrics *prometheus.Registry
	prober  Prober
	resumer Resumer
	logger  *slog.Logger

	router chi.Router
	http   *http.Server
}

// New builds a Server. metrics should already have the Axis Collector(s)
// registered (see internal/audit.Metrics); bridge only wires promhttp over
// it.
func New(store *job.Store, metrics *prometheus.Registry, prober Prober, resumer Resumer, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, metrics: metrics, prober: prober, resumer: resumer, logger: logger}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	r.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/{jobID}", s.handleGetJob)
		r.Post("/{jobID}/approve", s.handleApprove)
		r.Post("/{jobID}/reject", s.handleReject)
		r.Post("/{jobID}/cancel", s.handleCancel)
	})
	r.Get("/ws/jobs/{jobID}", s.handleWatchJob)

	s.router = r
	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start begins serving HTTP in the background. It returns once the listener
// is bound or an error occurs.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.prober == nil || s.prober.Live() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.prober != nil && s.prober.Ready() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
