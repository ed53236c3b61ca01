// Package lifecycle assembles every Axis component into one running
// process and drives its six-phase startup and reverse-order teardown
// (§4.5): config, database, axis_core, components, recovery, bridge.
//
// Grounded on cmd/semspec/app.go's App.Start/Shutdown phase ordering
// (NATS -> storage -> ready), generalized from the teacher's two-phase
// bootstrap to the spec's six named phases, each of which must succeed
// before the next begins; a phase failure aborts startup entirely rather
// than leaving a partially-initialized Runtime running.
package lifecycle

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"axis.run/meridian/internal/audit"
	"axis.run/meridian/internal/bridge"
	"axis.run/meridian/internal/cache"
	"axis.run/meridian/internal/classify"
	"axis.run/meridian/internal/config"
	"axis.run/meridian/internal/gear"
	"axis.run/meridian/internal/job"
	"axis.run/meridian/internal/pipeline"
	"axis.run/meridian/internal/policy"
	"axis.run/meridian/internal/router"
	"axis.run/meridian/internal/workerpool"
)

// identities are the Ed25519 signer names used across Axis's in-process
// components. Real Gears get their own ephemeral keys at sandbox spawn
// time (internal/sandbox); these two cover the router and the
// orchestrator's own client identity.
const (
	identityRouter = "router"
	identityCore   = "axis-core"
)

// Runtime is the fully wired, running Axis process. Exported fields that
// tests or cmd/axisctl-adjacent tooling may need are accessed through
// methods, not by reaching into the struct, per §9's "no free-floating
// singletons" / explicit-DI design note.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	conn           *nats.Conn
	js             jetstream.JetStream

	store      *job.Store
	auditor    *audit.JetStreamWriter
	metrics    *audit.Metrics
	registry   *prometheus.Registry
	routerKeys ed25519.PublicKey
	router     *router.Router
	breakers   *classify.BreakerRegistry
	classifier *policy.Classifier
	orch       *pipeline.Orchestrator

	gears       *gear.Registry
	planCache   *cache.PlanReplayCache
	semantic    *cache.SemanticCache
	pool        *workerpool.Pool
	bridgeSrv   *bridge.Server
	stopPolicyW context.CancelFunc

	teardown []func(context.Context)

	live  atomic.Bool
	ready atomic.Bool
}

// Live implements bridge.Prober: true from the end of phase 1 (config)
// onward, matching §6 "liveness true after phase 1".
func (rt *Runtime) Live() bool { return rt.live.Load() }

// Ready implements bridge.Prober: true once phase 6 (bridge) has started,
// false again once Shutdown begins, matching §6 "readiness true after
// phase 6 and false during shutdown".
func (rt *Runtime) Ready() bool { return rt.ready.Load() }

// Store exposes the Job queue, e.g. for cmd/axisctl to embed an in-process
// client instead of going over HTTP in tests.
func (rt *Runtime) Store() *job.Store { return rt.store }

// registerTeardown records a handler to run in reverse registration order
// during Shutdown. Teardown handlers never return an error: per §7
// "shutdown handlers never raise; they log and continue."
func (rt *Runtime) registerTeardown(fn func(context.Context)) {
	rt.teardown = append(rt.teardown, fn)
}

// Run blocks until ctx is cancelled or the process receives SIGINT/SIGTERM,
// then runs Shutdown with a bounded grace period, grounded on
// cmd/semspec/app.go's App.Start blocking on a signal channel before calling
// Shutdown.
func (rt *Runtime) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	rt.logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}

// Shutdown flips readiness false (§6 "readiness ... false during shutdown")
// and runs every registered teardown handler in reverse order.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.ready.Store(false)
	rt.teardownAll(ctx)
	rt.live.Store(false)
	return nil
}
