package lifecycle

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

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

// GearManifestDir and PolicyRulesPath default under cfg.DataDir when the
// caller doesn't override them via BuildOptions.
const (
	defaultGearManifestSubdir = "gears"
	defaultPolicyRulesName    = "policy-rules.yaml"
)

// BuildOptions lets a caller (chiefly cmd/axisd) override the on-disk
// locations Build derives from cfg.DataDir by default; tests override these
// to point at fixtures.
type BuildOptions struct {
	GearManifestDir string
	PolicyRulesPath string
}

// Build wires every Axis component into a Runtime and runs its six-phase
// startup (§4.5). It does not start serving until the bridge phase
// succeeds; any phase failure tears down everything started so far.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{cfg: cfg, logger: logger}

	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"config", rt.phaseConfig(cfg)},
		{"database", rt.phaseDatabase(cfg)},
		{"axis_core", rt.phaseAxisCore(cfg, opts)},
		{"components", rt.phaseComponents(cfg, opts)},
		{"recovery", rt.phaseRecovery(cfg)},
		{"bridge", rt.phaseBridge(cfg)},
	}

	for _, p := range phases {
		if err := p.fn(ctx); err != nil {
			logger.Error("lifecycle phase failed", slog.String("phase", p.name), slog.String("error", err.Error()))
			rt.teardownAll(context.Background())
			return nil, fmt.Errorf("lifecycle: phase %s: %w", p.name, err)
		}
		logger.Info("lifecycle phase complete", slog.String("phase", p.name))
	}

	return rt, nil
}

// phaseConfig validates configuration and flips liveness true (§6
// "liveness true after phase 1").
func (rt *Runtime) phaseConfig(cfg *config.Config) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		rt.live.Store(true)
		return nil
	}
}

// phaseDatabase starts (or connects to) NATS and opens a JetStream context.
// Grounded on cmd/semspec/app.go's startNATS.
func (rt *Runtime) phaseDatabase(cfg *config.Config) func(context.Context) error {
	return func(ctx context.Context) error {
		if cfg.NATS.URL != "" && !cfg.NATS.Embedded {
			conn, err := nats.Connect(cfg.NATS.URL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			rt.conn = conn
		} else {
			opts := &server.Options{
				Port:      -1,
				JetStream: true,
				NoLog:     true,
				NoSigs:    true,
				StoreDir:  cfg.DataDir,
			}
			ns, err := server.NewServer(opts)
			if err != nil {
				return fmt.Errorf("create embedded nats: %w", err)
			}
			go ns.Start()
			if !ns.ReadyForConnections(5 * time.Second) {
				ns.Shutdown()
				return fmt.Errorf("embedded nats failed to start")
			}
			rt.embeddedServer = ns

			conn, err := nats.Connect(ns.ClientURL())
			if err != nil {
				ns.Shutdown()
				return fmt.Errorf("connect embedded nats: %w", err)
			}
			rt.conn = conn
		}

		rt.registerTeardown(func(ctx context.Context) {
			if rt.conn != nil {
				rt.conn.Drain()
				rt.conn.Close()
			}
			if rt.embeddedServer != nil {
				rt.embeddedServer.Shutdown()
				rt.embeddedServer.WaitForShutdown()
			}
		})

		js, err := jetstream.New(rt.conn)
		if err != nil {
			return fmt.Errorf("jetstream context: %w", err)
		}
		rt.js = js
		return nil
	}
}

// phaseAxisCore builds the Job store, audit writer, metrics, router, and
// pipeline orchestrator — the parts of Axis that have no dependency on
// anything outside the NATS connection opened in phaseDatabase.
func (rt *Runtime) phaseAxisCore(cfg *config.Config, opts BuildOptions) func(context.Context) error {
	return func(ctx context.Context) error {
		store, err := job.NewStore(ctx, rt.js)
		if err != nil {
			return fmt.Errorf("job store: %w", err)
		}
		rt.store = store
		rt.registerTeardown(func(context.Context) { rt.store.Close() })

		auditor, err := audit.NewJetStreamWriter(ctx, rt.js)
		if err != nil {
			return fmt.Errorf("audit writer: %w", err)
		}
		rt.auditor = auditor

		rt.metrics = audit.NewMetrics(store)
		rt.registry = prometheus.NewRegistry()
		if err := rt.registry.Register(rt.metrics); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}

		routerPub, routerPriv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("generate router keypair: %w", err)
		}
		rt.routerKeys = routerPub
		routerCfg := router.Config{
			ReplayWindow:        time.Duration(cfg.ReplayWindowMs) * time.Millisecond,
			MaxReplayWindowSize: cfg.MaxReplayWindowSize,
			ClockSkewTolerance:  router.DefaultConfig().ClockSkewTolerance,
		}
		rt.router = router.New(identityRouter, routerPriv, routerPub, rt.auditor, routerCfg)

		corePub, corePriv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("generate core keypair: %w", err)
		}
		rt.router.Keys().Register(identityCore, corePub)

		rt.breakers = classify.NewBreakerRegistry(func(gearID string, from, to gobreaker.State) {
			rt.logger.Info("circuit breaker state change", slog.String("gear", gearID), slog.Any("from", from), slog.Any("to", to))
		})

		classifier, err := rt.loadPolicyClassifier(cfg, opts)
		if err != nil {
			return fmt.Errorf("policy classifier: %w", err)
		}
		rt.classifier = classifier

		dispatcher := pipeline.NewRouterDispatcher(rt.router, identityCore, corePriv, routerPub)
		pcfg := pipeline.DefaultConfig()
		rt.orch = pipeline.New(rt.store, dispatcher, rt.classifier, rt.breakers, rt.auditor, pcfg)
		return nil
	}
}

// phaseComponents builds the Gear registry (with hot reload), the
// plan-replay cache, the optional semantic cache, the policy rule watcher,
// and the worker pool.
func (rt *Runtime) phaseComponents(cfg *config.Config, opts BuildOptions) func(context.Context) error {
	return func(ctx context.Context) error {
		gearDir := opts.GearManifestDir
		if gearDir == "" {
			gearDir = cfg.DataDir + "/" + defaultGearManifestSubdir
		}

		sandboxPub, sandboxPriv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("generate sandbox keypair: %w", err)
		}
		rt.gears = gear.New(gear.Keys{
			SignerID:    identityCore,
			SigningKey:  sandboxPriv,
			ChildPublic: sandboxPub,
			Workspace:   cfg.DataDir,
			ToolVersion: "axis-dev",
			SecretsDir:  cfg.DataDir + "/secrets",
		}, rt.logger)
		if err := rt.gears.Load(gearDir); err != nil {
			rt.logger.Warn("gear manifest directory unavailable at startup", slog.String("dir", gearDir), slog.String("error", err.Error()))
		}
		watchCtx, cancel := context.WithCancel(context.Background())
		if err := rt.gears.Watch(watchCtx, gearDir, 250*time.Millisecond); err != nil {
			rt.logger.Warn("gear hot-reload watcher unavailable", slog.String("error", err.Error()))
		}
		rt.registerTeardown(func(context.Context) { cancel() })

		rt.router.Register("tool-runtime", rt.gears.Handler())

		planCache, err := cache.NewPlanReplayCache(ctx, rt.js, cache.PlanReplayConfig{
			MaxEntries: cfg.PlanCache.MaxEntries,
			TTL:        time.Duration(cfg.PlanCache.TTLMs) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("plan replay cache: %w", err)
		}
		rt.planCache = planCache

		if cfg.SemanticCache.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.SemanticCache.RedisAddr})
			rt.registerTeardown(func(context.Context) { _ = client.Close() })
			rt.semantic = cache.NewSemanticCache(client, cache.SemanticConfig{
				SimilarityThreshold: cfg.SemanticCache.SimilarityThreshold,
				TTL:                 time.Duration(cfg.SemanticCache.TTLMs) * time.Millisecond,
				MaxEntries:          cfg.SemanticCache.MaxEntries,
			})
		}

		policyWatchCtx, policyCancel := context.WithCancel(context.Background())
		if err := watchPolicyRules(policyWatchCtx, rt.policyRulesPath(cfg, opts), rt.orch, rt.logger); err != nil {
			rt.logger.Warn("policy rule hot-reload watcher unavailable", slog.String("error", err.Error()))
		}
		rt.stopPolicyW = policyCancel
		rt.registerTeardown(func(context.Context) { rt.stopPolicyW() })

		poolCfg := workerpool.DefaultConfig()
		poolCfg.MaxWorkers = cfg.Workers
		poolCfg.JobTimeoutMs = cfg.JobTimeoutMs
		poolCfg.GracefulShutdown = time.Duration(cfg.GracefulShutdownMs) * time.Millisecond
		rt.pool = workerpool.New(rt.store, rt.orch, poolCfg, rt.logger)
		if err := rt.pool.Start(context.Background()); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
		rt.registerTeardown(func(ctx context.Context) { _ = rt.pool.Stop(ctx) })

		return nil
	}
}

// phaseRecovery reverts Jobs left mid-flight by a prior crash (§4.1
// "Recovery").
func (rt *Runtime) phaseRecovery(cfg *config.Config) func(context.Context) error {
	return func(ctx context.Context) error {
		staleAfter := time.Duration(cfg.JobTimeoutMs) * time.Millisecond
		result, err := rt.store.Recover(ctx, staleAfter)
		if err != nil {
			return fmt.Errorf("recover jobs: %w", err)
		}
		if len(result.Actions) > 0 {
			rt.logger.Info("recovered jobs from prior run", slog.Int("inspected", result.Inspected), slog.Int("actions", len(result.Actions)))
		}
		return nil
	}
}

// phaseBridge starts the external HTTP/WS interface and flips readiness
// true (§6 "readiness true after phase 6").
func (rt *Runtime) phaseBridge(cfg *config.Config) func(context.Context) error {
	return func(ctx context.Context) error {
		rt.bridgeSrv = bridge.New(rt.store, rt.registry, rt, rt.pool, cfg.HTTPAddr, rt.logger)
		if err := rt.bridgeSrv.Start(); err != nil {
			return fmt.Errorf("start bridge: %w", err)
		}
		rt.registerTeardown(func(ctx context.Context) { _ = rt.bridgeSrv.Stop(ctx) })
		rt.ready.Store(true)
		return nil
	}
}

// policyRulesPath resolves the on-disk policy rules file location, honoring
// BuildOptions' override the same way loadPolicyClassifier and
// watchPolicyRules both need to watch and load the identical path.
func (rt *Runtime) policyRulesPath(cfg *config.Config, opts BuildOptions) string {
	if opts.PolicyRulesPath != "" {
		return opts.PolicyRulesPath
	}
	return cfg.DataDir + "/" + defaultPolicyRulesName
}

func (rt *Runtime) loadPolicyClassifier(cfg *config.Config, opts BuildOptions) (*policy.Classifier, error) {
	path := rt.policyRulesPath(cfg, opts)
	rules, err := policy.LoadRules(path)
	if err != nil {
		rt.logger.Info("policy rules file unavailable, using defaults", slog.String("path", path))
		rules = policy.DefaultRules()
	}
	return policy.NewClassifier(rules), nil
}

func (rt *Runtime) teardownAll(ctx context.Context) {
	for i := len(rt.teardown) - 1; i >= 0; i-- {
		rt.teardown[i](ctx)
	}
}
