// Package workerpool implements the bounded-concurrency Job runner described
// in spec §4.4: N long-running workers claiming Jobs from the queue and
// driving them through the pipeline, plus a watchdog that reports queue
// health.
//
// Grounded on processor/task-dispatcher/component.go's running/cancel/
// consumeLoop shape (a single long-lived consumer goroutine guarded by a
// running bool and a context.CancelFunc), generalized from "one JetStream
// consumer loop" to "N worker goroutines calling queue.Claim in a loop." The
// group of workers uses golang.org/x/sync/errgroup instead of the teacher's
// bare sync.WaitGroup. Every goroutine in the group returns nil, so Stop
// uses the group only to wait for the workers, the watchdog and resumed Jobs.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"axis.run/meridian/internal/job"
)

// Runner drives one claimed Job to a terminal status (or awaiting_approval),
// and can resume a Job an external approval event already moved out of
// awaiting_approval. internal/pipeline.Orchestrator satisfies this.
type Runner interface {
	Run(ctx context.Context, j *job.Job, cancel <-chan struct{}) error
	Resume(ctx context.Context, j *job.Job, cancel <-chan struct{}) error
}

// Config controls pool sizing and shutdown/watchdog timing (§4.4, §6).
type Config struct {
	MaxWorkers         int
	PollInterval       time.Duration
	JobTimeoutMs       int64
	GracefulShutdown   time.Duration
	WatchdogInterval   time.Duration
	ApprovalStaleAfter time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:         4,
		PollInterval:       250 * time.Millisecond,
		JobTimeoutMs:       5 * 60 * 1000,
		GracefulShutdown:   30 * time.Second,
		WatchdogInterval:   30 * time.Second,
		ApprovalStaleAfter: 10 * time.Minute,
	}
}

// Pool runs Config.MaxWorkers workers against a job.Store, each looping
// claim -> run pipeline -> repeat, plus one watchdog goroutine.
type Pool struct {
	store  *job.Store
	runner Runner
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	group       *errgroup.Group
	runCtx      context.Context
	unsubscribe func()

	cancelMu sync.Mutex
	cancels  map[string]chan struct{}
}

// New builds a Pool. Workers are not started until Start is called.
func New(store *job.Store, runner Runner, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:   store,
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		cancels: make(map[string]chan struct{}),
	}
}

// Start spawns Config.MaxWorkers worker goroutines and the watchdog.
// Idempotent: a second call while already running is a no-op, matching
// task-dispatcher/component.go's Start guard on c.running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	group, groupCtx := errgroup.WithContext(ctx)
	p.group = group
	p.runCtx = groupCtx
	p.unsubscribe = p.store.OnStatusChange(p.onStatusChange)
	p.mu.Unlock()

	for i := 0; i < p.cfg.MaxWorkers; i++ {
		workerID := workerID(i)
		group.Go(func() error {
			p.workerLoop(groupCtx, workerID)
			return nil
		})
	}
	group.Go(func() error {
		p.watchdogLoop(groupCtx)
		return nil
	})

	return nil
}

// Stop signals every worker to finish its current Job and return, waiting up
// to Config.GracefulShutdown. Jobs still running at the deadline have their
// per-job cancel token signaled (§4.4 "stop()").
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	close(p.stopCh)
	group := p.group
	unsubscribe := p.unsubscribe
	p.running = false
	p.unsubscribe = nil
	p.mu.Unlock()
	unsubscribe()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(p.cfg.GracefulShutdown):
		p.cancelAllRunning()
		<-done
		return nil
	case <-ctx.Done():
		p.cancelAllRunning()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		j, err := p.store.Claim(ctx, workerID)
		if err != nil {
			p.logger.Error("claim failed", slog.String("worker", workerID), slog.String("error", err.Error()))
			p.waitTick(ticker)
			continue
		}
		if j == nil {
			p.waitTick(ticker)
			continue
		}

		p.runJob(ctx, j)
	}
}

func (p *Pool) waitTick(ticker *time.Ticker) {
	select {
	case <-p.stopCh:
	case <-ticker.C:
	}
}

func (p *Pool) runJob(ctx context.Context, j *job.Job) {
	jobCtx, cancelCtx := context.WithTimeout(ctx, time.Duration(j.TimeoutMs)*time.Millisecond)
	defer cancelCtx()

	cancelCh := make(chan struct{})
	p.registerCancel(j.ID, cancelCh)
	defer p.unregisterCancel(j.ID)

	if err := p.runner.Run(jobCtx, j, cancelCh); err != nil {
		p.logger.Error("pipeline run failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
	}
}

// Resume drives a Job that an external approval event (bridge.handleApprove)
// already transitioned out of awaiting_approval into executing, the rest of
// the way through the pipeline — the counterpart to workerLoop claiming a
// freshly pending Job. It is spawned on the pool's own errgroup so Stop
// still waits for it, and registerCancel/onStatusChange apply to it exactly
// as they do to a claimed Job.
func (p *Pool) Resume(ctx context.Context, jobID string) error {
	j, err := p.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusExecuting {
		return fmt.Errorf("workerpool: job %s is not executing (status %s)", jobID, j.Status)
	}

	p.mu.Lock()
	group, runCtx, running := p.group, p.runCtx, p.running
	p.mu.Unlock()
	if !running {
		return fmt.Errorf("workerpool: pool is not running")
	}

	group.Go(func() error {
		p.runResumedJob(runCtx, j)
		return nil
	})
	return nil
}

func (p *Pool) runResumedJob(ctx context.Context, j *job.Job) {
	jobCtx, cancelCtx := context.WithTimeout(ctx, time.Duration(j.TimeoutMs)*time.Millisecond)
	defer cancelCtx()

	cancelCh := make(chan struct{})
	p.registerCancel(j.ID, cancelCh)
	defer p.unregisterCancel(j.ID)

	if err := p.runner.Resume(jobCtx, j, cancelCh); err != nil {
		p.logger.Error("pipeline resume failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
	}
}

func (p *Pool) registerCancel(jobID string, ch chan struct{}) {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	p.cancels[jobID] = ch
}

func (p *Pool) unregisterCancel(jobID string) {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	delete(p.cancels, jobID)
}

func (p *Pool) cancelAllRunning() {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	for id, ch := range p.cancels {
		close(ch)
		delete(p.cancels, id)
	}
}

// onStatusChange closes a running Job's cancel channel the moment the queue
// itself records a transition to cancelled (e.g. from an external
// CancelJob call), so a worker blocked inside the pipeline notices without
// polling.
func (p *Pool) onStatusChange(jobID string, from, to job.Status) {
	if to != job.StatusCancelled {
		return
	}
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	if ch, ok := p.cancels[jobID]; ok {
		close(ch)
		delete(p.cancels, jobID)
	}
}

func workerID(i int) string {
	const hex = "0123456789abcdef"
	if i < 16 {
		return "worker-" + string(hex[i])
	}
	return "worker-" + string(hex[i/16]) + string(hex[i%16])
}
