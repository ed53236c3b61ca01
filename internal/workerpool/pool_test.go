package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"axis.run/meridian/internal/job"
)

func newTestStore(t *testing.T) *job.Store {
	t.Helper()

	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
		StoreDir:  t.TempDir(),
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	store, err := job.NewStore(context.Background(), js)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{}
	advance job.Status
	store   *job.Store
}

func (f *fakeRunner) Run(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-cancel:
			return ctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.advance != "" {
		_, err := f.store.Transition(ctx, j.ID, j.Status, f.advance, nil)
		return err
	}
	return nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRunner) Resume(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
	return f.Run(ctx, j, cancel)
}

func TestPool_ClaimsAndRunsJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, TimeoutMs: 5000})
	require.NoError(t, err)

	runner := &fakeRunner{advance: job.StatusValidating, store: store}
	cfg := DefaultConfig()
	cfg.MaxWorkers = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.WatchdogInterval = time.Hour

	pool := New(store, runner, cfg, slog.Default())
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop(context.Background())

	require.Eventually(t, func() bool { return runner.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPool_Start_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	runner := &fakeRunner{}
	cfg := DefaultConfig()
	cfg.WatchdogInterval = time.Hour
	pool := New(store, runner, cfg, slog.Default())

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPool_Stop_CancelsInFlightJobAfterDeadline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, TimeoutMs: 60000})
	require.NoError(t, err)

	var cancelled atomic.Bool
	runner := runnerFunc(func(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
		<-cancel
		cancelled.Store(true)
		return nil
	})

	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	cfg.PollInterval = 5 * time.Millisecond
	cfg.GracefulShutdown = 20 * time.Millisecond
	cfg.WatchdogInterval = time.Hour

	pool := New(store, runner, cfg, slog.Default())
	require.NoError(t, pool.Start(ctx))

	require.Eventually(t, func() bool {
		pool.cancelMu.Lock()
		defer pool.cancelMu.Unlock()
		return len(pool.cancels) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Stop(context.Background()))
	require.True(t, cancelled.Load())
}

func TestPool_OnStatusChange_CancelsOnExternalCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, TimeoutMs: 60000})
	require.NoError(t, err)

	released := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
		<-cancel
		close(released)
		return nil
	})

	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	cfg.PollInterval = 5 * time.Millisecond
	cfg.WatchdogInterval = time.Hour

	pool := New(store, runner, cfg, slog.Default())
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop(context.Background())

	require.Eventually(t, func() bool {
		pool.cancelMu.Lock()
		defer pool.cancelMu.Unlock()
		_, ok := pool.cancels[j.ID]
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err = store.CancelJob(ctx, j.ID)
	require.NoError(t, err)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("cancel channel was not closed on external CancelJob")
	}
}

type runnerFunc func(ctx context.Context, j *job.Job, cancel <-chan struct{}) error

func (f runnerFunc) Run(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
	return f(ctx, j, cancel)
}

func (f runnerFunc) Resume(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
	return f(ctx, j, cancel)
}

// TestPool_Resume_DrivesAnAlreadyExecutingJobOnThePoolsOwnGroup covers the
// bridge.handleApprove handoff: a Job an external event already moved to
// executing is picked up by Resume rather than workerLoop's Claim, and Stop
// still waits for it.
func TestPool_Resume_DrivesAnAlreadyExecutingJobOnThePoolsOwnGroup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, TimeoutMs: 60000})
	require.NoError(t, err)
	_, err = store.Transition(ctx, j.ID, job.StatusPending, job.StatusPlanning, nil)
	require.NoError(t, err)
	_, err = store.Transition(ctx, j.ID, job.StatusPlanning, job.StatusValidating, nil)
	require.NoError(t, err)
	_, err = store.Transition(ctx, j.ID, job.StatusValidating, job.StatusExecuting, nil)
	require.NoError(t, err)

	resumed := make(chan string, 1)
	runner := runnerFunc(func(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
		resumed <- j.ID
		return nil
	})

	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	cfg.PollInterval = time.Hour // no claim-loop interference; only Resume drives this job
	cfg.WatchdogInterval = time.Hour

	pool := New(store, runner, cfg, slog.Default())
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop(context.Background())

	require.NoError(t, pool.Resume(ctx, j.ID))

	select {
	case gotID := <-resumed:
		require.Equal(t, j.ID, gotID)
	case <-time.After(time.Second):
		t.Fatal("Resume did not drive the job onto the runner")
	}
}

func TestPool_Resume_RejectsJobNotInExecuting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, TimeoutMs: 5000})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.WatchdogInterval = time.Hour
	pool := New(store, &fakeRunner{}, cfg, slog.Default())
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop(context.Background())

	require.Error(t, pool.Resume(ctx, j.ID))
}
