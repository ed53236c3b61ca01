package workerpool

import (
	"context"
	"log/slog"
	"time"

	"axis.run/meridian/internal/job"
)

// watchdogLoop periodically logs per-status Job counts and flags
// awaiting_approval Jobs that have sat past ApprovalStaleAfter (§4.4,
// §9.1). It does not maintain its own gauges: internal/audit.Metrics
// already implements a Prometheus Collector backed by store.CountByStatus,
// scraped through the bridge's /metrics endpoint, so a second set of
// counters here would only drift from the one actually exposed.
func (p *Pool) watchdogLoop(ctx context.Context) {
	interval := p.cfg.WatchdogInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	counts := p.store.CountByStatus()
	p.logger.Info("worker pool status", slog.Any("counts", counts))

	jobs, err := p.store.List(ctx)
	if err != nil {
		p.logger.Warn("watchdog list failed", slog.String("error", err.Error()))
		return
	}

	staleAfter := p.cfg.ApprovalStaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	now := time.Now()
	for _, j := range jobs {
		if j.Status != job.StatusAwaitingApproval {
			continue
		}
		age := now.Sub(j.CreatedAt)
		if age >= staleAfter {
			p.logger.Warn("job awaiting approval past threshold",
				slog.String("job_id", j.ID),
				slog.Duration("age", age),
			)
		}
	}
}
