// Package retention prunes old interaction records on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

type Pruner interface {
	DeleteInteractionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Cron string
	Keep time.Duration
}

type Scheduler struct {
	pruner Pruner
	cron   string
	keep   time.Duration
	now    func() time.Time
}

// New validates the cron expression. An empty expression means daily at 03:00 UTC.
func New(pruner Pruner, cfg Config) (*Scheduler, error) {
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}
	if cfg.Keep <= 0 {
		return nil, fmt.Errorf("retention period must be positive, got %s", cfg.Keep)
	}
	return &Scheduler{pruner: pruner, cron: cronExpr, keep: cfg.Keep, now: func() time.Time { return time.Now().UTC() }}, nil
}

// RunOnce deletes interactions older than the retention period.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.keep)
	removed, err := s.pruner.DeleteInteractionsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune interactions: %w", err)
	}
	slog.Info("retention_run_complete", "cutoff", cutoff, "removed", removed)
	return removed, nil
}

// Next returns the next scheduled run strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Start runs the schedule until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("retention_scheduler_started", "cron", s.cron, "keep", s.keep.String())
	for {
		next, err := s.Next(s.now())
		if err != nil {
			slog.Error("retention_nexttick_failed", "cron", s.cron, "error", err)
			next = s.now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("retention_scheduler_stopping")
			return
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx); err != nil {
			slog.Error("retention_run_error", "error", err)
		}
	}
}
