// Package scheduler runs the background loop that keeps jobs moving:
// reconcile remote batches, push due webhook deliveries, and purge old
// terminal jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkravets/descgen/internal/config"
)

// Reconciler advances active jobs against the inference provider.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Deliverer attempts webhook deliveries that are due.
type Deliverer interface {
	ProcessDue(ctx context.Context) error
}

// Purger removes terminal jobs older than the cutoff.
type Purger interface {
	PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Loop ticks at a fixed interval and runs each maintenance phase in
// order. A failing or panicking phase is logged and never stops the
// loop; cleanup only runs once per CleanupInterval.
type Loop struct {
	reconciler Reconciler
	deliverer  Deliverer
	purger     Purger
	cfg        config.SchedulerConfig
	logger     *slog.Logger

	lastCleanup time.Time
}

func NewLoop(r Reconciler, d Deliverer, p Purger, cfg config.SchedulerConfig, logger *slog.Logger) *Loop {
	return &Loop{
		reconciler: r,
		deliverer:  d,
		purger:     p,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("scheduler started",
		"poll_interval", l.cfg.PollInterval,
		"cleanup_interval", l.cfg.CleanupInterval,
		"retention_age", l.cfg.RetentionAge)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. Exported so startup and tests can run
// a pass without the ticker.
func (l *Loop) Tick(ctx context.Context) {
	l.runPhase(ctx, "reconcile", l.reconciler.Reconcile)
	l.runPhase(ctx, "deliver", l.deliverer.ProcessDue)

	if time.Since(l.lastCleanup) >= l.cfg.CleanupInterval {
		l.runPhase(ctx, "cleanup", l.cleanup)
		l.lastCleanup = time.Now()
	}
}

func (l *Loop) cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-l.cfg.RetentionAge)
	removed, err := l.purger.PurgeJobsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		l.logger.Info("purged old jobs", "count", removed, "cutoff", cutoff)
	}
	return nil
}

func (l *Loop) runPhase(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("scheduler phase panicked", "phase", name, "panic", fmt.Sprint(r))
		}
	}()

	if err := fn(ctx); err != nil {
		l.logger.Error("scheduler phase failed", "phase", name, "error", err)
	}
}
