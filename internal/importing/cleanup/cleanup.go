package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// Cleaner deletes finished and stale batch states.
type Cleaner interface {
	Cleanup(ctx context.Context, maxAgeDays int) int64
}

// Worker runs Cleaner on a cron schedule.
type Worker struct {
	cleaner    Cleaner
	schedule   string
	maxAgeDays int
	cron       *cron.Cron
	running    atomic.Bool
	logger     *slog.Logger
}

// NewWorker creates a cleanup worker. The schedule is a standard 5-field cron
// expression or a descriptor such as "@hourly".
func NewWorker(cleaner Cleaner, schedule string, maxAgeDays int) (*Worker, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	w := &Worker{
		cleaner:    cleaner,
		schedule:   schedule,
		maxAgeDays: maxAgeDays,
		cron:       cron.New(),
		logger:     slog.Default().With("component", "cleanup"),
	}
	return w, nil
}

// Start registers the job and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.schedule, func() { w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	w.logger.Info("Cleanup scheduled", "schedule", w.schedule, "max_age_days", w.maxAgeDays)
	w.cron.Start()

	<-ctx.Done()
	stopCtx := w.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// RunOnce runs a single cleanup pass. Overlapping passes are skipped.
func (w *Worker) RunOnce(ctx context.Context) int64 {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Debug("Cleanup already running, skipping")
		return 0
	}
	defer w.running.Store(false)

	if ctx.Err() != nil {
		return 0
	}
	return w.cleaner.Cleanup(ctx, w.maxAgeDays)
}
