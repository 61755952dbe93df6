package task

import (
	"context"
	"log/slog"
	"time"
)

// StuckTaskMessage is the error message given to tasks failed by the Reconciler.
const StuckTaskMessage = "reset after being stuck in running state"

// Reconciler periodically fails tasks left RUNNING by a worker that died or
// was killed before it could record an outcome.
type Reconciler struct {
	store    Store
	age      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler that fails RUNNING tasks not updated
// within age, checking every interval.
func NewReconciler(s Store, age, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    s,
		age:      age,
		interval: interval,
		logger:   logger.With("component", "reconciler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Serve runs one pass immediately and then one per interval until ctx is done.
func (r *Reconciler) Serve(ctx context.Context) error {
	r.ReconcileOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (r *Reconciler) String() string {
	return "stuck-task-reconciler"
}

// ReconcileOnce fails every stuck task and returns how many were reset.
func (r *Reconciler) ReconcileOnce(ctx context.Context) int {
	stuck, err := r.store.StuckRunning(ctx, r.age)
	if err != nil {
		r.logger.Error("failed to check for stuck tasks", "error", err)
		return 0
	}
	if len(stuck) == 0 {
		return 0
	}

	r.logger.Info("found stuck tasks", "count", len(stuck))
	reset := 0
	for _, t := range stuck {
		if err := r.store.MarkFailed(ctx, t.ID, StuckTaskMessage, r.now()); err != nil {
			r.logger.Error("failed to reset stuck task status",
				"task_id", t.ID,
				"task_type", t.Type,
				"error", err)
			continue
		}
		reset++
		r.logger.Warn("failed stuck task",
			"task_id", t.ID,
			"task_type", t.Type,
			"user_id", t.UserID)
	}
	return reset
}
