package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule is how often the reconciler retries pending confirmations.
const DefaultSchedule = "@every 1m"

// Confirmer delivers confirm-lock for a tag.
type Confirmer interface {
	Confirm(ctx context.Context, tagID int64) error
}

// Reconciler periodically retries confirm-lock for journaled tags so a lock
// that committed physically is eventually reflected on the backend.
type Reconciler struct {
	store     *Store
	confirmer Confirmer
	logger    *slog.Logger
	timeout   time.Duration
	cron      *cron.Cron
}

// NewReconciler returns a reconciler over store. Each confirmation attempt is
// bounded by timeout; zero means one minute.
func NewReconciler(store *Store, confirmer Confirmer, logger *slog.Logger, timeout time.Duration) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Reconciler{store: store, confirmer: confirmer, logger: logger, timeout: timeout}
}

// RunOnce tries every pending confirmation once and returns how many were
// confirmed. Failures stay in the journal with their error recorded.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return confirmed, context.Cause(ctx)
		}
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.confirmer.Confirm(cctx, p.TagID)
		cancel()
		if err != nil {
			r.logger.Warn("pending confirmation still failing", "tag", p.TagID, "attempts", p.Attempts+1, "error", err)
			if markErr := r.store.MarkAttempt(ctx, p.TagID, err); markErr != nil {
				return confirmed, markErr
			}
			continue
		}
		if err := r.store.Remove(ctx, p.TagID); err != nil {
			return confirmed, err
		}
		confirmed++
		r.logger.Info("pending confirmation delivered", "tag", p.TagID, "uuid", p.PhysicalUUID)
	}
	return confirmed, nil
}

// Start schedules RunOnce on schedule (cron syntax or "@every 30s") until Stop.
func (r *Reconciler) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error("reconcile pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling reconciler: %w", err)
	}
	r.cron = c
	c.Start()
	r.logger.Info("reconciler started", "schedule", schedule)
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
