package blacklist

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/datastore"
	"github.com/NicolasHaas/gatekeep/pkg/logging"
	"github.com/NicolasHaas/gatekeep/pkg/metrics"
)

// DefaultSweepInterval matches the one minute cadence of the bot.
const DefaultSweepInterval = time.Minute

// ReconcilerConfig configures the sweep cadence.
type ReconcilerConfig struct {
	Interval time.Duration // DefaultSweepInterval if zero
}

// SweepResult summarizes one tick.
type SweepResult struct {
	Scanned int // rows read
	Pruned  int // expired rows deleted
	Skipped int // rows with an undecodable expiry
	Failed  int // expired rows whose delete failed
}

// Reconciler periodically deletes expired restrictions.
type Reconciler struct {
	store    datastore.DataStore
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics

	running atomic.Bool
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store datastore.DataStore, cfg ReconcilerConfig, opts Options) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Reconciler{
		store:    store,
		interval: interval,
		now:      opts.clock(),
		logger:   logging.OrDefault(opts.Logger, "reconciler"),
		metrics:  opts.Metrics,
	}
}

// Interval returns the configured sweep interval.
func (r *Reconciler) Interval() time.Duration {
	return r.interval
}

// Run sweeps once immediately and then every interval until ctx is done.
// A failed sweep is logged and the loop carries on. Run may only be
// called once per Reconciler.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	r.logger.Info("reconciler started", "interval", r.interval)
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return ctx.Err()
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	res, err := r.Sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.metrics.IncSweepFailure()
		r.logger.Error("sweep failed", "err", err)
		return
	}
	if res.Pruned > 0 || res.Skipped > 0 || res.Failed > 0 {
		r.logger.Info("sweep finished",
			"scanned", res.Scanned, "pruned", res.Pruned,
			"skipped", res.Skipped, "failed", res.Failed)
	}
}

// Sweep runs a single pass against the time at which it starts. Only a
// failure to list rows aborts the pass; problems with individual rows are
// logged and counted in the result.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now()

	rows, err := r.store.ListRestrictions(ctx)
	if err != nil {
		return res, err
	}
	res.Scanned = len(rows)

	for _, row := range rows {
		if row.Err != nil {
			res.Skipped++
			r.metrics.IncIntegrityWarning()
			r.logger.Warn("skipping restriction with malformed expiry", "user_id", row.UserID, "err", row.Err)
			continue
		}
		if !row.ExpiredAt(now) {
			continue
		}
		removed, err := r.store.DeleteExpiredRestriction(ctx, row.UserID, now)
		if err != nil {
			res.Failed++
			r.metrics.IncSweepFailure()
			r.logger.Error("failed to prune restriction", "user_id", row.UserID, "err", err)
			continue
		}
		if !removed {
			continue // replaced or removed since it was listed
		}
		res.Pruned++
		r.logger.Debug("restriction expired", "user_id", row.UserID, "expired_at", row.ExpiresAt)
	}
	r.metrics.AddPruned(res.Pruned)

	if n, err := r.store.CountRestrictions(ctx); err == nil {
		r.metrics.SetActive(n)
	}
	return res, nil
}
