package blacklist

import (
	"context"
	"log/slog"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/datastore"
	"github.com/NicolasHaas/gatekeep/pkg/logging"
	"github.com/NicolasHaas/gatekeep/pkg/metrics"
	"github.com/NicolasHaas/gatekeep/pkg/model"
	"github.com/NicolasHaas/gatekeep/pkg/rbac"
)

// AdminConfig is fixed at startup.
type AdminConfig struct {
	Operators rbac.Operators
}

// Admin implements the operator commands. Permission and target checks
// run before the store is touched.
type Admin struct {
	store     datastore.DataStore
	operators rbac.Operators
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewAdmin creates an Admin backed by store.
func NewAdmin(store datastore.DataStore, cfg AdminConfig, opts Options) *Admin {
	return &Admin{
		store:     store,
		operators: cfg.Operators,
		now:       opts.clock(),
		logger:    logging.OrDefault(opts.Logger, "admin"),
		metrics:   opts.Metrics,
	}
}

func (a *Admin) authorize(requesterID, targetID int64, perm rbac.Permission) error {
	if !a.operators.Allowed(requesterID, perm) {
		a.logger.Warn("operator command denied",
			"user_id", targetID, "requester_id", requesterID,
			"reason", rbac.RequirePermission(a.operators.RoleOf(requesterID), perm))
		return ErrForbidden
	}
	if requesterID == targetID {
		return ErrInvalidTarget
	}
	return nil
}

// Add restricts targetID for magnitude units, replacing any existing
// restriction. The expiry is stored with second resolution; the returned
// restriction matches what a later Inspect reads back.
func (a *Admin) Add(ctx context.Context, requesterID, targetID, magnitude int64, unit model.DurationUnit, reason string) (*model.Restriction, error) {
	if err := a.authorize(requesterID, targetID, rbac.PermAddRestriction); err != nil {
		return nil, err
	}

	now := a.now().UTC().Truncate(time.Second)
	expiresAt, err := model.ComputeExpiry(now, magnitude, unit)
	if err != nil {
		return nil, err
	}

	r := model.Restriction{
		UserID:      targetID,
		Reason:      reason,
		ModeratorID: requesterID,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	if err := a.store.UpsertRestriction(ctx, r); err != nil {
		return nil, err
	}

	a.metrics.IncAdded()
	a.logger.Info("restriction added",
		"user_id", targetID, "moderator_id", requesterID,
		"duration", magnitude, "unit", unit.String(), "permanent", r.Permanent())
	return &r, nil
}

// Remove lifts targetID's restriction. It reports false when there was
// nothing to remove.
func (a *Admin) Remove(ctx context.Context, requesterID, targetID int64) (bool, error) {
	if err := a.authorize(requesterID, targetID, rbac.PermRemoveRestriction); err != nil {
		return false, err
	}

	removed, err := a.store.DeleteRestriction(ctx, targetID)
	if err != nil {
		return false, err
	}
	if removed {
		a.metrics.IncRemoved()
		a.logger.Info("restriction removed", "user_id", targetID, "moderator_id", requesterID)
	}
	return removed, nil
}

// Operators returns the allow-list the admin checks against.
func (a *Admin) Operators() rbac.Operators {
	return a.operators
}

// Inspect returns the stored restriction for targetID, or nil. It does not
// filter expired rows; callers compare against the clock themselves.
func (a *Admin) Inspect(ctx context.Context, targetID int64) (*model.Restriction, error) {
	return a.store.GetRestriction(ctx, targetID)
}
