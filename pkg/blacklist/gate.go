package blacklist

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/datastore"
	"github.com/NicolasHaas/gatekeep/pkg/logging"
	"github.com/NicolasHaas/gatekeep/pkg/metrics"
	"github.com/NicolasHaas/gatekeep/pkg/model"
)

// Decision is the outcome of a gate check.
type Decision struct {
	Blocked     bool
	Restriction *model.Restriction // set only when Blocked
}

// Allowed reports whether the user may proceed.
func (d Decision) Allowed() bool {
	return !d.Blocked
}

// Gate decides whether a user may invoke a gated command. It checks the
// stored expiry itself and never relies on the reconciler having pruned
// the row.
type Gate struct {
	store   datastore.RestrictionReadProvider
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGate creates a gate reading from store.
func NewGate(store datastore.RestrictionReadProvider, opts Options) *Gate {
	return &Gate{
		store:   store,
		logger:  logging.OrDefault(opts.Logger, "gate"),
		metrics: opts.Metrics,
	}
}

// Check returns the decision for userID at now. A row whose expiry cannot
// be decoded lets the user through and is reported as an integrity
// warning. Any other store error is returned.
func (g *Gate) Check(ctx context.Context, userID int64, now time.Time) (Decision, error) {
	r, err := g.store.GetRestriction(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrMalformedTimestamp) {
			g.logger.Warn("ignoring restriction with malformed expiry", "user_id", userID, "err", err)
			g.metrics.IncIntegrityWarning()
			g.metrics.IncGateCheck(metrics.ResultAllowed)
			return Decision{}, nil
		}
		g.metrics.IncGateCheck(metrics.ResultError)
		return Decision{}, err
	}
	if r == nil || r.ExpiredAt(now) {
		g.metrics.IncGateCheck(metrics.ResultAllowed)
		return Decision{}, nil
	}
	g.metrics.IncGateCheck(metrics.ResultBlocked)
	return Decision{Blocked: true, Restriction: r}, nil
}
