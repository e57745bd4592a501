// Package blacklist manages the lifecycle of user restrictions: the
// access gate consulted before every command, the administration
// operations available to operators and the loop that prunes expired
// rows.
package blacklist

import (
	"errors"
	"log/slog"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/metrics"
)

var (
	// ErrForbidden is returned when the requester is not an operator.
	ErrForbidden = errors.New("requester is not an operator")
	// ErrInvalidTarget is returned when an operator targets themselves.
	ErrInvalidTarget = errors.New("operator cannot target themselves")
	// ErrAlreadyRunning is returned by a second call to Reconciler.Run.
	ErrAlreadyRunning = errors.New("reconciler already running")
)

// Options carries the collaborators shared by the gate, admin and
// reconciler. The zero value is usable.
type Options struct {
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return func() time.Time { return time.Now().UTC() }
}
