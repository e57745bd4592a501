package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	EnsureSchema(context.Context) error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for restrictions.
// Implementations include the default SQLite store and the in-memory
// store used by tests of the layers above.
type DataStore interface {
	ConfigReadProvider

	RestrictionReadProvider
	RestrictionWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	Close() error
}

// ListedRestriction is one row returned by ListRestrictions. Err is set
// when the row exists but could not be decoded; the remaining fields
// hold whatever was readable.
type ListedRestriction struct {
	model.Restriction
	Err error
}

type RestrictionReadProvider interface {
	// GetRestriction returns (nil, nil) if the user has no row.
	GetRestriction(ctx context.Context, userID int64) (*model.Restriction, error)
	ListRestrictions(ctx context.Context) ([]ListedRestriction, error)
	CountRestrictions(ctx context.Context) (int, error)
}

type RestrictionWriteProvider interface {
	// UpsertRestriction replaces any existing row for r.UserID.
	UpsertRestriction(ctx context.Context, r model.Restriction) error
	// DeleteRestriction reports whether a row existed.
	DeleteRestriction(ctx context.Context, userID int64) (bool, error)
	// DeleteExpiredRestriction removes the row only if it is still expired
	// at now, so a restriction re-added after it was listed survives.
	DeleteExpiredRestriction(ctx context.Context, userID int64, now time.Time) (bool, error)
}
