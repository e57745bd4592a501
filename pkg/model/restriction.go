// Package model defines the core domain types for Gatekeep.
package model

import (
	"errors"
	"time"
)

// ErrMalformedTimestamp is returned when a stored expiry cannot be decoded.
var ErrMalformedTimestamp = errors.New("malformed expiry timestamp")

// Restriction bars one user from gated commands until ExpiresAt.
// There is at most one Restriction per user.
type Restriction struct {
	UserID      int64     `json:"user_id"`
	Reason      string    `json:"reason"`
	ModeratorID int64     `json:"moderator_id"`
	ExpiresAt   time.Time `json:"expires_at"` // zero = never expires
	CreatedAt   time.Time `json:"created_at"`
}

// Permanent reports whether the restriction never expires.
func (r *Restriction) Permanent() bool {
	return r.ExpiresAt.IsZero()
}

// ExpiredAt reports whether the restriction has lapsed at now.
// A restriction expiring exactly at now is already lapsed.
func (r *Restriction) ExpiredAt(now time.Time) bool {
	if r.Permanent() {
		return false
	}
	return !r.ExpiresAt.After(now)
}
