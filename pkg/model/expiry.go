package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrNegativeMagnitude = errors.New("duration must not be negative")
	ErrUnknownUnit       = errors.New("unknown duration unit")
	ErrDurationTooLarge  = errors.New("duration too large, use Lifetime instead")
)

// DurationUnit is the unit an operator picks when restricting a user.
type DurationUnit int

const (
	UnitSeconds DurationUnit = iota
	UnitMinutes
	UnitHours
	UnitDays
	UnitWeeks
	UnitMonths // 30 days, not calendar aware
	UnitYears  // 365 days, not calendar aware
	UnitLifetime
)

const day = 24 * time.Hour

var unitNames = [...]string{
	UnitSeconds:  "Seconds",
	UnitMinutes:  "Minutes",
	UnitHours:    "Hours",
	UnitDays:     "Days",
	UnitWeeks:    "Weeks",
	UnitMonths:   "Months",
	UnitYears:    "Years",
	UnitLifetime: "Lifetime",
}

var unitLengths = [...]time.Duration{
	UnitSeconds: time.Second,
	UnitMinutes: time.Minute,
	UnitHours:   time.Hour,
	UnitDays:    day,
	UnitWeeks:   7 * day,
	UnitMonths:  30 * day,
	UnitYears:   365 * day,
}

func (u DurationUnit) String() string {
	if !u.Valid() {
		return "unknown"
	}
	return unitNames[u]
}

// Valid returns true if the unit is one of the known choices.
func (u DurationUnit) Valid() bool {
	return u >= UnitSeconds && u <= UnitLifetime
}

// Length returns the fixed length of one unit. Lifetime has no length.
func (u DurationUnit) Length() time.Duration {
	if !u.Valid() || u == UnitLifetime {
		return 0
	}
	return unitLengths[u]
}

// ParseDurationUnit converts a unit name such as "Weeks" or "week" to a
// DurationUnit. Matching is case-insensitive.
func ParseDurationUnit(s string) (DurationUnit, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for u, n := range unitNames {
		n = strings.ToLower(n)
		if name == n || name+"s" == n {
			return DurationUnit(u), nil
		}
	}
	return 0, fmt.Errorf("%w: %q (valid: %s)", ErrUnknownUnit, s, strings.Join(DurationUnits(), ", "))
}

// DurationUnits returns the display names of all units, in order.
func DurationUnits() []string {
	names := make([]string, len(unitNames))
	copy(names, unitNames[:])
	return names
}

// ComputeExpiry returns the instant a restriction of magnitude units
// imposed at now lapses. Lifetime returns the zero time (never expires)
// regardless of magnitude. A zero magnitude expires immediately.
func ComputeExpiry(now time.Time, magnitude int64, unit DurationUnit) (time.Time, error) {
	if !unit.Valid() {
		return time.Time{}, fmt.Errorf("%w: %d", ErrUnknownUnit, int(unit))
	}
	if unit == UnitLifetime {
		return time.Time{}, nil
	}
	if magnitude < 0 {
		return time.Time{}, ErrNegativeMagnitude
	}
	length := unit.Length()
	if magnitude > math.MaxInt64/int64(length) {
		return time.Time{}, ErrDurationTooLarge
	}
	return now.Add(time.Duration(magnitude) * length), nil
}
