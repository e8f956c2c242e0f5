// Package recurrence computes occurrence times for repeating tasks.
//
// All functions are pure: given the same rule and reference time they
// return the same result, so due dates and event timestamps are
// reproducible in tests.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

var ErrInvalidRule = errors.New("invalid recurrence rule")

// ParseFrequency accepts the canonical lowercase names (case-insensitive).
func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(s))) {
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Monthly:
		return Monthly, nil
	case Yearly:
		return Yearly, nil
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidRule, s)
	}
}

// Rule describes a recurrence series.
//
// The series is anchored at Anchor (occurrence index 0). Monthly and
// yearly steps are computed from the anchor's day-of-month, not from the
// previous occurrence, so "every month on the 31st" stays on day 31 and
// clamps only in shorter months.
//
// At most one of EndAt / Count may be set. Count is the total number of
// occurrences in the series, the anchor included.
type Rule struct {
	Frequency Frequency
	Interval  int
	Anchor    time.Time
	EndAt     *time.Time
	Count     int
}

// Validate rejects malformed rules up front, before any job is scheduled.
func (r Rule) Validate() error {
	if _, err := ParseFrequency(string(r.Frequency)); err != nil {
		return err
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval must be >= 1, got %d", ErrInvalidRule, r.Interval)
	}
	if r.Anchor.IsZero() {
		return fmt.Errorf("%w: anchor date required", ErrInvalidRule)
	}
	if r.EndAt != nil && r.Count > 0 {
		return fmt.Errorf("%w: end_at and occurrence_count are mutually exclusive", ErrInvalidRule)
	}
	if r.Count < 0 {
		return fmt.Errorf("%w: occurrence_count must be positive, got %d", ErrInvalidRule, r.Count)
	}
	return nil
}
