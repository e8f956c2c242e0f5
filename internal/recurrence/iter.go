package recurrence

import "time"

// Iterator walks a rule's occurrences in order. It is restartable via
// Reset and terminates at the rule's end condition and, if horizon is
// non-zero, at the horizon. A rule with neither end condition nor horizon
// yields an unbounded series; callers consume it one value at a time.
type Iterator struct {
	rule    Rule
	horizon time.Time
	n       int
}

// Occurrences returns an iterator over the series starting at the anchor.
// A zero horizon means no time bound.
func (r Rule) Occurrences(horizon time.Time) *Iterator {
	return &Iterator{rule: r, horizon: horizon}
}

// Next yields the next occurrence. ok is false once the series is done.
func (it *Iterator) Next() (time.Time, bool) {
	occ := it.rule.OccurrenceAt(it.n)
	if it.rule.Ended(it.n, occ) {
		return time.Time{}, false
	}
	if !it.horizon.IsZero() && occ.After(it.horizon) {
		return time.Time{}, false
	}
	it.n++
	return occ, true
}

// Reset rewinds the iterator to the anchor.
func (it *Iterator) Reset() { it.n = 0 }
