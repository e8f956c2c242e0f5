package recurrence

import "time"

// OccurrenceAt returns the nth occurrence of the series (n=0 is the
// anchor itself). It does not check end conditions.
func (r Rule) OccurrenceAt(n int) time.Time {
	if n <= 0 {
		return r.Anchor
	}
	switch r.Frequency {
	case Daily:
		return r.Anchor.AddDate(0, 0, n*r.Interval)
	case Weekly:
		return r.Anchor.AddDate(0, 0, 7*n*r.Interval)
	case Monthly:
		return addMonthsClamped(r.Anchor, n*r.Interval)
	case Yearly:
		return addMonthsClamped(r.Anchor, 12*n*r.Interval)
	default:
		return r.Anchor
	}
}

// NextIndex returns the smallest occurrence index n with OccurrenceAt(n)
// at or after from. It does not check end conditions.
func (r Rule) NextIndex(from time.Time) int {
	return r.searchIndex(from, false)
}

// IndexAfter returns the smallest occurrence index n with OccurrenceAt(n)
// strictly after from. It does not check end conditions.
func (r Rule) IndexAfter(from time.Time) int {
	return r.searchIndex(from, true)
}

// Next returns the earliest occurrence at or after from, honoring the
// rule's end condition. ok is false when the series is exhausted.
func (r Rule) Next(from time.Time) (time.Time, bool) {
	n := r.NextIndex(from)
	occ := r.OccurrenceAt(n)
	if r.Ended(n, occ) {
		return time.Time{}, false
	}
	return occ, true
}

// After returns the earliest occurrence strictly after from, honoring the
// rule's end condition.
func (r Rule) After(from time.Time) (time.Time, bool) {
	n := r.IndexAfter(from)
	occ := r.OccurrenceAt(n)
	if r.Ended(n, occ) {
		return time.Time{}, false
	}
	return occ, true
}

// Ended reports whether occurrence index n (at time occ) lies past the
// rule's end condition.
func (r Rule) Ended(n int, occ time.Time) bool {
	if r.Count > 0 && n >= r.Count {
		return true
	}
	if r.EndAt != nil && occ.After(*r.EndAt) {
		return true
	}
	return false
}

func (r Rule) searchIndex(from time.Time, strict bool) int {
	past := func(t time.Time) bool {
		if strict {
			return t.After(from)
		}
		return !t.Before(from)
	}
	if past(r.Anchor) {
		return 0
	}

	var n int
	switch r.Frequency {
	case Daily, Weekly:
		// Pure offset arithmetic: one period is a fixed number of days.
		days := r.Interval
		if r.Frequency == Weekly {
			days *= 7
		}
		period := time.Duration(days) * 24 * time.Hour
		n = int(from.Sub(r.Anchor) / period)
	case Monthly, Yearly:
		// Month-diff estimate, then walk forward. Clamping keeps each
		// occurrence within its calendar month, so the estimate is at
		// most one step low and the walk terminates quickly.
		months := (from.Year()-r.Anchor.Year())*12 + int(from.Month()-r.Anchor.Month())
		step := r.Interval
		if r.Frequency == Yearly {
			step *= 12
		}
		n = months / step
	}
	if n < 0 {
		n = 0
	}
	// DST shifts and month clamping can put the estimate off by a step
	// either way; correct in both directions.
	for n > 0 && past(r.OccurrenceAt(n-1)) {
		n--
	}
	for !past(r.OccurrenceAt(n)) {
		n++
	}
	return n
}

// addMonthsClamped advances t by the given number of months keeping the
// anchor's day-of-month, clamped to the target month's last day. The
// time-of-day component is preserved exactly.
//
// time.AddDate would normalize Jan 31 + 1 month to Mar 2/3; recurrence
// semantics want Feb 28/29 instead.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	m := int(month-1) + months
	year += m / 12
	month = time.Month(m%12) + 1
	if month < 1 { // negative month offsets
		month += 12
		year--
	}
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	h, min, sec := t.Clock()
	return time.Date(year, month, day, h, min, sec, t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	// First of next month, back one day.
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, -1).Day()
}
