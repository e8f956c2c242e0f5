package recurrence

import (
	"testing"
	"time"
)

func date(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextOccurrenceVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rule Rule
		from string
		want string
	}{
		{
			name: "daily steps by interval",
			rule: Rule{Frequency: Daily, Interval: 3, Anchor: date("2026-01-01T08:00:00Z")},
			from: "2026-01-05T00:00:00Z",
			want: "2026-01-07T08:00:00Z",
		},
		{
			name: "weekly keeps weekday",
			rule: Rule{Frequency: Weekly, Interval: 2, Anchor: date("2026-01-05T09:30:00Z")},
			from: "2026-01-06T00:00:00Z",
			want: "2026-01-19T09:30:00Z",
		},
		{
			name: "from before anchor returns anchor",
			rule: Rule{Frequency: Daily, Interval: 1, Anchor: date("2026-06-01T12:00:00Z")},
			from: "2026-01-01T00:00:00Z",
			want: "2026-06-01T12:00:00Z",
		},
		{
			name: "from exactly on occurrence returns it",
			rule: Rule{Frequency: Daily, Interval: 1, Anchor: date("2026-01-01T08:00:00Z")},
			from: "2026-01-04T08:00:00Z",
			want: "2026-01-04T08:00:00Z",
		},
		{
			name: "monthly clamps to short month",
			rule: Rule{Frequency: Monthly, Interval: 1, Anchor: date("2026-01-31T09:00:00Z")},
			from: "2026-02-01T00:00:00Z",
			want: "2026-02-28T09:00:00Z",
		},
		{
			name: "monthly reanchors to day 31 after clamp",
			rule: Rule{Frequency: Monthly, Interval: 1, Anchor: date("2026-01-31T09:00:00Z")},
			from: "2026-03-01T00:00:00Z",
			want: "2026-03-31T09:00:00Z",
		},
		{
			name: "monthly day 31 in 30-day month lands on day 30",
			rule: Rule{Frequency: Monthly, Interval: 1, Anchor: date("2026-03-31T09:00:00Z")},
			from: "2026-04-01T00:00:00Z",
			want: "2026-04-30T09:00:00Z",
		},
		{
			name: "yearly leap anchor clamps to feb 28",
			rule: Rule{Frequency: Yearly, Interval: 1, Anchor: date("2024-02-29T10:15:00Z")},
			from: "2024-03-01T00:00:00Z",
			want: "2025-02-28T10:15:00Z",
		},
		{
			name: "yearly leap anchor returns to feb 29 in leap year",
			rule: Rule{Frequency: Yearly, Interval: 4, Anchor: date("2024-02-29T10:15:00Z")},
			from: "2024-03-01T00:00:00Z",
			want: "2028-02-29T10:15:00Z",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := tt.rule.Next(date(tt.from))
			if !ok {
				t.Fatalf("Next(%s) reported exhausted series", tt.from)
			}
			if want := date(tt.want); !got.Equal(want) {
				t.Fatalf("Next(%s) = %s, want %s", tt.from, got, want)
			}
		})
	}
}

func TestNextNeverBeforeFromAndPreservesClock(t *testing.T) {
	t.Parallel()
	anchor := date("2026-01-31T23:45:30Z")
	rules := []Rule{
		{Frequency: Daily, Interval: 1, Anchor: anchor},
		{Frequency: Weekly, Interval: 3, Anchor: anchor},
		{Frequency: Monthly, Interval: 1, Anchor: anchor},
		{Frequency: Monthly, Interval: 7, Anchor: anchor},
		{Frequency: Yearly, Interval: 2, Anchor: anchor},
	}
	froms := []time.Time{
		date("2025-12-01T00:00:00Z"),
		anchor,
		date("2026-02-14T03:00:00Z"),
		date("2029-07-04T12:00:00Z"),
	}
	for _, r := range rules {
		for _, from := range froms {
			got, ok := r.Next(from)
			if !ok {
				t.Fatalf("%s/%d: exhausted unbounded series", r.Frequency, r.Interval)
			}
			if got.Before(from) {
				t.Fatalf("%s/%d: Next(%s) = %s is before from", r.Frequency, r.Interval, from, got)
			}
			h, m, s := got.Clock()
			if h != 23 || m != 45 || s != 30 {
				t.Fatalf("%s/%d: time-of-day not preserved: %s", r.Frequency, r.Interval, got)
			}
		}
	}
}

func TestAfterIsStrict(t *testing.T) {
	t.Parallel()
	r := Rule{Frequency: Monthly, Interval: 1, Anchor: date("2026-01-31T09:00:00Z")}
	fired := date("2026-02-28T09:00:00Z")
	got, ok := r.After(fired)
	if !ok {
		t.Fatal("series unexpectedly exhausted")
	}
	if want := date("2026-03-31T09:00:00Z"); !got.Equal(want) {
		t.Fatalf("After(%s) = %s, want %s", fired, got, want)
	}
}

func TestEndConditions(t *testing.T) {
	t.Parallel()

	t.Run("count bounds series", func(t *testing.T) {
		t.Parallel()
		r := Rule{Frequency: Daily, Interval: 1, Anchor: date("2026-01-01T08:00:00Z"), Count: 3}
		if _, ok := r.Next(date("2026-01-03T08:00:00Z")); !ok {
			t.Fatal("third occurrence should exist")
		}
		if _, ok := r.Next(date("2026-01-03T08:00:01Z")); ok {
			t.Fatal("series should be exhausted after 3 occurrences")
		}
	})

	t.Run("end_at bounds series", func(t *testing.T) {
		t.Parallel()
		end := date("2026-01-10T00:00:00Z")
		r := Rule{Frequency: Daily, Interval: 4, Anchor: date("2026-01-01T08:00:00Z"), EndAt: &end}
		got, ok := r.Next(date("2026-01-02T00:00:00Z"))
		if !ok || !got.Equal(date("2026-01-05T08:00:00Z")) {
			t.Fatalf("Next = %s, ok=%v", got, ok)
		}
		if got, ok := r.Next(date("2026-01-06T00:00:00Z")); !ok || !got.Equal(date("2026-01-09T08:00:00Z")) {
			t.Fatalf("Next = %s, ok=%v", got, ok)
		}
		if _, ok := r.Next(date("2026-01-10T00:00:00Z")); ok {
			t.Fatal("occurrence past end_at should not be produced")
		}
	})
}

func TestIterator(t *testing.T) {
	t.Parallel()
	r := Rule{Frequency: Monthly, Interval: 1, Anchor: date("2026-01-31T09:00:00Z"), Count: 4}
	it := r.Occurrences(time.Time{})

	want := []string{
		"2026-01-31T09:00:00Z",
		"2026-02-28T09:00:00Z",
		"2026-03-31T09:00:00Z",
		"2026-04-30T09:00:00Z",
	}
	for i, w := range want {
		got, ok := it.Next()
		if !ok {
			t.Fatalf("occurrence %d missing", i)
		}
		if !got.Equal(date(w)) {
			t.Fatalf("occurrence %d = %s, want %s", i, got, w)
		}
	}
	if _, ok := it.Next(); ok {
		t.Fatal("iterator should stop after count occurrences")
	}

	it.Reset()
	if got, ok := it.Next(); !ok || !got.Equal(date(want[0])) {
		t.Fatalf("after Reset, first = %s ok=%v", got, ok)
	}
}

func TestIteratorHorizon(t *testing.T) {
	t.Parallel()
	r := Rule{Frequency: Weekly, Interval: 1, Anchor: date("2026-01-05T09:00:00Z")}
	it := r.Occurrences(date("2026-01-20T00:00:00Z"))
	var n int
	for {
		if _, ok := it.Next(); !ok {
			break
		}
		n++
	}
	if n != 3 {
		t.Fatalf("got %d occurrences within horizon, want 3", n)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	end := date("2026-06-01T00:00:00Z")
	anchor := date("2026-01-01T08:00:00Z")
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{name: "valid", rule: Rule{Frequency: Daily, Interval: 1, Anchor: anchor}},
		{name: "valid with count", rule: Rule{Frequency: Weekly, Interval: 2, Anchor: anchor, Count: 5}},
		{name: "interval zero", rule: Rule{Frequency: Daily, Interval: 0, Anchor: anchor}, wantErr: true},
		{name: "unknown frequency", rule: Rule{Frequency: "hourly", Interval: 1, Anchor: anchor}, wantErr: true},
		{name: "missing anchor", rule: Rule{Frequency: Daily, Interval: 1}, wantErr: true},
		{name: "both end conditions", rule: Rule{Frequency: Daily, Interval: 1, Anchor: anchor, EndAt: &end, Count: 2}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.rule.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
