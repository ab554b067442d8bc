// availability.go
package federation

import (
	"sort"
	"time"
)

// Interval is a half-open [Start, End) time range.
type Interval struct {
	Start time.Time
	End   time.Time
}

// mergeBusyIntervals collapses a user's canonical events into a minimal set
// of non-overlapping busy intervals (spec.md §4.3.6, invariant 10: "busy
// time is the union of all opaque, non-cancelled canonical events"). Events
// marked transparent (e.g. holidays, "free" blocks) never contribute busy
// time regardless of source.
func mergeBusyIntervals(events []CanonicalEvent) []Interval {
	busy := make([]Interval, 0, len(events))
	for _, e := range events {
		if e.Status == EventStatusCancelled {
			continue
		}
		if e.Transparency == TransparencyTransparent {
			continue
		}
		busy = append(busy, Interval{Start: e.Start, End: e.End})
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })

	merged := make([]Interval, 0, len(busy))
	for _, iv := range busy {
		if n := len(merged); n > 0 && !iv.Start.After(merged[n-1].End) {
			if iv.End.After(merged[n-1].End) {
				merged[n-1].End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// computeFreeIntervals returns the complement of busy within [rangeStart,
// rangeEnd). busy must already be merged and sorted (mergeBusyIntervals'
// output qualifies).
func computeFreeIntervals(busy []Interval, rangeStart, rangeEnd time.Time) []Interval {
	var free []Interval
	cursor := rangeStart
	for _, iv := range busy {
		start, end := iv.Start, iv.End
		if end.Before(rangeStart) || start.After(rangeEnd) {
			continue
		}
		if start.Before(rangeStart) {
			start = rangeStart
		}
		if end.After(rangeEnd) {
			end = rangeEnd
		}
		if start.After(cursor) {
			free = append(free, Interval{Start: cursor, End: start})
		}
		if end.After(cursor) {
			cursor = end
		}
	}
	if cursor.Before(rangeEnd) {
		free = append(free, Interval{Start: cursor, End: rangeEnd})
	}
	return free
}

// computeAvailability is the entry point the UserGraphActor uses: given a user's canonical events and a window, returns the
// free intervals within that window.
func computeAvailability(events []CanonicalEvent, rangeStart, rangeEnd time.Time) []Interval {
	busy := mergeBusyIntervals(events)
	return computeFreeIntervals(busy, rangeStart, rangeEnd)
}

// overlapsAny reports whether candidate overlaps any interval in busy.
func overlapsAny(candidate Interval, busy []Interval) bool {
	for _, b := range busy {
		if candidate.Start.Before(b.End) && b.Start.Before(candidate.End) {
			return true
		}
	}
	return false
}
