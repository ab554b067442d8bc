package federation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(hour, minute int) time.Time {
	return time.Date(2026, 7, 30, hour, minute, 0, 0, time.UTC)
}

func TestMergeBusyIntervalsExcludesCancelledAndTransparentEvents(t *testing.T) {
	events := []CanonicalEvent{
		{Start: day(9, 0), End: day(10, 0), Status: EventStatusConfirmed, Transparency: TransparencyOpaque},
		{Start: day(11, 0), End: day(12, 0), Status: EventStatusCancelled, Transparency: TransparencyOpaque},
		{Start: day(13, 0), End: day(14, 0), Status: EventStatusConfirmed, Transparency: TransparencyTransparent},
	}

	merged := mergeBusyIntervals(events)
	assert.Equal(t, []Interval{{Start: day(9, 0), End: day(10, 0)}}, merged)
}

func TestMergeBusyIntervalsCollapsesOverlappingAndAdjacentEvents(t *testing.T) {
	events := []CanonicalEvent{
		{Start: day(9, 0), End: day(10, 0), Status: EventStatusConfirmed, Transparency: TransparencyOpaque},
		{Start: day(9, 30), End: day(10, 30), Status: EventStatusConfirmed, Transparency: TransparencyOpaque}, // overlaps
		{Start: day(10, 30), End: day(11, 0), Status: EventStatusConfirmed, Transparency: TransparencyOpaque}, // adjacent
		{Start: day(14, 0), End: day(15, 0), Status: EventStatusConfirmed, Transparency: TransparencyOpaque},  // disjoint
	}

	merged := mergeBusyIntervals(events)
	want := []Interval{
		{Start: day(9, 0), End: day(11, 0)},
		{Start: day(14, 0), End: day(15, 0)},
	}
	assert.Equal(t, want, merged)
}

func TestComputeFreeIntervalsHandlesBusyAtRangeBoundaries(t *testing.T) {
	busy := []Interval{
		{Start: day(8, 0), End: day(9, 0)},   // starts before range
		{Start: day(12, 0), End: day(13, 0)}, // fully inside
		{Start: day(16, 30), End: day(18, 0)}, // ends after range
	}

	free := computeFreeIntervals(busy, day(9, 0), day(17, 0))
	assert.Equal(t, []Interval{
		{Start: day(9, 0), End: day(12, 0)},
		{Start: day(13, 0), End: day(16, 30)},
	}, free)
}

func TestComputeFreeIntervalsWithNoBusyReturnsFullRange(t *testing.T) {
	free := computeFreeIntervals(nil, day(9, 0), day(17, 0))
	assert.Equal(t, []Interval{{Start: day(9, 0), End: day(17, 0)}}, free)
}

func TestComputeFreeIntervalsFullyBusyRangeReturnsNoFreeTime(t *testing.T) {
	busy := []Interval{{Start: day(8, 0), End: day(18, 0)}}
	free := computeFreeIntervals(busy, day(9, 0), day(17, 0))
	assert.Empty(t, free)
}

func TestComputeAvailabilityIntegratesMergeAndFree(t *testing.T) {
	events := []CanonicalEvent{
		{Start: day(9, 0), End: day(10, 0), Status: EventStatusConfirmed, Transparency: TransparencyOpaque},
		{Start: day(13, 0), End: day(14, 0), Status: EventStatusCancelled, Transparency: TransparencyOpaque},
	}
	free := computeAvailability(events, day(8, 0), day(17, 0))
	assert.Equal(t, []Interval{
		{Start: day(8, 0), End: day(9, 0)},
		{Start: day(10, 0), End: day(17, 0)},
	}, free)
}

func TestOverlapsAnyDetectsPartialAndFullOverlap(t *testing.T) {
	busy := []Interval{{Start: day(9, 0), End: day(10, 0)}, {Start: day(14, 0), End: day(15, 0)}}

	assert.True(t, overlapsAny(Interval{Start: day(9, 30), End: day(9, 45)}, busy))
	assert.True(t, overlapsAny(Interval{Start: day(8, 30), End: day(9, 30)}, busy))
	assert.False(t, overlapsAny(Interval{Start: day(10, 0), End: day(11, 0)}, busy))
	assert.False(t, overlapsAny(Interval{Start: day(11, 0), End: day(14, 0)}, busy))
}
