package federation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedySolverExcludesSlotsOverlappingParticipantBusyTime(t *testing.T) {
	obj := &SchedulingObjective{
		DurationMinutes:        30,
		WindowStart:            day(9, 0),
		WindowEnd:              day(10, 0),
		SlotGranularityMinutes: 30,
		Participants: []ParticipantInput{
			{ParticipantHash: "p1", Busy: []Interval{{Start: day(9, 0), End: day(9, 30)}}},
		},
	}

	scored := greedySolver(obj, nil)
	require.Len(t, scored, 1)
	assert.Equal(t, day(9, 30), scored[0].Start)
}

func TestGreedySolverExcludesSlotsOverlappingTripWindows(t *testing.T) {
	obj := &SchedulingObjective{
		DurationMinutes:        30,
		WindowStart:            day(9, 0),
		WindowEnd:              day(10, 0),
		SlotGranularityMinutes: 30,
		TripWindows:            []Interval{{Start: day(9, 0), End: day(9, 30)}},
	}

	scored := greedySolver(obj, nil)
	require.Len(t, scored, 1)
	assert.Equal(t, day(9, 30), scored[0].Start)
}

func TestGreedySolverExcludesOutsideWorkingHoursUnlessVipPresent(t *testing.T) {
	obj := &SchedulingObjective{
		DurationMinutes:        30,
		WindowStart:            day(7, 0),
		WindowEnd:              day(8, 0),
		SlotGranularityMinutes: 30,
		WorkingHoursStartMin:   9 * 60,
		WorkingHoursEndMin:     17 * 60,
	}

	assert.Empty(t, greedySolver(obj, nil))

	obj.Participants = []ParticipantInput{{ParticipantHash: "vip", IsVip: true, VipWeight: 2.0}}
	withVip := greedySolver(obj, nil)
	assert.NotEmpty(t, withVip)
}

// TestGreedySolverExplainsVipOverride covers spec.md §4.5 scenario S5: an
// after-hours slot that only survives because of a VIP participant must
// say so in its explanation.
func TestGreedySolverExplainsVipOverride(t *testing.T) {
	obj := &SchedulingObjective{
		DurationMinutes:        60,
		WindowStart:            day(8, 0),
		WindowEnd:              day(22, 0),
		SlotGranularityMinutes: 60,
		WorkingHoursStartMin:   9 * 60,
		WorkingHoursEndMin:     17 * 60,
		Participants:           []ParticipantInput{{ParticipantHash: "abc", IsVip: true, VipWeight: 2.0}},
	}

	scored := greedySolver(obj, nil)
	var afterHours *ScoredSlot
	for i := range scored {
		if !scored[i].Start.Before(day(18, 0)) {
			afterHours = &scored[i]
			break
		}
	}
	require.NotNil(t, afterHours)
	assert.Contains(t, afterHours.Explanation, "VIP override")
	assert.Contains(t, afterHours.Explanation, "VIP priority weight")
}

func TestGreedySolverRanksByScoreDescendingThenEarliestStart(t *testing.T) {
	obj := &SchedulingObjective{
		DurationMinutes:        30,
		WindowStart:            day(9, 0),
		WindowEnd:              day(17, 0),
		SlotGranularityMinutes: 60,
		WorkingHoursStartMin:   9 * 60,
		WorkingHoursEndMin:     17 * 60,
	}

	scored := greedySolver(obj, nil)
	require.NotEmpty(t, scored)
	for i := 1; i < len(scored); i++ {
		if scored[i-1].Score == scored[i].Score {
			assert.True(t, !scored[i].Start.Before(scored[i-1].Start))
		} else {
			assert.True(t, scored[i-1].Score > scored[i].Score)
		}
	}
}

func TestGreedySolverRespectsMaxCandidates(t *testing.T) {
	obj := &SchedulingObjective{
		DurationMinutes:        30,
		WindowStart:            day(9, 0),
		WindowEnd:              day(17, 0),
		SlotGranularityMinutes: 30,
		WorkingHoursStartMin:   9 * 60,
		WorkingHoursEndMin:     17 * 60,
		MaxCandidates:          2,
	}

	scored := greedySolver(obj, nil)
	assert.Len(t, scored, 2)
}

func TestGreedySolverAppliesNoMeetingsAfterPenalty(t *testing.T) {
	makeObj := func() *SchedulingObjective {
		return &SchedulingObjective{
			DurationMinutes:        30,
			WindowStart:            day(16, 0),
			WindowEnd:              day(18, 0),
			SlotGranularityMinutes: 60,
			NoMeetingsAfterMin:     17 * 60,
		}
	}

	before := greedySolver(makeObj(), nil)
	var scoreAt16, scoreAt17 int
	for _, s := range before {
		if s.Start.Equal(day(16, 0)) {
			scoreAt16 = s.Score
		}
		if s.Start.Equal(day(17, 0)) {
			scoreAt17 = s.Score
		}
	}
	assert.Greater(t, scoreAt16, scoreAt17)
}

func TestGreedySolverAppliesBufferPenaltyNearBusyIntervals(t *testing.T) {
	participants := []ParticipantInput{
		{ParticipantHash: "p1", Busy: []Interval{{Start: day(10, 0), End: day(11, 0)}}},
	}
	withBuffer := &SchedulingObjective{
		DurationMinutes: 30, WindowStart: day(9, 0), WindowEnd: day(9, 30),
		SlotGranularityMinutes: 30, BufferMinutes: 60, Participants: participants,
	}
	withoutBuffer := &SchedulingObjective{
		DurationMinutes: 30, WindowStart: day(9, 0), WindowEnd: day(9, 30),
		SlotGranularityMinutes: 30, BufferMinutes: 0, Participants: participants,
	}

	buffered := greedySolver(withBuffer, nil)
	plain := greedySolver(withoutBuffer, nil)
	require.Len(t, buffered, 1)
	require.Len(t, plain, 1)
	assert.Less(t, buffered[0].Score, plain[0].Score)
}

func TestFairnessMultiplierFavorsRarelyPreferredParticipants(t *testing.T) {
	participants := []ParticipantInput{{ParticipantHash: "p1"}}
	rarelyPreferred := map[string]*SchedulingHistoryAggregate{
		"p1": {ParticipantHash: "p1", SessionsParticipated: 10, SessionsPreferred: 1},
	}
	oftenPreferred := map[string]*SchedulingHistoryAggregate{
		"p1": {ParticipantHash: "p1", SessionsParticipated: 10, SessionsPreferred: 9},
	}

	assert.Greater(t, fairnessMultiplier(participants, rarelyPreferred), fairnessMultiplier(participants, oftenPreferred))
}

func TestFairnessMultiplierDefaultsToOneWithNoHistory(t *testing.T) {
	participants := []ParticipantInput{{ParticipantHash: "p1"}}
	assert.Equal(t, 1.0, fairnessMultiplier(participants, nil))
}

func TestVipWeightAveragesAcrossParticipants(t *testing.T) {
	participants := []ParticipantInput{
		{ParticipantHash: "p1", VipWeight: 2.0, IsVip: true},
		{ParticipantHash: "p2", VipWeight: 1.0},
	}
	assert.Equal(t, 1.5, vipWeight(participants))
}

func TestGreedySolverDefaultsGranularityWhenUnset(t *testing.T) {
	obj := &SchedulingObjective{
		DurationMinutes: 15,
		WindowStart:     day(9, 0),
		WindowEnd:       day(9, 15),
	}
	scored := greedySolver(obj, nil)
	// default granularity is 15 minutes, so exactly one slot fits [9:00,9:15)
	require.Len(t, scored, 1)
	assert.Equal(t, day(9, 0), scored[0].Start)
}

func TestSelectSolverPrefersGreedyForSmallSessions(t *testing.T) {
	solver := selectSolver("https://solver.example.test", 2, 1)
	_, ok := solver.(GreedySolverClient)
	assert.True(t, ok)
}

func TestSelectSolverUsesExternalWhenLargeAndConfigured(t *testing.T) {
	solver := selectSolver("https://solver.example.test", 4, 0)
	_, ok := solver.(*ExternalSolverClient)
	assert.True(t, ok)
}

func TestSelectSolverUsesGreedyWhenExternalNotConfiguredEvenIfLarge(t *testing.T) {
	solver := selectSolver("", 10, 10)
	_, ok := solver.(GreedySolverClient)
	assert.True(t, ok)
}
