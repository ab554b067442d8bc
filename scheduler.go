// scheduler.go
package federation

import (
	"sort"
	"strings"
	"time"
)

// ParticipantInput is one scheduling participant's busy calendar and
// preference weighting, assembled by the UserGraphActor from canonical
// events, VIP policies, and scheduling history before a session is solved.
type ParticipantInput struct {
	ParticipantHash string
	Busy            []Interval
	VipWeight       float64 // 1.0 if not VIP-tagged
	IsVip           bool
}

// SchedulingObjective is the input to both the greedy and external solvers
// (spec.md §4.5). Durations and offsets are minutes; WorkingHoursStartMin/
// EndMin and NoMeetingsAfterMin are minute-of-day in the scheduling user's local
// time, already resolved by the caller.
type SchedulingObjective struct {
	DurationMinutes        int
	WindowStart            time.Time
	WindowEnd              time.Time
	SlotGranularityMinutes int
	Participants           []ParticipantInput
	TripWindows            []Interval
	WorkingHoursStartMin   int
	WorkingHoursEndMin     int
	NoMeetingsAfterMin     int // 0 disables the soft penalty
	BufferMinutes          int
	MaxCandidates          int
}

// ScoredSlot is one scored candidate slot produced by a solver.
type ScoredSlot struct {
	Start       time.Time
	End         time.Time
	Score       int
	Explanation string
}

const (
	baseScore     = 100
	fairnessFloor = 0.5
	fairnessCeil  = 1.5
)

// greedySolver enumerates candidate slots at SlotGranularityMinutes
// resolution across the window, drops anything violating a hard exclusion
// (participant busy overlap, trip-window overlap, fully outside working
// hours without a VIP participant's override), scores everything that
// survives, and returns the top MaxCandidates by score (spec.md §4.5
// algorithm; ties broken by earliest start).
func greedySolver(obj *SchedulingObjective, history map[string]*SchedulingHistoryAggregate) []ScoredSlot {
	granularity := time.Duration(obj.SlotGranularityMinutes) * time.Minute
	if granularity <= 0 {
		granularity = 15 * time.Minute
	}
	duration := time.Duration(obj.DurationMinutes) * time.Minute

	anyVip := false
	for _, p := range obj.Participants {
		if p.IsVip {
			anyVip = true
			break
		}
	}

	var scored []ScoredSlot
	for start := obj.WindowStart; !start.Add(duration).After(obj.WindowEnd); start = start.Add(granularity) {
		end := start.Add(duration)
		slot := Interval{Start: start, End: end}

		if hasHardExclusion(slot, obj, anyVip) {
			continue
		}

		score, explanation := scoreSlot(slot, obj, history, anyVip)
		scored = append(scored, ScoredSlot{Start: start, End: end, Score: score, Explanation: explanation})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Start.Before(scored[j].Start)
	})

	max := obj.MaxCandidates
	if max <= 0 || max > len(scored) {
		max = len(scored)
	}
	return scored[:max]
}

func hasHardExclusion(slot Interval, obj *SchedulingObjective, anyVip bool) bool {
	for _, p := range obj.Participants {
		if overlapsAny(slot, p.Busy) {
			return true
		}
	}
	if overlapsAny(slot, obj.TripWindows) {
		return true
	}
	if !anyVip && fullyOutsideWorkingHours(slot, obj.WorkingHoursStartMin, obj.WorkingHoursEndMin) {
		return true
	}
	return false
}

func fullyOutsideWorkingHours(slot Interval, startMin, endMin int) bool {
	if startMin == 0 && endMin == 0 {
		return false
	}
	startOfDay := time.Date(slot.Start.Year(), slot.Start.Month(), slot.Start.Day(), 0, 0, 0, 0, slot.Start.Location())
	slotStartMin := int(slot.Start.Sub(startOfDay).Minutes())
	slotEndMin := int(slot.End.Sub(startOfDay).Minutes())
	return slotEndMin <= startMin || slotStartMin >= endMin
}

// scoreSlot applies each scoring component in turn and builds an
// explanation string naming the components that actually moved the score,
// so a caller can see why a slot ranked where it did (spec.md §4.5).
func scoreSlot(slot Interval, obj *SchedulingObjective, history map[string]*SchedulingHistoryAggregate, anyVip bool) (int, string) {
	score := baseScore
	var notes []string

	score += timeOfDayScore(slot, obj.WorkingHoursStartMin, obj.WorkingHoursEndMin)

	adjacency := adjacencyScore(slot, obj)
	score += adjacency
	if adjacency > 0 {
		notes = append(notes, "adjacency bonus")
	}

	buffer := bufferPenalty(slot, obj)
	score += buffer
	if buffer < 0 {
		notes = append(notes, "buffer penalty")
	}

	noMeetingsAfter := noMeetingsAfterPenalty(slot, obj.NoMeetingsAfterMin)
	score += noMeetingsAfter
	if noMeetingsAfter < 0 {
		notes = append(notes, "no-meetings-after penalty")
	}

	if anyVip && fullyOutsideWorkingHours(slot, obj.WorkingHoursStartMin, obj.WorkingHoursEndMin) {
		notes = append(notes, "VIP override")
	}

	weight := vipWeight(obj.Participants)
	score = int(float64(score) * weight)
	if weight != 1.0 {
		notes = append(notes, "VIP priority weight")
	}

	fairness := fairnessMultiplier(obj.Participants, history)
	score = int(float64(score) * fairness)
	if fairness != 1.0 {
		notes = append(notes, "fairness adjustment")
	}

	if score < 0 {
		score = 0
	}
	if len(notes) == 0 {
		return score, "greedy"
	}
	return score, "greedy: " + strings.Join(notes, ", ")
}

// timeOfDayScore rewards slots near the middle of the working day and
// penalizes the edges.
func timeOfDayScore(slot Interval, startMin, endMin int) int {
	if startMin == 0 && endMin == 0 {
		return 0
	}
	startOfDay := time.Date(slot.Start.Year(), slot.Start.Month(), slot.Start.Day(), 0, 0, 0, 0, slot.Start.Location())
	slotMin := int(slot.Start.Sub(startOfDay).Minutes())
	mid := (startMin + endMin) / 2
	spread := endMin - startMin
	if spread <= 0 {
		return 0
	}
	distance := slotMin - mid
	if distance < 0 {
		distance = -distance
	}
	return 10 - (distance*20)/spread
}

// adjacencyScore gives a small bonus to slots that directly abut an
// existing busy interval, clustering meetings instead of fragmenting free
// time across the day.
func adjacencyScore(slot Interval, obj *SchedulingObjective) int {
	bonus := 0
	for _, p := range obj.Participants {
		for _, b := range p.Busy {
			if b.End.Equal(slot.Start) || slot.End.Equal(b.Start) {
				bonus += 5
			}
		}
	}
	if bonus > 10 {
		bonus = 10
	}
	return bonus
}

// bufferPenalty discourages slots that leave less than BufferMinutes
// between the slot and a neighboring busy interval without actually
// overlapping it.
func bufferPenalty(slot Interval, obj *SchedulingObjective) int {
	if obj.BufferMinutes <= 0 {
		return 0
	}
	buffer := time.Duration(obj.BufferMinutes) * time.Minute
	penalty := 0
	for _, p := range obj.Participants {
		for _, b := range p.Busy {
			gapBefore := slot.Start.Sub(b.End)
			if gapBefore >= 0 && gapBefore < buffer {
				penalty -= 5
			}
			gapAfter := b.Start.Sub(slot.End)
			if gapAfter >= 0 && gapAfter < buffer {
				penalty -= 5
			}
		}
	}
	return penalty
}

func noMeetingsAfterPenalty(slot Interval, afterMin int) int {
	if afterMin <= 0 {
		return 0
	}
	startOfDay := time.Date(slot.Start.Year(), slot.Start.Month(), slot.Start.Day(), 0, 0, 0, 0, slot.Start.Location())
	slotEndMin := int(slot.End.Sub(startOfDay).Minutes())
	if slotEndMin > afterMin {
		return -25
	}
	return 0
}

func vipWeight(participants []ParticipantInput) float64 {
	if len(participants) == 0 {
		return 1.0
	}
	total := 0.0
	for _, p := range participants {
		w := p.VipWeight
		if w <= 0 {
			w = 1.0
		}
		total += w
	}
	return total / float64(len(participants))
}

// fairnessMultiplier clamps each participant's "got their preferred slot"
// ratio into [0.5, 1.5] and averages it: participants who rarely got their
// preference pull the multiplier up, nudging the solver toward slots that
// favor them (spec.md §4.5 fairness adjustment).
func fairnessMultiplier(participants []ParticipantInput, history map[string]*SchedulingHistoryAggregate) float64 {
	if len(history) == 0 || len(participants) == 0 {
		return 1.0
	}
	total := 0.0
	count := 0
	for _, p := range participants {
		agg, ok := history[p.ParticipantHash]
		if !ok || agg.SessionsParticipated == 0 {
			total += 1.0
			count++
			continue
		}
		ratio := 1.0 - float64(agg.SessionsPreferred)/float64(agg.SessionsParticipated)
		adjusted := 1.0 + ratio // 1.0..2.0, rarely-preferred participants push higher
		if adjusted < fairnessFloor {
			adjusted = fairnessFloor
		}
		if adjusted > fairnessCeil {
			adjusted = fairnessCeil
		}
		total += adjusted
		count++
	}
	if count == 0 {
		return 1.0
	}
	return total / float64(count)
}
