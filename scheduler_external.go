// scheduler_external.go
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// SolverClient is the pluggable scheduling backend boundary, grounded on the
// pack's Handle/Framework plugin-style scheduler separation: a solver takes
// an objective and returns scored candidates, and callers don't care whether
// it ran in-process or over HTTP.
type SolverClient interface {
	Solve(ctx context.Context, obj *SchedulingObjective, history map[string]*SchedulingHistoryAggregate) ([]ScoredSlot, error)
}

// GreedySolverClient wraps greedySolver so it satisfies SolverClient.
type GreedySolverClient struct{}

func (GreedySolverClient) Solve(ctx context.Context, obj *SchedulingObjective, history map[string]*SchedulingHistoryAggregate) ([]ScoredSlot, error) {
	return greedySolver(obj, history), nil
}

// ExternalSolverClient posts the objective to a configured external solver
// endpoint and falls back to the greedy solver if the call fails or times
// out (spec.md §4.5: "30s timeout, fallback to greedy").
type ExternalSolverClient struct {
	endpoint   string
	httpClient *http.Client
	fallback   SolverClient
}

func NewExternalSolverClient(endpoint string) *ExternalSolverClient {
	return &ExternalSolverClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		fallback:   GreedySolverClient{},
	}
}

type externalSolverRequest struct {
	DurationMinutes        int                `json:"duration_minutes"`
	WindowStart            time.Time          `json:"window_start"`
	WindowEnd              time.Time          `json:"window_end"`
	SlotGranularityMinutes int                `json:"slot_granularity_minutes"`
	Participants           []ParticipantInput `json:"participants"`
	TripWindows            []Interval         `json:"trip_windows"`
	WorkingHoursStartMin   int                `json:"working_hours_start_min"`
	WorkingHoursEndMin     int                `json:"working_hours_end_min"`
	NoMeetingsAfterMin     int                `json:"no_meetings_after_min"`
	BufferMinutes          int                `json:"buffer_minutes"`
	MaxCandidates          int                `json:"max_candidates"`
}

func (e *ExternalSolverClient) Solve(ctx context.Context, obj *SchedulingObjective, history map[string]*SchedulingHistoryAggregate) ([]ScoredSlot, error) {
	slots, err := e.solveRemote(ctx, obj)
	if err != nil {
		Logger().Warn("external_solver_failed_falling_back", "err", err)
		return e.fallback.Solve(ctx, obj, history)
	}
	return slots, nil
}

func (e *ExternalSolverClient) solveRemote(ctx context.Context, obj *SchedulingObjective) ([]ScoredSlot, error) {
	reqBody := externalSolverRequest{
		DurationMinutes:        obj.DurationMinutes,
		WindowStart:            obj.WindowStart,
		WindowEnd:              obj.WindowEnd,
		SlotGranularityMinutes: obj.SlotGranularityMinutes,
		Participants:           obj.Participants,
		TripWindows:            obj.TripWindows,
		WorkingHoursStartMin:   obj.WorkingHoursStartMin,
		WorkingHoursEndMin:     obj.WorkingHoursEndMin,
		NoMeetingsAfterMin:     obj.NoMeetingsAfterMin,
		BufferMinutes:          obj.BufferMinutes,
		MaxCandidates:          obj.MaxCandidates,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &ProviderError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var out struct {
		Candidates []ScoredSlot `json:"candidates"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

// selectSolver implements the selection rule from spec.md §4.5: the
// external solver is only tried when the problem is big enough to justify
// the network round trip (more than 3 participants or more than 5 active
// constraints) and an endpoint is actually configured.
func selectSolver(externalEndpoint string, participantCount, constraintCount int) SolverClient {
	if externalEndpoint != "" && (participantCount > 3 || constraintCount > 5) {
		return NewExternalSolverClient(externalEndpoint)
	}
	return GreedySolverClient{}
}
