// usergraph_actor.go
package federation

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// UserGraphActor serializes every operation on one user's canonical store,
// mirrors, policy graph, and scheduling state through a single mailbox
// goroutine, mirroring AccountActor's design (spec.md §5, §9). Exactly one
// exists per user_id, created lazily by UserGraphRegistry.
type UserGraphActor struct {
	userID string
	store  *usergraphStore
	queue  Queue

	mailbox   chan func()
	closeOnce sync.Once
	done      chan struct{}
}

func newUserGraphActor(userID string, store *usergraphStore, queue Queue) *UserGraphActor {
	a := &UserGraphActor{
		userID:  userID,
		store:   store,
		queue:   queue,
		mailbox: make(chan func(), 64),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *UserGraphActor) run() {
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.done:
			return
		}
	}
}

func (a *UserGraphActor) do(fn func()) {
	reply := make(chan struct{})
	select {
	case a.mailbox <- func() { fn(); close(reply) }:
		<-reply
	case <-a.done:
	}
}

func (a *UserGraphActor) stop() {
	a.closeOnce.Do(func() { close(a.done) })
}

// --- canonical event ops, driven by sync_consumer.go / reconcile.go ---

// applyProviderDelta folds one batch of normalized provider deltas into the
// canonical store: created/updated deltas upsert (matching by origin
// account+event id), deleted deltas cancel and fan out mirror teardown.
// Every touched canonical event is journaled and re-projected (spec.md
// §4.4's "sync updates canonical, which re-triggers projection").
func (a *UserGraphActor) applyProviderDelta(ctx context.Context, originAccountID string, deltas []ProviderEventDelta, edges []PolicyEdge) error {
	var outErr error
	a.do(func() {
		for _, d := range deltas {
			switch d.Type {
			case DeltaDeleted:
				if err := a.handleDeleteLocked(ctx, originAccountID, d.OriginEventID); err != nil {
					outErr = err
					return
				}
			case DeltaCreated, DeltaUpdated:
				if err := a.handleUpsertLocked(ctx, originAccountID, d.OriginEventID, d.Event, edges); err != nil {
					outErr = err
					return
				}
			}
		}
	})
	return outErr
}

func (a *UserGraphActor) handleUpsertLocked(ctx context.Context, originAccountID, originEventID string, norm *NormalizedProviderEvent, edges []PolicyEdge) error {
	existing, err := a.store.getCanonicalEventByOrigin(originAccountID, originEventID)
	now := time.Now().UTC()
	var event *CanonicalEvent
	changeType := "created"
	if err == nil {
		existing.Title = norm.Title
		existing.Description = norm.Description
		existing.Location = norm.Location
		existing.Start = norm.Start
		existing.End = norm.End
		existing.AllDay = norm.AllDay
		existing.Status = norm.Status
		existing.Visibility = norm.Visibility
		existing.Transparency = norm.Transparency
		existing.RecurrenceRule = norm.RecurrenceRule
		existing.Attendees = norm.Attendees
		if uerr := a.store.updateCanonicalEvent(existing); uerr != nil {
			return uerr
		}
		event, err = a.store.getCanonicalEvent(existing.CanonicalEventID)
		if err != nil {
			return err
		}
		changeType = "updated"
	} else if err == ErrCanonicalUnknown {
		event = &CanonicalEvent{
			CanonicalEventID: newEventID(),
			UserID:           a.userID,
			OriginAccountID:  originAccountID,
			OriginEventID:    originEventID,
			Title:            norm.Title,
			Description:      norm.Description,
			Location:         norm.Location,
			Start:            norm.Start,
			End:              norm.End,
			AllDay:           norm.AllDay,
			Status:           norm.Status,
			Visibility:       norm.Visibility,
			Transparency:     norm.Transparency,
			RecurrenceRule:   norm.RecurrenceRule,
			Source:           EventSourceProvider,
			Attendees:        norm.Attendees,
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if cerr := a.store.createCanonicalEvent(event); cerr != nil {
			return cerr
		}
	} else {
		return err
	}

	if jerr := a.appendJournalLocked(event.CanonicalEventID, "sync", changeType, "", ""); jerr != nil {
		return jerr
	}

	planned := compileProjection(event, edges)
	return enqueueProjection(ctx, a.queue, event, planned)
}

func (a *UserGraphActor) handleDeleteLocked(ctx context.Context, originAccountID, originEventID string) error {
	event, err := a.store.getCanonicalEventByOrigin(originAccountID, originEventID)
	if err == ErrCanonicalUnknown {
		return nil
	}
	if err != nil {
		return err
	}
	if cerr := a.store.cancelCanonicalEvent(event.CanonicalEventID); cerr != nil {
		return cerr
	}
	if jerr := a.appendJournalLocked(event.CanonicalEventID, "sync", "deleted", "", ""); jerr != nil {
		return jerr
	}
	mirrors, err := a.store.listMirrorsForCanonical(event.CanonicalEventID)
	if err != nil {
		return err
	}
	return enqueueMirrorDeletion(ctx, a.queue, event.CanonicalEventID, mirrors)
}

func (a *UserGraphActor) appendJournalLocked(canonicalEventID, actor, changeType, patchJSON, reason string) error {
	return a.store.appendJournal(&JournalEntry{
		JournalID:        newJournalID(),
		CanonicalEventID: canonicalEventID,
		Ts:               time.Now().UTC(),
		Actor:            actor,
		ChangeType:       changeType,
		PatchJSON:        patchJSON,
		Reason:           reason,
	})
}

func (a *UserGraphActor) getCanonicalEvent(canonicalEventID string) (*CanonicalEvent, error) {
	var e *CanonicalEvent
	var outErr error
	a.do(func() { e, outErr = a.store.getCanonicalEvent(canonicalEventID) })
	return e, outErr
}

// listCanonicalEventsPage is the paginated, filterable listCanonicalEvents
// RPC entry point (spec.md §4.3.1); computeAvailability and
// buildSchedulingObjective use the unpaginated store-level
// listCanonicalEventsInWindow directly since they need the full window.
func (a *UserGraphActor) listCanonicalEventsPage(start, end time.Time, originAccountID string, limit int, cursor string) ([]CanonicalEvent, string, error) {
	var out []CanonicalEvent
	var next string
	var outErr error
	a.do(func() { out, next, outErr = a.store.listCanonicalEventsPage(a.userID, start, end, originAccountID, limit, cursor) })
	return out, next, outErr
}

func (a *UserGraphActor) listCanonicalEventsForAccount(accountID string) ([]CanonicalEvent, error) {
	var out []CanonicalEvent
	var outErr error
	a.do(func() { out, outErr = a.store.listCanonicalEventsForAccount(accountID) })
	return out, outErr
}

// --- mirror application, driven by write_consumer.go ---

func (a *UserGraphActor) applyMirrorSuccess(canonicalEventID, targetAccountID, targetCalendarID, providerEventID, hash string) error {
	var outErr error
	a.do(func() {
		now := time.Now().UTC()
		m, err := a.store.getMirror(canonicalEventID, targetAccountID)
		if err != nil {
			outErr = err
			return
		}
		if m == nil {
			m = &Mirror{
				CanonicalEventID: canonicalEventID,
				TargetAccountID:  targetAccountID,
				CreatedAt:        now,
			}
		}
		m.TargetCalendarID = targetCalendarID
		m.ProviderEventID = &providerEventID
		m.LastProjectedHash = hash
		m.LastWriteTs = &now
		m.State = MirrorActive
		m.ErrorMessage = ""
		m.UpdatedAt = now
		outErr = a.store.upsertMirror(m)
	})
	return outErr
}

func (a *UserGraphActor) applyMirrorFailure(canonicalEventID, targetAccountID, targetCalendarID, errMsg string) error {
	var outErr error
	a.do(func() {
		now := time.Now().UTC()
		m, err := a.store.getMirror(canonicalEventID, targetAccountID)
		if err != nil {
			outErr = err
			return
		}
		if m == nil {
			m = &Mirror{
				CanonicalEventID: canonicalEventID,
				TargetAccountID:  targetAccountID,
				TargetCalendarID: targetCalendarID,
				CreatedAt:        now,
			}
		}
		m.State = MirrorError
		m.ErrorMessage = errMsg
		m.UpdatedAt = now
		outErr = a.store.upsertMirror(m)
	})
	return outErr
}

func (a *UserGraphActor) applyMirrorTombstone(canonicalEventID, targetAccountID string) error {
	var outErr error
	a.do(func() {
		m, err := a.store.getMirror(canonicalEventID, targetAccountID)
		if err != nil {
			outErr = err
			return
		}
		if m == nil {
			return
		}
		m.State = MirrorTombstoned
		m.UpdatedAt = time.Now().UTC()
		outErr = a.store.upsertMirror(m)
	})
	return outErr
}

func (a *UserGraphActor) getMirror(canonicalEventID, targetAccountID string) (*Mirror, error) {
	var m *Mirror
	var outErr error
	a.do(func() { m, outErr = a.store.getMirror(canonicalEventID, targetAccountID) })
	return m, outErr
}

func (a *UserGraphActor) listMirrorsForTarget(targetAccountID string) ([]Mirror, error) {
	var out []Mirror
	var outErr error
	a.do(func() { out, outErr = a.store.listMirrorsForTarget(targetAccountID) })
	return out, outErr
}

func (a *UserGraphActor) getActiveMirrors(canonicalEventID string) ([]Mirror, error) {
	var out []Mirror
	var outErr error
	a.do(func() {
		all, err := a.store.listMirrorsForCanonical(canonicalEventID)
		if err != nil {
			outErr = err
			return
		}
		for _, m := range all {
			if m.State == MirrorActive {
				out = append(out, m)
			}
		}
	})
	return out, outErr
}

func (a *UserGraphActor) updateMirrorState(canonicalEventID, targetAccountID string, state MirrorState) error {
	var outErr error
	a.do(func() {
		m, err := a.store.getMirror(canonicalEventID, targetAccountID)
		if err != nil {
			outErr = err
			return
		}
		if m == nil {
			outErr = ErrNotFound
			return
		}
		m.State = state
		m.UpdatedAt = time.Now().UTC()
		outErr = a.store.upsertMirror(m)
	})
	return outErr
}

// recomputeProjections re-derives an event's planned mirror targets from the
// current policy graph and re-enqueues writes for all of them, used by
// operators to force a re-projection outside of reconcile's drift sweep.
func (a *UserGraphActor) recomputeProjections(ctx context.Context, canonicalEventID string) error {
	var outErr error
	a.do(func() {
		event, err := a.store.getCanonicalEvent(canonicalEventID)
		if err != nil {
			outErr = err
			return
		}
		edges, err := a.activeEdgesFromAccountLocked(event.OriginAccountID)
		if err != nil {
			outErr = err
			return
		}
		planned := compileProjection(event, edges)
		outErr = enqueueProjection(ctx, a.queue, event, planned)
	})
	return outErr
}

func (a *UserGraphActor) activeEdgesFromAccountLocked(accountID string) ([]PolicyEdge, error) {
	policyID, err := a.store.activePolicyID(a.userID)
	if err != nil {
		return nil, err
	}
	if policyID == "" {
		return nil, nil
	}
	return a.store.listEdgesFrom(policyID, accountID)
}

func (a *UserGraphActor) findCanonicalByOrigin(originAccountID, originEventID string) (*CanonicalEvent, error) {
	var e *CanonicalEvent
	var outErr error
	a.do(func() { e, outErr = a.store.getCanonicalEventByOrigin(originAccountID, originEventID) })
	return e, outErr
}

// --- policy graph ---

func (a *UserGraphActor) createPolicy(name string, isDefault bool) (*Policy, error) {
	var p *Policy
	var outErr error
	a.do(func() {
		p = &Policy{PolicyID: newPolicyID(), UserID: a.userID, Name: name, IsDefault: isDefault, Active: true, CreatedAt: time.Now().UTC()}
		outErr = a.store.createPolicy(p)
	})
	return p, outErr
}

func (a *UserGraphActor) listPolicies() ([]Policy, error) {
	var out []Policy
	var outErr error
	a.do(func() { out, outErr = a.store.listPolicies(a.userID) })
	return out, outErr
}

func (a *UserGraphActor) putPolicyEdge(e *PolicyEdge) error {
	var outErr error
	a.do(func() { outErr = a.store.putPolicyEdge(e) })
	return outErr
}

func (a *UserGraphActor) listEdgesFrom(policyID, fromAccountID string) ([]PolicyEdge, error) {
	var out []PolicyEdge
	var outErr error
	a.do(func() { out, outErr = a.store.listEdgesFrom(policyID, fromAccountID) })
	return out, outErr
}

func (a *UserGraphActor) activeEdgesFromAccount(accountID string) ([]PolicyEdge, error) {
	var out []PolicyEdge
	var outErr error
	a.do(func() { out, outErr = a.activeEdgesFromAccountLocked(accountID) })
	return out, outErr
}

// ensureDefaultPolicy returns the user's default policy, creating an empty
// one (no edges) on first use so every user graph has exactly one policy
// flagged is_default from the moment it is first touched.
func (a *UserGraphActor) ensureDefaultPolicy() (*Policy, error) {
	var p *Policy
	var outErr error
	a.do(func() {
		policies, err := a.store.listPolicies(a.userID)
		if err != nil {
			outErr = err
			return
		}
		for i := range policies {
			if policies[i].IsDefault {
				p = &policies[i]
				return
			}
		}
		p = &Policy{PolicyID: newPolicyID(), UserID: a.userID, Name: "default", IsDefault: true, Active: true, CreatedAt: time.Now().UTC()}
		outErr = a.store.createPolicy(p)
	})
	return p, outErr
}

func (a *UserGraphActor) setPolicyEdges(policyID string, edges []PolicyEdge) error {
	var outErr error
	a.do(func() {
		for i := range edges {
			edges[i].PolicyID = policyID
			if err := a.store.putPolicyEdge(&edges[i]); err != nil {
				outErr = err
				return
			}
		}
	})
	return outErr
}

func (a *UserGraphActor) getPolicyEdges(policyID string) ([]PolicyEdge, error) {
	var out []PolicyEdge
	var outErr error
	a.do(func() { out, outErr = a.store.listEdgesByPolicy(policyID) })
	return out, outErr
}

// unlinkAccount cascades an account revocation through the user graph:
// every mirror the account received is tombstoned, every policy edge
// touching the account is dropped, so the account stops receiving and
// producing projections (spec.md §4.2 unlink flow).
func (a *UserGraphActor) unlinkAccount(ctx context.Context, accountID string) error {
	var outErr error
	a.do(func() {
		mirrors, err := a.store.listMirrorsForTarget(accountID)
		if err != nil {
			outErr = err
			return
		}
		for _, m := range mirrors {
			m.State = MirrorTombstoned
			m.UpdatedAt = time.Now().UTC()
			if uerr := a.store.upsertMirror(&m); uerr != nil {
				outErr = uerr
				return
			}
		}
		outErr = a.store.deleteEdgesForAccount(accountID)
	})
	return outErr
}

// --- availability ---

func (a *UserGraphActor) computeAvailability(start, end time.Time) ([]Interval, error) {
	var out []Interval
	var outErr error
	a.do(func() {
		events, err := a.store.listCanonicalEventsInWindow(a.userID, start, end)
		if err != nil {
			outErr = err
			return
		}
		out = computeAvailability(events, start, end)
	})
	return out, outErr
}

// --- scheduling sessions ---

func (a *UserGraphActor) openSession(objective *SchedulingObjective) (*SchedulingSession, error) {
	var sess *SchedulingSession
	var outErr error
	a.do(func() {
		raw, err := json.Marshal(objective)
		if err != nil {
			outErr = err
			return
		}
		sess = &SchedulingSession{
			SessionID:     newSessionID(),
			UserID:        a.userID,
			Status:        SessionOpen,
			ObjectiveJSON: string(raw),
			CreatedAt:     time.Now().UTC(),
		}
		outErr = a.store.createSession(sess)
	})
	return sess, outErr
}

// constraintActive reports whether c is in force at instant at, per its
// active_from/active_to bounds (spec.md §6 config shapes).
func constraintActive(c *Constraint, at time.Time) bool {
	if c.ActiveFrom != nil && at.Before(*c.ActiveFrom) {
		return false
	}
	if c.ActiveTo != nil && at.After(*c.ActiveTo) {
		return false
	}
	return true
}

// parseHHMM turns a "HH:MM" constraint config field into minute-of-day.
func parseHHMM(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// buildSchedulingObjective assembles the SchedulingObjective a solver
// actually runs against: the caller's own busy calendar for the window,
// each requested participant's VIP weighting from the stored vip_policies
// rows, and the working-hours/trip/buffer/no-meetings-after shape from the
// stored constraints rows (spec.md §4.3.4/§4.3.5/§4.5) — so addConstraint
// and createVipPolicy actually influence createSession instead of sitting
// as unread CRUD rows.
func (a *UserGraphActor) buildSchedulingObjective(durationMinutes int, windowStart, windowEnd time.Time, granularityMinutes, maxCandidates int, participantHashes []string) (*SchedulingObjective, error) {
	var obj *SchedulingObjective
	var outErr error
	a.do(func() {
		events, err := a.store.listCanonicalEventsInWindow(a.userID, windowStart, windowEnd)
		if err != nil {
			outErr = err
			return
		}
		selfBusy := mergeBusyIntervals(events)

		vips, err := a.store.listVipPolicies(a.userID)
		if err != nil {
			outErr = err
			return
		}
		vipByHash := make(map[string]VipPolicy, len(vips))
		for _, v := range vips {
			vipByHash[v.ParticipantHash] = v
		}

		participants := make([]ParticipantInput, 0, len(participantHashes)+1)
		participants = append(participants, ParticipantInput{ParticipantHash: a.userID, Busy: selfBusy, VipWeight: 1.0})
		for _, hash := range participantHashes {
			p := ParticipantInput{ParticipantHash: hash, VipWeight: 1.0}
			if vip, ok := vipByHash[hash]; ok {
				p.IsVip = true
				p.VipWeight = vip.PriorityWeight
			}
			participants = append(participants, p)
		}

		constraints, err := a.store.listConstraints(a.userID)
		if err != nil {
			outErr = err
			return
		}

		o := &SchedulingObjective{
			DurationMinutes:        durationMinutes,
			WindowStart:            windowStart,
			WindowEnd:              windowEnd,
			SlotGranularityMinutes: granularityMinutes,
			MaxCandidates:          maxCandidates,
			Participants:           participants,
		}
		for i := range constraints {
			c := constraints[i]
			switch c.Kind {
			case ConstraintTrip:
				if c.ActiveFrom != nil && c.ActiveTo != nil {
					o.TripWindows = append(o.TripWindows, Interval{Start: *c.ActiveFrom, End: *c.ActiveTo})
				}
			case ConstraintWorkingHours:
				if !constraintActive(&c, windowStart) {
					continue
				}
				var cfg struct {
					StartTime string `json:"start_time"`
					EndTime   string `json:"end_time"`
				}
				if json.Unmarshal([]byte(c.ConfigJSON), &cfg) == nil {
					if m, ok := parseHHMM(cfg.StartTime); ok {
						o.WorkingHoursStartMin = m
					}
					if m, ok := parseHHMM(cfg.EndTime); ok {
						o.WorkingHoursEndMin = m
					}
				}
			case ConstraintBuffer:
				if !constraintActive(&c, windowStart) {
					continue
				}
				var cfg struct {
					Minutes int `json:"minutes"`
				}
				if json.Unmarshal([]byte(c.ConfigJSON), &cfg) == nil && cfg.Minutes > o.BufferMinutes {
					o.BufferMinutes = cfg.Minutes
				}
			case ConstraintNoMeetingAfter:
				if !constraintActive(&c, windowStart) {
					continue
				}
				var cfg struct {
					Time string `json:"time"`
				}
				if json.Unmarshal([]byte(c.ConfigJSON), &cfg) == nil {
					if m, ok := parseHHMM(cfg.Time); ok {
						o.NoMeetingsAfterMin = m
					}
				}
			case ConstraintVipOverride:
				// informational only: VIP matching is driven by the
				// vip_policies rows joined against participantHashes above.
			}
		}
		obj = o
	})
	return obj, outErr
}

func (a *UserGraphActor) proposeCandidates(ctx context.Context, sessionID string, solver SolverClient, history map[string]*SchedulingHistoryAggregate) ([]Candidate, error) {
	var out []Candidate
	var outErr error
	a.do(func() {
		sess, err := a.store.getSession(sessionID)
		if err != nil {
			outErr = err
			return
		}
		var objective SchedulingObjective
		if uerr := json.Unmarshal([]byte(sess.ObjectiveJSON), &objective); uerr != nil {
			outErr = uerr
			return
		}
		slots, serr := solver.Solve(ctx, &objective, history)
		if serr != nil {
			outErr = serr
			return
		}
		candidates := make([]Candidate, 0, len(slots))
		for _, s := range slots {
			candidates = append(candidates, Candidate{
				CandidateID: newCandidateID(),
				SessionID:   sessionID,
				Start:       s.Start,
				End:         s.End,
				Score:       s.Score,
				Explanation: s.Explanation,
				Status:      "proposed",
			})
		}
		if aerr := a.store.addCandidates(candidates); aerr != nil {
			outErr = aerr
			return
		}
		outErr = a.store.setSessionStatus(sessionID, SessionCandidatesReady)
		out = candidates
	})
	return out, outErr
}

func (a *UserGraphActor) listCandidates(sessionID string) ([]Candidate, error) {
	var out []Candidate
	var outErr error
	a.do(func() { out, outErr = a.store.listCandidates(sessionID) })
	return out, outErr
}

func (a *UserGraphActor) holdCandidate(candidateID, accountID string, ttl time.Duration) (*Hold, error) {
	var h *Hold
	var outErr error
	a.do(func() {
		cand, err := a.store.getCandidate(candidateID)
		if err != nil {
			outErr = err
			return
		}
		h = &Hold{
			HoldID:    newHoldID(),
			SessionID: cand.SessionID,
			AccountID: accountID,
			ExpiresAt: time.Now().Add(ttl).UTC(),
			Status:    HoldHeld,
		}
		outErr = a.store.createHold(h)
	})
	return h, outErr
}

func (a *UserGraphActor) commitSession(sessionID, candidateID, eventID string, participantHashes []string) error {
	var outErr error
	a.do(func() {
		if err := a.store.commitSession(sessionID, candidateID, eventID); err != nil {
			outErr = err
			return
		}
		candidates, err := a.store.listCandidates(sessionID)
		if err != nil {
			outErr = err
			return
		}
		preferredID := ""
		if len(candidates) > 0 {
			preferredID = candidates[0].CandidateID // highest-scored is the greedy "preferred" slot
		}
		gotPreferred := candidateID == preferredID
		now := time.Now().UTC()
		for _, ph := range participantHashes {
			if herr := a.store.recordHistory(&SchedulingHistoryEntry{
				SessionID:       sessionID,
				ParticipantHash: ph,
				GotPreferred:    gotPreferred,
				ScheduledTs:     now,
			}); herr != nil {
				outErr = herr
				return
			}
		}
	})
	return outErr
}

func (a *UserGraphActor) cancelSession(sessionID string) error {
	var outErr error
	a.do(func() {
		holds, err := a.store.listHolds(sessionID)
		if err != nil {
			outErr = err
			return
		}
		for _, h := range holds {
			if h.Status == HoldHeld {
				if serr := a.store.setHoldStatus(h.HoldID, HoldReleased); serr != nil {
					outErr = serr
					return
				}
			}
		}
		outErr = a.store.setSessionStatus(sessionID, SessionCancelled)
	})
	return outErr
}

func (a *UserGraphActor) listSessionsForUser(status SessionStatus, limit int, cursor string) ([]SchedulingSession, string, error) {
	var out []SchedulingSession
	var next string
	var outErr error
	a.do(func() { out, next, outErr = a.store.listSessionsForUser(a.userID, status, limit, cursor) })
	return out, next, outErr
}

func (a *UserGraphActor) getSession(sessionID string) (*SchedulingSession, error) {
	var sess *SchedulingSession
	var outErr error
	a.do(func() { sess, outErr = a.store.getSession(sessionID) })
	return sess, outErr
}

func (a *UserGraphActor) getHoldsBySession(sessionID string) ([]Hold, error) {
	var out []Hold
	var outErr error
	a.do(func() { out, outErr = a.store.listHolds(sessionID) })
	return out, outErr
}

// getExpiredHolds is the read-only counterpart to sweepExpiredHolds: it
// reports holds past their TTL without flipping their status, for operators
// inspecting drift before the next sweep tick.
func (a *UserGraphActor) getExpiredHolds(now time.Time) ([]Hold, error) {
	var out []Hold
	var outErr error
	a.do(func() { out, outErr = a.store.listExpiredHolds(now) })
	return out, outErr
}

func (a *UserGraphActor) updateHoldStatus(holdID string, status HoldStatus) error {
	var outErr error
	a.do(func() { outErr = a.store.setHoldStatus(holdID, status) })
	return outErr
}

func (a *UserGraphActor) sweepExpiredHolds(now time.Time) ([]Hold, error) {
	var expired []Hold
	var outErr error
	a.do(func() {
		holds, err := a.store.listExpiredHolds(now)
		if err != nil {
			outErr = err
			return
		}
		for _, h := range holds {
			if serr := a.store.setHoldStatus(h.HoldID, HoldExpired); serr != nil {
				outErr = serr
				return
			}
		}
		expired = holds
	})
	return expired, outErr
}

// --- constraints / VIP policies ---

func (a *UserGraphActor) listConstraints() ([]Constraint, error) {
	var out []Constraint
	var outErr error
	a.do(func() { out, outErr = a.store.listConstraints(a.userID) })
	return out, outErr
}

func (a *UserGraphActor) addConstraint(kind ConstraintKind, configJSON string, from, to *time.Time) (*Constraint, error) {
	var c *Constraint
	var outErr error
	a.do(func() {
		c = &Constraint{ConstraintID: newConstraintID(), UserID: a.userID, Kind: kind, ConfigJSON: configJSON, ActiveFrom: from, ActiveTo: to}
		outErr = a.store.addConstraint(c)
	})
	return c, outErr
}

func (a *UserGraphActor) removeConstraint(constraintID string) error {
	var outErr error
	a.do(func() { outErr = a.store.removeConstraint(constraintID) })
	return outErr
}

func (a *UserGraphActor) listVipPolicies() ([]VipPolicy, error) {
	var out []VipPolicy
	var outErr error
	a.do(func() { out, outErr = a.store.listVipPolicies(a.userID) })
	return out, outErr
}

func (a *UserGraphActor) addVipPolicy(participantHash, displayName string, weight float64, conditionsJSON string) (*VipPolicy, error) {
	var v *VipPolicy
	var outErr error
	a.do(func() {
		v = &VipPolicy{
			VipID:           newVipID(),
			UserID:          a.userID,
			ParticipantHash: participantHash,
			DisplayName:     displayName,
			PriorityWeight:  weight,
			ConditionsJSON:  conditionsJSON,
			CreatedAt:       time.Now().UTC(),
		}
		outErr = a.store.addVipPolicy(v)
	})
	return v, outErr
}

func (a *UserGraphActor) removeVipPolicy(vipID string) error {
	var outErr error
	a.do(func() { outErr = a.store.removeVipPolicy(vipID) })
	return outErr
}

func (a *UserGraphActor) recordHistoryEntry(sessionID, participantHash string, gotPreferred bool) error {
	var outErr error
	a.do(func() {
		outErr = a.store.recordHistory(&SchedulingHistoryEntry{
			SessionID:       sessionID,
			ParticipantHash: participantHash,
			GotPreferred:    gotPreferred,
			ScheduledTs:     time.Now().UTC(),
		})
	})
	return outErr
}

func (a *UserGraphActor) getHistoryAggregate(participantHash string) (*SchedulingHistoryAggregate, error) {
	var agg *SchedulingHistoryAggregate
	var outErr error
	a.do(func() { agg, outErr = a.store.historyAggregate(participantHash) })
	return agg, outErr
}

func (a *UserGraphActor) historyAggregates(participantHashes []string) (map[string]*SchedulingHistoryAggregate, error) {
	out := make(map[string]*SchedulingHistoryAggregate)
	var outErr error
	a.do(func() {
		for _, ph := range participantHashes {
			agg, err := a.store.historyAggregate(ph)
			if err != nil {
				outErr = err
				return
			}
			out[ph] = agg
		}
	})
	return out, outErr
}

// --- journal ---

func (a *UserGraphActor) appendJournal(canonicalEventID, actor, changeType, patchJSON, reason string) error {
	var outErr error
	a.do(func() { outErr = a.appendJournalLocked(canonicalEventID, actor, changeType, patchJSON, reason) })
	return outErr
}

func (a *UserGraphActor) listJournal(canonicalEventID string) ([]JournalEntry, error) {
	var out []JournalEntry
	var outErr error
	a.do(func() { out, outErr = a.store.listJournal(canonicalEventID) })
	return out, outErr
}

// queryJournalPage is the paginated, optionally event-scoped queryJournal
// RPC entry point (spec.md §4.3.7).
func (a *UserGraphActor) queryJournalPage(canonicalEventID string, limit int, cursor string) ([]JournalEntry, string, error) {
	var out []JournalEntry
	var next string
	var outErr error
	a.do(func() { out, next, outErr = a.store.queryJournalPage(a.userID, canonicalEventID, limit, cursor) })
	return out, next, outErr
}

// --- sync health ---

// getSyncHealth is the per-user aggregate behind the getSyncHealth RPC
// (spec.md §4.3.7), not to be confused with AccountActor.getHealth's
// per-account token-refresh health.
func (a *UserGraphActor) getSyncHealth() (*userSyncHealth, error) {
	var h *userSyncHealth
	var outErr error
	a.do(func() { h, outErr = a.store.getSyncHealth(a.userID) })
	return h, outErr
}
