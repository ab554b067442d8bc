// projection.go
package federation

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// plannedMirror is one (target account, target calendar, detail level)
// triple the policy graph says a canonical event should project into.
type plannedMirror struct {
	TargetAccountID  string
	TargetCalendarID string
	CalendarKind     CalendarKind
	DetailLevel      DetailLevel
}

// compileProjection walks the policy edges whose FromAccountID matches the
// event's origin account and returns every mirror target the event should
// have (spec.md §4.3.2). Edges targeting the origin account itself are
// skipped: an account never mirrors into itself.
func compileProjection(event *CanonicalEvent, edges []PolicyEdge) []plannedMirror {
	var planned []plannedMirror
	for _, e := range edges {
		if e.FromAccountID != event.OriginAccountID {
			continue
		}
		if e.ToAccountID == event.OriginAccountID {
			continue
		}
		planned = append(planned, plannedMirror{
			TargetAccountID:  e.ToAccountID,
			TargetCalendarID: e.TargetCalendarID,
			CalendarKind:     e.CalendarKind,
			DetailLevel:      e.DetailLevel,
		})
	}
	return planned
}

// buildMirrorPayload renders a canonical event into the shape projected at
// the target: FULL detail carries the event title, BUSY detail replaces it
// with "Busy". Description, location and attendees are not projected at any
// detail level (spec.md §3 Mirror / DetailLevel).
func buildMirrorPayload(event *CanonicalEvent, detail DetailLevel) *MirrorEventPayload {
	payload := &MirrorEventPayload{
		Start:        event.Start,
		End:          event.End,
		AllDay:       event.AllDay,
		Transparency: event.Transparency,
		Status:       event.Status,
		ExtendedProperties: ExtendedProperties{
			Managed:          true,
			CanonicalEventID: event.CanonicalEventID,
			OriginAccountID:  event.OriginAccountID,
		},
	}
	if detail == DetailFull {
		payload.Title = event.Title
	} else {
		payload.Title = "Busy"
	}
	return payload
}

// projectedHash is a stable content hash of everything a mirror write would
// change, used for the idempotent-skip check in write_consumer.go and the
// hash-mismatch detection in reconcile.go (spec.md §4.3.2 / §4.6).
func projectedHash(payload *MirrorEventPayload) string {
	canon := struct {
		Title        string
		Start        int64
		End          int64
		AllDay       bool
		Transparency Transparency
		Status       EventStatus
	}{
		Title:        payload.Title,
		Start:        payload.Start.UTC().Unix(),
		End:          payload.End.UTC().Unix(),
		AllDay:       payload.AllDay,
		Transparency: payload.Transparency,
		Status:       payload.Status,
	}
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// idempotencyKey derives a deterministic dedup key for a projection write so
// retried deliveries of the same (event, target, version) collapse into one
// effect (spec.md §5's "idempotency_key" consumer contract).
func idempotencyKey(canonicalEventID, targetAccountID string, version int64) string {
	return fmt.Sprintf("%s:%s:v%d", canonicalEventID, targetAccountID, version)
}

// enqueueProjection publishes one UPSERT_MIRROR message per planned mirror
// target for event, to be picked up by write_consumer.go. It does not touch
// the mirrors table itself — that happens when the write consumer applies
// the result (spec.md §4.5's separation between planning and writing).
func enqueueProjection(ctx context.Context, q Queue, event *CanonicalEvent, planned []plannedMirror) error {
	for _, p := range planned {
		payload := buildMirrorPayload(event, p.DetailLevel)
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg := UpsertMirrorMsg{
			Type:             MsgUpsertMirror,
			CanonicalEventID: event.CanonicalEventID,
			TargetAccountID:  p.TargetAccountID,
			TargetCalendarID: p.TargetCalendarID,
			ProjectedPayload: raw,
			IdempotencyKey:   idempotencyKey(event.CanonicalEventID, p.TargetAccountID, event.Version),
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := q.Publish(ctx, QueueWrite, body, 0); err != nil {
			return err
		}
	}
	return nil
}

// enqueueMirrorDeletion publishes a DELETE_MIRROR message for every existing
// mirror of a cancelled/removed canonical event.
func enqueueMirrorDeletion(ctx context.Context, q Queue, canonicalEventID string, mirrors []Mirror) error {
	for _, m := range mirrors {
		if m.State == MirrorTombstoned {
			continue
		}
		providerEventID := ""
		if m.ProviderEventID != nil {
			providerEventID = *m.ProviderEventID
		}
		msg := DeleteMirrorMsg{
			Type:             MsgDeleteMirror,
			CanonicalEventID: canonicalEventID,
			TargetAccountID:  m.TargetAccountID,
			ProviderEventID:  providerEventID,
			IdempotencyKey:   idempotencyKey(canonicalEventID, m.TargetAccountID, -1),
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := q.Publish(ctx, QueueWrite, body, 0); err != nil {
			return err
		}
	}
	return nil
}
