package federation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileProjectionSkipsSelfTargetingEdges(t *testing.T) {
	event := &CanonicalEvent{CanonicalEventID: "evt_1", OriginAccountID: "acc_home"}
	edges := []PolicyEdge{
		{FromAccountID: "acc_home", ToAccountID: "acc_home", DetailLevel: DetailFull},
		{FromAccountID: "acc_home", ToAccountID: "acc_work", DetailLevel: DetailBusy, CalendarKind: CalendarKindBusyOverlay},
		{FromAccountID: "acc_other", ToAccountID: "acc_work", DetailLevel: DetailFull},
	}

	planned := compileProjection(event, edges)
	require.Len(t, planned, 1)
	assert.Equal(t, "acc_work", planned[0].TargetAccountID)
	assert.Equal(t, DetailBusy, planned[0].DetailLevel)
}

func TestBuildMirrorPayloadStripsDetailsAtBusyLevel(t *testing.T) {
	event := &CanonicalEvent{
		CanonicalEventID: "evt_1", OriginAccountID: "acc_home",
		Title: "Therapy appointment", Start: time.Now(), End: time.Now().Add(time.Hour),
		Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
	}

	full := buildMirrorPayload(event, DetailFull)
	assert.Equal(t, "Therapy appointment", full.Title)

	busy := buildMirrorPayload(event, DetailBusy)
	assert.Equal(t, "Busy", busy.Title)
	assert.True(t, busy.ExtendedProperties.Managed)
	assert.Equal(t, "evt_1", busy.ExtendedProperties.CanonicalEventID)
	assert.Equal(t, "acc_home", busy.ExtendedProperties.OriginAccountID)
}

func TestProjectedHashIsStableAndContentSensitive(t *testing.T) {
	event := &CanonicalEvent{
		CanonicalEventID: "evt_1", Title: "Standup",
		Start: time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC),
		Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
	}
	payload := buildMirrorPayload(event, DetailFull)

	h1 := projectedHash(payload)
	h2 := projectedHash(buildMirrorPayload(event, DetailFull))
	assert.Equal(t, h1, h2)

	event.Title = "Standup (renamed)"
	h3 := projectedHash(buildMirrorPayload(event, DetailFull))
	assert.NotEqual(t, h1, h3)
}

func TestProjectedHashIgnoresTimezoneRepresentation(t *testing.T) {
	utcStart := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	loc := time.FixedZone("UTC-5", -5*60*60)
	localStart := utcStart.In(loc)

	eventUTC := &CanonicalEvent{Title: "Standup", Start: utcStart, End: utcStart.Add(30 * time.Minute), Status: EventStatusConfirmed, Transparency: TransparencyOpaque}
	eventLocal := &CanonicalEvent{Title: "Standup", Start: localStart, End: localStart.Add(30 * time.Minute), Status: EventStatusConfirmed, Transparency: TransparencyOpaque}

	assert.Equal(t, projectedHash(buildMirrorPayload(eventUTC, DetailFull)), projectedHash(buildMirrorPayload(eventLocal, DetailFull)))
}

func TestIdempotencyKeyFormat(t *testing.T) {
	assert.Equal(t, "evt_1:acc_work:v3", idempotencyKey("evt_1", "acc_work", 3))
	assert.Equal(t, "evt_1:acc_work:v-1", idempotencyKey("evt_1", "acc_work", -1))
}

func TestEnqueueProjectionPublishesOneMessagePerPlannedMirror(t *testing.T) {
	queue := NewMemQueue(3, 32)
	event := &CanonicalEvent{
		CanonicalEventID: "evt_1", OriginAccountID: "acc_home", Version: 2,
		Title: "Standup", Start: time.Now(), End: time.Now().Add(time.Hour),
		Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
	}
	planned := []plannedMirror{
		{TargetAccountID: "acc_work", DetailLevel: DetailBusy, CalendarKind: CalendarKindBusyOverlay},
		{TargetAccountID: "acc_side", DetailLevel: DetailFull, CalendarKind: CalendarKindPrimary, TargetCalendarID: "cal_side"},
	}

	require.NoError(t, enqueueProjection(context.Background(), queue, event, planned))

	payloads := drainQueue(t, queue, QueueWrite, 2)
	require.Len(t, payloads, 2)

	byTarget := map[string]UpsertMirrorMsg{}
	for _, p := range payloads {
		var msg UpsertMirrorMsg
		require.NoError(t, json.Unmarshal(p, &msg))
		byTarget[msg.TargetAccountID] = msg
	}

	work := byTarget["acc_work"]
	assert.Equal(t, MsgUpsertMirror, work.Type)
	assert.Equal(t, "evt_1:acc_work:v2", work.IdempotencyKey)
	var workPayload MirrorEventPayload
	require.NoError(t, json.Unmarshal(work.ProjectedPayload, &workPayload))
	assert.Equal(t, "Busy", workPayload.Title)

	side := byTarget["acc_side"]
	assert.Equal(t, "cal_side", side.TargetCalendarID)
	var sidePayload MirrorEventPayload
	require.NoError(t, json.Unmarshal(side.ProjectedPayload, &sidePayload))
	assert.Equal(t, "Standup", sidePayload.Title)
}

func TestEnqueueMirrorDeletionSkipsAlreadyTombstonedMirrorsAndUsesVersionMinusOne(t *testing.T) {
	queue := NewMemQueue(3, 32)
	providerEventID := "prov_evt_1"
	mirrors := []Mirror{
		{CanonicalEventID: "evt_1", TargetAccountID: "acc_work", State: MirrorActive, ProviderEventID: &providerEventID},
		{CanonicalEventID: "evt_1", TargetAccountID: "acc_side", State: MirrorTombstoned},
	}

	require.NoError(t, enqueueMirrorDeletion(context.Background(), queue, "evt_1", mirrors))

	payloads := drainQueue(t, queue, QueueWrite, 1)
	require.Len(t, payloads, 1)

	var msg DeleteMirrorMsg
	require.NoError(t, json.Unmarshal(payloads[0], &msg))
	assert.Equal(t, "acc_work", msg.TargetAccountID)
	assert.Equal(t, "prov_evt_1", msg.ProviderEventID)
	assert.Equal(t, "evt_1:acc_work:v-1", msg.IdempotencyKey)
}
