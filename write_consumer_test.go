package federation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writeFakeClient struct {
	fakeProviderClient
	upsertErr    error
	upsertCalls  int
	deleteErr    error
	deleteCalls  int
	upsertResult string
}

func (f *writeFakeClient) UpsertEvent(ctx context.Context, accessToken, calendarID, providerEventID string, payload *MirrorEventPayload) (string, error) {
	f.upsertCalls++
	if f.upsertErr != nil {
		return "", f.upsertErr
	}
	return f.upsertResult, nil
}

func (f *writeFakeClient) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	f.deleteCalls++
	return f.deleteErr
}

func newWriteHarness(t *testing.T) (*AccountRegistry, *UserGraphRegistry, *writeFakeClient, Queue) {
	t.Helper()
	accountDSN := filepath.Join(t.TempDir(), "account.db")
	usergraphDSN := filepath.Join(t.TempDir(), "usergraph.db")
	accountStore, err := newAccountStore(accountDSN)
	require.NoError(t, err)
	t.Cleanup(func() { accountStore.db.Close() })
	usergraphStore, err := newUsergraphStore(usergraphDSN)
	require.NoError(t, err)
	t.Cleanup(func() { usergraphStore.db.Close() })

	client := &writeFakeClient{upsertResult: "prov_evt_new"}
	resolver := &fakeProviderResolver{client: client}
	masterKey := []byte("write-master-key-0123456789abcd")

	accounts := NewAccountRegistry(accountStore, masterKey, resolver, 5*time.Minute)
	queue := NewMemQueue(3, 32)
	users := NewUserGraphRegistry(usergraphStore, queue)

	targetActor := accounts.Get("acc_target")
	require.NoError(t, targetActor.initialize(newTestAccount("acc_target", "usr_1", ProviderGoogle), TokenSet{
		AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC(),
	}, []string{"primary"}))

	return accounts, users, client, queue
}

func newTestCanonicalEvent(t *testing.T, userActor *UserGraphActor, originAccountID, originEventID, title string) *CanonicalEvent {
	t.Helper()
	require.NoError(t, userActor.applyProviderDelta(context.Background(), originAccountID, []ProviderEventDelta{
		{Type: DeltaCreated, OriginEventID: originEventID, Event: &NormalizedProviderEvent{
			Title: title, Start: time.Now().Add(time.Hour), End: time.Now().Add(2 * time.Hour),
			Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
		}},
	}, nil))
	event, err := userActor.findCanonicalByOrigin(originAccountID, originEventID)
	require.NoError(t, err)
	return event
}

func TestWriteConsumerUpsertCreatesOverlayCalendarAndMirror(t *testing.T) {
	accounts, users, client, queue := newWriteHarness(t)
	client.overlayCal = "cal_overlay_1"
	userActor := users.Get("usr_1")
	event := newTestCanonicalEvent(t, userActor, "acc_home", "origin-1", "Standup")

	payload := buildMirrorPayload(event, DetailFull)
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	c := NewWriteConsumer(accounts, users, queue)
	require.NoError(t, c.handleUpsert(context.Background(), &UpsertMirrorMsg{
		CanonicalEventID: event.CanonicalEventID, TargetAccountID: "acc_target",
		ProjectedPayload: body,
	}))

	assert.Equal(t, 1, client.upsertCalls)
	mirror, err := userActor.getMirror(event.CanonicalEventID, "acc_target")
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.Equal(t, MirrorActive, mirror.State)
	assert.Equal(t, "cal_overlay_1", mirror.TargetCalendarID)
	assert.Equal(t, "prov_evt_new", *mirror.ProviderEventID)
}

func TestWriteConsumerUpsertIsIdempotentAtSameHash(t *testing.T) {
	accounts, users, client, queue := newWriteHarness(t)
	client.overlayCal = "cal_overlay_1"
	userActor := users.Get("usr_1")
	event := newTestCanonicalEvent(t, userActor, "acc_home", "origin-1", "Standup")

	payload := buildMirrorPayload(event, DetailFull)
	hash := projectedHash(payload)
	require.NoError(t, userActor.applyMirrorSuccess(event.CanonicalEventID, "acc_target", "cal_overlay_1", "prov_evt_existing", hash))

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	c := NewWriteConsumer(accounts, users, queue)
	require.NoError(t, c.handleUpsert(context.Background(), &UpsertMirrorMsg{
		CanonicalEventID: event.CanonicalEventID, TargetAccountID: "acc_target",
		TargetCalendarID: "cal_overlay_1", ProjectedPayload: body,
	}))

	assert.Zero(t, client.upsertCalls)
}

func TestWriteConsumerUpsertPermanentFailureRecordsAndDoesNotRetry(t *testing.T) {
	accounts, users, client, queue := newWriteHarness(t)
	client.overlayCal = "cal_overlay_1"
	client.upsertErr = &ProviderError{Status: 400, Body: "bad request"}
	userActor := users.Get("usr_1")
	event := newTestCanonicalEvent(t, userActor, "acc_home", "origin-1", "Standup")

	payload := buildMirrorPayload(event, DetailFull)
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	c := NewWriteConsumer(accounts, users, queue)
	require.NoError(t, c.handleUpsert(context.Background(), &UpsertMirrorMsg{
		CanonicalEventID: event.CanonicalEventID, TargetAccountID: "acc_target",
		ProjectedPayload: body,
	}))

	mirror, err := userActor.getMirror(event.CanonicalEventID, "acc_target")
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.NotEmpty(t, mirror.ErrorMessage)
}

func TestWriteConsumerUpsertRetryableFailureReturnsError(t *testing.T) {
	accounts, users, client, queue := newWriteHarness(t)
	client.overlayCal = "cal_overlay_1"
	client.upsertErr = &ProviderError{Status: 503, Body: "unavailable"}
	userActor := users.Get("usr_1")
	event := newTestCanonicalEvent(t, userActor, "acc_home", "origin-1", "Standup")

	payload := buildMirrorPayload(event, DetailFull)
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	c := NewWriteConsumer(accounts, users, queue)
	require.Error(t, c.handleUpsert(context.Background(), &UpsertMirrorMsg{
		CanonicalEventID: event.CanonicalEventID, TargetAccountID: "acc_target",
		ProjectedPayload: body,
	}))
}

func TestWriteConsumerDeleteTombstonesMirror(t *testing.T) {
	accounts, users, client, queue := newWriteHarness(t)
	userActor := users.Get("usr_1")
	event := newTestCanonicalEvent(t, userActor, "acc_home", "origin-1", "Standup")
	require.NoError(t, userActor.applyMirrorSuccess(event.CanonicalEventID, "acc_target", "cal_overlay_1", "prov_evt_1", "hash-1"))

	c := NewWriteConsumer(accounts, users, queue)
	require.NoError(t, c.handleDelete(context.Background(), &DeleteMirrorMsg{
		CanonicalEventID: event.CanonicalEventID, TargetAccountID: "acc_target", ProviderEventID: "prov_evt_1",
	}))

	assert.Equal(t, 1, client.deleteCalls)
	mirror, err := userActor.getMirror(event.CanonicalEventID, "acc_target")
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.Equal(t, MirrorTombstoned, mirror.State)
}

func TestWriteConsumerDeleteIsNoopWhenAlreadyTombstoned(t *testing.T) {
	accounts, users, client, queue := newWriteHarness(t)
	userActor := users.Get("usr_1")
	event := newTestCanonicalEvent(t, userActor, "acc_home", "origin-1", "Standup")
	require.NoError(t, userActor.applyMirrorSuccess(event.CanonicalEventID, "acc_target", "cal_overlay_1", "prov_evt_1", "hash-1"))
	require.NoError(t, userActor.applyMirrorTombstone(event.CanonicalEventID, "acc_target"))

	c := NewWriteConsumer(accounts, users, queue)
	require.NoError(t, c.handleDelete(context.Background(), &DeleteMirrorMsg{
		CanonicalEventID: event.CanonicalEventID, TargetAccountID: "acc_target", ProviderEventID: "prov_evt_1",
	}))

	assert.Zero(t, client.deleteCalls)
}

func TestWriteConsumerDeleteWithoutProviderEventIDTombstonesWithoutCallingProvider(t *testing.T) {
	accounts, users, client, queue := newWriteHarness(t)
	userActor := users.Get("usr_1")
	event := newTestCanonicalEvent(t, userActor, "acc_home", "origin-1", "Standup")
	require.NoError(t, userActor.applyMirrorSuccess(event.CanonicalEventID, "acc_target", "cal_overlay_1", "", "hash-1"))

	c := NewWriteConsumer(accounts, users, queue)
	require.NoError(t, c.handleDelete(context.Background(), &DeleteMirrorMsg{
		CanonicalEventID: event.CanonicalEventID, TargetAccountID: "acc_target",
	}))

	assert.Zero(t, client.deleteCalls)
	mirror, err := userActor.getMirror(event.CanonicalEventID, "acc_target")
	require.NoError(t, err)
	assert.Equal(t, MirrorTombstoned, mirror.State)
}
