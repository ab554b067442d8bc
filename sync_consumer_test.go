package federation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncFakeClient struct {
	fakeProviderClient
	pages         map[string]*ListEventsResult // keyed by pageToken ("" = first page)
	tokenGone     bool
	listEventsErr error
}

func (f *syncFakeClient) ListEvents(ctx context.Context, accessToken, calendarID, syncToken, pageToken string) (*ListEventsResult, error) {
	if f.listEventsErr != nil {
		return nil, f.listEventsErr
	}
	if f.tokenGone {
		return &ListEventsResult{SyncTokenGone: true}, nil
	}
	if r, ok := f.pages[pageToken]; ok {
		return r, nil
	}
	return &ListEventsResult{}, nil
}

func newSyncHarness(t *testing.T) (*AccountRegistry, *UserGraphRegistry, *syncFakeClient, Queue) {
	t.Helper()
	accountDSN := filepath.Join(t.TempDir(), "account.db")
	usergraphDSN := filepath.Join(t.TempDir(), "usergraph.db")
	accountStore, err := newAccountStore(accountDSN)
	require.NoError(t, err)
	t.Cleanup(func() { accountStore.db.Close() })
	usergraphStore, err := newUsergraphStore(usergraphDSN)
	require.NoError(t, err)
	t.Cleanup(func() { usergraphStore.db.Close() })

	client := &syncFakeClient{pages: map[string]*ListEventsResult{}}
	resolver := &fakeProviderResolver{client: client}
	masterKey := []byte("sync-master-key-0123456789abcd")

	accounts := NewAccountRegistry(accountStore, masterKey, resolver, 5*time.Minute)
	queue := NewMemQueue(3, 32)
	users := NewUserGraphRegistry(usergraphStore, queue)

	actor := accounts.Get("acc_1")
	require.NoError(t, actor.initialize(newTestAccount("acc_1", "usr_1", ProviderGoogle), TokenSet{
		AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC(),
	}, []string{"primary"}))

	return accounts, users, client, queue
}

func TestSyncConsumerAppliesSinglePageDeltasAndAdvancesCursor(t *testing.T) {
	accounts, users, client, queue := newSyncHarness(t)
	client.pages[""] = &ListEventsResult{
		Events: []ProviderEventDelta{
			{Type: DeltaCreated, OriginEventID: "origin-1", Event: &NormalizedProviderEvent{
				Title: "Standup", Start: time.Now().Add(time.Hour), End: time.Now().Add(90 * time.Minute),
				Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
			}},
		},
		NextSyncToken: "cursor-2",
	}

	c := NewSyncConsumer(accounts, users, queue)
	require.NoError(t, c.syncAccount(context.Background(), "acc_1", false))

	userActor := users.Get("usr_1")
	event, err := userActor.findCanonicalByOrigin("acc_1", "origin-1")
	require.NoError(t, err)
	assert.Equal(t, "Standup", event.Title)

	actor := accounts.Get("acc_1")
	gotToken, err := actor.getSyncToken()
	require.NoError(t, err)
	assert.Equal(t, "cursor-2", gotToken)
}

func TestSyncConsumerPagesUntilNextPageTokenEmpty(t *testing.T) {
	accounts, users, client, queue := newSyncHarness(t)
	client.pages[""] = &ListEventsResult{
		Events: []ProviderEventDelta{
			{Type: DeltaCreated, OriginEventID: "origin-page1", Event: &NormalizedProviderEvent{
				Title: "Page 1 event", Start: time.Now().Add(time.Hour), End: time.Now().Add(90 * time.Minute),
				Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
			}},
		},
		NextPageToken: "page-2",
	}
	client.pages["page-2"] = &ListEventsResult{
		Events: []ProviderEventDelta{
			{Type: DeltaCreated, OriginEventID: "origin-page2", Event: &NormalizedProviderEvent{
				Title: "Page 2 event", Start: time.Now().Add(2 * time.Hour), End: time.Now().Add(3 * time.Hour),
				Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
			}},
		},
		NextSyncToken: "cursor-final",
	}

	c := NewSyncConsumer(accounts, users, queue)
	require.NoError(t, c.syncAccount(context.Background(), "acc_1", false))

	userActor := users.Get("usr_1")
	_, err := userActor.findCanonicalByOrigin("acc_1", "origin-page1")
	require.NoError(t, err)
	_, err = userActor.findCanonicalByOrigin("acc_1", "origin-page2")
	require.NoError(t, err)

	actor := accounts.Get("acc_1")
	gotToken, err := actor.getSyncToken()
	require.NoError(t, err)
	assert.Equal(t, "cursor-final", gotToken)
}

func TestSyncConsumerClearsTokenAndQueuesFullResyncOnTokenGone(t *testing.T) {
	accounts, users, client, queue := newSyncHarness(t)
	actor := accounts.Get("acc_1")
	require.NoError(t, actor.setSyncToken("stale-token"))
	client.tokenGone = true

	c := NewSyncConsumer(accounts, users, queue)
	require.NoError(t, c.syncAccount(context.Background(), "acc_1", false))

	gotToken, err := actor.getSyncToken()
	require.NoError(t, err)
	assert.Empty(t, gotToken)

	payloads := drainQueue(t, queue, QueueSync, 1)
	require.Len(t, payloads, 1)
}

func TestSyncConsumerSkipsRevokedAccount(t *testing.T) {
	accounts, users, client, queue := newSyncHarness(t)
	actor := accounts.Get("acc_1")
	require.NoError(t, actor.revokeTokens(context.Background()))
	client.pages[""] = &ListEventsResult{Events: []ProviderEventDelta{
		{Type: DeltaCreated, OriginEventID: "origin-ignored", Event: &NormalizedProviderEvent{Title: "Ignored"}},
	}}

	c := NewSyncConsumer(accounts, users, queue)
	require.NoError(t, c.syncAccount(context.Background(), "acc_1", false))

	userActor := users.Get("usr_1")
	_, err := userActor.findCanonicalByOrigin("acc_1", "origin-ignored")
	assert.ErrorIs(t, err, ErrCanonicalUnknown)
}

func TestSyncConsumerMarksFailureOnListEventsError(t *testing.T) {
	accounts, users, client, queue := newSyncHarness(t)
	client.listEventsErr = &ProviderError{Status: 500, Body: "boom"}

	c := NewSyncConsumer(accounts, users, queue)
	require.Error(t, c.syncAccount(context.Background(), "acc_1", false))

	actor := accounts.Get("acc_1")
	health, err := actor.store.getSyncHealth("acc_1")
	require.NoError(t, err)
	assert.NotEmpty(t, health.LastFailureReason)
}
