package federation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProviderClient is a scriptable ProviderClient stand-in; individual
// fields are swapped per test to drive the behavior under test.
type fakeProviderClient struct {
	refreshAccess  string
	refreshExpiry  time.Time
	refreshErr     error
	revokeErr      error
	overlayCal     string
	overlayErr     error
	stopWatchCalls int
}

func (f *fakeProviderClient) RefreshAccessToken(ctx context.Context, refreshToken string) (string, time.Time, error) {
	return f.refreshAccess, f.refreshExpiry, f.refreshErr
}
func (f *fakeProviderClient) RevokeToken(ctx context.Context, token string) error { return f.revokeErr }
func (f *fakeProviderClient) ListEvents(ctx context.Context, accessToken, calendarID, syncToken, pageToken string) (*ListEventsResult, error) {
	return &ListEventsResult{}, nil
}
func (f *fakeProviderClient) WatchCalendar(ctx context.Context, accessToken, calendarID, webhookURL string) (*WatchResult, error) {
	return &WatchResult{}, nil
}
func (f *fakeProviderClient) StopWatch(ctx context.Context, accessToken string, channelID, resourceID string) error {
	f.stopWatchCalls++
	return nil
}
func (f *fakeProviderClient) UpsertEvent(ctx context.Context, accessToken, calendarID, providerEventID string, payload *MirrorEventPayload) (string, error) {
	return "prov_evt_1", nil
}
func (f *fakeProviderClient) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	return nil
}
func (f *fakeProviderClient) EnsureOverlayCalendar(ctx context.Context, accessToken string) (string, error) {
	return f.overlayCal, f.overlayErr
}

// fakeProviderResolver routes every Provider to the same fakeProviderClient,
// sufficient since these tests only ever onboard a single account at a time.
type fakeProviderResolver struct {
	client *fakeProviderClient
}

func (f *fakeProviderResolver) ProviderFor(p Provider) ProviderClient { return f.client }

func newTestAccountStore(t *testing.T) *accountStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "account.db")
	store, err := newAccountStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.db.Close() })
	return store
}

func newTestAccount(accountID, userID string, provider Provider) *Account {
	now := time.Now().UTC()
	return &Account{
		AccountID:       accountID,
		UserID:          userID,
		Provider:        provider,
		ProviderSubject: "subject-1",
		Email:           "user@example.com",
		Status:          AccountStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestAccountActorInitializeAndGetAccessToken(t *testing.T) {
	store := newTestAccountStore(t)
	client := &fakeProviderClient{}
	resolver := &fakeProviderResolver{client: client}
	masterKey := []byte("test-master-key-0123456789abcdef")

	actor := newAccountActor("acc_1", store, masterKey, resolver, 5*time.Minute)
	defer actor.stop()

	acct := newTestAccount("acc_1", "usr_1", ProviderGoogle)
	tokens := TokenSet{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC()}
	require.NoError(t, actor.initialize(acct, tokens, []string{"primary"}))

	got, err := actor.getAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", got)
}

func TestAccountActorGetAccessTokenRefreshesNearExpiry(t *testing.T) {
	store := newTestAccountStore(t)
	client := &fakeProviderClient{
		refreshAccess: "access-2",
		refreshExpiry: time.Now().Add(time.Hour).UTC(),
	}
	resolver := &fakeProviderResolver{client: client}
	masterKey := []byte("test-master-key-0123456789abcdef")

	actor := newAccountActor("acc_1", store, masterKey, resolver, 5*time.Minute)
	defer actor.stop()

	acct := newTestAccount("acc_1", "usr_1", ProviderGoogle)
	tokens := TokenSet{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Minute).UTC()}
	require.NoError(t, actor.initialize(acct, tokens, []string{"primary"}))

	got, err := actor.getAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", got)
}

func TestAccountActorGetAccessTokenRevokesOnPermanentRefreshFailure(t *testing.T) {
	store := newTestAccountStore(t)
	client := &fakeProviderClient{refreshErr: &RefreshFailed{Status: 400, Body: "invalid_grant"}}
	resolver := &fakeProviderResolver{client: client}
	masterKey := []byte("test-master-key-0123456789abcdef")

	actor := newAccountActor("acc_1", store, masterKey, resolver, 5*time.Minute)
	defer actor.stop()

	acct := newTestAccount("acc_1", "usr_1", ProviderGoogle)
	tokens := TokenSet{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Minute).UTC()}
	require.NoError(t, actor.initialize(acct, tokens, []string{"primary"}))

	_, err := actor.getAccessToken(context.Background())
	require.Error(t, err)

	got, err := store.getAccount("acc_1")
	require.NoError(t, err)
	assert.Equal(t, AccountStatusRevoked, got.Status)
}

func TestAccountActorRevokeTokensAlwaysClearsLocalStateEvenIfProviderFails(t *testing.T) {
	store := newTestAccountStore(t)
	client := &fakeProviderClient{revokeErr: assertAnError}
	resolver := &fakeProviderResolver{client: client}
	masterKey := []byte("test-master-key-0123456789abcdef")

	actor := newAccountActor("acc_1", store, masterKey, resolver, 5*time.Minute)
	defer actor.stop()

	acct := newTestAccount("acc_1", "usr_1", ProviderGoogle)
	tokens := TokenSet{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC()}
	require.NoError(t, actor.initialize(acct, tokens, []string{"primary"}))
	require.NoError(t, actor.registerChannel(&WatchChannel{
		ChannelID: "chn_1", AccountID: "acc_1", CalendarID: "primary",
		ResourceID: "res_1", Expiry: time.Now().Add(time.Hour), Status: ChannelStatusActive, CreatedAt: time.Now(),
	}))

	require.NoError(t, actor.revokeTokens(context.Background()))

	got, err := store.getAccount("acc_1")
	require.NoError(t, err)
	assert.Equal(t, AccountStatusRevoked, got.Status)

	_, _, err = store.getEnvelope("acc_1")
	assert.ErrorIs(t, err, ErrNoTokens)

	chans, err := store.listChannels("acc_1")
	require.NoError(t, err)
	assert.Empty(t, chans)
}

func TestAccountActorRotateKeyPreservesAccessAfterRotation(t *testing.T) {
	store := newTestAccountStore(t)
	client := &fakeProviderClient{}
	resolver := &fakeProviderResolver{client: client}
	oldKey := []byte("old-master-key-0123456789abcdef")
	newKey := []byte("new-master-key-0123456789abcdef")

	actor := newAccountActor("acc_1", store, oldKey, resolver, 5*time.Minute)
	defer actor.stop()

	acct := newTestAccount("acc_1", "usr_1", ProviderGoogle)
	tokens := TokenSet{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC()}
	require.NoError(t, actor.initialize(acct, tokens, []string{"primary"}))

	require.NoError(t, actor.rotateKey(newKey))

	got, err := actor.getAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", got)
}

func TestAccountActorGetOrCreateOverlayCalendarIsCreatedOnceAndCached(t *testing.T) {
	store := newTestAccountStore(t)
	client := &fakeProviderClient{overlayCal: "cal_overlay_1"}
	resolver := &fakeProviderResolver{client: client}
	masterKey := []byte("test-master-key-0123456789abcdef")

	actor := newAccountActor("acc_1", store, masterKey, resolver, 5*time.Minute)
	defer actor.stop()

	acct := newTestAccount("acc_1", "usr_1", ProviderGoogle)
	tokens := TokenSet{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC()}
	require.NoError(t, actor.initialize(acct, tokens, []string{"primary"}))

	existing, err := actor.getOrCreateOverlayCalendarIfExists()
	require.NoError(t, err)
	assert.Empty(t, existing)

	created, err := actor.getOrCreateOverlayCalendar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cal_overlay_1", created)

	client.overlayCal = "should-never-be-returned"
	again, err := actor.getOrCreateOverlayCalendar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cal_overlay_1", again)
}

func TestAccountActorValidateMsClientState(t *testing.T) {
	store := newTestAccountStore(t)
	resolver := &fakeProviderResolver{client: &fakeProviderClient{}}
	masterKey := []byte("test-master-key-0123456789abcdef")

	actor := newAccountActor("acc_1", store, masterKey, resolver, 5*time.Minute)
	defer actor.stop()

	require.NoError(t, actor.createMsSubscription(&MsSubscription{
		SubscriptionID: "sub_1", AccountID: "acc_1", Resource: "me/events",
		ClientState: "secret-state", Expiry: time.Now().Add(time.Hour), Status: ChannelStatusActive, CreatedAt: time.Now(),
	}))

	ok, err := actor.validateMsClientState("sub_1", "secret-state")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = actor.validateMsClientState("sub_1", "wrong-state")
	require.NoError(t, err)
	assert.False(t, ok)
}

// assertAnError is a stand-in non-nil error for tests that only care whether
// a provider call failed, not why.
var assertAnError = &ProviderError{Status: 500, Body: "boom"}
