package federation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type renewalFakeClient struct {
	fakeProviderClient
	watchResourceID string
	watchExpiry     time.Time
	watchErr        error
}

func (f *renewalFakeClient) WatchCalendar(ctx context.Context, accessToken, calendarID, webhookURL string) (*WatchResult, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &WatchResult{ChannelID: "chn_renewed", ResourceID: f.watchResourceID, Expiry: f.watchExpiry}, nil
}

func newRenewalHarness(t *testing.T) (*AccountRegistry, *UserGraphRegistry, *renewalFakeClient) {
	t.Helper()
	accountDSN := filepath.Join(t.TempDir(), "account.db")
	usergraphDSN := filepath.Join(t.TempDir(), "usergraph.db")
	accountStore, err := newAccountStore(accountDSN)
	require.NoError(t, err)
	t.Cleanup(func() { accountStore.db.Close() })
	usergraphStore, err := newUsergraphStore(usergraphDSN)
	require.NoError(t, err)
	t.Cleanup(func() { usergraphStore.db.Close() })

	client := &renewalFakeClient{}
	resolver := &fakeProviderResolver{client: client}
	masterKey := []byte("renewal-master-key-0123456789ab")

	accounts := NewAccountRegistry(accountStore, masterKey, resolver, 5*time.Minute)
	queue := NewMemQueue(3, 32)
	users := NewUserGraphRegistry(usergraphStore, queue)
	return accounts, users, client
}

func TestRenewalWorkerRenewsExpiringGoogleChannel(t *testing.T) {
	accounts, users, client := newRenewalHarness(t)
	client.watchResourceID = "res_new"
	client.watchExpiry = time.Now().Add(72 * time.Hour)

	actor := accounts.Get("acc_1")
	require.NoError(t, actor.initialize(newTestAccount("acc_1", "usr_1", ProviderGoogle), TokenSet{
		AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC(),
	}, []string{"primary"}))
	require.NoError(t, actor.registerChannel(&WatchChannel{
		ChannelID: "chn_old", AccountID: "acc_1", CalendarID: "primary", ResourceID: "res_old",
		Expiry: time.Now().Add(time.Minute), Status: ChannelStatusActive, CreatedAt: time.Now(),
	}))

	w := NewRenewalWorker(accounts, users, "https://example.test", time.Hour)
	w.renewAll(context.Background(), []string{"acc_1"})

	channels, err := actor.listChannels()
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "res_new", channels[0].ResourceID)
	assert.WithinDuration(t, client.watchExpiry, channels[0].Expiry, time.Second)
}

func TestRenewalWorkerSkipsChannelsNotNearExpiry(t *testing.T) {
	accounts, users, client := newRenewalHarness(t)
	client.watchResourceID = "res_new"
	client.watchExpiry = time.Now().Add(72 * time.Hour)

	actor := accounts.Get("acc_1")
	require.NoError(t, actor.initialize(newTestAccount("acc_1", "usr_1", ProviderGoogle), TokenSet{
		AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC(),
	}, []string{"primary"}))
	farExpiry := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, actor.registerChannel(&WatchChannel{
		ChannelID: "chn_fresh", AccountID: "acc_1", CalendarID: "primary", ResourceID: "res_fresh",
		Expiry: farExpiry, Status: ChannelStatusActive, CreatedAt: time.Now(),
	}))

	w := NewRenewalWorker(accounts, users, "https://example.test", time.Hour)
	w.renewAll(context.Background(), []string{"acc_1"})

	channels, err := actor.listChannels()
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "res_fresh", channels[0].ResourceID)
	assert.WithinDuration(t, farExpiry, channels[0].Expiry, time.Second)
}

func TestRenewalWorkerRenewsExpiringMicrosoftSubscription(t *testing.T) {
	accounts, users, client := newRenewalHarness(t)
	client.watchResourceID = "unused"
	client.watchExpiry = time.Now().Add(48 * time.Hour)

	actor := accounts.Get("acc_ms")
	require.NoError(t, actor.initialize(newTestAccount("acc_ms", "usr_1", ProviderMicrosoft), TokenSet{
		AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC(),
	}, []string{"me/events"}))
	require.NoError(t, actor.createMsSubscription(&MsSubscription{
		SubscriptionID: "sub_1", AccountID: "acc_ms", Resource: "me/events",
		ClientState: "state-1", Expiry: time.Now().Add(time.Minute), Status: ChannelStatusActive, CreatedAt: time.Now(),
	}))

	w := NewRenewalWorker(accounts, users, "https://example.test", time.Hour)
	w.renewAll(context.Background(), []string{"acc_ms"})

	subs, err := actor.listMsSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.WithinDuration(t, client.watchExpiry, subs[0].Expiry, time.Second)
}

func TestRenewalWorkerSkipsRevokedAccounts(t *testing.T) {
	accounts, users, client := newRenewalHarness(t)
	client.watchResourceID = "res_new"
	client.watchExpiry = time.Now().Add(72 * time.Hour)

	actor := accounts.Get("acc_1")
	require.NoError(t, actor.initialize(newTestAccount("acc_1", "usr_1", ProviderGoogle), TokenSet{
		AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC(),
	}, []string{"primary"}))
	require.NoError(t, actor.registerChannel(&WatchChannel{
		ChannelID: "chn_old", AccountID: "acc_1", CalendarID: "primary", ResourceID: "res_old",
		Expiry: time.Now().Add(time.Minute), Status: ChannelStatusActive, CreatedAt: time.Now(),
	}))
	require.NoError(t, actor.revokeTokens(context.Background()))

	w := NewRenewalWorker(accounts, users, "https://example.test", time.Hour)
	w.renewAll(context.Background(), []string{"acc_1"})

	channels, err := actor.listChannels()
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestRenewalWorkerSweepAllHoldsReleasesExpired(t *testing.T) {
	accounts, users, _ := newRenewalHarness(t)
	_ = accounts

	userActor := users.Get("usr_1")
	_, err := userActor.ensureDefaultPolicy()
	require.NoError(t, err)

	session, err := userActor.openSession(&SchedulingObjective{
		DurationMinutes:        30,
		WindowStart:            time.Now().Add(time.Hour),
		WindowEnd:              time.Now().Add(48 * time.Hour),
		SlotGranularityMinutes: 30,
		WorkingHoursStartMin:   0,
		WorkingHoursEndMin:     24 * 60,
		MaxCandidates:          5,
	})
	require.NoError(t, err)
	candidates, err := userActor.proposeCandidates(context.Background(), session.SessionID, GreedySolverClient{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	_, err = userActor.holdCandidate(candidates[0].CandidateID, "acc_1", -time.Minute)
	require.NoError(t, err)

	w := NewRenewalWorker(accounts, users, "https://example.test", time.Hour)
	w.sweepAllHolds([]string{"usr_1"})

	holds, err := userActor.getHoldsBySession(session.SessionID)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, HoldExpired, holds[0].Status)
}
