package federation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reconcileFakeClient serves a fixed ListEvents result per calendar id, set
// up by each test before calling ReconcileAll.
type reconcileFakeClient struct {
	fakeProviderClient
	eventsByCalendar map[string]*ListEventsResult
}

func (f *reconcileFakeClient) ListEvents(ctx context.Context, accessToken, calendarID, syncToken, pageToken string) (*ListEventsResult, error) {
	if r, ok := f.eventsByCalendar[calendarID]; ok {
		return r, nil
	}
	return &ListEventsResult{}, nil
}

func newReconcileHarness(t *testing.T) (*AccountRegistry, *UserGraphRegistry, *reconcileFakeClient) {
	t.Helper()
	accountDSN := filepath.Join(t.TempDir(), "account.db")
	usergraphDSN := filepath.Join(t.TempDir(), "usergraph.db")
	accountStore, err := newAccountStore(accountDSN)
	require.NoError(t, err)
	t.Cleanup(func() { accountStore.db.Close() })
	usergraphStore, err := newUsergraphStore(usergraphDSN)
	require.NoError(t, err)
	t.Cleanup(func() { usergraphStore.db.Close() })

	client := &reconcileFakeClient{eventsByCalendar: map[string]*ListEventsResult{}}
	resolver := &fakeProviderResolver{client: client}
	masterKey := []byte("reconcile-master-key-0123456789")

	accounts := NewAccountRegistry(accountStore, masterKey, resolver, 5*time.Minute)
	queue := NewMemQueue(3, 32)
	users := NewUserGraphRegistry(usergraphStore, queue)

	acct := newTestAccount("acc_1", "usr_1", ProviderGoogle)
	actor := accounts.Get("acc_1")
	require.NoError(t, actor.initialize(acct, TokenSet{
		AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour).UTC(),
	}, []string{"primary"}))

	return accounts, users, client
}

func TestReconcileDetectsMissingCanonical(t *testing.T) {
	accounts, users, client := newReconcileHarness(t)
	client.eventsByCalendar["primary"] = &ListEventsResult{
		Events: []ProviderEventDelta{
			{
				Type:          DeltaCreated,
				OriginEventID: "origin-missing",
				Event: &NormalizedProviderEvent{
					Title: "New at provider", Start: time.Now().Add(time.Hour), End: time.Now().Add(2 * time.Hour),
					Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
				},
			},
		},
	}

	w := NewReconcileWorker(accounts, users)
	require.NoError(t, w.ReconcileAll(context.Background(), []string{"acc_1"}))

	userActor := users.Get("usr_1")
	event, err := userActor.findCanonicalByOrigin("acc_1", "origin-missing")
	require.NoError(t, err)
	assert.Equal(t, "New at provider", event.Title)

	// journalDiscrepancy runs before the canonical event exists, so this
	// discrepancy is journaled against the empty canonical event id.
	journal, err := userActor.listJournal("")
	require.NoError(t, err)
	require.NotEmpty(t, journal)
	assert.Equal(t, "missing_canonical", journal[0].ChangeType)
}

func TestReconcileDetectsStaleCanonicalOnExplicitDelete(t *testing.T) {
	accounts, users, client := newReconcileHarness(t)
	userActor := users.Get("usr_1")

	require.NoError(t, userActor.applyProviderDelta(context.Background(), "acc_1", []ProviderEventDelta{
		{Type: DeltaCreated, OriginEventID: "origin-stale", Event: &NormalizedProviderEvent{
			Title: "Will be deleted", Start: time.Now().Add(time.Hour), End: time.Now().Add(2 * time.Hour),
			Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
		}},
	}, nil))
	event, err := userActor.findCanonicalByOrigin("acc_1", "origin-stale")
	require.NoError(t, err)

	client.eventsByCalendar["primary"] = &ListEventsResult{
		Events: []ProviderEventDelta{{Type: DeltaDeleted, OriginEventID: "origin-stale"}},
	}

	w := NewReconcileWorker(accounts, users)
	require.NoError(t, w.ReconcileAll(context.Background(), []string{"acc_1"}))

	journal, err := userActor.listJournal(event.CanonicalEventID)
	require.NoError(t, err)
	var kinds []string
	for _, j := range journal {
		kinds = append(kinds, j.ChangeType)
	}
	assert.Contains(t, kinds, "stale_canonical")

	cancelled, err := userActor.getCanonicalEvent(event.CanonicalEventID)
	require.NoError(t, err)
	assert.Equal(t, EventStatusCancelled, cancelled.Status)
}

func TestReconcileDetectsHashMismatch(t *testing.T) {
	accounts, users, client := newReconcileHarness(t)
	userActor := users.Get("usr_1")

	start := time.Now().Add(time.Hour).Round(time.Second)
	end := start.Add(time.Hour)
	require.NoError(t, userActor.applyProviderDelta(context.Background(), "acc_1", []ProviderEventDelta{
		{Type: DeltaCreated, OriginEventID: "origin-drift", Event: &NormalizedProviderEvent{
			Title: "Original Title", Start: start, End: end,
			Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
		}},
	}, nil))
	event, err := userActor.findCanonicalByOrigin("acc_1", "origin-drift")
	require.NoError(t, err)

	client.eventsByCalendar["primary"] = &ListEventsResult{
		Events: []ProviderEventDelta{
			{Type: DeltaUpdated, OriginEventID: "origin-drift", Event: &NormalizedProviderEvent{
				Title: "Renamed At Provider", Start: start, End: end,
				Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
			}},
		},
	}

	w := NewReconcileWorker(accounts, users)
	require.NoError(t, w.ReconcileAll(context.Background(), []string{"acc_1"}))

	journal, err := userActor.listJournal(event.CanonicalEventID)
	require.NoError(t, err)
	var kinds []string
	for _, j := range journal {
		kinds = append(kinds, j.ChangeType)
	}
	assert.Contains(t, kinds, "hash_mismatch")

	updated, err := userActor.getCanonicalEvent(event.CanonicalEventID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed At Provider", updated.Title)
}

func TestReconcileMirrorTargetDetectsOrphanedMirror(t *testing.T) {
	accounts, users, client := newReconcileHarness(t)
	userActor := users.Get("usr_1")
	accountActor := accounts.Get("acc_1")

	client.overlayCal = "cal_overlay_1"
	overlayCal, err := accountActor.getOrCreateOverlayCalendar(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cal_overlay_1", overlayCal)

	client.eventsByCalendar[overlayCal] = &ListEventsResult{
		Events: []ProviderEventDelta{
			{Type: DeltaCreated, OriginEventID: "mirror-evt-1", Event: &NormalizedProviderEvent{
				Title: "Busy", Start: time.Now().Add(time.Hour), End: time.Now().Add(2 * time.Hour),
				Status: EventStatusConfirmed, Transparency: TransparencyOpaque,
				ExtendedProps: ExtendedProperties{Managed: true, CanonicalEventID: "evt_orphan", OriginAccountID: "acc_home"},
			}},
		},
	}

	w := NewReconcileWorker(accounts, users)
	require.NoError(t, w.ReconcileAll(context.Background(), []string{"acc_1"}))

	journal, err := userActor.listJournal("evt_orphan")
	require.NoError(t, err)
	require.NotEmpty(t, journal)
	assert.Equal(t, "orphaned_mirror", journal[0].ChangeType)
}

func TestReconcileMirrorTargetDetectsMissingMirror(t *testing.T) {
	accounts, users, client := newReconcileHarness(t)
	userActor := users.Get("usr_1")
	accountActor := accounts.Get("acc_1")

	client.overlayCal = "cal_overlay_1"
	overlayCal, err := accountActor.getOrCreateOverlayCalendar(context.Background())
	require.NoError(t, err)

	require.NoError(t, userActor.applyMirrorSuccess("evt_present_at_store", "acc_1", overlayCal, "prov_evt_1", "stale-hash"))
	client.eventsByCalendar[overlayCal] = &ListEventsResult{} // nothing at provider

	w := NewReconcileWorker(accounts, users)
	require.NoError(t, w.ReconcileAll(context.Background(), []string{"acc_1"}))

	journal, err := userActor.listJournal("evt_present_at_store")
	require.NoError(t, err)
	require.NotEmpty(t, journal)
	assert.Equal(t, "missing_mirror", journal[0].ChangeType)
}
