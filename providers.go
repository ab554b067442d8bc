// providers.go
package federation

import (
	"context"
	"time"
)

// ProviderClient is the calendar-provider boundary every AccountActor talks
// through. One concrete implementation exists per Provider value
// (providers_google.go, providers_microsoft.go); the shape is grounded on
// the CalendarProviderPort interface from the pack's worker example, trimmed
// to the operations spec.md §6's provider endpoint table actually calls.
type ProviderClient interface {
	// RefreshAccessToken exchanges a refresh token for a fresh access token.
	// A 4xx response is wrapped in *RefreshFailed with Permanent() == true,
	// signalling the caller to mark the account revoked rather than retry.
	RefreshAccessToken(ctx context.Context, refreshToken string) (accessToken string, expiry time.Time, err error)

	// RevokeToken best-effort informs the provider the token is no longer
	// used. Errors are logged, never propagated: local revocation always wins.
	RevokeToken(ctx context.Context, token string) error

	// ListEvents performs one page of an incremental or full events listing.
	// syncToken is empty for a full sync. A nil NextSyncToken with a non-nil
	// NextPageToken means more pages remain; a non-nil NextSyncToken with a
	// nil NextPageToken means this was the last page of an exhausted cursor.
	ListEvents(ctx context.Context, accessToken, calendarID, syncToken, pageToken string) (*ListEventsResult, error)

	// WatchCalendar registers a push-notification channel (Google) or
	// subscription (Microsoft) for calendar-level change events.
	WatchCalendar(ctx context.Context, accessToken, calendarID, webhookURL string) (*WatchResult, error)

	// StopWatch tears down a previously registered channel/subscription.
	StopWatch(ctx context.Context, accessToken string, channelID, resourceID string) error

	// UpsertEvent creates (providerEventID == "") or updates a mirrored event.
	UpsertEvent(ctx context.Context, accessToken, calendarID, providerEventID string, payload *MirrorEventPayload) (newProviderEventID string, err error)

	// DeleteEvent removes a previously upserted mirror event. Idempotent:
	// a provider 404/410 is treated as success.
	DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error

	// EnsureOverlayCalendar returns the calendar_id of the account's busy
	// overlay calendar, creating it on first use (spec.md §4.5 "overlay
	// calendar creation is inline on first write").
	EnsureOverlayCalendar(ctx context.Context, accessToken string) (calendarID string, err error)
}

// ListEventsResult is one page of ListEvents.
type ListEventsResult struct {
	Events         []ProviderEventDelta
	NextPageToken  string
	NextSyncToken  string
	SyncTokenGone  bool // true on provider 410: caller must fall back to full sync
}

// WatchResult is the provider-assigned handle for a registered subscription.
type WatchResult struct {
	ChannelID  string
	ResourceID string
	ClientState string // only set for Microsoft
	Expiry     time.Time
}

// MirrorEventPayload is what write_consumer.go projects into the target
// provider's event create/update call.
type MirrorEventPayload struct {
	Title               string
	Start               time.Time
	End                  time.Time
	AllDay               bool
	Transparency         Transparency
	Status               EventStatus
	ExtendedProperties   ExtendedProperties
}

// providerResolver resolves the ProviderClient for an account's provider, used by
// AccountActor and the sync/write consumers.
type providerResolver interface {
	ProviderFor(p Provider) ProviderClient
}

// ProviderRegistry is the default providerResolver: one configured client
// per Provider value, built once at startup from Config.
type ProviderRegistry struct {
	clients map[Provider]ProviderClient
}

func NewProviderRegistry(google, microsoft ProviderClient) *ProviderRegistry {
	return &ProviderRegistry{clients: map[Provider]ProviderClient{
		ProviderGoogle:    google,
		ProviderMicrosoft: microsoft,
	}}
}

func (r *ProviderRegistry) ProviderFor(p Provider) ProviderClient {
	return r.clients[p]
}
