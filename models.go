// models.go
package federation

import "time"

// ---------- enums ----------

type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "active"
	AccountStatusRevoked AccountStatus = "revoked"
)

type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

type Transparency string

const (
	TransparencyOpaque      Transparency = "opaque"
	TransparencyTransparent Transparency = "transparent"
)

type EventSource string

const (
	EventSourceProvider EventSource = "provider"
	EventSourceSystem   EventSource = "system"
)

type MirrorState string

const (
	MirrorPending    MirrorState = "PENDING"
	MirrorActive     MirrorState = "ACTIVE"
	MirrorError      MirrorState = "ERROR"
	MirrorTombstoned MirrorState = "TOMBSTONED"
)

type DetailLevel string

const (
	DetailBusy DetailLevel = "BUSY"
	DetailFull DetailLevel = "FULL"
)

type CalendarKind string

const (
	CalendarKindBusyOverlay CalendarKind = "BUSY_OVERLAY"
	CalendarKindPrimary     CalendarKind = "PRIMARY"
)

type ChannelStatus string

const (
	ChannelStatusActive  ChannelStatus = "active"
	ChannelStatusExpired ChannelStatus = "expired"
	ChannelStatusStopped ChannelStatus = "stopped"
)

type SessionStatus string

const (
	SessionOpen            SessionStatus = "open"
	SessionCandidatesReady SessionStatus = "candidates_ready"
	SessionCommitted       SessionStatus = "committed"
	SessionCancelled       SessionStatus = "cancelled"
)

type HoldStatus string

const (
	HoldHeld      HoldStatus = "held"
	HoldReleased  HoldStatus = "released"
	HoldExpired   HoldStatus = "expired"
	HoldCommitted HoldStatus = "committed"
)

type ConstraintKind string

const (
	ConstraintWorkingHours   ConstraintKind = "working_hours"
	ConstraintTrip           ConstraintKind = "trip"
	ConstraintBuffer         ConstraintKind = "buffer"
	ConstraintNoMeetingAfter ConstraintKind = "no_meetings_after"
	ConstraintVipOverride    ConstraintKind = "vip_override"
)

type DeltaType string

const (
	DeltaCreated DeltaType = "created"
	DeltaUpdated DeltaType = "updated"
	DeltaDeleted DeltaType = "deleted"
)

// ---------- core models ----------

// Account is owned by the registry; read by AccountActor and the sync/write/
// reconcile paths. Exactly one AccountActor exists per account_id.
type Account struct {
	AccountID       string        `json:"account_id" db:"account_id"`
	UserID          string        `json:"user_id" db:"user_id"`
	Provider        Provider      `json:"provider" db:"provider"`
	ProviderSubject string        `json:"provider_subject" db:"provider_subject"`
	Email           string        `json:"email" db:"email"`
	Status          AccountStatus `json:"status" db:"status"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// CanonicalEvent is the user's authoritative view of a single event.
type CanonicalEvent struct {
	CanonicalEventID string       `json:"canonical_event_id" db:"canonical_event_id"`
	UserID           string       `json:"user_id" db:"user_id"`
	OriginAccountID  string       `json:"origin_account_id" db:"origin_account_id"`
	OriginEventID    string       `json:"origin_event_id" db:"origin_event_id"`
	Title            string       `json:"title" db:"title"`
	Description      string       `json:"description" db:"description"`
	Location         string       `json:"location" db:"location"`
	Start            time.Time    `json:"start" db:"start_ts"`
	End              time.Time    `json:"end" db:"end_ts"`
	AllDay           bool         `json:"all_day" db:"all_day"`
	Status           EventStatus  `json:"status" db:"status"`
	Visibility       string       `json:"visibility" db:"visibility"`
	Transparency     Transparency `json:"transparency" db:"transparency"`
	RecurrenceRule   string       `json:"recurrence_rule,omitempty" db:"recurrence_rule"`
	Source           EventSource  `json:"source" db:"source"`
	Attendees        []string     `json:"attendees,omitempty" db:"-"`
	Version          int64        `json:"version" db:"version"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// Mirror is a projection of a canonical event into another account's calendar.
type Mirror struct {
	CanonicalEventID  string      `json:"canonical_event_id" db:"canonical_event_id"`
	TargetAccountID   string      `json:"target_account_id" db:"target_account_id"`
	TargetCalendarID  string      `json:"target_calendar_id" db:"target_calendar_id"`
	ProviderEventID   *string     `json:"provider_event_id,omitempty" db:"provider_event_id"`
	LastProjectedHash string      `json:"last_projected_hash" db:"last_projected_hash"`
	LastWriteTs       *time.Time  `json:"last_write_ts,omitempty" db:"last_write_ts"`
	State             MirrorState `json:"state" db:"state"`
	ErrorMessage      string      `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// Policy is the top-level named projection ruleset for a user.
type Policy struct {
	PolicyID  string    `json:"policy_id" db:"policy_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	IsDefault bool      `json:"is_default" db:"is_default"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PolicyEdge says events originating in FromAccountID are projected into
// ToAccountID at DetailLevel, into a calendar of CalendarKind.
type PolicyEdge struct {
	PolicyID         string       `json:"policy_id" db:"policy_id"`
	FromAccountID    string       `json:"from_account_id" db:"from_account_id"`
	ToAccountID      string       `json:"to_account_id" db:"to_account_id"`
	DetailLevel      DetailLevel  `json:"detail_level" db:"detail_level"`
	CalendarKind     CalendarKind `json:"calendar_kind" db:"calendar_kind"`
	TargetCalendarID string       `json:"target_calendar_id,omitempty" db:"target_calendar_id"`
}

// WatchChannel is a Google-style per-calendar webhook subscription.
type WatchChannel struct {
	ChannelID  string        `json:"channel_id" db:"channel_id"`
	AccountID  string        `json:"account_id" db:"account_id"`
	CalendarID string        `json:"calendar_id" db:"calendar_id"`
	ResourceID string        `json:"resource_id" db:"resource_id"`
	Expiry     time.Time     `json:"expiry" db:"expiry"`
	Status     ChannelStatus `json:"status" db:"status"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// MsSubscription is a Microsoft Graph change notification subscription.
type MsSubscription struct {
	SubscriptionID string        `json:"subscription_id" db:"subscription_id"`
	AccountID      string        `json:"account_id" db:"account_id"`
	Resource       string        `json:"resource" db:"resource"`
	ClientState    string        `json:"client_state" db:"client_state"`
	Expiry         time.Time     `json:"expiry" db:"expiry"`
	Status         ChannelStatus `json:"status" db:"status"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// CalendarScope records which provider calendars are enabled for sync/reconcile.
type CalendarScope struct {
	AccountID  string `json:"account_id" db:"account_id"`
	CalendarID string `json:"calendar_id" db:"calendar_id"`
	Enabled    bool   `json:"enabled" db:"enabled"`
}

// SchedulingSession tracks a proposal-then-commit scheduling flow.
type SchedulingSession struct {
	SessionID            string        `json:"session_id" db:"session_id"`
	UserID               string        `json:"user_id" db:"user_id"`
	Status               SessionStatus `json:"status" db:"status"`
	ObjectiveJSON        string        `json:"objective_json" db:"objective_json"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
	CommittedCandidateID *string       `json:"committed_candidate_id,omitempty" db:"committed_candidate_id"`
	CommittedEventID     *string       `json:"committed_event_id,omitempty" db:"committed_event_id"`
}

// Candidate is a scored proposed time slot belonging to a session.
type Candidate struct {
	CandidateID string    `json:"candidate_id" db:"candidate_id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	Start       time.Time `json:"start" db:"start_ts"`
	End         time.Time `json:"end" db:"end_ts"`
	Score       int       `json:"score" db:"score"`
	Explanation string    `json:"explanation" db:"explanation"`
	Status      string    `json:"status" db:"status"` // proposed | committed
}

// Hold is a tentative provider event placed on a candidate slot.
type Hold struct {
	HoldID          string     `json:"hold_id" db:"hold_id"`
	SessionID       string     `json:"session_id" db:"session_id"`
	AccountID       string     `json:"account_id" db:"account_id"`
	ProviderEventID *string    `json:"provider_event_id,omitempty" db:"provider_event_id"`
	ExpiresAt       time.Time  `json:"expires_at" db:"expires_at"`
	Status          HoldStatus `json:"status" db:"status"`
}

// Constraint configures scheduling behavior (spec.md §6 config shapes).
type Constraint struct {
	ConstraintID string         `json:"constraint_id" db:"constraint_id"`
	UserID       string         `json:"user_id" db:"user_id"`
	Kind         ConstraintKind `json:"kind" db:"kind"`
	ConfigJSON   string         `json:"config_json" db:"config_json"`
	ActiveFrom   *time.Time     `json:"active_from,omitempty" db:"active_from"`
	ActiveTo     *time.Time     `json:"active_to,omitempty" db:"active_to"`
}

// VipPolicy weights a participant's scheduling preferences.
type VipPolicy struct {
	VipID           string    `json:"vip_id" db:"vip_id"`
	UserID          string    `json:"user_id" db:"user_id"`
	ParticipantHash string    `json:"participant_hash" db:"participant_hash"`
	DisplayName     string    `json:"display_name" db:"display_name"`
	PriorityWeight  float64   `json:"priority_weight" db:"priority_weight"`
	ConditionsJSON  string    `json:"conditions_json" db:"conditions_json"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// SchedulingHistoryEntry is one row of who-got-their-preferred-slot history.
type SchedulingHistoryEntry struct {
	SessionID       string    `json:"session_id" db:"session_id"`
	ParticipantHash string    `json:"participant_hash" db:"participant_hash"`
	GotPreferred    bool      `json:"got_preferred" db:"got_preferred"`
	ScheduledTs     time.Time `json:"scheduled_ts" db:"scheduled_ts"`
}

// SchedulingHistoryAggregate is the derived per-participant fairness view.
type SchedulingHistoryAggregate struct {
	ParticipantHash      string     `json:"participant_hash"`
	SessionsParticipated int        `json:"sessions_participated"`
	SessionsPreferred    int        `json:"sessions_preferred"`
	LastSessionTs        *time.Time `json:"last_session_ts,omitempty"`
}

// JournalEntry is an append-only record of every canonical-event change and
// every reconcile discrepancy.
type JournalEntry struct {
	JournalID        string    `json:"journal_id" db:"journal_id"`
	CanonicalEventID string    `json:"canonical_event_id" db:"canonical_event_id"`
	Ts               time.Time `json:"ts" db:"ts"`
	Actor            string    `json:"actor" db:"actor"`
	ChangeType       string    `json:"change_type" db:"change_type"`
	PatchJSON        string    `json:"patch_json,omitempty" db:"patch_json"`
	Reason           string    `json:"reason,omitempty" db:"reason"`
}

// ExtendedProperties is the typed struct modeling a provider event's small,
// known set of federation-managed keys plus an opaque pass-through map for
// everything else (spec.md §9 design notes).
type ExtendedProperties struct {
	Managed          bool              `json:"managed,omitempty"`
	CanonicalEventID string            `json:"canonical_event_id,omitempty"`
	OriginAccountID  string            `json:"origin_account_id,omitempty"`
	Other            map[string]string `json:"-"`
}

// ProviderEventDelta is a single item in a batch passed to applyProviderDelta.
type ProviderEventDelta struct {
	Type          DeltaType
	OriginEventID string
	Event         *NormalizedProviderEvent
}

// NormalizedProviderEvent is a provider event normalized into canonical-event
// shaped fields, built by the sync consumer and reconcile worker before
// handing off to the UserGraphActor.
type NormalizedProviderEvent struct {
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	AllDay         bool
	Status         EventStatus
	Visibility     string
	Transparency   Transparency
	RecurrenceRule string
	Attendees      []string
	ExtendedProps  ExtendedProperties
}
