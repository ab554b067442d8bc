// queue.go
package federation

import (
	"context"
	"encoding/json"
	"time"
)

// Message kinds, per spec.md §6.
const (
	MsgSyncIncremental = "SYNC_INCREMENTAL"
	MsgSyncFull        = "SYNC_FULL"
	MsgUpsertMirror    = "UPSERT_MIRROR"
	MsgDeleteMirror    = "DELETE_MIRROR"
)

type SyncIncrementalMsg struct {
	Type       string `json:"type"`
	AccountID  string `json:"account_id"`
	ChannelID  string `json:"channel_id,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	PingTs     int64  `json:"ping_ts"`
	CalendarID string `json:"calendar_id,omitempty"`
}

type SyncFullMsg struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"` // onboarding | token_410 | manual
}

type UpsertMirrorMsg struct {
	Type             string          `json:"type"`
	CanonicalEventID string          `json:"canonical_event_id"`
	TargetAccountID  string          `json:"target_account_id"`
	TargetCalendarID string          `json:"target_calendar_id"`
	ProjectedPayload json.RawMessage `json:"projected_payload"`
	IdempotencyKey   string          `json:"idempotency_key"`
}

type DeleteMirrorMsg struct {
	Type             string `json:"type"`
	CanonicalEventID string `json:"canonical_event_id"`
	TargetAccountID  string `json:"target_account_id"`
	ProviderEventID  string `json:"provider_event_id"`
	IdempotencyKey   string `json:"idempotency_key"`
}

// QueueName identifies one of the named queues in the data-flow diagram
// (spec.md §2).
type QueueName string

const (
	QueueSync  QueueName = "sync"
	QueueWrite QueueName = "write"
)

// Queue is an at-least-once delivery abstraction. Consumers MUST be
// idempotent (spec.md §5): sync via cursor monotonicity + per-event version,
// writes via idempotency_key.
type Queue interface {
	// Publish enqueues payload on the named queue. delay, if > 0, requests
	// the backend defer visibility (used for retry backoff); backends that
	// cannot honor delay natively may deliver immediately.
	Publish(ctx context.Context, queue QueueName, payload []byte, delay time.Duration) error
	// Consume registers handler for queue; handler returning a nil error
	// acks the message, a non-nil error triggers backend-specific retry with
	// backoff. Consume blocks until ctx is cancelled.
	Consume(ctx context.Context, queue QueueName, handler func(ctx context.Context, payload []byte) error) error
}
