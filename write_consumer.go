// write_consumer.go
package federation

import (
	"context"
	"encoding/json"
	"time"
)

// WriteConsumer drains the write queue: UPSERT_MIRROR and DELETE_MIRROR
// messages produced by projection.go. Every write is idempotent on
// idempotency_key — a retried delivery either finds the mirror already at
// the target hash (skip) or safely re-applies the same payload (spec.md
// §4.5, §5).
type WriteConsumer struct {
	accounts *AccountRegistry
	users    *UserGraphRegistry
	queue    Queue
}

func NewWriteConsumer(accounts *AccountRegistry, users *UserGraphRegistry, queue Queue) *WriteConsumer {
	return &WriteConsumer{accounts: accounts, users: users, queue: queue}
}

func (c *WriteConsumer) Run(ctx context.Context) error {
	return c.queue.Consume(ctx, QueueWrite, c.handle)
}

func (c *WriteConsumer) handle(ctx context.Context, payload []byte) error {
	var env syncEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	start := time.Now()
	var err error
	switch env.Type {
	case MsgUpsertMirror:
		var msg UpsertMirrorMsg
		if uerr := json.Unmarshal(payload, &msg); uerr != nil {
			return uerr
		}
		err = c.handleUpsert(ctx, &msg)
	case MsgDeleteMirror:
		var msg DeleteMirrorMsg
		if uerr := json.Unmarshal(payload, &msg); uerr != nil {
			return uerr
		}
		err = c.handleDelete(ctx, &msg)
	default:
		Logger().Warn("write_consumer_unknown_message_type", "type", env.Type)
		return nil
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	writeConsumerLatency.WithLabelValues(env.Type, outcome).Observe(time.Since(start).Seconds())
	return err
}

func (c *WriteConsumer) handleUpsert(ctx context.Context, msg *UpsertMirrorMsg) error {
	userID, err := c.users.ResolveOwner(msg.CanonicalEventID)
	if err != nil {
		return err
	}
	userActor := c.users.Get(userID)

	var payload MirrorEventPayload
	if err := json.Unmarshal(msg.ProjectedPayload, &payload); err != nil {
		return err
	}
	hash := projectedHash(&payload)

	existing, err := userActor.getMirror(msg.CanonicalEventID, msg.TargetAccountID)
	if err != nil {
		return err
	}
	if existing != nil && existing.State == MirrorActive && existing.LastProjectedHash == hash {
		return nil // idempotent no-op: already projected at this content hash
	}

	targetCalendarID := msg.TargetCalendarID
	accountActor := c.accounts.Get(msg.TargetAccountID)
	if targetCalendarID == "" {
		targetCalendarID, err = accountActor.getOrCreateOverlayCalendar(ctx)
		if err != nil {
			_ = userActor.applyMirrorFailure(msg.CanonicalEventID, msg.TargetAccountID, "", err.Error())
			return err
		}
	}

	account, err := c.accounts.GetAccount(msg.TargetAccountID)
	if err != nil {
		return err
	}
	accessToken, err := accountActor.getAccessToken(ctx)
	if err != nil {
		_ = userActor.applyMirrorFailure(msg.CanonicalEventID, msg.TargetAccountID, targetCalendarID, err.Error())
		return err
	}

	existingProviderEventID := ""
	if existing != nil && existing.ProviderEventID != nil {
		existingProviderEventID = *existing.ProviderEventID
	}

	client := accountActor.provider(account.Provider)
	newProviderEventID, err := client.UpsertEvent(ctx, accessToken, targetCalendarID, existingProviderEventID, &payload)
	if err != nil {
		_ = userActor.applyMirrorFailure(msg.CanonicalEventID, msg.TargetAccountID, targetCalendarID, err.Error())
		if pe, ok := err.(*ProviderError); ok && !pe.Retryable() {
			return nil // permanent failure recorded on the mirror; do not retry
		}
		return err
	}

	return userActor.applyMirrorSuccess(msg.CanonicalEventID, msg.TargetAccountID, targetCalendarID, newProviderEventID, hash)
}

func (c *WriteConsumer) handleDelete(ctx context.Context, msg *DeleteMirrorMsg) error {
	userID, err := c.users.ResolveOwner(msg.CanonicalEventID)
	if err != nil {
		return err
	}
	userActor := c.users.Get(userID)

	mirror, err := userActor.getMirror(msg.CanonicalEventID, msg.TargetAccountID)
	if err != nil {
		return err
	}
	if mirror == nil || mirror.State == MirrorTombstoned {
		return nil
	}

	account, err := c.accounts.GetAccount(msg.TargetAccountID)
	if err != nil {
		return err
	}
	accountActor := c.accounts.Get(msg.TargetAccountID)
	accessToken, err := accountActor.getAccessToken(ctx)
	if err != nil {
		return err
	}

	providerEventID := msg.ProviderEventID
	if providerEventID == "" && mirror.ProviderEventID != nil {
		providerEventID = *mirror.ProviderEventID
	}
	if providerEventID == "" {
		return userActor.applyMirrorTombstone(msg.CanonicalEventID, msg.TargetAccountID)
	}

	client := accountActor.provider(account.Provider)
	if derr := client.DeleteEvent(ctx, accessToken, mirror.TargetCalendarID, providerEventID); derr != nil {
		if pe, ok := derr.(*ProviderError); ok && !pe.Retryable() {
			return userActor.applyMirrorTombstone(msg.CanonicalEventID, msg.TargetAccountID)
		}
		return derr
	}
	return userActor.applyMirrorTombstone(msg.CanonicalEventID, msg.TargetAccountID)
}
