// sync_consumer.go
package federation

import (
	"context"
	"encoding/json"
	"time"
)

// SyncConsumer drains the sync queue: SYNC_INCREMENTAL messages (fired by
// webhook pings) and SYNC_FULL messages (onboarding, manual resync, or a
// provider-forced resync after a 410 sync-token rejection) both funnel
// into syncAccount, which pages through the provider's events listing and
// folds every delta into the owning user's canonical store (spec.md §4.4).
type SyncConsumer struct {
	accounts *AccountRegistry
	users    *UserGraphRegistry
	queue    Queue
}

func NewSyncConsumer(accounts *AccountRegistry, users *UserGraphRegistry, queue Queue) *SyncConsumer {
	return &SyncConsumer{accounts: accounts, users: users, queue: queue}
}

func (c *SyncConsumer) Run(ctx context.Context) error {
	return c.queue.Consume(ctx, QueueSync, c.handle)
}

type syncEnvelope struct {
	Type string `json:"type"`
}

func (c *SyncConsumer) handle(ctx context.Context, payload []byte) error {
	start := time.Now()
	err := c.dispatch(ctx, payload)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	syncConsumerLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return err
}

func (c *SyncConsumer) dispatch(ctx context.Context, payload []byte) error {
	var env syncEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	switch env.Type {
	case MsgSyncIncremental:
		var msg SyncIncrementalMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		return c.syncAccount(ctx, msg.AccountID, false)
	case MsgSyncFull:
		var msg SyncFullMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		return c.syncAccount(ctx, msg.AccountID, true)
	default:
		Logger().Warn("sync_consumer_unknown_message_type", "type", env.Type)
		return nil
	}
}

// syncAccount pages through the provider's events listing for every enabled
// calendar scope, applying each page's deltas to the owning user's
// canonical store before advancing the cursor, so a crash mid-page re-reads
// that same page on retry rather than skipping it (spec.md invariant: sync
// cursor only advances after deltas are durably applied).
func (c *SyncConsumer) syncAccount(ctx context.Context, accountID string, forceFull bool) error {
	accountActor := c.accounts.Get(accountID)
	account, err := c.accounts.GetAccount(accountID)
	if err != nil {
		return err
	}
	if account.Status == AccountStatusRevoked {
		return nil
	}

	accessToken, err := accountActor.getAccessToken(ctx)
	if err != nil {
		_ = accountActor.markSyncFailure(err.Error())
		return err
	}

	syncToken := ""
	if !forceFull {
		syncToken, err = accountActor.getSyncToken()
		if err != nil {
			return err
		}
	}

	scopes, err := accountActor.listEnabledScopes()
	if err != nil {
		return err
	}

	userActor := c.users.Get(account.UserID)
	edges, err := userActor.activeEdgesFromAccount(accountID)
	if err != nil {
		return err
	}

	client := accountActor.provider(account.Provider)

	for _, calendarID := range scopes {
		pageToken := ""
		cursor := syncToken
		for {
			result, lerr := client.ListEvents(ctx, accessToken, calendarID, cursor, pageToken)
			if lerr != nil {
				_ = accountActor.markSyncFailure(lerr.Error())
				return lerr
			}
			if result.SyncTokenGone {
				_ = accountActor.setSyncToken("")
				_ = c.publishFullResync(ctx, accountID, "token_410")
				return nil
			}
			if len(result.Events) > 0 {
				if aerr := userActor.applyProviderDelta(ctx, accountID, result.Events, edges); aerr != nil {
					_ = accountActor.markSyncFailure(aerr.Error())
					return aerr
				}
			}
			if result.NextPageToken == "" {
				if result.NextSyncToken != "" {
					if serr := accountActor.setSyncToken(result.NextSyncToken); serr != nil {
						return serr
					}
				}
				break
			}
			pageToken = result.NextPageToken
		}
	}

	return accountActor.markSyncSuccess()
}

func (c *SyncConsumer) publishFullResync(ctx context.Context, accountID, reason string) error {
	msg := SyncFullMsg{Type: MsgSyncFull, AccountID: accountID, Reason: reason}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.queue.Publish(ctx, QueueSync, body, 0)
}
