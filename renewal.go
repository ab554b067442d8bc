// renewal.go
package federation

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// RenewalWorker runs the two periodic sweeps that keep push-notification
// plumbing and scheduling holds from silently expiring: watch
// channel/subscription renewal (spec.md §4.2, §6) and hold expiry (spec.md
// §4.5's commit-or-release contract on a held candidate slot).
type RenewalWorker struct {
	accounts       *AccountRegistry
	users          *UserGraphRegistry
	webhookBaseURL string
	renewMargin    time.Duration
	cron           *cron.Cron
}

func NewRenewalWorker(accounts *AccountRegistry, users *UserGraphRegistry, webhookBaseURL string, renewMargin time.Duration) *RenewalWorker {
	return &RenewalWorker{
		accounts:       accounts,
		users:          users,
		webhookBaseURL: webhookBaseURL,
		renewMargin:    renewMargin,
		cron:           cron.New(),
	}
}

// Start schedules the channel/subscription renewal sweep and the hold
// expiry sweep and blocks until ctx is cancelled.
func (w *RenewalWorker) Start(ctx context.Context, renewalSchedule, holdSweepSchedule string, listAccountIDs func() ([]string, error), listUserIDs func() ([]string, error)) error {
	if _, err := w.cron.AddFunc(renewalSchedule, func() {
		ids, err := listAccountIDs()
		if err != nil {
			Logger().Error("renewal_list_accounts_failed", "err", err)
			return
		}
		w.renewAll(ctx, ids)
	}); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc(holdSweepSchedule, func() {
		ids, err := listUserIDs()
		if err != nil {
			Logger().Error("hold_sweep_list_users_failed", "err", err)
			return
		}
		w.sweepAllHolds(ids)
	}); err != nil {
		return err
	}
	w.cron.Start()
	<-ctx.Done()
	w.cron.Stop()
	return nil
}

func (w *RenewalWorker) renewAll(ctx context.Context, accountIDs []string) {
	threshold := time.Now().Add(w.renewMargin)
	for _, accountID := range accountIDs {
		actor := w.accounts.Get(accountID)
		account, err := w.accounts.GetAccount(accountID)
		if err != nil || account.Status == AccountStatusRevoked {
			continue
		}

		if account.Provider == ProviderGoogle {
			w.renewChannels(ctx, actor, account, threshold)
		} else {
			w.renewSubscriptions(ctx, actor, account, threshold)
		}
	}
}

func (w *RenewalWorker) renewChannels(ctx context.Context, actor *AccountActor, account *Account, threshold time.Time) {
	channels, err := actor.listChannels()
	if err != nil {
		Logger().Warn("renewal_list_channels_failed", "account_id", account.AccountID, "err", err)
		return
	}
	for _, ch := range channels {
		if ch.Expiry.After(threshold) {
			continue
		}
		accessToken, err := actor.getAccessToken(ctx)
		if err != nil {
			Logger().Warn("renewal_get_token_failed", "account_id", account.AccountID, "err", err)
			continue
		}
		client := actor.provider(account.Provider)
		result, err := client.WatchCalendar(ctx, accessToken, ch.CalendarID, w.webhookBaseURL+"/webhooks/google")
		if err != nil {
			channelRenewalsTotal.WithLabelValues(string(account.Provider), "error").Inc()
			Logger().Warn("renewal_watch_failed", "account_id", account.AccountID, "channel_id", ch.ChannelID, "err", err)
			continue
		}
		if err := actor.renewChannel(ch.ChannelID, result.ResourceID, result.Expiry); err != nil {
			channelRenewalsTotal.WithLabelValues(string(account.Provider), "error").Inc()
			Logger().Warn("renewal_persist_failed", "account_id", account.AccountID, "channel_id", ch.ChannelID, "err", err)
			continue
		}
		channelRenewalsTotal.WithLabelValues(string(account.Provider), "ok").Inc()
	}
}

func (w *RenewalWorker) renewSubscriptions(ctx context.Context, actor *AccountActor, account *Account, threshold time.Time) {
	subs, err := actor.listMsSubscriptions()
	if err != nil {
		Logger().Warn("renewal_list_subscriptions_failed", "account_id", account.AccountID, "err", err)
		return
	}
	for _, sub := range subs {
		if sub.Expiry.After(threshold) {
			continue
		}
		accessToken, err := actor.getAccessToken(ctx)
		if err != nil {
			Logger().Warn("renewal_get_token_failed", "account_id", account.AccountID, "err", err)
			continue
		}
		client := actor.provider(account.Provider)
		result, err := client.WatchCalendar(ctx, accessToken, sub.Resource, w.webhookBaseURL+"/webhooks/microsoft")
		if err != nil {
			channelRenewalsTotal.WithLabelValues(string(account.Provider), "error").Inc()
			Logger().Warn("renewal_subscription_failed", "account_id", account.AccountID, "subscription_id", sub.SubscriptionID, "err", err)
			continue
		}
		if err := actor.renewMsSubscription(sub.SubscriptionID, result.Expiry); err != nil {
			channelRenewalsTotal.WithLabelValues(string(account.Provider), "error").Inc()
			Logger().Warn("renewal_persist_subscription_failed", "account_id", account.AccountID, "subscription_id", sub.SubscriptionID, "err", err)
			continue
		}
		channelRenewalsTotal.WithLabelValues(string(account.Provider), "ok").Inc()
	}
}

func (w *RenewalWorker) sweepAllHolds(userIDs []string) {
	now := time.Now().UTC()
	for _, userID := range userIDs {
		actor := w.users.Get(userID)
		expired, err := actor.sweepExpiredHolds(now)
		if err != nil {
			Logger().Warn("hold_sweep_failed", "user_id", userID, "err", err)
			continue
		}
		if len(expired) > 0 {
			Logger().Info("holds_expired", "user_id", userID, "count", len(expired))
		}
	}
}
