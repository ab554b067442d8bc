// account_actor.go
package federation

import (
	"context"
	"sync"
	"time"
)

// AccountActor serializes every operation against one account_id through a
// single mailbox goroutine: no two goroutines ever touch the same account's
// cached access token or encryption state concurrently (spec.md §5, §9
// "single-writer per entity"). Storage itself lives in the shared
// accountStore; the actor owns in-memory cached plaintext (access token,
// expiry) that must never be persisted.
type AccountActor struct {
	accountID     string
	store         *accountStore
	masterKey     []byte
	providers     providerResolver
	refreshBuffer time.Duration

	mailbox chan func()
	closeOnce sync.Once
	done    chan struct{}

	cachedAccessToken string
	cachedExpiry      time.Time
}

func newAccountActor(accountID string, store *accountStore, masterKey []byte, providers providerResolver, refreshBuffer time.Duration) *AccountActor {
	a := &AccountActor{
		accountID:     accountID,
		store:         store,
		masterKey:     masterKey,
		providers:     providers,
		refreshBuffer: refreshBuffer,
		mailbox:       make(chan func(), 64),
		done:          make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AccountActor) run() {
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.done:
			return
		}
	}
}

// do runs fn on the actor's mailbox goroutine and blocks until it completes,
// giving callers synchronous semantics over an asynchronous serialization
// point.
func (a *AccountActor) do(fn func()) {
	reply := make(chan struct{})
	select {
	case a.mailbox <- func() { fn(); close(reply) }:
		<-reply
	case <-a.done:
	}
}

func (a *AccountActor) stop() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *AccountActor) provider(p Provider) ProviderClient {
	return a.providers.ProviderFor(p)
}

// initialize stores a freshly onboarded account's tokens, sealed under the
// actor's master key, plus the initially enabled calendar scopes.
func (a *AccountActor) initialize(acct *Account, tokens TokenSet, scopes []string) error {
	var outErr error
	a.do(func() {
		if err := a.store.createAccount(acct); err != nil {
			outErr = err
			return
		}
		env, err := EncryptEnvelope(a.masterKey, tokens)
		if err != nil {
			outErr = err
			return
		}
		if err := a.store.putEnvelope(acct.AccountID, env, ""); err != nil {
			outErr = err
			return
		}
		for _, scope := range scopes {
			if err := a.store.enableCalendarScope(acct.AccountID, scope); err != nil {
				outErr = err
				return
			}
		}
		a.cachedAccessToken = tokens.AccessToken
		a.cachedExpiry = tokens.Expiry
	})
	return outErr
}

// getAccessToken returns a currently-valid access token, refreshing against
// the provider when the cached token is within refreshBuffer of expiry
// (spec.md §4.2 "just-in-time refresh, 5 minute buffer"). A 4xx refresh
// response marks the account revoked rather than being retried.
func (a *AccountActor) getAccessToken(ctx context.Context) (string, error) {
	var token string
	var outErr error
	a.do(func() {
		acct, err := a.store.getAccount(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		if acct.Status == AccountStatusRevoked {
			outErr = ErrAccountUnknown
			return
		}

		env, _, err := a.store.getEnvelope(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		tokens, err := DecryptEnvelope(a.masterKey, env)
		if err != nil {
			_ = a.store.recordDecryptFailure(a.accountID, err.Error())
			outErr = err
			return
		}
		_ = a.store.recordDecryptSuccess(a.accountID)

		now := time.Now().UTC()
		if tokens.AccessToken != "" && tokens.Expiry.Sub(now) > a.refreshBuffer {
			token = tokens.AccessToken
			return
		}

		client := a.provider(acct.Provider)
		newAccess, newExpiry, err := client.RefreshAccessToken(ctx, tokens.RefreshToken)
		if err != nil {
			if rf, ok := err.(*RefreshFailed); ok && rf.Permanent() {
				_ = a.store.setAccountStatus(a.accountID, AccountStatusRevoked)
			}
			outErr = err
			return
		}

		newTokens := TokenSet{AccessToken: newAccess, RefreshToken: tokens.RefreshToken, Expiry: newExpiry}
		newEnv, err := EncryptEnvelope(a.masterKey, newTokens)
		if err != nil {
			outErr = err
			return
		}
		if err := a.store.putEnvelope(a.accountID, newEnv, ""); err != nil {
			outErr = err
			return
		}
		token = newAccess
	})
	return token, outErr
}

// revokeTokens best-effort revokes at the provider, then deletes all local
// auth/sync/channel state. Local deletion always happens even if the
// provider call fails (spec.md §4.2).
func (a *AccountActor) revokeTokens(ctx context.Context) error {
	var outErr error
	a.do(func() {
		acct, err := a.store.getAccount(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		env, _, err := a.store.getEnvelope(a.accountID)
		if err == nil {
			if tokens, derr := DecryptEnvelope(a.masterKey, env); derr == nil {
				if rerr := a.provider(acct.Provider).RevokeToken(ctx, tokens.RefreshToken); rerr != nil {
					Logger().Warn("provider_revoke_failed", "account_id", a.accountID, "err", rerr)
				}
			}
		}
		_ = a.store.deleteAuth(a.accountID)
		_ = a.store.deleteChannelsForAccount(a.accountID)
		_ = a.store.deleteSubscriptionsForAccount(a.accountID)
		_ = a.store.deleteScopesForAccount(a.accountID)
		_ = a.store.setAccountStatus(a.accountID, AccountStatusRevoked)
		a.cachedAccessToken = ""
	})
	if outErr == nil {
		RecordAudit(ctx, AuditLevelInfo, "account", "revoke_tokens", "account tokens revoked", map[string]any{"account_id": a.accountID})
	}
	return outErr
}

// rotateKey re-wraps the stored DEK under newMasterKey without touching the
// token ciphertext (spec.md invariant 2). The actor adopts newMasterKey for
// all subsequent operations.
func (a *AccountActor) rotateKey(newMasterKey []byte) error {
	var outErr error
	a.do(func() {
		env, scopes, err := a.store.getEnvelope(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		newEnv, err := ReEncryptDek(a.masterKey, newMasterKey, env)
		if err != nil {
			outErr = err
			return
		}
		if err := a.store.putEnvelope(a.accountID, newEnv, scopes); err != nil {
			outErr = err
			return
		}
		a.masterKey = newMasterKey
	})
	if outErr == nil {
		RecordAudit(context.Background(), AuditLevelInfo, "account", "rotate_key", "account DEK re-wrapped under new master key", map[string]any{"account_id": a.accountID})
	}
	return outErr
}

func (a *AccountActor) getEncryptedDekForBackup() (*DekBackup, error) {
	var backup *DekBackup
	var outErr error
	a.do(func() {
		env, _, err := a.store.getEnvelope(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		backup = ExtractDekBackup(a.accountID, env)
	})
	return backup, outErr
}

func (a *AccountActor) restoreDekFromBackup(backup *DekBackup) error {
	var outErr error
	a.do(func() {
		env, scopes, err := a.store.getEnvelope(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		restored := RestoreDekFromBackup(env, backup)
		outErr = a.store.putEnvelope(a.accountID, restored, scopes)
	})
	return outErr
}

func (a *AccountActor) getSyncToken() (string, error) {
	var token string
	var outErr error
	a.do(func() { token, outErr = a.store.getSyncToken(a.accountID) })
	return token, outErr
}

func (a *AccountActor) setSyncToken(token string) error {
	var outErr error
	a.do(func() { outErr = a.store.setSyncToken(a.accountID, token) })
	return outErr
}

func (a *AccountActor) markSyncSuccess() error {
	var outErr error
	a.do(func() { outErr = a.store.markSyncSuccess(a.accountID, time.Now().UTC()) })
	return outErr
}

func (a *AccountActor) markSyncFailure(reason string) error {
	var outErr error
	a.do(func() { outErr = a.store.markSyncFailure(a.accountID, reason) })
	return outErr
}

func (a *AccountActor) registerChannel(ch *WatchChannel) error {
	var outErr error
	a.do(func() { outErr = a.store.putChannel(ch) })
	return outErr
}

func (a *AccountActor) renewChannel(channelID string, newResourceID string, newExpiry time.Time) error {
	var outErr error
	a.do(func() {
		ch, err := a.store.getChannel(channelID)
		if err != nil {
			outErr = err
			return
		}
		ch.ResourceID = newResourceID
		ch.Expiry = newExpiry
		ch.Status = ChannelStatusActive
		outErr = a.store.putChannel(ch)
	})
	return outErr
}

func (a *AccountActor) listChannels() ([]WatchChannel, error) {
	var out []WatchChannel
	var outErr error
	a.do(func() { out, outErr = a.store.listChannels(a.accountID) })
	return out, outErr
}

func (a *AccountActor) getChannelStatus(channelID string) (*WatchChannel, error) {
	var ch *WatchChannel
	var outErr error
	a.do(func() { ch, outErr = a.store.getChannel(channelID) })
	return ch, outErr
}

func (a *AccountActor) stopWatchChannels(ctx context.Context) error {
	var outErr error
	a.do(func() {
		acct, err := a.store.getAccount(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		chans, err := a.store.listChannels(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		env, _, err := a.store.getEnvelope(a.accountID)
		var accessToken string
		if err == nil {
			if tokens, derr := DecryptEnvelope(a.masterKey, env); derr == nil {
				accessToken = tokens.AccessToken
			}
		}
		client := a.provider(acct.Provider)
		for _, ch := range chans {
			if accessToken != "" {
				if serr := client.StopWatch(ctx, accessToken, ch.ChannelID, ch.ResourceID); serr != nil {
					Logger().Warn("stop_watch_failed", "account_id", a.accountID, "channel_id", ch.ChannelID, "err", serr)
				}
			}
		}
		outErr = a.store.deleteChannelsForAccount(a.accountID)
	})
	return outErr
}

func (a *AccountActor) createMsSubscription(sub *MsSubscription) error {
	var outErr error
	a.do(func() { outErr = a.store.putSubscription(sub) })
	return outErr
}

func (a *AccountActor) renewMsSubscription(subscriptionID string, newExpiry time.Time) error {
	var outErr error
	a.do(func() {
		sub, err := a.store.getSubscription(subscriptionID)
		if err != nil {
			outErr = err
			return
		}
		sub.Expiry = newExpiry
		sub.Status = ChannelStatusActive
		outErr = a.store.putSubscription(sub)
	})
	return outErr
}

func (a *AccountActor) deleteMsSubscription(subscriptionID string) error {
	var outErr error
	a.do(func() { outErr = a.store.deleteSubscription(subscriptionID) })
	return outErr
}

func (a *AccountActor) listMsSubscriptions() ([]MsSubscription, error) {
	var out []MsSubscription
	var outErr error
	a.do(func() { out, outErr = a.store.listSubscriptions(a.accountID) })
	return out, outErr
}

// validateMsClientState verifies a notification's clientState against the
// subscription's stored secret (spec.md §6's webhook validation step).
func (a *AccountActor) validateMsClientState(subscriptionID, clientState string) (bool, error) {
	var valid bool
	var outErr error
	a.do(func() {
		sub, err := a.store.getSubscription(subscriptionID)
		if err != nil {
			outErr = err
			return
		}
		valid = sub.ClientState == clientState
	})
	return valid, outErr
}

type accountHealth struct {
	Sync       *syncHealthRow
	Encryption *encryptionHealthRow
}

func (a *AccountActor) getHealth() (*accountHealth, error) {
	var h accountHealth
	var outErr error
	a.do(func() {
		sync, err := a.store.getSyncHealth(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		enc, err := a.store.getEncryptionHealth(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		h.Sync = sync
		h.Encryption = enc
	})
	return &h, outErr
}

func (a *AccountActor) getEncryptionHealth() (*encryptionHealthRow, error) {
	var h *encryptionHealthRow
	var outErr error
	a.do(func() { h, outErr = a.store.getEncryptionHealth(a.accountID) })
	return h, outErr
}

// getOrCreateOverlayCalendar returns the account's busy-overlay calendar id,
// creating it at the provider on first call (spec.md §4.5: overlay
// calendar creation happens inline on the account's first mirrored write,
// not eagerly when a policy edge is configured).
func (a *AccountActor) getOrCreateOverlayCalendar(ctx context.Context) (string, error) {
	var calendarID string
	var outErr error
	a.do(func() {
		existing, err := a.store.getOverlayCalendarID(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		if existing != "" {
			calendarID = existing
			return
		}
		acct, err := a.store.getAccount(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		env, _, err := a.store.getEnvelope(a.accountID)
		if err != nil {
			outErr = err
			return
		}
		tokens, err := DecryptEnvelope(a.masterKey, env)
		if err != nil {
			outErr = err
			return
		}
		created, err := a.provider(acct.Provider).EnsureOverlayCalendar(ctx, tokens.AccessToken)
		if err != nil {
			outErr = err
			return
		}
		if err := a.store.setOverlayCalendarID(a.accountID, created); err != nil {
			outErr = err
			return
		}
		calendarID = created
	})
	return calendarID, outErr
}

// getOrCreateOverlayCalendarIfExists returns the account's overlay calendar
// id if one has already been created, or "" if the account has never
// performed a mirrored write yet. Unlike getOrCreateOverlayCalendar it never
// calls the provider, so reconcile can skip accounts with no overlay
// calendar without paying for one to be created.
func (a *AccountActor) getOrCreateOverlayCalendarIfExists() (string, error) {
	var calendarID string
	var outErr error
	a.do(func() { calendarID, outErr = a.store.getOverlayCalendarID(a.accountID) })
	return calendarID, outErr
}

func (a *AccountActor) listEnabledScopes() ([]string, error) {
	var out []string
	var outErr error
	a.do(func() { out, outErr = a.store.listEnabledScopes(a.accountID) })
	return out, outErr
}
