// reconcile.go
package federation

import (
	"context"

	"github.com/robfig/cron/v3"
)

// ReconcileWorker runs a daily drift check between the canonical store and
// each provider, repairing what it safely can and journaling everything
// else as a discrepancy for operator review (spec.md §4.6). It complements
// the sync/write consumers' steady-state path rather than replacing it:
// sync and write failures are retried by the queue; reconcile catches what
// slips through both (a missed webhook, a write that silently vanished at
// the provider, a mirror edited out-of-band).
type ReconcileWorker struct {
	accounts *AccountRegistry
	users    *UserGraphRegistry
	cron     *cron.Cron
}

func NewReconcileWorker(accounts *AccountRegistry, users *UserGraphRegistry) *ReconcileWorker {
	return &ReconcileWorker{
		accounts: accounts,
		users:    users,
		cron:     cron.New(),
	}
}

// Start schedules ReconcileAll on schedule (a standard 5-field cron
// expression, e.g. "0 3 * * *") against the given account id lister, and
// blocks until ctx is cancelled.
func (w *ReconcileWorker) Start(ctx context.Context, schedule string, listAccountIDs func() ([]string, error)) error {
	_, err := w.cron.AddFunc(schedule, func() {
		ids, lerr := listAccountIDs()
		if lerr != nil {
			Logger().Error("reconcile_list_accounts_failed", "err", lerr)
			return
		}
		if rerr := w.ReconcileAll(ctx, ids); rerr != nil {
			Logger().Error("reconcile_run_failed", "err", rerr)
		}
	})
	if err != nil {
		return err
	}
	w.cron.Start()
	<-ctx.Done()
	w.cron.Stop()
	return nil
}

func (w *ReconcileWorker) ReconcileAll(ctx context.Context, accountIDs []string) error {
	for _, id := range accountIDs {
		if err := w.reconcileAccount(ctx, id); err != nil {
			Logger().Error("reconcile_account_failed", "account_id", id, "err", err)
		}
	}
	return nil
}

func (w *ReconcileWorker) reconcileAccount(ctx context.Context, accountID string) error {
	account, err := w.accounts.GetAccount(accountID)
	if err != nil {
		return err
	}
	if account.Status == AccountStatusRevoked {
		return nil
	}
	accountActor := w.accounts.Get(accountID)
	accessToken, err := accountActor.getAccessToken(ctx)
	if err != nil {
		return err
	}
	scopes, err := accountActor.listEnabledScopes()
	if err != nil {
		return err
	}
	userActor := w.users.Get(account.UserID)
	client := accountActor.provider(account.Provider)

	for _, calendarID := range scopes {
		providerEvents, err := listAllEvents(ctx, client, accessToken, calendarID)
		if err != nil {
			Logger().Warn("reconcile_list_events_failed", "account_id", accountID, "calendar_id", calendarID, "err", err)
			continue
		}
		if err := w.reconcileOrigin(ctx, userActor, accountID, providerEvents); err != nil {
			return err
		}
	}

	return w.reconcileMirrorTarget(ctx, userActor, accountActor, account, accessToken)
}

// listAllEvents performs a full (syncToken-less) paged listing, used only
// by reconcile so it never shares a cursor with the steady-state sync path.
func listAllEvents(ctx context.Context, client ProviderClient, accessToken, calendarID string) ([]ProviderEventDelta, error) {
	var all []ProviderEventDelta
	pageToken := ""
	for {
		result, err := client.ListEvents(ctx, accessToken, calendarID, "", pageToken)
		if err != nil {
			return nil, err
		}
		all = append(all, result.Events...)
		if result.NextPageToken == "" {
			break
		}
		pageToken = result.NextPageToken
	}
	return all, nil
}

// journalDiscrepancy appends a journal entry and increments the discrepancy
// counter in one place, so every drift kind reconcile finds is visible both
// in the per-event journal and in the aggregate metric.
func (w *ReconcileWorker) journalDiscrepancy(userActor *UserGraphActor, accountID, canonicalEventID, kind, patchJSON, reason string) error {
	reconcileDiscrepanciesTotal.WithLabelValues(accountID, kind).Inc()
	return userActor.appendJournal(canonicalEventID, "reconcile", kind, patchJSON, reason)
}

// reconcileOrigin compares a freshly listed provider calendar against the
// canonical events this account originates: missing-canonical (provider has
// it, we don't), stale-canonical (provider reports it deleted) and
// hash-mismatch drift are journaled and repaired by reapplying the provider
// delta; a canonical event absent from the listing without a delete delta is
// only journaled.
func (w *ReconcileWorker) reconcileOrigin(ctx context.Context, userActor *UserGraphActor, accountID string, providerEvents []ProviderEventDelta) error {
	canonical, err := userActor.listCanonicalEventsForAccount(accountID)
	if err != nil {
		return err
	}
	byOrigin := make(map[string]*CanonicalEvent, len(canonical))
	for i := range canonical {
		byOrigin[canonical[i].OriginEventID] = &canonical[i]
	}

	seen := make(map[string]bool, len(providerEvents))
	for _, delta := range providerEvents {
		seen[delta.OriginEventID] = true
		existing, ok := byOrigin[delta.OriginEventID]

		if delta.Type == DeltaDeleted {
			if ok {
				if err := w.journalDiscrepancy(userActor, accountID, existing.CanonicalEventID, "stale_canonical", "", "provider no longer has this event"); err != nil {
					return err
				}
				if err := userActor.applyProviderDelta(ctx, accountID, []ProviderEventDelta{delta}, nil); err != nil {
					return err
				}
			}
			continue
		}

		if !ok {
			if err := w.journalDiscrepancy(userActor, accountID, "", "missing_canonical", "", "origin_event_id="+delta.OriginEventID); err != nil {
				return err
			}
			edges, eerr := userActor.activeEdgesFromAccount(accountID)
			if eerr != nil {
				return eerr
			}
			if aerr := userActor.applyProviderDelta(ctx, accountID, []ProviderEventDelta{delta}, edges); aerr != nil {
				return aerr
			}
			continue
		}

		if canonicalDiffersFromProvider(existing, delta.Event) {
			if err := w.journalDiscrepancy(userActor, accountID, existing.CanonicalEventID, "hash_mismatch", "", "canonical drifted from provider source"); err != nil {
				return err
			}
			edges, eerr := userActor.activeEdgesFromAccount(accountID)
			if eerr != nil {
				return eerr
			}
			if aerr := userActor.applyProviderDelta(ctx, accountID, []ProviderEventDelta{delta}, edges); aerr != nil {
				return aerr
			}
		}
	}

	for originEventID, existing := range byOrigin {
		if !seen[originEventID] && existing.Status != EventStatusCancelled {
			if err := w.journalDiscrepancy(userActor, accountID, existing.CanonicalEventID, "missing_canonical", "", "origin event vanished without a delete delta"); err != nil {
				return err
			}
		}
	}
	return nil
}

func canonicalDiffersFromProvider(c *CanonicalEvent, p *NormalizedProviderEvent) bool {
	if p == nil {
		return false
	}
	return c.Title != p.Title || !c.Start.Equal(p.Start) || !c.End.Equal(p.End) || c.Transparency != p.Transparency
}

// reconcileMirrorTarget audits this account's overlay calendar (if one has
// been created) against the mirrors table: a managed event present at the
// provider with no mirror row for this account is journaled as
// orphaned_mirror and left in place (no deletion is enqueued); a mirror
// marked active whose provider event vanished or whose content hash no
// longer matches is repaired by re-enqueueing the write.
func (w *ReconcileWorker) reconcileMirrorTarget(ctx context.Context, userActor *UserGraphActor, accountActor *AccountActor, account *Account, accessToken string) error {
	overlayCalendarID, err := accountActor.getOrCreateOverlayCalendarIfExists()
	if err != nil || overlayCalendarID == "" {
		return nil
	}

	client := accountActor.provider(account.Provider)
	providerEvents, err := listAllEvents(ctx, client, accessToken, overlayCalendarID)
	if err != nil {
		return err
	}
	providerManaged := make(map[string]*NormalizedProviderEvent)
	for _, d := range providerEvents {
		if d.Type != DeltaDeleted && d.Event != nil && d.Event.ExtendedProps.Managed {
			providerManaged[d.Event.ExtendedProps.CanonicalEventID] = d.Event
		}
	}

	mirrors, err := userActor.listMirrorsForTarget(account.AccountID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(mirrors))
	for _, m := range mirrors {
		seen[m.CanonicalEventID] = true
		if m.State != MirrorActive {
			continue
		}
		provEvent, stillPresent := providerManaged[m.CanonicalEventID]
		if !stillPresent {
			if err := w.journalDiscrepancy(userActor, account.AccountID, m.CanonicalEventID, "missing_mirror", "", "mirror missing at provider, re-enqueuing"); err != nil {
				return err
			}
			if err := w.reprojectMirror(ctx, userActor, m.CanonicalEventID); err != nil {
				return err
			}
			continue
		}
		event, gerr := userActor.getCanonicalEvent(m.CanonicalEventID)
		if gerr != nil {
			continue
		}
		detail := DetailFull
		if provEvent.Title == "Busy" {
			detail = DetailBusy
		}
		expectedHash := projectedHash(buildMirrorPayload(event, detail))
		if expectedHash != m.LastProjectedHash {
			if err := w.journalDiscrepancy(userActor, account.AccountID, m.CanonicalEventID, "stale_mirror", "", "mirror content hash mismatch"); err != nil {
				return err
			}
			if err := w.reprojectMirror(ctx, userActor, m.CanonicalEventID); err != nil {
				return err
			}
		}
	}

	for canonicalEventID := range providerManaged {
		if !seen[canonicalEventID] {
			if err := w.journalDiscrepancy(userActor, account.AccountID, canonicalEventID, "orphaned_mirror", "", "provider event managed but no mirror row exists"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *ReconcileWorker) reprojectMirror(ctx context.Context, userActor *UserGraphActor, canonicalEventID string) error {
	event, err := userActor.getCanonicalEvent(canonicalEventID)
	if err != nil {
		return err
	}
	edges, err := userActor.activeEdgesFromAccount(event.OriginAccountID)
	if err != nil {
		return err
	}
	planned := compileProjection(event, edges)
	return enqueueProjection(ctx, w.queueFor(userActor), event, planned)
}

// queueFor exposes the actor's queue handle for reconcile-triggered
// reprojection without threading a queue reference through every call site.
func (w *ReconcileWorker) queueFor(userActor *UserGraphActor) Queue {
	return userActor.queue
}
