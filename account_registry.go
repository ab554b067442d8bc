// account_registry.go
package federation

import (
	"sync"
	"time"
)

// AccountRegistry routes account_id to its resident AccountActor, creating
// one on first use and keeping it resident for the life of the process
// (spec.md §9 "one actor per account_id, created lazily, never torn down
// except on explicit unlink").
type AccountRegistry struct {
	mu            sync.Mutex
	actors        map[string]*AccountActor
	store         *accountStore
	masterKey     []byte
	providers     providerResolver
	refreshBuffer time.Duration
}

func NewAccountRegistry(store *accountStore, masterKey []byte, providers providerResolver, refreshBuffer time.Duration) *AccountRegistry {
	return &AccountRegistry{
		actors:        make(map[string]*AccountActor),
		store:         store,
		masterKey:     masterKey,
		providers:     providers,
		refreshBuffer: refreshBuffer,
	}
}

// Get returns the resident actor for accountID, creating it if this is the
// first reference since process start.
func (r *AccountRegistry) Get(accountID string) *AccountActor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[accountID]; ok {
		return a
	}
	a := newAccountActor(accountID, r.store, r.masterKey, r.providers, r.refreshBuffer)
	r.actors[accountID] = a
	return a
}

// Unlink stops and discards the actor for accountID, called after
// revokeTokens so a subsequent Get starts clean.
func (r *AccountRegistry) Unlink(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[accountID]; ok {
		a.stop()
		delete(r.actors, accountID)
	}
}

// RotateAllKeys re-wraps every resident account's DEK under newMasterKey,
// used by the key-rotation operational procedure (spec.md §4.2).
func (r *AccountRegistry) RotateAllKeys(newMasterKey []byte) map[string]error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.actors))
	actors := make([]*AccountActor, 0, len(r.actors))
	for id, a := range r.actors {
		ids = append(ids, id)
		actors = append(actors, a)
	}
	r.mu.Unlock()

	errs := make(map[string]error)
	for i, a := range actors {
		if err := a.rotateKey(newMasterKey); err != nil {
			errs[ids[i]] = err
		}
	}
	r.mu.Lock()
	r.masterKey = newMasterKey
	r.mu.Unlock()
	return errs
}

// ListAccountIDsForUser exposes the directory lookup without routing
// through any one actor (used by onboarding and the unlink cascade).
func (r *AccountRegistry) ListAccountIDsForUser(userID string) ([]Account, error) {
	return r.store.listAccountsForUser(userID)
}

// GetAccount is a direct directory read, bypassing actor serialization: the
// account_id/user_id/provider triple is immutable after onboarding, and
// status only ever transitions forward under the owning actor's mailbox, so
// a stale read here is never unsafe, only momentarily behind (used by the
// sync/write consumers and reconcile worker to resolve provider + owner).
func (r *AccountRegistry) GetAccount(accountID string) (*Account, error) {
	return r.store.getAccount(accountID)
}

// ListAllAccountIDs returns every known account_id, used to seed the
// reconcile and renewal workers' periodic sweeps.
func (r *AccountRegistry) ListAllAccountIDs() ([]string, error) {
	return r.store.listAllAccountIDs()
}

// ListAllUserIDs returns every distinct user_id with a linked account, used
// to seed the renewal worker's hold-expiry sweep.
func (r *AccountRegistry) ListAllUserIDs() ([]string, error) {
	return r.store.listAllUserIDs()
}

// AccountCounts reports account totals grouped by provider and status, used
// by the metrics gauges.
func (r *AccountRegistry) AccountCounts() (map[string]map[string]int64, error) {
	return r.store.accountCounts()
}
