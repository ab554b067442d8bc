// usergraph_registry.go
package federation

import "sync"

// UserGraphRegistry routes user_id to its resident UserGraphActor, the
// UserGraphActor counterpart to AccountRegistry (spec.md §9).
type UserGraphRegistry struct {
	mu     sync.Mutex
	actors map[string]*UserGraphActor
	store  *usergraphStore
	queue  Queue
}

func NewUserGraphRegistry(store *usergraphStore, queue Queue) *UserGraphRegistry {
	return &UserGraphRegistry{
		actors: make(map[string]*UserGraphActor),
		store:  store,
		queue:  queue,
	}
}

// ResolveOwner looks up the user_id owning a canonical event. The
// underlying table is shared across every user's graph, so this is a direct
// store read rather than a routed actor call (mirrors AccountRegistry.
// GetAccount's reasoning).
func (r *UserGraphRegistry) ResolveOwner(canonicalEventID string) (string, error) {
	e, err := r.store.getCanonicalEvent(canonicalEventID)
	if err != nil {
		return "", err
	}
	return e.UserID, nil
}

// SetEdgeTargetCalendar persists an overlay calendar id the first time one
// is created for a policy edge, so subsequent projections reuse it instead
// of creating a new overlay calendar on every write (spec.md §4.5 "overlay
// calendar creation is inline on first write").
func (r *UserGraphRegistry) SetEdgeTargetCalendar(e *PolicyEdge, calendarID string) error {
	e.TargetCalendarID = calendarID
	return r.store.putPolicyEdge(e)
}

// MirrorCounts reports mirror rows grouped by state, used by the metrics
// gauges.
func (r *UserGraphRegistry) MirrorCounts() (map[string]int64, error) {
	return r.store.mirrorCounts()
}

// SessionCounts reports scheduling session rows grouped by status, used by
// the metrics gauges.
func (r *UserGraphRegistry) SessionCounts() (map[string]int64, error) {
	return r.store.sessionCounts()
}

// CanonicalEventCount reports the total number of canonical events tracked,
// used by the metrics gauges.
func (r *UserGraphRegistry) CanonicalEventCount() (int64, error) {
	return r.store.canonicalEventCount()
}

func (r *UserGraphRegistry) Get(userID string) *UserGraphActor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[userID]; ok {
		return a
	}
	a := newUserGraphActor(userID, r.store, r.queue)
	r.actors[userID] = a
	return a
}
