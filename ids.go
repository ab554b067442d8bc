// ids.go
package federation

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idEntropy is a process-wide monotonic-safe entropy source for ULID
// generation, guarded by a mutex since ulid.Monotonic is not itself
// safe for concurrent use across goroutines sharing one instance.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// Typed id prefixes, per spec.md §3.
const (
	prefixAccount      = "acc_"
	prefixUser         = "usr_"
	prefixEvent        = "evt_"
	prefixMirror       = "mir_"
	prefixSession      = "ses_"
	prefixCandidate    = "cnd_"
	prefixHold         = "hld_"
	prefixPolicy       = "pol_"
	prefixVip          = "vip_"
	prefixCalendar     = "cal_"
	prefixConstraint   = "cns_"
	prefixJournal      = "jrn_"
	prefixChannel      = "chn_"
	prefixSubscription = "sub_"
)

func newTypedID(prefix string) string {
	idMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy)
	idMu.Unlock()
	return prefix + strings.ToLower(id.String())
}

func newAccountID() string      { return newTypedID(prefixAccount) }
func newUserID() string         { return newTypedID(prefixUser) }
func newEventID() string        { return newTypedID(prefixEvent) }
func newMirrorID() string       { return newTypedID(prefixMirror) }
func newSessionID() string      { return newTypedID(prefixSession) }
func newCandidateID() string    { return newTypedID(prefixCandidate) }
func newHoldID() string         { return newTypedID(prefixHold) }
func newPolicyID() string       { return newTypedID(prefixPolicy) }
func newVipID() string          { return newTypedID(prefixVip) }
func newCalendarID() string     { return newTypedID(prefixCalendar) }
func newConstraintID() string   { return newTypedID(prefixConstraint) }
func newJournalID() string      { return newTypedID(prefixJournal) }
func newChannelID() string      { return newTypedID(prefixChannel) }
func newSubscriptionID() string { return newTypedID(prefixSubscription) }

// hasPrefix reports whether id carries the given typed prefix.
func hasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix)
}
