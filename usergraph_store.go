// usergraph_store.go
package federation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// defaultPageLimit and maxPageLimit bound the keyset-paginated list queries
// (listCanonicalEventsPage, listSessionsForUser, queryJournalPage) when
// a caller omits or over-asks a limit.
const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// encodeCursor and decodeCursor implement a simple opaque keyset cursor:
// the sort timestamp and a tiebreak id, joined by "|". Good enough for the
// single-column-plus-id orderings every paginated query here uses.
func encodeCursor(ts time.Time, id string) string {
	return ts.UTC().Format(time.RFC3339Nano) + "|" + id
}

func decodeCursor(cursor string) (time.Time, string, error) {
	idx := strings.LastIndex(cursor, "|")
	if idx < 0 {
		return time.Time{}, "", errors.New("invalid cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, cursor[:idx])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, cursor[idx+1:], nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

// usergraphStore is the per-user-graph SQL store: canonical events, their
// mirrors, the policy graph, scheduling sessions/candidates/holds,
// constraints, VIP policies, scheduling history, and the append-only
// journal. One UserGraphActor serializes all access to one user's rows;
// the schema itself is shared across users the same way accountStore is
// shared across accounts.
type usergraphStore struct {
	db *sql.DB
}

func newUsergraphStore(dsn string) (*usergraphStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &usergraphStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewUsergraphStore opens (creating and migrating if needed) the user-graph
// store at dsn, exposed for cmd/server's startup wiring.
func NewUsergraphStore(dsn string) (*usergraphStore, error) {
	return newUsergraphStore(dsn)
}

func (s *usergraphStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS canonical_events (
	canonical_event_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	origin_account_id TEXT NOT NULL,
	origin_event_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	start_ts DATETIME NOT NULL,
	end_ts DATETIME NOT NULL,
	all_day INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	visibility TEXT NOT NULL DEFAULT 'default',
	transparency TEXT NOT NULL DEFAULT 'opaque',
	recurrence_rule TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	attendees TEXT NOT NULL DEFAULT '[]',
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_canonical_user ON canonical_events(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_canonical_origin ON canonical_events(origin_account_id, origin_event_id);
CREATE INDEX IF NOT EXISTS idx_canonical_window ON canonical_events(user_id, start_ts, end_ts);

CREATE TABLE IF NOT EXISTS mirrors (
	canonical_event_id TEXT NOT NULL,
	target_account_id TEXT NOT NULL,
	target_calendar_id TEXT NOT NULL,
	provider_event_id TEXT,
	last_projected_hash TEXT NOT NULL DEFAULT '',
	last_write_ts DATETIME,
	state TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (canonical_event_id, target_account_id)
);
CREATE INDEX IF NOT EXISTS idx_mirrors_target ON mirrors(target_account_id);

CREATE TABLE IF NOT EXISTS policies (
	policy_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policies_user ON policies(user_id);

CREATE TABLE IF NOT EXISTS policy_edges (
	policy_id TEXT NOT NULL,
	from_account_id TEXT NOT NULL,
	to_account_id TEXT NOT NULL,
	detail_level TEXT NOT NULL,
	calendar_kind TEXT NOT NULL,
	target_calendar_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (policy_id, from_account_id, to_account_id)
);

CREATE TABLE IF NOT EXISTS scheduling_sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	objective_json TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	committed_candidate_id TEXT,
	committed_event_id TEXT
);

CREATE TABLE IF NOT EXISTS candidates (
	candidate_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	start_ts DATETIME NOT NULL,
	end_ts DATETIME NOT NULL,
	score INTEGER NOT NULL,
	explanation TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_candidates_session ON candidates(session_id);

CREATE TABLE IF NOT EXISTS holds (
	hold_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	provider_event_id TEXT,
	expires_at DATETIME NOT NULL,
	status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_holds_session ON holds(session_id);
CREATE INDEX IF NOT EXISTS idx_holds_expiry ON holds(status, expires_at);

CREATE TABLE IF NOT EXISTS constraints (
	constraint_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	config_json TEXT NOT NULL,
	active_from DATETIME,
	active_to DATETIME
);
CREATE INDEX IF NOT EXISTS idx_constraints_user ON constraints(user_id);

CREATE TABLE IF NOT EXISTS vip_policies (
	vip_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	participant_hash TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	priority_weight REAL NOT NULL DEFAULT 1.0,
	conditions_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vip_user ON vip_policies(user_id);

CREATE TABLE IF NOT EXISTS scheduling_history (
	session_id TEXT NOT NULL,
	participant_hash TEXT NOT NULL,
	got_preferred INTEGER NOT NULL,
	scheduled_ts DATETIME NOT NULL,
	PRIMARY KEY (session_id, participant_hash)
);
CREATE INDEX IF NOT EXISTS idx_history_participant ON scheduling_history(participant_hash);

CREATE TABLE IF NOT EXISTS journal (
	journal_id TEXT PRIMARY KEY,
	canonical_event_id TEXT NOT NULL,
	ts DATETIME NOT NULL,
	actor TEXT NOT NULL,
	change_type TEXT NOT NULL,
	patch_json TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_journal_event ON journal(canonical_event_id);
CREATE INDEX IF NOT EXISTS idx_journal_ts ON journal(ts);
`
	_, err := s.db.Exec(schema)
	return err
}

var ugNoRows = sql.ErrNoRows

// --- canonical events ---

func (s *usergraphStore) createCanonicalEvent(e *CanonicalEvent) error {
	attendees, _ := json.Marshal(e.Attendees)
	_, err := s.db.Exec(`
		INSERT INTO canonical_events (canonical_event_id, user_id, origin_account_id, origin_event_id,
			title, description, location, start_ts, end_ts, all_day, status, visibility, transparency,
			recurrence_rule, source, attendees, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.CanonicalEventID, e.UserID, e.OriginAccountID, e.OriginEventID, e.Title, e.Description, e.Location,
		e.Start, e.End, e.AllDay, string(e.Status), e.Visibility, string(e.Transparency), e.RecurrenceRule,
		string(e.Source), string(attendees), e.Version, e.CreatedAt, e.UpdatedAt)
	return err
}

func scanCanonicalEvent(row interface{ Scan(...any) error }) (*CanonicalEvent, error) {
	var e CanonicalEvent
	var status, transparency, source, attendees string
	if err := row.Scan(&e.CanonicalEventID, &e.UserID, &e.OriginAccountID, &e.OriginEventID, &e.Title,
		&e.Description, &e.Location, &e.Start, &e.End, &e.AllDay, &status, &e.Visibility, &transparency,
		&e.RecurrenceRule, &source, &attendees, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = EventStatus(status)
	e.Transparency = Transparency(transparency)
	e.Source = EventSource(source)
	_ = json.Unmarshal([]byte(attendees), &e.Attendees)
	return &e, nil
}

const canonicalEventCols = `canonical_event_id, user_id, origin_account_id, origin_event_id, title, description,
	location, start_ts, end_ts, all_day, status, visibility, transparency, recurrence_rule, source, attendees,
	version, created_at, updated_at`

func (s *usergraphStore) getCanonicalEvent(canonicalEventID string) (*CanonicalEvent, error) {
	row := s.db.QueryRow(`SELECT `+canonicalEventCols+` FROM canonical_events WHERE canonical_event_id = ?`, canonicalEventID)
	e, err := scanCanonicalEvent(row)
	if errors.Is(err, ugNoRows) {
		return nil, ErrCanonicalUnknown
	}
	return e, err
}

func (s *usergraphStore) getCanonicalEventByOrigin(originAccountID, originEventID string) (*CanonicalEvent, error) {
	row := s.db.QueryRow(`SELECT `+canonicalEventCols+` FROM canonical_events WHERE origin_account_id = ? AND origin_event_id = ?`, originAccountID, originEventID)
	e, err := scanCanonicalEvent(row)
	if errors.Is(err, ugNoRows) {
		return nil, ErrCanonicalUnknown
	}
	return e, err
}

func (s *usergraphStore) updateCanonicalEvent(e *CanonicalEvent) error {
	attendees, _ := json.Marshal(e.Attendees)
	_, err := s.db.Exec(`
		UPDATE canonical_events SET title=?, description=?, location=?, start_ts=?, end_ts=?, all_day=?,
			status=?, visibility=?, transparency=?, recurrence_rule=?, attendees=?, version=version+1, updated_at=?
		WHERE canonical_event_id = ?
	`, e.Title, e.Description, e.Location, e.Start, e.End, e.AllDay, string(e.Status), e.Visibility,
		string(e.Transparency), e.RecurrenceRule, string(attendees), time.Now().UTC(), e.CanonicalEventID)
	return err
}

func (s *usergraphStore) cancelCanonicalEvent(canonicalEventID string) error {
	_, err := s.db.Exec(`UPDATE canonical_events SET status = ?, version = version+1, updated_at = ? WHERE canonical_event_id = ?`,
		string(EventStatusCancelled), time.Now().UTC(), canonicalEventID)
	return err
}

func (s *usergraphStore) listCanonicalEventsInWindow(userID string, start, end time.Time) ([]CanonicalEvent, error) {
	rows, err := s.db.Query(`SELECT `+canonicalEventCols+` FROM canonical_events
		WHERE user_id = ? AND status != 'cancelled' AND start_ts < ? AND end_ts > ?
		ORDER BY start_ts`, userID, end, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CanonicalEvent
	for rows.Next() {
		e, err := scanCanonicalEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *usergraphStore) listCanonicalEventsForAccount(originAccountID string) ([]CanonicalEvent, error) {
	rows, err := s.db.Query(`SELECT `+canonicalEventCols+` FROM canonical_events WHERE origin_account_id = ? AND status != 'cancelled'`, originAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CanonicalEvent
	for rows.Next() {
		e, err := scanCanonicalEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// listCanonicalEventsPage is the paginated, filterable list behind the
// listCanonicalEvents RPC (spec.md §4.3.1): optional [start, end) overlap
// window, optional origin_account_id scoping, and a keyset cursor on
// (start_ts, canonical_event_id) so callers can page through large
// results instead of getting everything back in one response.
func (s *usergraphStore) listCanonicalEventsPage(userID string, start, end time.Time, originAccountID string, limit int, cursor string) ([]CanonicalEvent, string, error) {
	limit = clampLimit(limit)
	query := `SELECT ` + canonicalEventCols + ` FROM canonical_events WHERE user_id = ? AND status != 'cancelled'`
	args := []interface{}{userID}
	if !start.IsZero() || !end.IsZero() {
		query += ` AND start_ts < ? AND end_ts > ?`
		args = append(args, end, start)
	}
	if originAccountID != "" {
		query += ` AND origin_account_id = ?`
		args = append(args, originAccountID)
	}
	if cursor != "" {
		cursorTs, cursorID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (start_ts > ? OR (start_ts = ? AND canonical_event_id > ?))`
		args = append(args, cursorTs, cursorTs, cursorID)
	}
	query += ` ORDER BY start_ts, canonical_event_id LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []CanonicalEvent
	for rows.Next() {
		e, err := scanCanonicalEvent(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		last := out[limit-1]
		next = encodeCursor(last.Start, last.CanonicalEventID)
		out = out[:limit]
	}
	return out, next, nil
}

// --- mirrors ---

func (s *usergraphStore) upsertMirror(m *Mirror) error {
	_, err := s.db.Exec(`
		INSERT INTO mirrors (canonical_event_id, target_account_id, target_calendar_id, provider_event_id,
			last_projected_hash, last_write_ts, state, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canonical_event_id, target_account_id) DO UPDATE SET
			target_calendar_id=excluded.target_calendar_id, provider_event_id=excluded.provider_event_id,
			last_projected_hash=excluded.last_projected_hash, last_write_ts=excluded.last_write_ts,
			state=excluded.state, error_message=excluded.error_message, updated_at=excluded.updated_at
	`, m.CanonicalEventID, m.TargetAccountID, m.TargetCalendarID, m.ProviderEventID, m.LastProjectedHash,
		m.LastWriteTs, string(m.State), m.ErrorMessage, m.CreatedAt, m.UpdatedAt)
	return err
}

func scanMirror(row interface{ Scan(...any) error }) (*Mirror, error) {
	var m Mirror
	var state string
	if err := row.Scan(&m.CanonicalEventID, &m.TargetAccountID, &m.TargetCalendarID, &m.ProviderEventID,
		&m.LastProjectedHash, &m.LastWriteTs, &state, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.State = MirrorState(state)
	return &m, nil
}

const mirrorCols = `canonical_event_id, target_account_id, target_calendar_id, provider_event_id,
	last_projected_hash, last_write_ts, state, error_message, created_at, updated_at`

func (s *usergraphStore) getMirror(canonicalEventID, targetAccountID string) (*Mirror, error) {
	row := s.db.QueryRow(`SELECT `+mirrorCols+` FROM mirrors WHERE canonical_event_id = ? AND target_account_id = ?`, canonicalEventID, targetAccountID)
	m, err := scanMirror(row)
	if errors.Is(err, ugNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *usergraphStore) listMirrorsForCanonical(canonicalEventID string) ([]Mirror, error) {
	rows, err := s.db.Query(`SELECT `+mirrorCols+` FROM mirrors WHERE canonical_event_id = ?`, canonicalEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Mirror
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *usergraphStore) listMirrorsForTarget(targetAccountID string) ([]Mirror, error) {
	rows, err := s.db.Query(`SELECT `+mirrorCols+` FROM mirrors WHERE target_account_id = ?`, targetAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Mirror
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *usergraphStore) deleteMirror(canonicalEventID, targetAccountID string) error {
	_, err := s.db.Exec(`DELETE FROM mirrors WHERE canonical_event_id = ? AND target_account_id = ?`, canonicalEventID, targetAccountID)
	return err
}

// --- policy graph ---

func (s *usergraphStore) createPolicy(p *Policy) error {
	_, err := s.db.Exec(`INSERT INTO policies (policy_id, user_id, name, is_default, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.PolicyID, p.UserID, p.Name, p.IsDefault, p.Active, p.CreatedAt)
	return err
}

func (s *usergraphStore) listPolicies(userID string) ([]Policy, error) {
	rows, err := s.db.Query(`SELECT policy_id, user_id, name, is_default, active, created_at FROM policies WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.PolicyID, &p.UserID, &p.Name, &p.IsDefault, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *usergraphStore) putPolicyEdge(e *PolicyEdge) error {
	_, err := s.db.Exec(`
		INSERT INTO policy_edges (policy_id, from_account_id, to_account_id, detail_level, calendar_kind, target_calendar_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(policy_id, from_account_id, to_account_id) DO UPDATE SET
			detail_level=excluded.detail_level, calendar_kind=excluded.calendar_kind, target_calendar_id=excluded.target_calendar_id
	`, e.PolicyID, e.FromAccountID, e.ToAccountID, string(e.DetailLevel), string(e.CalendarKind), e.TargetCalendarID)
	return err
}

func (s *usergraphStore) listEdgesFrom(policyID, fromAccountID string) ([]PolicyEdge, error) {
	rows, err := s.db.Query(`SELECT policy_id, from_account_id, to_account_id, detail_level, calendar_kind, target_calendar_id
		FROM policy_edges WHERE policy_id = ? AND from_account_id = ?`, policyID, fromAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PolicyEdge
	for rows.Next() {
		var e PolicyEdge
		var detail, kind string
		if err := rows.Scan(&e.PolicyID, &e.FromAccountID, &e.ToAccountID, &detail, &kind, &e.TargetCalendarID); err != nil {
			return nil, err
		}
		e.DetailLevel = DetailLevel(detail)
		e.CalendarKind = CalendarKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *usergraphStore) deleteEdgesForAccount(accountID string) error {
	_, err := s.db.Exec(`DELETE FROM policy_edges WHERE from_account_id = ? OR to_account_id = ?`, accountID, accountID)
	return err
}

func (s *usergraphStore) listEdgesByPolicy(policyID string) ([]PolicyEdge, error) {
	rows, err := s.db.Query(`SELECT policy_id, from_account_id, to_account_id, detail_level, calendar_kind, target_calendar_id
		FROM policy_edges WHERE policy_id = ?`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PolicyEdge
	for rows.Next() {
		var e PolicyEdge
		var detail, kind string
		if err := rows.Scan(&e.PolicyID, &e.FromAccountID, &e.ToAccountID, &detail, &kind, &e.TargetCalendarID); err != nil {
			return nil, err
		}
		e.DetailLevel = DetailLevel(detail)
		e.CalendarKind = CalendarKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *usergraphStore) activePolicyID(userID string) (string, error) {
	var id string
	row := s.db.QueryRow(`SELECT policy_id FROM policies WHERE user_id = ? AND active = 1 ORDER BY is_default DESC LIMIT 1`, userID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, ugNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// --- scheduling sessions / candidates / holds ---

func (s *usergraphStore) createSession(sess *SchedulingSession) error {
	_, err := s.db.Exec(`INSERT INTO scheduling_sessions (session_id, user_id, status, objective_json, created_at)
		VALUES (?, ?, ?, ?, ?)`, sess.SessionID, sess.UserID, string(sess.Status), sess.ObjectiveJSON, sess.CreatedAt)
	return err
}

func (s *usergraphStore) getSession(sessionID string) (*SchedulingSession, error) {
	var sess SchedulingSession
	var status string
	row := s.db.QueryRow(`SELECT session_id, user_id, status, objective_json, created_at, committed_candidate_id, committed_event_id
		FROM scheduling_sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&sess.SessionID, &sess.UserID, &status, &sess.ObjectiveJSON, &sess.CreatedAt,
		&sess.CommittedCandidateID, &sess.CommittedEventID); err != nil {
		if errors.Is(err, ugNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.Status = SessionStatus(status)
	return &sess, nil
}

func (s *usergraphStore) setSessionStatus(sessionID string, status SessionStatus) error {
	_, err := s.db.Exec(`UPDATE scheduling_sessions SET status = ? WHERE session_id = ?`, string(status), sessionID)
	return err
}

// listSessionsForUser is the paginated, filterable list behind the
// listSchedulingSessions RPC (spec.md §4.3.4): optional status filter and
// a keyset cursor on (created_at, session_id), newest first.
func (s *usergraphStore) listSessionsForUser(userID string, status SessionStatus, limit int, cursor string) ([]SchedulingSession, string, error) {
	limit = clampLimit(limit)
	query := `SELECT session_id, user_id, status, objective_json, created_at, committed_candidate_id, committed_event_id
		FROM scheduling_sessions WHERE user_id = ?`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if cursor != "" {
		cursorTs, cursorID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND session_id < ?))`
		args = append(args, cursorTs, cursorTs, cursorID)
	}
	query += ` ORDER BY created_at DESC, session_id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []SchedulingSession
	for rows.Next() {
		var sess SchedulingSession
		var statusCol string
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &statusCol, &sess.ObjectiveJSON, &sess.CreatedAt,
			&sess.CommittedCandidateID, &sess.CommittedEventID); err != nil {
			return nil, "", err
		}
		sess.Status = SessionStatus(statusCol)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		last := out[limit-1]
		next = encodeCursor(last.CreatedAt, last.SessionID)
		out = out[:limit]
	}
	return out, next, nil
}

func (s *usergraphStore) commitSession(sessionID, candidateID, eventID string) error {
	_, err := s.db.Exec(`UPDATE scheduling_sessions SET status = ?, committed_candidate_id = ?, committed_event_id = ? WHERE session_id = ?`,
		string(SessionCommitted), candidateID, eventID, sessionID)
	return err
}

func (s *usergraphStore) addCandidates(cands []Candidate) error {
	for _, c := range cands {
		if _, err := s.db.Exec(`INSERT INTO candidates (candidate_id, session_id, start_ts, end_ts, score, explanation, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, c.CandidateID, c.SessionID, c.Start, c.End, c.Score, c.Explanation, c.Status); err != nil {
			return err
		}
	}
	return nil
}

func (s *usergraphStore) listCandidates(sessionID string) ([]Candidate, error) {
	rows, err := s.db.Query(`SELECT candidate_id, session_id, start_ts, end_ts, score, explanation, status
		FROM candidates WHERE session_id = ? ORDER BY score DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.CandidateID, &c.SessionID, &c.Start, &c.End, &c.Score, &c.Explanation, &c.Status); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *usergraphStore) getCandidate(candidateID string) (*Candidate, error) {
	var c Candidate
	row := s.db.QueryRow(`SELECT candidate_id, session_id, start_ts, end_ts, score, explanation, status
		FROM candidates WHERE candidate_id = ?`, candidateID)
	if err := row.Scan(&c.CandidateID, &c.SessionID, &c.Start, &c.End, &c.Score, &c.Explanation, &c.Status); err != nil {
		if errors.Is(err, ugNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *usergraphStore) createHold(h *Hold) error {
	_, err := s.db.Exec(`INSERT INTO holds (hold_id, session_id, account_id, provider_event_id, expires_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`, h.HoldID, h.SessionID, h.AccountID, h.ProviderEventID, h.ExpiresAt, string(h.Status))
	return err
}

func (s *usergraphStore) listHolds(sessionID string) ([]Hold, error) {
	rows, err := s.db.Query(`SELECT hold_id, session_id, account_id, provider_event_id, expires_at, status
		FROM holds WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Hold
	for rows.Next() {
		var h Hold
		var status string
		if err := rows.Scan(&h.HoldID, &h.SessionID, &h.AccountID, &h.ProviderEventID, &h.ExpiresAt, &status); err != nil {
			return nil, err
		}
		h.Status = HoldStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *usergraphStore) setHoldStatus(holdID string, status HoldStatus) error {
	_, err := s.db.Exec(`UPDATE holds SET status = ? WHERE hold_id = ?`, string(status), holdID)
	return err
}

func (s *usergraphStore) listExpiredHolds(now time.Time) ([]Hold, error) {
	rows, err := s.db.Query(`SELECT hold_id, session_id, account_id, provider_event_id, expires_at, status
		FROM holds WHERE status = 'held' AND expires_at < ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Hold
	for rows.Next() {
		var h Hold
		var status string
		if err := rows.Scan(&h.HoldID, &h.SessionID, &h.AccountID, &h.ProviderEventID, &h.ExpiresAt, &status); err != nil {
			return nil, err
		}
		h.Status = HoldStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- constraints / VIP policies ---

func (s *usergraphStore) listConstraints(userID string) ([]Constraint, error) {
	rows, err := s.db.Query(`SELECT constraint_id, user_id, kind, config_json, active_from, active_to
		FROM constraints WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Constraint
	for rows.Next() {
		var c Constraint
		var kind string
		if err := rows.Scan(&c.ConstraintID, &c.UserID, &kind, &c.ConfigJSON, &c.ActiveFrom, &c.ActiveTo); err != nil {
			return nil, err
		}
		c.Kind = ConstraintKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *usergraphStore) addConstraint(c *Constraint) error {
	_, err := s.db.Exec(`INSERT INTO constraints (constraint_id, user_id, kind, config_json, active_from, active_to)
		VALUES (?, ?, ?, ?, ?, ?)`, c.ConstraintID, c.UserID, string(c.Kind), c.ConfigJSON, c.ActiveFrom, c.ActiveTo)
	return err
}

func (s *usergraphStore) removeConstraint(constraintID string) error {
	_, err := s.db.Exec(`DELETE FROM constraints WHERE constraint_id = ?`, constraintID)
	return err
}

func (s *usergraphStore) listVipPolicies(userID string) ([]VipPolicy, error) {
	rows, err := s.db.Query(`SELECT vip_id, user_id, participant_hash, display_name, priority_weight, conditions_json, created_at
		FROM vip_policies WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VipPolicy
	for rows.Next() {
		var v VipPolicy
		if err := rows.Scan(&v.VipID, &v.UserID, &v.ParticipantHash, &v.DisplayName, &v.PriorityWeight, &v.ConditionsJSON, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *usergraphStore) addVipPolicy(v *VipPolicy) error {
	_, err := s.db.Exec(`INSERT INTO vip_policies (vip_id, user_id, participant_hash, display_name, priority_weight, conditions_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, v.VipID, v.UserID, v.ParticipantHash, v.DisplayName, v.PriorityWeight, v.ConditionsJSON, v.CreatedAt)
	return err
}

func (s *usergraphStore) removeVipPolicy(vipID string) error {
	_, err := s.db.Exec(`DELETE FROM vip_policies WHERE vip_id = ?`, vipID)
	return err
}

// --- scheduling history ---

func (s *usergraphStore) recordHistory(h *SchedulingHistoryEntry) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO scheduling_history (session_id, participant_hash, got_preferred, scheduled_ts)
		VALUES (?, ?, ?, ?)`, h.SessionID, h.ParticipantHash, h.GotPreferred, h.ScheduledTs)
	return err
}

func (s *usergraphStore) historyAggregate(participantHash string) (*SchedulingHistoryAggregate, error) {
	var agg SchedulingHistoryAggregate
	agg.ParticipantHash = participantHash
	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(got_preferred), 0), MAX(scheduled_ts)
		FROM scheduling_history WHERE participant_hash = ?
	`, participantHash)
	var lastTs sql.NullTime
	if err := row.Scan(&agg.SessionsParticipated, &agg.SessionsPreferred, &lastTs); err != nil {
		return nil, err
	}
	if lastTs.Valid {
		agg.LastSessionTs = &lastTs.Time
	}
	return &agg, nil
}

// --- journal ---

func (s *usergraphStore) appendJournal(j *JournalEntry) error {
	_, err := s.db.Exec(`INSERT INTO journal (journal_id, canonical_event_id, ts, actor, change_type, patch_json, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, j.JournalID, j.CanonicalEventID, j.Ts, j.Actor, j.ChangeType, j.PatchJSON, j.Reason)
	return err
}

func (s *usergraphStore) listJournal(canonicalEventID string) ([]JournalEntry, error) {
	rows, err := s.db.Query(`SELECT journal_id, canonical_event_id, ts, actor, change_type, patch_json, reason
		FROM journal WHERE canonical_event_id = ? ORDER BY ts`, canonicalEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JournalEntry
	for rows.Next() {
		var j JournalEntry
		if err := rows.Scan(&j.JournalID, &j.CanonicalEventID, &j.Ts, &j.Actor, &j.ChangeType, &j.PatchJSON, &j.Reason); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// queryJournalPage is the paginated counterpart to listJournal behind the
// queryJournal RPC (spec.md §4.3.7): when canonicalEventID is empty it
// scans every journal entry belonging to userID's canonical events (joined
// through canonical_event_id, since journal rows carry no user_id column
// of their own), otherwise it scopes to one canonical event. Either way
// results page via a keyset cursor on (ts, journal_id).
func (s *usergraphStore) queryJournalPage(userID, canonicalEventID string, limit int, cursor string) ([]JournalEntry, string, error) {
	limit = clampLimit(limit)
	var query string
	args := []interface{}{}
	if canonicalEventID != "" {
		query = `SELECT journal_id, canonical_event_id, ts, actor, change_type, patch_json, reason
			FROM journal WHERE canonical_event_id = ?`
		args = append(args, canonicalEventID)
	} else {
		query = `SELECT j.journal_id, j.canonical_event_id, j.ts, j.actor, j.change_type, j.patch_json, j.reason
			FROM journal j JOIN canonical_events c ON c.canonical_event_id = j.canonical_event_id
			WHERE c.user_id = ?`
		args = append(args, userID)
	}
	if cursor != "" {
		cursorTs, cursorID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (ts > ? OR (ts = ? AND journal_id > ?))`
		args = append(args, cursorTs, cursorTs, cursorID)
	}
	query += ` ORDER BY ts, journal_id LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []JournalEntry
	for rows.Next() {
		var j JournalEntry
		if err := rows.Scan(&j.JournalID, &j.CanonicalEventID, &j.Ts, &j.Actor, &j.ChangeType, &j.PatchJSON, &j.Reason); err != nil {
			return nil, "", err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		last := out[limit-1]
		next = encodeCursor(last.Ts, last.JournalID)
		out = out[:limit]
	}
	return out, next, nil
}

// mirrorCounts reports mirror rows grouped by state, used by the metrics
// gauges.
func (s *usergraphStore) mirrorCounts() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM mirrors GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		out[state] = count
	}
	return out, rows.Err()
}

// sessionCounts reports scheduling session rows grouped by status, used by
// the metrics gauges.
func (s *usergraphStore) sessionCounts() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM scheduling_sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// canonicalEventCount reports the total number of canonical events, used by
// the metrics gauges.
func (s *usergraphStore) canonicalEventCount() (int64, error) {
	var count int64
	row := s.db.QueryRow(`SELECT COUNT(*) FROM canonical_events`)
	err := row.Scan(&count)
	return count, err
}

// userSyncHealth is the per-user aggregate behind the getSyncHealth RPC
// (spec.md §4.3.7) — counts over one user's canonical events, mirrors, and
// journal, not the per-account token-refresh health accountStore.getSyncHealth
// already exposes.
type userSyncHealth struct {
	TotalEvents         int64      `json:"total_events"`
	TotalMirrors        int64      `json:"total_mirrors"`
	TotalJournalEntries int64      `json:"total_journal_entries"`
	PendingMirrors      int64      `json:"pending_mirrors"`
	ErrorMirrors        int64      `json:"error_mirrors"`
	LastJournalTs       *time.Time `json:"last_journal_ts,omitempty"`
}

// getSyncHealth scopes the mirrorCounts/canonicalEventCount counting style
// to one user, joining mirrors and journal through canonical_events since
// neither table carries a user_id column of its own.
func (s *usergraphStore) getSyncHealth(userID string) (*userSyncHealth, error) {
	var h userSyncHealth
	row := s.db.QueryRow(`SELECT COUNT(*) FROM canonical_events WHERE user_id = ?`, userID)
	if err := row.Scan(&h.TotalEvents); err != nil {
		return nil, err
	}

	row = s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN m.state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN m.state = ? THEN 1 ELSE 0 END), 0)
		FROM mirrors m JOIN canonical_events c ON c.canonical_event_id = m.canonical_event_id
		WHERE c.user_id = ?
	`, string(MirrorPending), string(MirrorError), userID)
	if err := row.Scan(&h.TotalMirrors, &h.PendingMirrors, &h.ErrorMirrors); err != nil {
		return nil, err
	}

	var lastTs sql.NullTime
	row = s.db.QueryRow(`
		SELECT COUNT(*), MAX(j.ts)
		FROM journal j JOIN canonical_events c ON c.canonical_event_id = j.canonical_event_id
		WHERE c.user_id = ?
	`, userID)
	if err := row.Scan(&h.TotalJournalEntries, &lastTs); err != nil {
		return nil, err
	}
	if lastTs.Valid {
		h.LastJournalTs = &lastTs.Time
	}
	return &h, nil
}
