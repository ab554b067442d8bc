// account_store.go
package federation

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// accountStore is the small embedded SQL store an AccountActor owns: the
// auth row (encrypted envelope + scopes), sync state, watch channel rows,
// MS subscription rows, calendar scope rows, and an encryption monitor row.
// Schema is applied lazily on first operation and is idempotent to re-apply
// across restarts, matching the teacher's storage.go migrate() pattern.
type accountStore struct {
	db *sql.DB
}

func newAccountStore(dsn string) (*accountStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &accountStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewAccountStore opens (creating and migrating if needed) the account
// store at dsn, exposed for cmd/server's startup wiring.
func NewAccountStore(dsn string) (*accountStore, error) {
	return newAccountStore(dsn)
}

func (s *accountStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	provider_subject TEXT NOT NULL,
	email TEXT NOT NULL,
	status TEXT NOT NULL,
	overlay_calendar_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);

CREATE TABLE IF NOT EXISTS account_auth (
	account_id TEXT PRIMARY KEY,
	iv TEXT NOT NULL,
	ciphertext TEXT NOT NULL,
	encrypted_dek TEXT NOT NULL,
	dek_iv TEXT NOT NULL,
	scopes TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS account_sync_state (
	account_id TEXT PRIMARY KEY,
	sync_token TEXT,
	last_success_ts DATETIME,
	last_sync_ts DATETIME,
	last_failure_reason TEXT
);

CREATE TABLE IF NOT EXISTS account_encryption_monitor (
	account_id TEXT PRIMARY KEY,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_success_ts DATETIME,
	last_failure_ts DATETIME,
	last_failure_error TEXT
);

CREATE TABLE IF NOT EXISTS watch_channels (
	channel_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	expiry DATETIME NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_watch_channels_account ON watch_channels(account_id);

CREATE TABLE IF NOT EXISTS ms_subscriptions (
	subscription_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	client_state TEXT NOT NULL,
	expiry DATETIME NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ms_subscriptions_account ON ms_subscriptions(account_id);

CREATE TABLE IF NOT EXISTS calendar_scopes (
	account_id TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (account_id, calendar_id)
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	component TEXT NOT NULL,
	action TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT,
	occurred_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_occurred ON audit_logs(occurred_at);
`
	_, err := s.db.Exec(schema)
	return err
}

// AppendAudit implements AuditRepository, persisting a structured audit
// record alongside this account store's other tables (key rotation, token
// revocation, and unlink are all account-scoped security events).
func (s *accountStore) AppendAudit(entry *AuditLog) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_logs (component, action, level, message, payload, request_id, actor_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Component, entry.Action, entry.Level, entry.Message, entry.Payload, entry.RequestID, entry.ActorID, entry.OccurredAt)
	return err
}

var errNoRows = sql.ErrNoRows

// --- account directory ---

func (s *accountStore) createAccount(acct *Account) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (account_id, user_id, provider, provider_subject, email, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, acct.AccountID, acct.UserID, string(acct.Provider), acct.ProviderSubject, acct.Email, string(acct.Status), acct.CreatedAt, acct.UpdatedAt)
	return err
}

func (s *accountStore) getAccount(accountID string) (*Account, error) {
	var acct Account
	var provider, status string
	row := s.db.QueryRow(`SELECT account_id, user_id, provider, provider_subject, email, status, created_at, updated_at FROM accounts WHERE account_id = ?`, accountID)
	if err := row.Scan(&acct.AccountID, &acct.UserID, &provider, &acct.ProviderSubject, &acct.Email, &status, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, errNoRows) {
			return nil, ErrAccountUnknown
		}
		return nil, err
	}
	acct.Provider = Provider(provider)
	acct.Status = AccountStatus(status)
	return &acct, nil
}

func (s *accountStore) listAccountsForUser(userID string) ([]Account, error) {
	rows, err := s.db.Query(`SELECT account_id, user_id, provider, provider_subject, email, status, created_at, updated_at FROM accounts WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		var acct Account
		var provider, status string
		if err := rows.Scan(&acct.AccountID, &acct.UserID, &provider, &acct.ProviderSubject, &acct.Email, &status, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		acct.Provider = Provider(provider)
		acct.Status = AccountStatus(status)
		out = append(out, acct)
	}
	return out, rows.Err()
}

// listAllAccountIDs returns every account known to this store, used by the
// reconcile and renewal workers' periodic sweeps.
func (s *accountStore) listAllAccountIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT account_id FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// listAllUserIDs returns every distinct user_id with at least one linked
// account, used to drive the hold-expiry sweep across user graphs.
func (s *accountStore) listAllUserIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// accountCounts returns the number of accounts grouped by provider and
// status, used by the metrics gauges.
func (s *accountStore) accountCounts() (map[string]map[string]int64, error) {
	rows, err := s.db.Query(`SELECT provider, status, COUNT(*) FROM accounts GROUP BY provider, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]map[string]int64{}
	for rows.Next() {
		var provider, status string
		var count int64
		if err := rows.Scan(&provider, &status, &count); err != nil {
			return nil, err
		}
		if out[provider] == nil {
			out[provider] = map[string]int64{}
		}
		out[provider][status] = count
	}
	return out, rows.Err()
}

func (s *accountStore) setAccountStatus(accountID string, status AccountStatus) error {
	_, err := s.db.Exec(`UPDATE accounts SET status = ?, updated_at = ? WHERE account_id = ?`, string(status), time.Now().UTC(), accountID)
	return err
}

func (s *accountStore) getOverlayCalendarID(accountID string) (string, error) {
	var id string
	row := s.db.QueryRow(`SELECT overlay_calendar_id FROM accounts WHERE account_id = ?`, accountID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, errNoRows) {
			return "", ErrAccountUnknown
		}
		return "", err
	}
	return id, nil
}

func (s *accountStore) setOverlayCalendarID(accountID, calendarID string) error {
	_, err := s.db.Exec(`UPDATE accounts SET overlay_calendar_id = ?, updated_at = ? WHERE account_id = ?`, calendarID, time.Now().UTC(), accountID)
	return err
}

// --- auth row ---

func (s *accountStore) putEnvelope(accountID string, env *Envelope, scopes string) error {
	_, err := s.db.Exec(`
		INSERT INTO account_auth (account_id, iv, ciphertext, encrypted_dek, dek_iv, scopes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			iv=excluded.iv, ciphertext=excluded.ciphertext,
			encrypted_dek=excluded.encrypted_dek, dek_iv=excluded.dek_iv,
			scopes=excluded.scopes, updated_at=excluded.updated_at
	`, accountID, env.IV, env.Ciphertext, env.EncryptedDek, env.DekIv, scopes, time.Now().UTC())
	return err
}

func (s *accountStore) getEnvelope(accountID string) (*Envelope, string, error) {
	var env Envelope
	var scopes string
	row := s.db.QueryRow(`SELECT iv, ciphertext, encrypted_dek, dek_iv, scopes FROM account_auth WHERE account_id = ?`, accountID)
	err := row.Scan(&env.IV, &env.Ciphertext, &env.EncryptedDek, &env.DekIv, &scopes)
	if errors.Is(err, errNoRows) {
		return nil, "", ErrNoTokens
	}
	if err != nil {
		return nil, "", err
	}
	return &env, scopes, nil
}

func (s *accountStore) deleteAuth(accountID string) error {
	_, err := s.db.Exec(`DELETE FROM account_auth WHERE account_id = ?`, accountID)
	return err
}

// --- sync state ---

func (s *accountStore) ensureSyncRow(accountID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO account_sync_state (account_id, sync_token) VALUES (?, NULL)`, accountID)
	return err
}

func (s *accountStore) getSyncToken(accountID string) (string, error) {
	var token sql.NullString
	row := s.db.QueryRow(`SELECT sync_token FROM account_sync_state WHERE account_id = ?`, accountID)
	if err := row.Scan(&token); err != nil {
		if errors.Is(err, errNoRows) {
			return "", nil
		}
		return "", err
	}
	return token.String, nil
}

func (s *accountStore) setSyncToken(accountID, token string) error {
	if err := s.ensureSyncRow(accountID); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE account_sync_state SET sync_token = ? WHERE account_id = ?`, token, accountID)
	return err
}

func (s *accountStore) markSyncSuccess(accountID string, ts time.Time) error {
	if err := s.ensureSyncRow(accountID); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE account_sync_state SET last_success_ts = ?, last_sync_ts = ? WHERE account_id = ?`, ts, ts, accountID)
	return err
}

func (s *accountStore) markSyncFailure(accountID, reason string) error {
	if err := s.ensureSyncRow(accountID); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE account_sync_state SET last_failure_reason = ?, last_sync_ts = ? WHERE account_id = ?`, reason, time.Now().UTC(), accountID)
	return err
}

type syncHealthRow struct {
	SyncToken         string
	LastSuccessTs     *time.Time
	LastSyncTs        *time.Time
	LastFailureReason string
}

func (s *accountStore) getSyncHealth(accountID string) (*syncHealthRow, error) {
	var h syncHealthRow
	var token, reason sql.NullString
	var success, synced sql.NullTime
	row := s.db.QueryRow(`SELECT sync_token, last_success_ts, last_sync_ts, last_failure_reason FROM account_sync_state WHERE account_id = ?`, accountID)
	if err := row.Scan(&token, &success, &synced, &reason); err != nil {
		if errors.Is(err, errNoRows) {
			return &h, nil
		}
		return nil, err
	}
	h.SyncToken = token.String
	h.LastFailureReason = reason.String
	if success.Valid {
		h.LastSuccessTs = &success.Time
	}
	if synced.Valid {
		h.LastSyncTs = &synced.Time
	}
	return &h, nil
}

// --- encryption monitor ---

func (s *accountStore) ensureMonitorRow(accountID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO account_encryption_monitor (account_id, failure_count) VALUES (?, 0)`, accountID)
	return err
}

func (s *accountStore) recordDecryptSuccess(accountID string) error {
	if err := s.ensureMonitorRow(accountID); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE account_encryption_monitor SET last_success_ts = ? WHERE account_id = ?`, time.Now().UTC(), accountID)
	return err
}

func (s *accountStore) recordDecryptFailure(accountID, errMsg string) error {
	if err := s.ensureMonitorRow(accountID); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE account_encryption_monitor
		SET failure_count = failure_count + 1, last_failure_ts = ?, last_failure_error = ?
		WHERE account_id = ?
	`, time.Now().UTC(), errMsg, accountID)
	return err
}

type encryptionHealthRow struct {
	FailureCount     int64
	LastSuccessTs    *time.Time
	LastFailureTs    *time.Time
	LastFailureError string
}

func (s *accountStore) getEncryptionHealth(accountID string) (*encryptionHealthRow, error) {
	var h encryptionHealthRow
	var lastErr sql.NullString
	var success, failure sql.NullTime
	row := s.db.QueryRow(`SELECT failure_count, last_success_ts, last_failure_ts, last_failure_error FROM account_encryption_monitor WHERE account_id = ?`, accountID)
	if err := row.Scan(&h.FailureCount, &success, &failure, &lastErr); err != nil {
		if errors.Is(err, errNoRows) {
			return &h, nil
		}
		return nil, err
	}
	h.LastFailureError = lastErr.String
	if success.Valid {
		h.LastSuccessTs = &success.Time
	}
	if failure.Valid {
		h.LastFailureTs = &failure.Time
	}
	return &h, nil
}

// --- watch channels ---

func (s *accountStore) putChannel(ch *WatchChannel) error {
	_, err := s.db.Exec(`
		INSERT INTO watch_channels (channel_id, account_id, calendar_id, resource_id, expiry, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET expiry=excluded.expiry, status=excluded.status, resource_id=excluded.resource_id
	`, ch.ChannelID, ch.AccountID, ch.CalendarID, ch.ResourceID, ch.Expiry, string(ch.Status), ch.CreatedAt)
	return err
}

func (s *accountStore) getChannel(channelID string) (*WatchChannel, error) {
	var ch WatchChannel
	var status string
	row := s.db.QueryRow(`SELECT channel_id, account_id, calendar_id, resource_id, expiry, status, created_at FROM watch_channels WHERE channel_id = ?`, channelID)
	if err := row.Scan(&ch.ChannelID, &ch.AccountID, &ch.CalendarID, &ch.ResourceID, &ch.Expiry, &status, &ch.CreatedAt); err != nil {
		if errors.Is(err, errNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}
	ch.Status = ChannelStatus(status)
	return &ch, nil
}

func (s *accountStore) listChannels(accountID string) ([]WatchChannel, error) {
	rows, err := s.db.Query(`SELECT channel_id, account_id, calendar_id, resource_id, expiry, status, created_at FROM watch_channels WHERE account_id = ? AND status = 'active'`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WatchChannel
	for rows.Next() {
		var ch WatchChannel
		var status string
		if err := rows.Scan(&ch.ChannelID, &ch.AccountID, &ch.CalendarID, &ch.ResourceID, &ch.Expiry, &status, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.Status = ChannelStatus(status)
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *accountStore) deleteChannelsForAccount(accountID string) error {
	_, err := s.db.Exec(`DELETE FROM watch_channels WHERE account_id = ?`, accountID)
	return err
}

// --- ms subscriptions ---

func (s *accountStore) putSubscription(sub *MsSubscription) error {
	_, err := s.db.Exec(`
		INSERT INTO ms_subscriptions (subscription_id, account_id, resource, client_state, expiry, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET expiry=excluded.expiry, status=excluded.status
	`, sub.SubscriptionID, sub.AccountID, sub.Resource, sub.ClientState, sub.Expiry, string(sub.Status), sub.CreatedAt)
	return err
}

func (s *accountStore) getSubscription(subscriptionID string) (*MsSubscription, error) {
	var sub MsSubscription
	var status string
	row := s.db.QueryRow(`SELECT subscription_id, account_id, resource, client_state, expiry, status, created_at FROM ms_subscriptions WHERE subscription_id = ?`, subscriptionID)
	if err := row.Scan(&sub.SubscriptionID, &sub.AccountID, &sub.Resource, &sub.ClientState, &sub.Expiry, &status, &sub.CreatedAt); err != nil {
		if errors.Is(err, errNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	sub.Status = ChannelStatus(status)
	return &sub, nil
}

// accountIDForChannel resolves the owning account of a watch channel id, used
// by the Google webhook handler which only receives the channel id, not the
// account it belongs to.
func (s *accountStore) accountIDForChannel(channelID string) (string, error) {
	var accountID string
	row := s.db.QueryRow(`SELECT account_id FROM watch_channels WHERE channel_id = ?`, channelID)
	if err := row.Scan(&accountID); err != nil {
		if errors.Is(err, errNoRows) {
			return "", ErrChannelNotFound
		}
		return "", err
	}
	return accountID, nil
}

// accountIDForSubscription is the Microsoft Graph counterpart to
// accountIDForChannel.
func (s *accountStore) accountIDForSubscription(subscriptionID string) (string, error) {
	var accountID string
	row := s.db.QueryRow(`SELECT account_id FROM ms_subscriptions WHERE subscription_id = ?`, subscriptionID)
	if err := row.Scan(&accountID); err != nil {
		if errors.Is(err, errNoRows) {
			return "", ErrSubscriptionNotFound
		}
		return "", err
	}
	return accountID, nil
}

func (s *accountStore) listSubscriptions(accountID string) ([]MsSubscription, error) {
	rows, err := s.db.Query(`SELECT subscription_id, account_id, resource, client_state, expiry, status, created_at FROM ms_subscriptions WHERE account_id = ? AND status = 'active'`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MsSubscription
	for rows.Next() {
		var sub MsSubscription
		var status string
		if err := rows.Scan(&sub.SubscriptionID, &sub.AccountID, &sub.Resource, &sub.ClientState, &sub.Expiry, &status, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Status = ChannelStatus(status)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *accountStore) deleteSubscription(subscriptionID string) error {
	_, err := s.db.Exec(`DELETE FROM ms_subscriptions WHERE subscription_id = ?`, subscriptionID)
	return err
}

func (s *accountStore) deleteSubscriptionsForAccount(accountID string) error {
	_, err := s.db.Exec(`DELETE FROM ms_subscriptions WHERE account_id = ?`, accountID)
	return err
}

// --- calendar scopes ---

func (s *accountStore) enableCalendarScope(accountID, calendarID string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO calendar_scopes (account_id, calendar_id, enabled) VALUES (?, ?, 1)`, accountID, calendarID)
	return err
}

func (s *accountStore) listEnabledScopes(accountID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT calendar_id FROM calendar_scopes WHERE account_id = ? AND enabled = 1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return []string{"primary"}, rows.Err()
	}
	return out, rows.Err()
}

func (s *accountStore) deleteScopesForAccount(accountID string) error {
	_, err := s.db.Exec(`DELETE FROM calendar_scopes WHERE account_id = ?`, accountID)
	return err
}
