package federation

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// AuditLevel represents the severity recorded in the audit trail.
type AuditLevel string

const (
	AuditLevelInfo  AuditLevel = "info"
	AuditLevelWarn  AuditLevel = "warn"
	AuditLevelError AuditLevel = "error"
)

// AuditLog is a cross-cutting structured audit record, distinct from the
// per-canonical-event journal (see JournalEntry in models.go). It covers
// security-relevant operations that are not tied to a single canonical
// event: account onboarding, key rotation, token revocation, account
// unlink.
type AuditLog struct {
	ID         int64
	Component  string
	Action     string
	Level      string
	Message    string
	Payload    string
	RequestID  string
	ActorID    *string
	OccurredAt time.Time
}

type AuditRepository interface {
	AppendAudit(entry *AuditLog) error
}

var (
	auditRepoMu sync.RWMutex
	auditRepo   AuditRepository
)

// SetAuditRepository installs the repository that will store audit events.
func SetAuditRepository(repo AuditRepository) {
	auditRepoMu.Lock()
	defer auditRepoMu.Unlock()
	auditRepo = repo
}

// RecordAudit persists a structured audit log and mirrors it to the
// structured logger. Never blocks the caller on a slow audit sink beyond the
// repository call itself; failures to append are logged, not propagated,
// since audit is observability, not a correctness-critical path.
func RecordAudit(ctx context.Context, level AuditLevel, component, action, message string, fields map[string]any) {
	auditRepoMu.RLock()
	repo := auditRepo
	auditRepoMu.RUnlock()
	if repo == nil {
		Logger().Debug("audit_disabled", "component", component, "action", action)
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, reqID := WithRequestID(ctx)
	payload := ""
	if len(fields) > 0 {
		if data, err := json.Marshal(fields); err == nil {
			payload = string(data)
		}
	}

	entry := &AuditLog{
		Component:  component,
		Action:     action,
		Level:      string(level),
		Message:    message,
		Payload:    payload,
		RequestID:  reqID,
		OccurredAt: time.Now(),
	}
	if actorID, ok := GetUserIDFromContext(ctx); ok {
		entry.ActorID = &actorID
	}
	if err := repo.AppendAudit(entry); err != nil {
		Logger().Warn("audit_append_failed", "err", err, "component", component, "action", action)
	}
	Logger().Info("audit", "component", component, "action", action, "level", level, "message", message, "request_id", reqID, "fields", fields)
}
