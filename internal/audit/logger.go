// Package audit records security-relevant session events to the audit_logs table and mirrors them
// to the telemetry sink.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tracklist-api/backend/internal/audit/domain"
	auditrepo "tracklist-api/backend/internal/audit/repository"
	"tracklist-api/backend/internal/telemetry"
)

// Actions written by the session service.
const (
	ActionLoginSuccess    = "login_success"
	ActionLoginFailure    = "login_failure"
	ActionLogout          = "logout"
	ActionLogoutAll       = "logout_all"
	ActionTokenRefreshed  = "token_refreshed"
	ActionRefreshRejected = "refresh_rejected"
	ActionReplayDetected  = "refresh_replay_detected"
	ActionSessionDenied   = "session_denied"
)

// AuditLogger writes a single audit event. Used by the session service.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, userID, action, ip string, metadata map[string]string)
}

// Logger implements AuditLogger using the audit repository and an optional telemetry emitter.
type Logger struct {
	repo    auditrepo.Repository
	emitter telemetry.EventEmitter
	log     *slog.Logger
}

// NewLogger returns an AuditLogger that persists to repo and mirrors each entry to emitter.
// Either may be nil. log defaults to slog.Default().
func NewLogger(repo auditrepo.Repository, emitter telemetry.EventEmitter, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{repo: repo, emitter: emitter, log: log}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, userID, action, ip string, metadata map[string]string) {
	if ip == "" {
		ip = "unknown"
	}
	meta := "{}"
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}
	entry := &domain.Entry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Action:    action,
		IP:        ip,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	if l.repo != nil {
		if err := l.repo.Create(ctx, entry); err != nil {
			l.log.WarnContext(ctx, "audit: failed to log event", "action", action, "user_id", userID, "error", err)
		}
	}
	telemetry.EmitAsync(ctx, l.emitter, &telemetry.Event{
		Type:       action,
		Source:     "audit",
		UserID:     userID,
		Attributes: map[string]string{"ip": ip, "audit_id": entry.ID},
		Metadata:   []byte(meta),
		CreatedAt:  entry.CreatedAt,
	})
}
