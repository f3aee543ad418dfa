// Package audit provides the append-only audit trail writer shared by the
// reconciliation handlers and the webhook transport layer.
package audit

import (
	"context"
	"log/slog"

	"expensio/internal/types"
)

// Appender is the persistence contract for audit entries, satisfied by
// db.AuditLogRepository.
type Appender interface {
	Append(ctx context.Context, entry *types.AuditLogEntry) error
}

// Logger writes audit entries and mirrors them to the structured log. Audit
// writes are best-effort relative to the action they describe: a failed
// append is logged loudly but never fails the webhook, since the state
// change it records has already been committed.
type Logger struct {
	appender Appender
	logger   *slog.Logger
}

// NewLogger creates an audit Logger.
func NewLogger(appender Appender, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{appender: appender, logger: logger}
}

// Action records a reconciliation action for an organization.
func (l *Logger) Action(ctx context.Context, orgID string, action types.AuditAction, detail types.AuditDetail) {
	l.append(ctx, &types.AuditLogEntry{
		OrgID:    orgID,
		Action:   action,
		Detail:   detail,
		IsSystem: true,
	})
}

// SecurityAlert records a security-relevant rejection: a failed signature,
// a replayed event, or an unresolvable external reference. orgID may be
// empty when no organization could be determined; the entry is then stored
// as a system-wide alert.
func (l *Logger) SecurityAlert(ctx context.Context, orgID string, detail types.AuditDetail) {
	l.logger.WarnContext(ctx, "security alert",
		slog.String("org_id", orgID),
		slog.Any("detail", map[string]any(detail)),
	)
	l.append(ctx, &types.AuditLogEntry{
		OrgID:    orgID,
		Action:   types.AuditSecurityAlert,
		Detail:   detail,
		IsSystem: true,
	})
}

func (l *Logger) append(ctx context.Context, entry *types.AuditLogEntry) {
	if err := l.appender.Append(ctx, entry); err != nil {
		l.logger.ErrorContext(ctx, "failed to append audit entry",
			slog.String("action", string(entry.Action)),
			slog.String("org_id", entry.OrgID),
			slog.Any("error", err),
		)
	}
}
