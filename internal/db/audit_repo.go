package db

import (
	"context"

	"github.com/google/uuid"

	"expensio/internal/types"
)

// AuditLogRepository is the write path for the append-only audit_log table.
// Entries record every reconciliation action and every security-relevant
// rejection; they are immutable once written, so the repository exposes no
// update or delete operations.
type AuditLogRepository struct {
	db DBTX
}

// NewAuditLogRepository creates a new AuditLogRepository backed by the given
// database connection (pool or transaction).
func NewAuditLogRepository(db DBTX) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

// Append inserts one audit entry. A missing ID is filled with a fresh UUID;
// org_id is stored as NULL for system-wide entries (e.g. a security alert
// where no organization could be determined).
func (r *AuditLogRepository) Append(ctx context.Context, entry *types.AuditLogEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_log (id, org_id, action, detail, is_system, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		id,
		nilIfEmpty(entry.OrgID),
		entry.Action,
		entry.Detail,
		entry.IsSystem,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append audit entry", err)
	}
	return nil
}
