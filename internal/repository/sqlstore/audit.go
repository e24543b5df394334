package sqlstore

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/sagaler1/v-chatbot/internal/models"
)

// AuditLogRepository handles audit log data access
type AuditLogRepository struct {
	db *sqlx.DB
}

// NewAuditLogRepository creates a new audit log repository
func NewAuditLogRepository(db *sqlx.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

// Log creates a new audit log entry
func (r *AuditLogRepository) Log(ctx context.Context, entry *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (
			id, user_id, action, resource_type, resource_id,
			ip_address, user_agent, metadata, status, created_at
		) VALUES (
			:id, :user_id, :action, :resource_type, :resource_id,
			:ip_address, :user_agent, :metadata, :status, :created_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return storeErr("audit log", err)
	}
	return nil
}

// GetByUserID lists audit logs for a specific user, newest first
func (r *AuditLogRepository) GetByUserID(ctx context.Context, userID string, limit int) ([]*models.AuditLog, error) {
	entries := []*models.AuditLog{}
	query := r.db.Rebind(`
		SELECT id, user_id, action, resource_type, resource_id,
		       ip_address, user_agent, metadata, status, created_at
		FROM audit_logs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`)
	if err := r.db.SelectContext(ctx, &entries, query, userID, limit); err != nil {
		return nil, storeErr("audit list", err)
	}
	return entries, nil
}
