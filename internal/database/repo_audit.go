package database

import (
	"context"

	"github.com/uamrelay/relay/internal/models"
)

const auditLogColumns = `id, action, entity_kind, entity_id, actor, details, created_at`

// RecordAuditLog appends an administrative or system action to the
// append-only audit trail. No update or delete path exists for this entity.
func (db *DB) RecordAuditLog(ctx context.Context, q Querier, a *models.AuditLog) error {
	a.ID = models.NewULID()
	_, err := q.Exec(ctx, `INSERT INTO audit_logs (`+auditLogColumns+`) VALUES ($1,$2,$3,$4,$5,$6,now())`,
		a.ID, a.Action, a.EntityKind, a.EntityID, a.Actor, a.Details)
	return err
}

// ListAuditLogForEntity returns the audit trail for one entity, newest
// first, for the admin surface.
func (db *DB) ListAuditLogForEntity(ctx context.Context, q Querier, entityKind, entityID string, limit int) ([]*models.AuditLog, error) {
	rows, err := q.Query(ctx, `SELECT `+auditLogColumns+` FROM audit_logs
		WHERE entity_kind = $1 AND entity_id = $2 ORDER BY created_at DESC LIMIT $3`, entityKind, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.ID, &a.Action, &a.EntityKind, &a.EntityID, &a.Actor, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListRecentAuditLog returns the most recent audit rows relay-wide, for the
// admin dashboard.
func (db *DB) ListRecentAuditLog(ctx context.Context, q Querier, limit int) ([]*models.AuditLog, error) {
	rows, err := q.Query(ctx, `SELECT `+auditLogColumns+` FROM audit_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.ID, &a.Action, &a.EntityKind, &a.EntityID, &a.Actor, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
