package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
)

type auditRepo struct {
	db dbtx
}

// AppendAuditEntry is the only write on audit_log. There is no update or
// delete statement anywhere in this package.
func (r *auditRepo) AppendAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return err
	}
	if e.Changes == nil {
		changes = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, platform_user_id, tenant_id, action, resource,
			resource_id, changes, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, mapOptionalString(e.PlatformUserID), mapOptionalString(e.TenantID),
		e.Action, e.Resource, e.ResourceID, string(changes), e.IPAddress,
		e.UserAgent, utc(e.CreatedAt))
	return mapConflict(err)
}

func (r *auditRepo) ListAuditEntries(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.PlatformUserID != "" {
		where = append(where, "platform_user_id = ?")
		args = append(args, f.PlatformUserID)
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.ActionContains != "" {
		where = append(where, "action LIKE ?")
		args = append(args, "%"+f.ActionContains+"%")
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, utc(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, utc(f.To))
	}

	query := `SELECT id, platform_user_id, tenant_id, action, resource,
		resource_id, changes, ip_address, user_agent, created_at
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	query, args = paginate(query, args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e        domain.AuditEntry
			userID   sql.NullString
			tenantID sql.NullString
			changes  string
		)
		err := rows.Scan(&e.ID, &userID, &tenantID, &e.Action, &e.Resource,
			&e.ResourceID, &changes, &e.IPAddress, &e.UserAgent, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		e.PlatformUserID = mapNullStringPtr(userID)
		e.TenantID = mapNullStringPtr(tenantID)
		if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
