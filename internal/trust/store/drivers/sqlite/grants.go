package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
)

type grantsRepo struct {
	db dbtx
}

const grantColumns = `id, issued_by, tenant_id, scope, reason, jti, expires_at,
	revoked_at, revoked_by, revoke_reason, created_at`

func (r *grantsRepo) CreateGrant(ctx context.Context, g domain.ImpersonationGrant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO impersonation_grants (
			id, issued_by, tenant_id, scope, reason, jti, expires_at,
			revoked_at, revoked_by, revoke_reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.IssuedByID, g.TenantID, string(g.Scope), g.Reason, g.JTI,
		utc(g.ExpiresAt), mapOptionalTime(g.RevokedAt), mapOptionalString(g.RevokedByID),
		mapOptionalString(g.RevokeReason), utc(g.CreatedAt))
	return mapConflict(err)
}

func (r *grantsRepo) GetGrantByID(ctx context.Context, id string) (domain.ImpersonationGrant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM impersonation_grants WHERE id = ?`, id)
	return scanGrant(row)
}

func (r *grantsRepo) GetGrantByJTI(ctx context.Context, jti string) (domain.ImpersonationGrant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM impersonation_grants WHERE jti = ?`, jti)
	return scanGrant(row)
}

func (r *grantsRepo) IsGrantValid(ctx context.Context, jti string, now time.Time) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM impersonation_grants
		WHERE jti = ? AND revoked_at IS NULL AND expires_at > ?`,
		jti, utc(now))

	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// RevokeGrant is conditional on the grant being unrevoked; the losing side of
// a revoke/revoke race gets ErrNotFound and re-reads to see who won.
func (r *grantsRepo) RevokeGrant(ctx context.Context, id, revokedBy, reason string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE impersonation_grants SET revoked_at = ?, revoked_by = ?, revoke_reason = ?
		WHERE id = ? AND revoked_at IS NULL`,
		utc(now), revokedBy, reason, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *grantsRepo) ListActiveGrants(ctx context.Context, f store.GrantFilter, now time.Time) ([]domain.ImpersonationGrant, error) {
	var (
		where = []string{"revoked_at IS NULL", "expires_at > ?"}
		args  = []any{utc(now)}
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.IssuedByID != "" {
		where = append(where, "issued_by = ?")
		args = append(args, f.IssuedByID)
	}
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, f.Scope)
	}

	query := `SELECT ` + grantColumns + ` FROM impersonation_grants WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	query, args = paginate(query, args, f.Limit, f.Offset)

	return r.listGrants(ctx, query, args...)
}

func (r *grantsRepo) ListGrantHistory(ctx context.Context, tenantID string, limit, offset int) ([]domain.ImpersonationGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM impersonation_grants
		WHERE tenant_id = ? ORDER BY created_at DESC`
	args := []any{tenantID}
	query, args = paginate(query, args, limit, offset)

	return r.listGrants(ctx, query, args...)
}

func (r *grantsRepo) listGrants(ctx context.Context, query string, args ...any) ([]domain.ImpersonationGrant, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []domain.ImpersonationGrant
	for rows.Next() {
		g, err := scanGrantRows(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return query, args
}

func scanGrant(row *sql.Row) (domain.ImpersonationGrant, error) {
	var (
		g            domain.ImpersonationGrant
		scope        string
		revokedAt    sql.NullTime
		revokedBy    sql.NullString
		revokeReason sql.NullString
	)
	err := row.Scan(&g.ID, &g.IssuedByID, &g.TenantID, &scope, &g.Reason, &g.JTI,
		&g.ExpiresAt, &revokedAt, &revokedBy, &revokeReason, &g.CreatedAt)
	if err != nil {
		return domain.ImpersonationGrant{}, mapNotFound(err)
	}
	g.Scope = domain.ImpersonationScope(scope)
	g.RevokedAt = mapNullTimePtr(revokedAt)
	g.RevokedByID = mapNullStringPtr(revokedBy)
	g.RevokeReason = mapNullStringPtr(revokeReason)
	return g, nil
}

func scanGrantRows(rows *sql.Rows) (domain.ImpersonationGrant, error) {
	var (
		g            domain.ImpersonationGrant
		scope        string
		revokedAt    sql.NullTime
		revokedBy    sql.NullString
		revokeReason sql.NullString
	)
	err := rows.Scan(&g.ID, &g.IssuedByID, &g.TenantID, &scope, &g.Reason, &g.JTI,
		&g.ExpiresAt, &revokedAt, &revokedBy, &revokeReason, &g.CreatedAt)
	if err != nil {
		return domain.ImpersonationGrant{}, err
	}
	g.Scope = domain.ImpersonationScope(scope)
	g.RevokedAt = mapNullTimePtr(revokedAt)
	g.RevokedByID = mapNullStringPtr(revokedBy)
	g.RevokeReason = mapNullStringPtr(revokeReason)
	return g, nil
}
