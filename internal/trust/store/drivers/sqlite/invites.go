package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
)

type invitesRepo struct {
	db dbtx
}

func (r *invitesRepo) CreateInvite(ctx context.Context, inv domain.Invite) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invites (id, token_hash, email, role_id, created_by, expires_at, used_at, used_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.TokenHash, inv.Email, inv.RoleID, inv.CreatedBy,
		utc(inv.ExpiresAt), mapOptionalTime(inv.UsedAt), mapOptionalString(inv.UsedBy),
		utc(inv.CreatedAt))
	return mapConflict(err)
}

func (r *invitesRepo) GetActiveInviteByTokenHash(ctx context.Context, hash string, now time.Time) (domain.Invite, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, token_hash, email, role_id, created_by, expires_at, used_at, used_by, created_at
		FROM invites
		WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?`,
		hash, utc(now))

	var (
		inv    domain.Invite
		usedAt sql.NullTime
		usedBy sql.NullString
	)
	err := row.Scan(&inv.ID, &inv.TokenHash, &inv.Email, &inv.RoleID, &inv.CreatedBy,
		&inv.ExpiresAt, &usedAt, &usedBy, &inv.CreatedAt)
	if err != nil {
		return domain.Invite{}, mapNotFound(err)
	}
	inv.UsedAt = mapNullTimePtr(usedAt)
	inv.UsedBy = mapNullStringPtr(usedBy)
	return inv, nil
}

// MarkInviteUsed is conditional on the invite being unused; the second of two
// concurrent acceptances gets ErrNotFound.
func (r *invitesRepo) MarkInviteUsed(ctx context.Context, inviteID, usedBy string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE invites SET used_at = ?, used_by = ?
		WHERE id = ? AND used_at IS NULL`,
		utc(now), usedBy, inviteID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *invitesRepo) DeleteExpiredInvites(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM invites WHERE expires_at <= ? AND used_at IS NULL`, utc(now))
	return err
}
