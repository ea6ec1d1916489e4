package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
)

type sessionsRepo struct {
	db dbtx
}

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO platform_sessions (id, user_id, jti, expires_at, revoked_at, superseded_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.JTI, utc(s.ExpiresAt),
		mapOptionalTime(s.RevokedAt), mapOptionalTime(s.SupersededAt), utc(s.CreatedAt))
	return mapConflict(err)
}

func (r *sessionsRepo) GetSessionByJTI(ctx context.Context, jti string) (domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, jti, expires_at, revoked_at, superseded_at, created_at
		FROM platform_sessions WHERE jti = ?`, jti)

	var (
		s          domain.Session
		revoked    sql.NullTime
		superseded sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.JTI, &s.ExpiresAt, &revoked, &superseded, &s.CreatedAt); err != nil {
		return domain.Session{}, mapNotFound(err)
	}
	s.RevokedAt = mapNullTimePtr(revoked)
	s.SupersededAt = mapNullTimePtr(superseded)
	return s, nil
}

// SupersedeSession only succeeds while the row is still active. Two
// concurrent rotations of the same jti race on this statement and exactly one
// sees RowsAffected == 1.
func (r *sessionsRepo) SupersedeSession(ctx context.Context, jti string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE platform_sessions SET superseded_at = ?
		WHERE jti = ? AND revoked_at IS NULL AND superseded_at IS NULL AND expires_at > ?`,
		utc(now), jti, utc(now))
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *sessionsRepo) RevokeSession(ctx context.Context, jti string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE platform_sessions SET revoked_at = ?
		WHERE jti = ? AND revoked_at IS NULL`,
		utc(now), jti)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *sessionsRepo) RevokeAllUserSessions(ctx context.Context, userID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE platform_sessions SET revoked_at = ?
		WHERE user_id = ? AND revoked_at IS NULL`,
		utc(now), userID)
	return err
}

func (r *sessionsRepo) IsSessionActive(ctx context.Context, jti string, now time.Time) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM platform_sessions
		WHERE jti = ? AND revoked_at IS NULL AND superseded_at IS NULL AND expires_at > ?`,
		jti, utc(now))

	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM platform_sessions WHERE expires_at <= ?`, utc(now))
	return err
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
