package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
)

type usersRepo struct {
	db dbtx
}

const userColumns = `id, email, name, password_hash, status, mfa_enabled,
	mfa_secret_enc, ip_allowlist, sso_subject, email_verified_at, created_at, updated_at`

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM platform_users WHERE id = ?`, id)
	return scanUser(row)
}

func (r *usersRepo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM platform_users WHERE email = ?`, email)
	return scanUser(row)
}

func (r *usersRepo) GetUserBySSOSubject(ctx context.Context, subject string) (domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM platform_users WHERE sso_subject = ?`, subject)
	return scanUser(row)
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO platform_users (
			id, email, name, password_hash, status, mfa_enabled, mfa_secret_enc,
			ip_allowlist, sso_subject, email_verified_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, mapStringNull(u.PasswordHash), string(u.Status),
		mapOptionalTime(u.MFAEnabled), u.MFASecretEnc, joinList(u.IPAllowlist),
		mapOptionalString(u.SSOSubject), mapOptionalTime(u.EmailVerifiedAt),
		utc(u.CreatedAt), utc(u.UpdatedAt))
	return mapConflict(err)
}

func (r *usersRepo) UpdateStatus(ctx context.Context, userID string, status domain.UserStatus) error {
	return r.touch(ctx,
		`UPDATE platform_users SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), utc(time.Now()), userID)
}

func (r *usersRepo) UpdateIPAllowlist(ctx context.Context, userID string, entries []string) error {
	return r.touch(ctx,
		`UPDATE platform_users SET ip_allowlist = ?, updated_at = ? WHERE id = ?`,
		joinList(entries), utc(time.Now()), userID)
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	return r.touch(ctx,
		`UPDATE platform_users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		newHash, utc(time.Now()), userID)
}

func (r *usersRepo) SetMFASecret(ctx context.Context, userID string, secretEnc []byte) error {
	return r.touch(ctx,
		`UPDATE platform_users SET mfa_secret_enc = ?, updated_at = ? WHERE id = ?`,
		secretEnc, utc(time.Now()), userID)
}

func (r *usersRepo) EnableMFA(ctx context.Context, userID string) error {
	now := utc(time.Now())
	return r.touch(ctx,
		`UPDATE platform_users SET mfa_enabled = ?, updated_at = ? WHERE id = ? AND mfa_secret_enc IS NOT NULL`,
		now, now, userID)
}

func (r *usersRepo) DisableMFA(ctx context.Context, userID string) error {
	return r.touch(ctx,
		`UPDATE platform_users SET mfa_enabled = NULL, mfa_secret_enc = NULL, updated_at = ? WHERE id = ?`,
		utc(time.Now()), userID)
}

func (r *usersRepo) BindSSOSubject(ctx context.Context, userID, subject string) error {
	return r.touch(ctx,
		`UPDATE platform_users SET sso_subject = ?, updated_at = ? WHERE id = ?`,
		subject, utc(time.Now()), userID)
}

func (r *usersRepo) MarkEmailVerified(ctx context.Context, userID string) error {
	now := utc(time.Now())
	return r.touch(ctx,
		`UPDATE platform_users SET email_verified_at = ?, updated_at = ? WHERE id = ?`,
		now, now, userID)
}

func (r *usersRepo) DeleteUser(ctx context.Context, userID string) error {
	return r.touch(ctx, `DELETE FROM platform_users WHERE id = ?`, userID)
}

func (r *usersRepo) GetUserRoles(ctx context.Context, userID string) ([]domain.Role, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.created_at, r.updated_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = ?
		ORDER BY r.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		perms, err := rolePermissions(ctx, r.db, role.ID)
		if err != nil {
			return nil, err
		}
		role.Permissions = perms
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *usersRepo) AssignRole(ctx context.Context, userID, roleID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_roles (user_id, role_id) VALUES (?, ?)`,
		userID, roleID)
	return err
}

func (r *usersRepo) RemoveRole(ctx context.Context, userID, roleID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = ? AND role_id = ?`,
		userID, roleID)
	return err
}

// touch runs a write that must affect exactly one row, mapping a miss to
// store.ErrNotFound.
func (r *usersRepo) touch(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (domain.User, error) {
	var (
		u            domain.User
		passwordHash sql.NullString
		status       string
		mfaEnabled   sql.NullTime
		allowlist    string
		ssoSubject   sql.NullString
		verifiedAt   sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &passwordHash, &status, &mfaEnabled,
		&u.MFASecretEnc, &allowlist, &ssoSubject, &verifiedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	if passwordHash.Valid {
		u.PasswordHash = passwordHash.String
	}
	u.Status = domain.UserStatus(status)
	u.MFAEnabled = mapNullTimePtr(mfaEnabled)
	u.IPAllowlist = splitList(allowlist)
	u.SSOSubject = mapNullStringPtr(ssoSubject)
	u.EmailVerifiedAt = mapNullTimePtr(verifiedAt)
	return u, nil
}
