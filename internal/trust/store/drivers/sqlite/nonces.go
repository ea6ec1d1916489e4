package sqlite

import (
	"context"
	"time"
)

type noncesRepo struct {
	db dbtx
}

func (r *noncesRepo) CreateNonce(ctx context.Context, hash, provider string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO one_time_nonces (hash, provider, expires_at) VALUES (?, ?, ?)`,
		hash, provider, utc(expiresAt))
	return mapConflict(err)
}

// ConsumeNonce deletes the row only while unexpired, so a replayed or stale
// callback reports false.
func (r *noncesRepo) ConsumeNonce(ctx context.Context, hash string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM one_time_nonces WHERE hash = ? AND expires_at > ?`,
		hash, utc(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *noncesRepo) DeleteExpiredNonces(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM one_time_nonces WHERE expires_at <= ?`, utc(now))
	return err
}
