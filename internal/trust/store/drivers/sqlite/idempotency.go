package sqlite

import (
	"context"
	"time"
)

type idempotencyRepo struct {
	db dbtx
}

func (r *idempotencyRepo) GetIdempotentResponse(ctx context.Context, key, actorID string) (string, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT response FROM idempotency_keys WHERE key = ? AND actor_id = ?`,
		key, actorID)

	var response string
	if err := row.Scan(&response); err != nil {
		return "", mapNotFound(err)
	}
	return response, nil
}

func (r *idempotencyRepo) PutIdempotentResponse(ctx context.Context, key, actorID, response string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, actor_id, response, created_at)
		VALUES (?, ?, ?, ?)`,
		key, actorID, response, utc(now))
	return mapConflict(err)
}

func (r *idempotencyRepo) DeleteExpiredIdempotencyKeys(ctx context.Context, cutoff time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at <= ?`, utc(cutoff))
	return err
}
