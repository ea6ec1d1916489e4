package domain

import "time"

// Session is one live refresh-token lineage. Rotation inserts a new row and
// marks the old one superseded, so a replayed refresh token resolves to a
// dead row instead of silently succeeding.
type Session struct {
	ID           string
	UserID       string
	JTI          string // opaque, unique
	ExpiresAt    time.Time
	RevokedAt    *time.Time
	SupersededAt *time.Time
	CreatedAt    time.Time
}

// Active reports whether the session can still be rotated: not revoked, not
// superseded, not expired.
func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.SupersededAt == nil && now.Before(s.ExpiresAt)
}
