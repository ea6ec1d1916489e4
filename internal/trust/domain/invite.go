package domain

import "time"

// Invite is a single-use, hashed invitation token that creates a platform
// user on acceptance.
type Invite struct {
	ID        string
	TokenHash string
	Email     string
	RoleID    string
	CreatedBy string
	ExpiresAt time.Time
	UsedAt    *time.Time
	UsedBy    *string
	CreatedAt time.Time
}
