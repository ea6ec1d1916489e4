package domain

import "time"

// UserStatus is the lifecycle state of a platform user.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
)

// User is a platform operator identity. Users are created by invite
// acceptance or direct admin creation and are never hard-deleted while audit
// entries reference them; delete is terminal and blocked for self-accounts.
type User struct {
	ID           string
	Email        string // unique
	Name         string
	PasswordHash string // argon2 encoded; empty for SSO-only accounts
	Status       UserStatus

	MFAEnabled   *time.Time // when MFA was activated (nullable)
	MFASecretEnc []byte     // AES-GCM encrypted TOTP secret (nullable)

	// IPAllowlist mixes exact IPv4/IPv6 literals and CIDR blocks. Empty
	// means no restriction.
	IPAllowlist []string

	// SSOSubject binds this account to an external identity provider
	// subject (nullable).
	SSOSubject *string

	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active reports whether the account may authenticate.
func (u User) Active() bool { return u.Status == UserActive }

// MFAActive reports whether TOTP verification is required at login.
func (u User) MFAActive() bool { return u.MFAEnabled != nil && len(u.MFASecretEnc) > 0 }
