package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite today)
// implement this. Sub-repositories keep concerns tidy and let services
// depend on the slice they need.
type Store interface {
	Users() Users
	Roles() Roles
	Tenants() Tenants
	Sessions() Sessions
	Grants() Grants
	RecoveryCodes() RecoveryCodes
	Nonces() Nonces
	Invites() Invites
	Audit() Audit
	Idempotency() Idempotency

	ApplyMigrations() error

	// WithTx executes fn within a transaction: rolled back if fn errors,
	// committed otherwise. Multi-step state transitions (rotation, grant
	// issuance) go through here.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transaction-scoped Store.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	GetUserByID(ctx context.Context, id string) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	GetUserBySSOSubject(ctx context.Context, subject string) (domain.User, error)
	CreateUser(ctx context.Context, u domain.User) error

	UpdateStatus(ctx context.Context, userID string, status domain.UserStatus) error
	UpdateIPAllowlist(ctx context.Context, userID string, entries []string) error
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error

	// SetMFASecret stores the encrypted TOTP secret without activating MFA.
	SetMFASecret(ctx context.Context, userID string, secretEnc []byte) error
	// EnableMFA stamps mfa_enabled; DisableMFA clears secret and stamp.
	EnableMFA(ctx context.Context, userID string) error
	DisableMFA(ctx context.Context, userID string) error

	MarkEmailVerified(ctx context.Context, userID string) error

	// BindSSOSubject attaches an external identity-provider subject to an
	// existing account, so later SSO logins resolve directly by subject.
	BindSSOSubject(ctx context.Context, userID, subject string) error

	// DeleteUser is terminal. Callers enforce the self-delete guard.
	DeleteUser(ctx context.Context, userID string) error

	// Role membership (user<->role many-to-many).
	GetUserRoles(ctx context.Context, userID string) ([]domain.Role, error)
	AssignRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
}

type Roles interface {
	GetRoleByID(ctx context.Context, id string) (domain.Role, error)
	GetRoleByName(ctx context.Context, name string) (domain.Role, error)
	ListRoles(ctx context.Context) ([]domain.Role, error)
	CreateRole(ctx context.Context, r domain.Role) error
	SetRolePermissions(ctx context.Context, roleID string, permissions []string) error
}

type Tenants interface {
	GetTenantByID(ctx context.Context, id string) (domain.Tenant, error)
	CreateTenant(ctx context.Context, t domain.Tenant) error
	UpdateTenantStatus(ctx context.Context, id string, status domain.TenantStatus) error
}

type Sessions interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSessionByJTI(ctx context.Context, jti string) (domain.Session, error)

	// SupersedeSession is the rotation primitive: a single conditional
	// update that only succeeds while the session is still active.
	// Returns ErrNotFound when the jti is unknown, already superseded,
	// revoked, or expired - exactly one of two concurrent rotations wins.
	SupersedeSession(ctx context.Context, jti string, now time.Time) error

	RevokeSession(ctx context.Context, jti string, now time.Time) error
	RevokeAllUserSessions(ctx context.Context, userID string, now time.Time) error
	IsSessionActive(ctx context.Context, jti string, now time.Time) (bool, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) error
}

type Grants interface {
	CreateGrant(ctx context.Context, g domain.ImpersonationGrant) error
	GetGrantByID(ctx context.Context, id string) (domain.ImpersonationGrant, error)
	GetGrantByJTI(ctx context.Context, jti string) (domain.ImpersonationGrant, error)

	// IsGrantValid is the hot-path read backing validateGrant: true iff a
	// grant with this jti exists, is unrevoked and unexpired.
	IsGrantValid(ctx context.Context, jti string, now time.Time) (bool, error)

	// RevokeGrant conditionally stamps revoked_at; ErrNotFound when the
	// grant is missing or already revoked (callers disambiguate by
	// re-reading).
	RevokeGrant(ctx context.Context, id, revokedBy, reason string, now time.Time) error

	ListActiveGrants(ctx context.Context, f GrantFilter, now time.Time) ([]domain.ImpersonationGrant, error)
	ListGrantHistory(ctx context.Context, tenantID string, limit, offset int) ([]domain.ImpersonationGrant, error)
}

// GrantFilter narrows active-grant listings. Zero values mean "don't filter".
type GrantFilter struct {
	TenantID   string
	IssuedByID string
	Scope      string
	Limit      int
	Offset     int
}

type RecoveryCodes interface {
	// ReplaceRecoveryCodes swaps the full hashed set for a user.
	ReplaceRecoveryCodes(ctx context.Context, userID string, hashes []string) error

	// ConsumeRecoveryCode atomically deletes one matching hash. Returns
	// false when no code matched - including a second attempt with an
	// already-consumed code.
	ConsumeRecoveryCode(ctx context.Context, userID, hash string) (bool, error)

	CountRecoveryCodes(ctx context.Context, userID string) (int, error)
	DeleteAllRecoveryCodes(ctx context.Context, userID string) error
}

type Nonces interface {
	// CreateNonce stores a hashed one-time value (OIDC nonce or state).
	CreateNonce(ctx context.Context, hash, provider string, expiresAt time.Time) error

	// ConsumeNonce atomically deletes an unexpired nonce. Returns false on
	// replay or expiry.
	ConsumeNonce(ctx context.Context, hash string, now time.Time) (bool, error)

	DeleteExpiredNonces(ctx context.Context, now time.Time) error
}

type Invites interface {
	CreateInvite(ctx context.Context, inv domain.Invite) error
	GetActiveInviteByTokenHash(ctx context.Context, hash string, now time.Time) (domain.Invite, error)

	// MarkInviteUsed is conditional on the invite being unused, so a
	// second acceptance is a distinguishable conflict, not a no-op.
	MarkInviteUsed(ctx context.Context, inviteID, usedBy string, now time.Time) error

	DeleteExpiredInvites(ctx context.Context, now time.Time) error
}

type Audit interface {
	// AppendAuditEntry writes one entry. There is deliberately no update
	// or delete on this interface.
	AppendAuditEntry(ctx context.Context, e domain.AuditEntry) error
	ListAuditEntries(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error)
}

type Idempotency interface {
	// GetIdempotentResponse returns the stored response body for a
	// (key, actor) pair, or ErrNotFound.
	GetIdempotentResponse(ctx context.Context, key, actorID string) (string, error)
	PutIdempotentResponse(ctx context.Context, key, actorID, response string, now time.Time) error
	DeleteExpiredIdempotencyKeys(ctx context.Context, cutoff time.Time) error
}
