package domain

import (
	"errors"
	"time"
)

// ImpersonationScope is a closed enumeration of delegated-access levels. New
// scopes require a matching entry in RoleForScope; there is deliberately no
// default mapping.
type ImpersonationScope string

const (
	ScopeReadOnly        ImpersonationScope = "read_only"
	ScopeBillingSupport  ImpersonationScope = "billing_support"
	ScopeFullTenantAdmin ImpersonationScope = "full_tenant_admin"
)

// TenantRole is the tenant-side role an impersonation scope maps onto.
type TenantRole string

const (
	TenantRoleViewer TenantRole = "viewer"
	TenantRoleEditor TenantRole = "editor"
	TenantRoleAdmin  TenantRole = "admin"
)

var ErrInvalidScope = errors.New("invalid_scope")

// ParseScope validates a raw scope string against the closed enumeration.
func ParseScope(raw string) (ImpersonationScope, error) {
	switch ImpersonationScope(raw) {
	case ScopeReadOnly, ScopeBillingSupport, ScopeFullTenantAdmin:
		return ImpersonationScope(raw), nil
	default:
		return "", ErrInvalidScope
	}
}

// RoleForScope maps a scope to the tenant role it confers. The mapping is
// total over the three scopes and fails closed on anything else - an
// unrecognized scope must never fall through to a default role.
func RoleForScope(scope ImpersonationScope) (TenantRole, error) {
	switch scope {
	case ScopeReadOnly:
		return TenantRoleViewer, nil
	case ScopeBillingSupport:
		return TenantRoleEditor, nil
	case ScopeFullTenantAdmin:
		return TenantRoleAdmin, nil
	default:
		return "", ErrInvalidScope
	}
}

// ImpersonationGrant is a delegated-authority record issued by a platform
// user against a tenant. Scope is immutable after creation. Validity is
// evaluated independently of the issuer's current state: disabling the
// issuer does not auto-revoke prior grants.
type ImpersonationGrant struct {
	ID           string
	IssuedByID   string
	TenantID     string
	Scope        ImpersonationScope
	Reason       string // required, free text; kept out of event payloads
	JTI          string // unique, ties the record to the signed token
	ExpiresAt    time.Time
	RevokedAt    *time.Time
	RevokedByID  *string
	RevokeReason *string
	CreatedAt    time.Time
}

// Valid reports whether the grant is unrevoked and unexpired. Both Expired
// and Revoked are terminal; only Revoked is distinguishable via RevokedAt.
func (g ImpersonationGrant) Valid(now time.Time) bool {
	return g.RevokedAt == nil && now.Before(g.ExpiresAt)
}
