package domain

import (
	"slices"
	"time"
)

// SuperAdminRole is the distinguished role that bypasses explicit permission
// checks entirely.
const SuperAdminRole = "super_admin"

// Permission codes used by the trust core itself. The full set is open-ended
// ("resource.action" strings); these are the ones this service checks.
const (
	PermImpersonationIssue  = "impersonation.issue"
	PermImpersonationRevoke = "impersonation.revoke"
	PermUsersManage         = "users.manage"
	PermAuditRead           = "audit.read"
)

// Role is a named bundle of permissions. Role<->Permission and User<->Role
// are both many-to-many; a user's effective permission set is the union over
// all assigned roles.
type Role struct {
	ID          string
	Name        string
	Permissions []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsSuperAdmin reports whether this is the distinguished bypass role.
func (r Role) IsSuperAdmin() bool { return r.Name == SuperAdminRole }

// Grants reports whether the role carries the permission code.
func (r Role) Grants(code string) bool {
	return r.IsSuperAdmin() || slices.Contains(r.Permissions, code)
}
