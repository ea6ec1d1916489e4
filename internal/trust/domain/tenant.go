package domain

import "time"

// TenantStatus is the operational state of a tenant as the trust core sees
// it. Tenant business data lives elsewhere; the trust core only needs enough
// to gate impersonation.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantClosed    TenantStatus = "closed"
)

type Tenant struct {
	ID        string
	Name      string
	Status    TenantStatus
	CreatedAt time.Time
}

// Active reports whether impersonation grants may be issued against the
// tenant.
func (t Tenant) Active() bool { return t.Status == TenantActive }
