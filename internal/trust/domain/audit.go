package domain

import "time"

// AuditEntry is an append-only security event record. Sensitive values in
// Changes are redacted before persistence; once written an entry is never
// mutated.
type AuditEntry struct {
	ID             string
	PlatformUserID *string
	TenantID       *string
	Action         string // dotted, e.g. "impersonation.issued"
	Resource       string
	ResourceID     string
	Changes        map[string]any
	IPAddress      string
	UserAgent      string
	CreatedAt      time.Time
}

// AuditFilter narrows audit reads. Zero values mean "don't filter".
type AuditFilter struct {
	PlatformUserID string
	TenantID       string
	ActionContains string
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}
