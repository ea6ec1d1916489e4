package domain

import "time"

// Event names emitted to the external bus. Payloads carry identifiers only -
// no PII and never the impersonation reason (that lives in the audit log).
const (
	EventImpersonationIssued  = "impersonation.issued"
	EventImpersonationRevoked = "impersonation.revoked"
	EventUserRoleChanged      = "user.role_changed"
	EventUserInvited          = "user.invited"
)

// Event is a fire-and-forget, at-least-once domain event.
type Event struct {
	Name       string
	OccurredAt time.Time
	Payload    map[string]string
}
