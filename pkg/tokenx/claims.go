package tokenx

import (
	"crypto/rand"
	"encoding/base64"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token lifetimes. Impersonation tokens are deliberately short since
// they carry delegated authority over a tenant.
const (
	DefaultAccessTTL        = 8 * time.Hour
	DefaultRefreshTTL       = 7 * 24 * time.Hour
	DefaultImpersonationTTL = 2 * time.Hour
)

// AMR (authentication method reference) values carried in access tokens.
const (
	AMRPassword = "pwd"
	AMRMFA      = "mfa"
	AMRRecovery = "recovery"
	AMRRefresh  = "refresh"
	AMRExternal = "ext" // OIDC provider login
)

// Claims are the token claims shared by all three token kinds. Impersonation
// tokens additionally populate TenantID, GrantID and Scope.
type Claims struct {
	jwt.RegisteredClaims

	// TenantID the impersonation grant targets.
	TenantID string `json:"tid,omitempty"`

	// GrantID ties the token to its ImpersonationGrant record.
	GrantID string `json:"grant_id,omitempty"`

	// Scope is the impersonation scope string ("read_only", ...).
	Scope string `json:"scope,omitempty"`

	// AMR records how the subject authenticated ["pwd","mfa"]. Used by the
	// fresh-MFA gate on sensitive operations.
	AMR []string `json:"amr,omitempty"`

	// AuthTime is when the subject last completed an interactive
	// authentication (password or MFA step-up). Refreshes preserve it.
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`

	// Email of the platform user, informational only.
	Email string `json:"email,omitempty"`
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

func (c *Claims) validateIssuer(expected string) error {
	if expected != "" && c.Issuer != expected {
		return ErrIssuer
	}
	return nil
}

func (c *Claims) validateAudience(expected string) error {
	if expected == "" {
		return nil
	}
	if !slices.Contains(c.Audience, expected) {
		return ErrAudience
	}
	return nil
}

func (c *Claims) validateExpiry(now time.Time, leeway time.Duration) error {
	if c.ExpiresAt == nil {
		return ErrExpired // tokens without exp are never acceptable here
	}
	if now.After(c.ExpiresAt.Add(leeway)) {
		return ErrExpired
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Add(-leeway)) {
		return ErrNotYetValid
	}
	return nil
}

// HasAMR reports whether the given method is present in the AMR list.
func (c *Claims) HasAMR(method string) bool {
	return slices.Contains(c.AMR, method)
}
