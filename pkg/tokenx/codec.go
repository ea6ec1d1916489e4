// Package tokenx signs and verifies the three token kinds the trust core
// issues: platform access, platform refresh, and impersonation grants.
//
// Access and refresh tokens share a signing secret but carry different
// audiences; impersonation tokens use a separate secret entirely, so a leaked
// session secret cannot forge delegated-authority tokens and vice versa.
package tokenx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind selects the token class being issued or verified.
type Kind int

const (
	KindAccess Kind = iota
	KindRefresh
	KindImpersonation
)

// Audience values per kind. Verification requires an exact audience match so
// a refresh token can never pass an access-token check.
const (
	AudiencePlatform = "platform"
	AudienceRefresh  = "platform:refresh"
	AudienceTenant   = "tenant"
)

var (
	ErrMalformed         = errors.New("tokenx: malformed token")
	ErrInvalidSig        = errors.New("tokenx: invalid signature")
	ErrIssuer            = errors.New("tokenx: issuer mismatch")
	ErrAudience          = errors.New("tokenx: audience mismatch")
	ErrExpired           = errors.New("tokenx: token expired")
	ErrNotYetValid       = errors.New("tokenx: token not yet valid")
	ErrMissingIdentifier = errors.New("tokenx: missing jti")
	ErrUnknownKind       = errors.New("tokenx: unknown token kind")
)

// Codec signs and verifies tokens with per-kind HMAC secrets. Configure it
// once at startup and inject it; there is no package-level codec state.
type Codec struct {
	Issuer string

	// SessionSecret signs access and refresh tokens.
	SessionSecret []byte

	// ImpersonationSecret signs impersonation grant tokens.
	ImpersonationSecret []byte

	// Leeway tolerates small clock skew when validating exp/nbf.
	Leeway time.Duration
}

func (c *Codec) secretFor(kind Kind) ([]byte, error) {
	switch kind {
	case KindAccess, KindRefresh:
		return c.SessionSecret, nil
	case KindImpersonation:
		return c.ImpersonationSecret, nil
	default:
		return nil, ErrUnknownKind
	}
}

// AudienceFor returns the audience claim value enforced for a kind.
func AudienceFor(kind Kind) (string, error) {
	switch kind {
	case KindAccess:
		return AudiencePlatform, nil
	case KindRefresh:
		return AudienceRefresh, nil
	case KindImpersonation:
		return AudienceTenant, nil
	default:
		return "", ErrUnknownKind
	}
}

// Issue signs claims as the given kind with the given lifetime. The issuer,
// audience, iat/nbf/exp and (if absent) jti are filled in here; callers only
// provide subject plus kind-specific fields.
func (c *Codec) Issue(kind Kind, claims Claims, ttl time.Duration, now time.Time) (string, error) {
	secret, err := c.secretFor(kind)
	if err != nil {
		return "", err
	}
	aud, err := AudienceFor(kind)
	if err != nil {
		return "", err
	}
	if len(secret) == 0 {
		return "", fmt.Errorf("tokenx: no signing secret configured for kind %d", kind)
	}

	claims.Issuer = c.Issuer
	claims.Audience = jwt.ClaimStrings{aud}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.ID == "" {
		claims.ID = NewJTI()
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify checks signature, issuer, audience and expiry for the given kind in
// one pass and returns the claims. Impersonation tokens must carry a jti: a
// signature-valid token without a revocation handle is unusable and fails
// with ErrMissingIdentifier.
func (c *Codec) Verify(token string, kind Kind) (Claims, error) {
	secret, err := c.secretFor(kind)
	if err != nil {
		return Claims{}, err
	}
	aud, err := AudienceFor(kind)
	if err != nil {
		return Claims{}, err
	}

	// Claims validation is done explicitly below so the checks stay visible
	// and testable rather than relying on library defaults.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var claims Claims
	_, err = parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, ErrInvalidSig
		default:
			return Claims{}, ErrMalformed
		}
	}

	if err := claims.validateIssuer(c.Issuer); err != nil {
		return Claims{}, err
	}
	if err := claims.validateAudience(aud); err != nil {
		return Claims{}, err
	}
	if err := claims.validateExpiry(time.Now().UTC(), c.Leeway); err != nil {
		return Claims{}, err
	}

	if kind == KindImpersonation && claims.ID == "" {
		return Claims{}, ErrMissingIdentifier
	}

	return claims, nil
}

// SubjectHint extracts the unverified subject claim from a token. It is used
// only to key rate limiters before verification; never trust it for
// authorization.
func SubjectHint(token string) string {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
