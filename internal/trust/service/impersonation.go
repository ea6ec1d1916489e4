package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/events"
	"github.com/aussiebroadwan/trustcore/internal/trust/obs"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/idx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTenantNotFound      = errors.New("tenant_not_found")
	ErrTenantInactive      = errors.New("tenant_inactive")
	ErrReasonRequired      = errors.New("reason_required")
	ErrGrantNotFound       = errors.New("grant_not_found")
	ErrGrantAlreadyRevoked = errors.New("grant_already_revoked")
	ErrInvalidGrantToken   = errors.New("invalid_grant_token")
)

// ImpersonationService issues, revokes and validates delegated-access grants
// against tenants. Every grant is backed by a database row keyed by the
// token's jti, so revocation takes effect on the next validation regardless
// of the token's remaining lifetime.
type ImpersonationService struct {
	Store   store.Store
	Codec   *tokenx.Codec
	Policy  *PolicyService
	MFA     *MFAService
	Audit   *AuditService
	Bus     *events.Bus
	Metrics *obs.Metrics

	// MaxTTL caps requested grant durations. Defaults to the impersonation
	// token default (2h).
	MaxTTL time.Duration
}

func (s *ImpersonationService) maxTTL() time.Duration {
	if s.MaxTTL > 0 {
		return s.MaxTTL
	}
	return tokenx.DefaultImpersonationTTL
}

// IssueInput is one grant request. DurationMinutes of zero means "maximum".
type IssueInput struct {
	ActorClaims     tokenx.Claims
	TenantID        string
	Scope           string
	Reason          string
	DurationMinutes int
	IdempotencyKey  string
	IPAddress       string
	UserAgent       string
}

// IssueResult is the signed token plus the grant record it is bound to.
type IssueResult struct {
	Token     string                    `json:"token"`
	GrantID   string                    `json:"grant_id"`
	TenantID  string                    `json:"tenant_id"`
	Scope     domain.ImpersonationScope `json:"scope"`
	Role      domain.TenantRole         `json:"role"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

// Issue creates an impersonation grant. The actor must hold the issue
// permission and a fresh MFA on their session; the tenant must be active and
// the reason non-empty. Replays with the same idempotency key return the
// originally issued result instead of minting a second grant.
func (s *ImpersonationService) Issue(ctx context.Context, in IssueInput) (*IssueResult, error) {
	now := time.Now()
	l := slogx.FromContext(ctx)
	actorID := in.ActorClaims.Subject

	if err := s.Policy.RequirePermission(ctx, actorID, domain.PermImpersonationIssue); err != nil {
		return nil, err
	}
	if err := s.MFA.RequireFreshMFA(in.ActorClaims, now); err != nil {
		return nil, err
	}

	scope, err := domain.ParseScope(in.Scope)
	if err != nil {
		return nil, err
	}
	role, err := domain.RoleForScope(scope)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, ErrReasonRequired
	}

	tenant, err := s.Store.Tenants().GetTenantByID(ctx, in.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	if !tenant.Active() {
		return nil, ErrTenantInactive
	}

	// Requested durations are clamped, never rejected: asking for more than
	// the cap just yields the cap.
	ttl := s.maxTTL()
	if in.DurationMinutes > 0 {
		if requested := time.Duration(in.DurationMinutes) * time.Minute; requested < ttl {
			ttl = requested
		}
	}

	if in.IdempotencyKey != "" {
		stored, err := s.Store.Idempotency().GetIdempotentResponse(ctx, in.IdempotencyKey, actorID)
		if err == nil {
			var result IssueResult
			if err := json.Unmarshal([]byte(stored), &result); err == nil {
				l.Debug("replayed idempotent grant issuance",
					slog.String("grant_id", result.GrantID))
				return &result, nil
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	grant := domain.ImpersonationGrant{
		ID:         idx.New().String(),
		IssuedByID: actorID,
		TenantID:   tenant.ID,
		Scope:      scope,
		Reason:     strings.TrimSpace(in.Reason),
		JTI:        tokenx.NewJTI(),
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}

	token, err := s.Codec.Issue(tokenx.KindImpersonation, tokenx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: actorID, ID: grant.JTI},
		TenantID:         tenant.ID,
		GrantID:          grant.ID,
		Scope:            string(scope),
	}, ttl, now)
	if err != nil {
		return nil, err
	}

	result := &IssueResult{
		Token:     token,
		GrantID:   grant.ID,
		TenantID:  tenant.ID,
		Scope:     scope,
		Role:      role,
		ExpiresAt: grant.ExpiresAt,
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Grants().CreateGrant(ctx, grant); err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			body, err := json.Marshal(result)
			if err != nil {
				return err
			}
			// Losing the insert race aborts this issuance; the winner's
			// stored result is returned below.
			if err := tx.Idempotency().PutIdempotentResponse(ctx, in.IdempotencyKey, actorID, string(body), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) && in.IdempotencyKey != "" {
			stored, getErr := s.Store.Idempotency().GetIdempotentResponse(ctx, in.IdempotencyKey, actorID)
			if getErr == nil {
				var prior IssueResult
				if json.Unmarshal([]byte(stored), &prior) == nil {
					return &prior, nil
				}
			}
		}
		return nil, err
	}

	if s.Metrics != nil {
		s.Metrics.Impersonation.WithLabelValues("issued").Inc()
	}
	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:    actorID,
		TenantID:   tenant.ID,
		Action:     "impersonation.issued",
		Resource:   "impersonation_grant",
		ResourceID: grant.ID,
		Changes: map[string]any{
			"scope":      string(scope),
			"reason":     grant.Reason,
			"expires_at": grant.ExpiresAt.UTC().Format(time.RFC3339),
		},
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})
	// The event payload carries identifiers only; the reason stays in the
	// audit log.
	s.Bus.Publish(domain.EventImpersonationIssued, map[string]string{
		"grant_id":  grant.ID,
		"tenant_id": tenant.ID,
		"issued_by": actorID,
		"scope":     string(scope),
	})

	l.Info("impersonation grant issued",
		slog.String("grant_id", grant.ID),
		slog.String("tenant_id", tenant.ID),
		slog.String("scope", string(scope)))
	return result, nil
}

// Revoke terminates a grant early. The three outcomes are distinguishable:
// nil on success, ErrGrantNotFound for an unknown id, and
// ErrGrantAlreadyRevoked when another revocation got there first.
func (s *ImpersonationService) Revoke(ctx context.Context, actorClaims tokenx.Claims, grantID, reason string) error {
	now := time.Now()
	actorID := actorClaims.Subject

	if err := s.Policy.RequirePermission(ctx, actorID, domain.PermImpersonationRevoke); err != nil {
		return err
	}

	err := s.Store.Grants().RevokeGrant(ctx, grantID, actorID, reason, now)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		// The conditional update missed: re-read to tell "no such grant"
		// apart from "already revoked".
		grant, getErr := s.Store.Grants().GetGrantByID(ctx, grantID)
		if getErr != nil {
			if errors.Is(getErr, store.ErrNotFound) {
				return ErrGrantNotFound
			}
			return getErr
		}
		if grant.RevokedAt != nil {
			return ErrGrantAlreadyRevoked
		}
		return ErrGrantNotFound
	}

	if s.Metrics != nil {
		s.Metrics.Impersonation.WithLabelValues("revoked").Inc()
	}
	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:    actorID,
		Action:     "impersonation.revoked",
		Resource:   "impersonation_grant",
		ResourceID: grantID,
		Changes:    map[string]any{"revoke_reason": reason},
	})
	s.Bus.Publish(domain.EventImpersonationRevoked, map[string]string{
		"grant_id":   grantID,
		"revoked_by": actorID,
	})

	slogx.FromContext(ctx).Info("impersonation grant revoked",
		slog.String("grant_id", grantID))
	return nil
}

// ValidationResult is what a tenant-side service learns about a presented
// impersonation token.
type ValidationResult struct {
	GrantID    string                    `json:"grant_id"`
	TenantID   string                    `json:"tenant_id"`
	IssuedByID string                    `json:"issued_by"`
	Scope      domain.ImpersonationScope `json:"scope"`
	Role       domain.TenantRole         `json:"role"`
	ExpiresAt  time.Time                 `json:"expires_at"`
}

// Validate checks an impersonation token end to end: signature, audience,
// expiry, a jti that maps to a live grant row, and a tenant that is still
// active. Revoked and expired grants are indistinguishable here; both fail
// with ErrInvalidGrantToken.
func (s *ImpersonationService) Validate(ctx context.Context, token string) (*ValidationResult, error) {
	now := time.Now()

	claims, err := s.Codec.Verify(token, tokenx.KindImpersonation)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.TokenVerifyFailed.WithLabelValues("impersonation").Inc()
		}
		return nil, ErrInvalidGrantToken
	}

	valid, err := s.Store.Grants().IsGrantValid(ctx, claims.ID, now)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, ErrInvalidGrantToken
	}

	grant, err := s.Store.Grants().GetGrantByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrantToken
		}
		return nil, err
	}

	tenant, err := s.Store.Tenants().GetTenantByID(ctx, grant.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrantToken
		}
		return nil, err
	}
	if !tenant.Active() {
		return nil, ErrInvalidGrantToken
	}

	role, err := domain.RoleForScope(grant.Scope)
	if err != nil {
		// A stored grant with an unknown scope fails closed.
		return nil, ErrInvalidGrantToken
	}

	if s.Metrics != nil {
		s.Metrics.Impersonation.WithLabelValues("validated").Inc()
	}
	return &ValidationResult{
		GrantID:    grant.ID,
		TenantID:   grant.TenantID,
		IssuedByID: grant.IssuedByID,
		Scope:      grant.Scope,
		Role:       role,
		ExpiresAt:  grant.ExpiresAt,
	}, nil
}

// ListActive returns currently valid grants matching the filter.
func (s *ImpersonationService) ListActive(ctx context.Context, actorID string, f store.GrantFilter) ([]domain.ImpersonationGrant, error) {
	if err := s.Policy.RequirePermission(ctx, actorID, domain.PermImpersonationIssue); err != nil {
		return nil, err
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.Store.Grants().ListActiveGrants(ctx, f, time.Now())
}

// History returns all grants ever issued against a tenant, newest first,
// including revoked and expired ones.
func (s *ImpersonationService) History(ctx context.Context, actorID, tenantID string, limit, offset int) ([]domain.ImpersonationGrant, error) {
	if err := s.Policy.RequirePermission(ctx, actorID, domain.PermAuditRead); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.Store.Grants().ListGrantHistory(ctx, tenantID, limit, offset)
}
