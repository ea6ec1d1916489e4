package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/events"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
	"github.com/stretchr/testify/require"
)

type impersonationFixture struct {
	svc    *ImpersonationService
	audit  *AuditService
	st     store.Store
	actor  domain.User
	tenant domain.Tenant
}

func newImpersonationFixture(t *testing.T) impersonationFixture {
	t.Helper()
	ctx := context.Background()
	st := newTestStore(t)

	role := seedRole(t, ctx, st, "support_engineer",
		domain.PermImpersonationIssue, domain.PermImpersonationRevoke, domain.PermAuditRead)
	actor := seedUser(t, ctx, st, "support@example.com", "pw", role.ID)
	tenant := seedTenant(t, ctx, st, domain.TenantActive)

	bus := events.NewBus(slog.New(slog.DiscardHandler))
	t.Cleanup(bus.Close)

	audit := &AuditService{Store: st}
	svc := &ImpersonationService{
		Store:  st,
		Codec:  newTestCodec(),
		Policy: &PolicyService{Store: st},
		MFA:    &MFAService{Store: st},
		Audit:  audit,
		Bus:    bus,
	}
	return impersonationFixture{svc: svc, audit: audit, st: st, actor: actor, tenant: tenant}
}

func (f impersonationFixture) freshActor() tokenx.Claims {
	return actorClaims(f.actor.ID, []string{tokenx.AMRPassword, tokenx.AMRMFA}, time.Now())
}

func TestScopeRoleMappingIsClosed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		scope domain.ImpersonationScope
		role  domain.TenantRole
	}{
		{domain.ScopeReadOnly, domain.TenantRoleViewer},
		{domain.ScopeBillingSupport, domain.TenantRoleEditor},
		{domain.ScopeFullTenantAdmin, domain.TenantRoleAdmin},
	}
	for _, tc := range cases {
		role, err := domain.RoleForScope(tc.scope)
		require.NoError(t, err)
		require.Equal(t, tc.role, role)
	}

	_, err := domain.ParseScope("tenant_owner")
	require.ErrorIs(t, err, domain.ErrInvalidScope)
	_, err = domain.RoleForScope("tenant_owner")
	require.ErrorIs(t, err, domain.ErrInvalidScope)
}

func TestIssueGrantGuards(t *testing.T) {
	ctx := context.Background()
	f := newImpersonationFixture(t)

	base := IssueInput{
		ActorClaims: f.freshActor(),
		TenantID:    f.tenant.ID,
		Scope:       string(domain.ScopeReadOnly),
		Reason:      "ticket #4821",
	}

	t.Run("happy path", func(t *testing.T) {
		res, err := f.svc.Issue(ctx, base)
		require.NoError(t, err)
		require.NotEmpty(t, res.Token)
		require.Equal(t, domain.TenantRoleViewer, res.Role)
	})

	t.Run("requires the issue permission", func(t *testing.T) {
		in := base
		nobody := seedUser(t, ctx, f.st, "nobody@example.com", "pw")
		in.ActorClaims = actorClaims(nobody.ID, []string{tokenx.AMRPassword, tokenx.AMRMFA}, time.Now())
		_, err := f.svc.Issue(ctx, in)
		require.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("requires fresh mfa", func(t *testing.T) {
		in := base
		in.ActorClaims = actorClaims(f.actor.ID, []string{tokenx.AMRPassword}, time.Now())
		_, err := f.svc.Issue(ctx, in)
		require.ErrorIs(t, err, ErrReauthRequired)

		in.ActorClaims = actorClaims(f.actor.ID, []string{tokenx.AMRPassword, tokenx.AMRMFA}, time.Now().Add(-time.Hour))
		_, err = f.svc.Issue(ctx, in)
		require.ErrorIs(t, err, ErrReauthRequired)
	})

	t.Run("rejects unknown scope", func(t *testing.T) {
		in := base
		in.Scope = "everything"
		_, err := f.svc.Issue(ctx, in)
		require.ErrorIs(t, err, domain.ErrInvalidScope)
	})

	t.Run("requires a reason", func(t *testing.T) {
		in := base
		in.Reason = "   "
		_, err := f.svc.Issue(ctx, in)
		require.ErrorIs(t, err, ErrReasonRequired)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		in := base
		in.TenantID = "missing"
		_, err := f.svc.Issue(ctx, in)
		require.ErrorIs(t, err, ErrTenantNotFound)
	})

	t.Run("suspended tenant", func(t *testing.T) {
		suspended := seedTenant(t, ctx, f.st, domain.TenantSuspended)
		in := base
		in.TenantID = suspended.ID
		_, err := f.svc.Issue(ctx, in)
		require.ErrorIs(t, err, ErrTenantInactive)
	})
}

func TestIssueGrantClampsDuration(t *testing.T) {
	ctx := context.Background()
	f := newImpersonationFixture(t)
	f.svc.MaxTTL = 2 * time.Hour

	t.Run("requests above the cap get the cap", func(t *testing.T) {
		res, err := f.svc.Issue(ctx, IssueInput{
			ActorClaims:     f.freshActor(),
			TenantID:        f.tenant.ID,
			Scope:           string(domain.ScopeBillingSupport),
			Reason:          "billing dispute",
			DurationMinutes: 600,
		})
		require.NoError(t, err)
		require.WithinDuration(t, time.Now().Add(2*time.Hour), res.ExpiresAt, time.Minute)
	})

	t.Run("shorter requests are honored", func(t *testing.T) {
		res, err := f.svc.Issue(ctx, IssueInput{
			ActorClaims:     f.freshActor(),
			TenantID:        f.tenant.ID,
			Scope:           string(domain.ScopeBillingSupport),
			Reason:          "billing dispute",
			DurationMinutes: 30,
		})
		require.NoError(t, err)
		require.WithinDuration(t, time.Now().Add(30*time.Minute), res.ExpiresAt, time.Minute)
	})
}

func TestIssueGrantIdempotency(t *testing.T) {
	ctx := context.Background()
	f := newImpersonationFixture(t)

	in := IssueInput{
		ActorClaims:    f.freshActor(),
		TenantID:       f.tenant.ID,
		Scope:          string(domain.ScopeReadOnly),
		Reason:         "ticket #100",
		IdempotencyKey: "retry-abc",
	}

	first, err := f.svc.Issue(ctx, in)
	require.NoError(t, err)

	second, err := f.svc.Issue(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first.GrantID, second.GrantID)
	require.Equal(t, first.Token, second.Token)

	// A different key mints a fresh grant.
	in.IdempotencyKey = "retry-def"
	third, err := f.svc.Issue(ctx, in)
	require.NoError(t, err)
	require.NotEqual(t, first.GrantID, third.GrantID)
}

func TestRevokeOutcomesAreDistinguishable(t *testing.T) {
	ctx := context.Background()
	f := newImpersonationFixture(t)

	res, err := f.svc.Issue(ctx, IssueInput{
		ActorClaims: f.freshActor(),
		TenantID:    f.tenant.ID,
		Scope:       string(domain.ScopeReadOnly),
		Reason:      "ticket #7",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, f.freshActor(), res.GrantID, "done early"))
	require.ErrorIs(t, f.svc.Revoke(ctx, f.freshActor(), res.GrantID, "again"), ErrGrantAlreadyRevoked)
	require.ErrorIs(t, f.svc.Revoke(ctx, f.freshActor(), "no-such-grant", ""), ErrGrantNotFound)
}

func TestValidateGrantToken(t *testing.T) {
	ctx := context.Background()
	f := newImpersonationFixture(t)

	res, err := f.svc.Issue(ctx, IssueInput{
		ActorClaims: f.freshActor(),
		TenantID:    f.tenant.ID,
		Scope:       string(domain.ScopeFullTenantAdmin),
		Reason:      "incident response",
	})
	require.NoError(t, err)

	t.Run("valid token resolves to grant and role", func(t *testing.T) {
		v, err := f.svc.Validate(ctx, res.Token)
		require.NoError(t, err)
		require.Equal(t, res.GrantID, v.GrantID)
		require.Equal(t, f.tenant.ID, v.TenantID)
		require.Equal(t, f.actor.ID, v.IssuedByID)
		require.Equal(t, domain.TenantRoleAdmin, v.Role)
	})

	t.Run("platform access token never validates", func(t *testing.T) {
		sessions := &SessionService{Store: f.st, Codec: f.svc.Codec}
		pair, err := sessions.Issue(ctx, f.actor, []string{tokenx.AMRPassword}, time.Now())
		require.NoError(t, err)

		_, err = f.svc.Validate(ctx, pair.AccessToken)
		require.ErrorIs(t, err, ErrInvalidGrantToken)
	})

	t.Run("suspending the tenant invalidates outstanding tokens", func(t *testing.T) {
		require.NoError(t, f.st.Tenants().UpdateTenantStatus(ctx, f.tenant.ID, domain.TenantSuspended))
		_, err := f.svc.Validate(ctx, res.Token)
		require.ErrorIs(t, err, ErrInvalidGrantToken)
		require.NoError(t, f.st.Tenants().UpdateTenantStatus(ctx, f.tenant.ID, domain.TenantActive))
	})

	t.Run("revoked grant fails like an expired one", func(t *testing.T) {
		require.NoError(t, f.svc.Revoke(ctx, f.freshActor(), res.GrantID, "done"))
		_, err := f.svc.Validate(ctx, res.Token)
		require.ErrorIs(t, err, ErrInvalidGrantToken)
	})
}

func TestListActiveAndHistory(t *testing.T) {
	ctx := context.Background()
	f := newImpersonationFixture(t)

	first, err := f.svc.Issue(ctx, IssueInput{
		ActorClaims: f.freshActor(),
		TenantID:    f.tenant.ID,
		Scope:       string(domain.ScopeReadOnly),
		Reason:      "a",
	})
	require.NoError(t, err)
	second, err := f.svc.Issue(ctx, IssueInput{
		ActorClaims: f.freshActor(),
		TenantID:    f.tenant.ID,
		Scope:       string(domain.ScopeBillingSupport),
		Reason:      "b",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, f.freshActor(), first.GrantID, "superseded"))

	active, err := f.svc.ListActive(ctx, f.actor.ID, store.GrantFilter{TenantID: f.tenant.ID})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, second.GrantID, active[0].ID)

	history, err := f.svc.History(ctx, f.actor.ID, f.tenant.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Listing needs permissions too.
	nobody := seedUser(t, ctx, f.st, "plain@example.com", "pw")
	_, err = f.svc.ListActive(ctx, nobody.ID, store.GrantFilter{})
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.svc.History(ctx, nobody.ID, f.tenant.ID, 10, 0)
	require.ErrorIs(t, err, ErrPermissionDenied)
}
