package service

import (
	"context"
	"testing"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/stretchr/testify/require"
)

func TestRequirePermissionUnionsRoles(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := &PolicyService{Store: st}

	issuer := seedRole(t, ctx, st, "grant_issuer", domain.PermImpersonationIssue)
	auditor := seedRole(t, ctx, st, "auditor", domain.PermAuditRead)
	u := seedUser(t, ctx, st, "op@example.com", "pw", issuer.ID, auditor.ID)

	require.NoError(t, svc.RequirePermission(ctx, u.ID, domain.PermImpersonationIssue))
	require.NoError(t, svc.RequirePermission(ctx, u.ID, domain.PermAuditRead))
	require.ErrorIs(t, svc.RequirePermission(ctx, u.ID, domain.PermUsersManage), ErrPermissionDenied)

	ok, err := svc.HasPermission(ctx, u.ID, domain.PermAuditRead)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = svc.HasPermission(ctx, u.ID, domain.PermUsersManage)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSuperAdminBypassesPermissionChecks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := &PolicyService{Store: st}

	// The super_admin role carries no explicit permissions at all.
	admin := seedRole(t, ctx, st, domain.SuperAdminRole)
	u := seedUser(t, ctx, st, "root@example.com", "pw", admin.ID)

	require.NoError(t, svc.RequirePermission(ctx, u.ID, domain.PermUsersManage))
	require.NoError(t, svc.RequirePermission(ctx, u.ID, "anything.at_all"))
}

func TestCheckUserAccessIPAllowlist(t *testing.T) {
	ctx := context.Background()
	svc := &PolicyService{}

	base := domain.User{ID: "u1", Status: domain.UserActive}

	t.Run("empty allowlist admits any source", func(t *testing.T) {
		require.NoError(t, svc.CheckUserAccess(ctx, base, "198.51.100.7"))
	})

	t.Run("exact IPv4 match", func(t *testing.T) {
		u := base
		u.IPAllowlist = []string{"203.0.113.9"}
		require.NoError(t, svc.CheckUserAccess(ctx, u, "203.0.113.9"))
		require.ErrorIs(t, svc.CheckUserAccess(ctx, u, "203.0.113.10"), ErrIPNotAllowed)
	})

	t.Run("IPv4 CIDR match", func(t *testing.T) {
		u := base
		u.IPAllowlist = []string{"10.0.0.0/8"}
		require.NoError(t, svc.CheckUserAccess(ctx, u, "10.200.3.4"))
		require.ErrorIs(t, svc.CheckUserAccess(ctx, u, "11.0.0.1"), ErrIPNotAllowed)
	})

	t.Run("IPv6 CIDR match", func(t *testing.T) {
		u := base
		u.IPAllowlist = []string{"2001:db8::/32"}
		require.NoError(t, svc.CheckUserAccess(ctx, u, "2001:db8::1"))
		require.ErrorIs(t, svc.CheckUserAccess(ctx, u, "2001:db9::1"), ErrIPNotAllowed)
	})

	t.Run("corrupt allowlist fails closed", func(t *testing.T) {
		u := base
		u.IPAllowlist = []string{"not-an-ip"}
		require.ErrorIs(t, svc.CheckUserAccess(ctx, u, "10.0.0.1"), ErrIPNotAllowed)
	})

	t.Run("disabled user is rejected before IP checks", func(t *testing.T) {
		u := base
		u.Status = domain.UserDisabled
		require.ErrorIs(t, svc.CheckUserAccess(ctx, u, "10.0.0.1"), ErrUserDisabled)
	})
}
