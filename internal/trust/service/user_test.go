package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/events"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/cryptox"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
	"github.com/stretchr/testify/require"
)

type userFixture struct {
	svc      *UserService
	sessions *SessionService
	st       store.Store
	admin    domain.User
}

func newUserFixture(t *testing.T) userFixture {
	t.Helper()
	ctx := context.Background()
	st := newTestStore(t)

	adminRole := seedRole(t, ctx, st, "user_admin", domain.PermUsersManage)
	seedRole(t, ctx, st, "auditor", domain.PermAuditRead)
	admin := seedUser(t, ctx, st, "admin@example.com", "pw", adminRole.ID)

	bus := events.NewBus(slog.New(slog.DiscardHandler))
	t.Cleanup(bus.Close)

	sessions := &SessionService{Store: st, Codec: newTestCodec()}
	svc := &UserService{
		Store:    st,
		Policy:   &PolicyService{Store: st},
		Audit:    &AuditService{Store: st},
		Sessions: sessions,
		Bus:      bus,
	}
	return userFixture{svc: svc, sessions: sessions, st: st, admin: admin}
}

func TestCreateUserRequiresPermissionAndKnownRole(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	t.Run("happy path", func(t *testing.T) {
		u, err := f.svc.CreateUser(ctx, f.admin.ID, CreateUserInput{
			Email:    "New.Operator@Example.com",
			Name:     "New Operator",
			Password: "a long enough password",
			RoleName: "auditor",
		})
		require.NoError(t, err)
		require.Equal(t, "new.operator@example.com", u.Email)

		roles, err := f.st.Users().GetUserRoles(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, roles, 1)
		require.Equal(t, "auditor", roles[0].Name)
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := f.svc.CreateUser(ctx, f.admin.ID, CreateUserInput{
			Email:    "new.operator@example.com",
			Name:     "Imposter",
			Password: "pw",
			RoleName: "auditor",
		})
		require.ErrorIs(t, err, ErrEmailTaken)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := f.svc.CreateUser(ctx, f.admin.ID, CreateUserInput{
			Email:    "x@example.com",
			Password: "pw",
			RoleName: "czar",
		})
		require.ErrorIs(t, err, ErrRoleNotFound)
	})

	t.Run("without users.manage", func(t *testing.T) {
		plain := seedUser(t, ctx, f.st, "plain@example.com", "pw")
		_, err := f.svc.CreateUser(ctx, plain.ID, CreateUserInput{
			Email:    "y@example.com",
			Password: "pw",
			RoleName: "auditor",
		})
		require.ErrorIs(t, err, ErrPermissionDenied)
	})
}

func TestInviteIsSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	token, err := f.svc.Invite(ctx, f.admin.ID, "invitee@example.com", "auditor")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	u, err := f.svc.AcceptInvite(ctx, token, "Invitee", "a decent password")
	require.NoError(t, err)
	require.Equal(t, "invitee@example.com", u.Email)
	require.NotNil(t, u.EmailVerifiedAt)

	_, err = f.svc.AcceptInvite(ctx, token, "Second Try", "another password")
	require.ErrorIs(t, err, ErrInvalidInvite)

	_, err = f.svc.AcceptInvite(ctx, "made-up-token", "Nobody", "pw")
	require.ErrorIs(t, err, ErrInvalidInvite)
}

func TestSetStatusGuardsAndRevokesSessions(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	target := seedUser(t, ctx, f.st, "target@example.com", "pw")

	pair, err := f.sessions.Issue(ctx, target, []string{tokenx.AMRPassword}, time.Now())
	require.NoError(t, err)

	t.Run("self-disable is blocked", func(t *testing.T) {
		err := f.svc.SetStatus(ctx, f.admin.ID, f.admin.ID, domain.UserDisabled)
		require.ErrorIs(t, err, ErrSelfTarget)
	})

	t.Run("disable revokes live sessions", func(t *testing.T) {
		require.NoError(t, f.svc.SetStatus(ctx, f.admin.ID, target.ID, domain.UserDisabled))

		got, err := f.st.Users().GetUserByID(ctx, target.ID)
		require.NoError(t, err)
		require.Equal(t, domain.UserDisabled, got.Status)

		_, err = f.sessions.Refresh(ctx, pair.RefreshToken)
		require.ErrorIs(t, err, ErrInvalidRefresh)
	})

	t.Run("unknown target", func(t *testing.T) {
		err := f.svc.SetStatus(ctx, f.admin.ID, "missing", domain.UserActive)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestDeleteUserGuards(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	target := seedUser(t, ctx, f.st, "target@example.com", "pw")

	require.ErrorIs(t, f.svc.Delete(ctx, f.admin.ID, f.admin.ID), ErrSelfTarget)
	require.NoError(t, f.svc.Delete(ctx, f.admin.ID, target.ID))

	_, err := f.st.Users().GetUserByID(ctx, target.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRoleAssignmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	target := seedUser(t, ctx, f.st, "target@example.com", "pw")

	require.NoError(t, f.svc.AssignRole(ctx, f.admin.ID, target.ID, "auditor"))

	roles, err := f.st.Users().GetUserRoles(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, roles, 1)

	require.NoError(t, f.svc.RemoveRole(ctx, f.admin.ID, target.ID, "auditor"))

	roles, err = f.st.Users().GetUserRoles(ctx, target.ID)
	require.NoError(t, err)
	require.Empty(t, roles)

	require.ErrorIs(t, f.svc.AssignRole(ctx, f.admin.ID, target.ID, "czar"), ErrRoleNotFound)
}

func TestChangePasswordRevokesAllSessions(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	target := seedUser(t, ctx, f.st, "target@example.com", "old password")

	pair, err := f.sessions.Issue(ctx, target, []string{tokenx.AMRPassword}, time.Now())
	require.NoError(t, err)

	t.Run("wrong current password", func(t *testing.T) {
		err := f.svc.ChangePassword(ctx, target.ID, "not it", "new password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("sso-only account has no password to change", func(t *testing.T) {
		sso := seedUser(t, ctx, f.st, "sso@example.com", "")
		err := f.svc.ChangePassword(ctx, sso.ID, "", "new password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	require.NoError(t, f.svc.ChangePassword(ctx, target.ID, "old password", "new password"))

	// The pre-change session lineage is dead.
	_, err = f.sessions.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)

	got, err := f.st.Users().GetUserByID(ctx, target.ID)
	require.NoError(t, err)
	require.NoError(t, cryptox.VerifyPassword("new password", got.PasswordHash))
}

func TestUpdateIPAllowlistValidatesEntries(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	target := seedUser(t, ctx, f.st, "target@example.com", "pw")

	require.NoError(t, f.svc.UpdateIPAllowlist(ctx, f.admin.ID, target.ID,
		[]string{"203.0.113.7", "10.0.0.0/8", "2001:db8::/32"}))

	got, err := f.st.Users().GetUserByID(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, got.IPAllowlist, 3)

	err = f.svc.UpdateIPAllowlist(ctx, f.admin.ID, target.ID, []string{"not-an-ip"})
	require.Error(t, err)
}
