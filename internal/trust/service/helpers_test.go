package service

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/internal/trust/store/drivers/sqlite"
	"github.com/aussiebroadwan/trustcore/pkg/cryptox"
	"github.com/aussiebroadwan/trustcore/pkg/idx"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

func newTestCodec() *tokenx.Codec {
	return &tokenx.Codec{
		Issuer:              "trustcore-test",
		SessionSecret:       []byte("session-secret-for-tests"),
		ImpersonationSecret: []byte("impersonation-secret-for-tests"),
	}
}

func newTestSecretBox(t *testing.T) *cryptox.SecretBox {
	t.Helper()
	box, err := cryptox.NewSecretBox([]byte("mfa-key-material-for-tests"))
	require.NoError(t, err)
	return box
}

func seedRole(t *testing.T, ctx context.Context, st store.Store, name string, permissions ...string) domain.Role {
	t.Helper()

	now := time.Now()
	role := domain.Role{
		ID:          idx.New().String(),
		Name:        name,
		Permissions: permissions,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, st.Roles().CreateRole(ctx, role))
	return role
}

func seedUser(t *testing.T, ctx context.Context, st store.Store, email, password string, roleIDs ...string) domain.User {
	t.Helper()

	now := time.Now()
	u := domain.User{
		ID:              idx.New().String(),
		Email:           email,
		Name:            "Test Operator",
		Status:          domain.UserActive,
		EmailVerifiedAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if password != "" {
		hash, err := cryptox.HashPassword(password)
		require.NoError(t, err)
		u.PasswordHash = hash
	}
	require.NoError(t, st.Users().CreateUser(ctx, u))

	for _, roleID := range roleIDs {
		require.NoError(t, st.Users().AssignRole(ctx, u.ID, roleID))
	}
	return u
}

func seedTenant(t *testing.T, ctx context.Context, st store.Store, status domain.TenantStatus) domain.Tenant {
	t.Helper()

	tenant := domain.Tenant{
		ID:        idx.New().String(),
		Name:      "Acme Pty Ltd",
		Status:    status,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.Tenants().CreateTenant(ctx, tenant))
	return tenant
}

// actorClaims builds access-token claims the way signPair does, so tests can
// exercise permission and MFA-freshness gates without a full login.
func actorClaims(userID string, amr []string, authTime time.Time) tokenx.Claims {
	return tokenx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
		AMR:      amr,
		AuthTime: jwt.NewNumericDate(authTime),
	}
}
