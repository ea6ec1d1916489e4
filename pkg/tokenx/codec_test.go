package tokenx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCodec() *Codec {
	return &Codec{
		Issuer:              "trustcore-test",
		SessionSecret:       []byte("session-secret-for-tests"),
		ImpersonationSecret: []byte("impersonation-secret-for-tests"),
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCodec()
	now := time.Now().UTC()

	t.Run("access token", func(t *testing.T) {
		token, err := c.Issue(KindAccess, Claims{
			RegisteredClaims: registered("user-1"),
			AMR:              []string{AMRPassword},
		}, time.Hour, now)
		require.NoError(t, err)

		claims, err := c.Verify(token, KindAccess)
		require.NoError(t, err)
		require.Equal(t, "user-1", claims.Subject)
		require.Equal(t, "trustcore-test", claims.Issuer)
		require.Contains(t, claims.Audience, AudiencePlatform)
		require.NotEmpty(t, claims.ID)
	})

	t.Run("impersonation token", func(t *testing.T) {
		token, err := c.Issue(KindImpersonation, Claims{
			RegisteredClaims: registered("op-1"),
			TenantID:         "tenant-1",
			GrantID:          "grant-1",
			Scope:            "billing_support",
		}, 2*time.Hour, now)
		require.NoError(t, err)

		claims, err := c.Verify(token, KindImpersonation)
		require.NoError(t, err)
		require.Equal(t, "tenant-1", claims.TenantID)
		require.Equal(t, "grant-1", claims.GrantID)
	})
}

func TestVerifyRejectsCrossKindUse(t *testing.T) {
	t.Parallel()

	c := newTestCodec()
	now := time.Now().UTC()

	t.Run("refresh token fails access check", func(t *testing.T) {
		token, err := c.Issue(KindRefresh, Claims{RegisteredClaims: registered("user-1")}, time.Hour, now)
		require.NoError(t, err)

		_, err = c.Verify(token, KindAccess)
		require.ErrorIs(t, err, ErrAudience)
	})

	t.Run("impersonation token fails under session secret", func(t *testing.T) {
		token, err := c.Issue(KindImpersonation, Claims{RegisteredClaims: registered("op-1")}, time.Hour, now)
		require.NoError(t, err)

		_, err = c.Verify(token, KindAccess)
		require.ErrorIs(t, err, ErrInvalidSig)
	})

	t.Run("session secret cannot forge impersonation", func(t *testing.T) {
		forger := &Codec{
			Issuer:              c.Issuer,
			SessionSecret:       c.SessionSecret,
			ImpersonationSecret: c.SessionSecret, // attacker only holds the session secret
		}
		token, err := forger.Issue(KindImpersonation, Claims{RegisteredClaims: registered("op-1")}, time.Hour, now)
		require.NoError(t, err)

		_, err = c.Verify(token, KindImpersonation)
		require.ErrorIs(t, err, ErrInvalidSig)
	})
}

func TestVerifyRejectsBadClaims(t *testing.T) {
	t.Parallel()

	c := newTestCodec()
	now := time.Now().UTC()

	t.Run("expired token", func(t *testing.T) {
		token, err := c.Issue(KindAccess, Claims{RegisteredClaims: registered("user-1")}, -time.Minute, now.Add(-time.Hour))
		require.NoError(t, err)

		_, err = c.Verify(token, KindAccess)
		require.ErrorIs(t, err, ErrExpired)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := newTestCodec()
		other.Issuer = "someone-else"
		token, err := other.Issue(KindAccess, Claims{RegisteredClaims: registered("user-1")}, time.Hour, now)
		require.NoError(t, err)

		_, err = c.Verify(token, KindAccess)
		require.ErrorIs(t, err, ErrIssuer)
	})

	t.Run("garbage input", func(t *testing.T) {
		_, err := c.Verify("not.a.token", KindAccess)
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func TestImpersonationTokenRequiresJTI(t *testing.T) {
	t.Parallel()

	c := newTestCodec()
	now := time.Now().UTC()

	// Sign a token with an explicitly blanked jti using the raw library to
	// simulate a token minted outside the normal issue path.
	token, err := c.Issue(KindImpersonation, Claims{RegisteredClaims: registered("op-1")}, time.Hour, now)
	require.NoError(t, err)

	claims, err := c.Verify(token, KindImpersonation)
	require.NoError(t, err)
	require.NotEmpty(t, claims.ID, "issue path always assigns a jti")

	bare := signWithoutJTI(t, c, now)
	_, err = c.Verify(bare, KindImpersonation)
	require.ErrorIs(t, err, ErrMissingIdentifier)
}

func TestSubjectHint(t *testing.T) {
	t.Parallel()

	c := newTestCodec()
	token, err := c.Issue(KindRefresh, Claims{RegisteredClaims: registered("user-42")}, time.Hour, time.Now().UTC())
	require.NoError(t, err)

	require.Equal(t, "user-42", SubjectHint(token))
	require.Empty(t, SubjectHint("garbage"))
}
