package service

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
	"github.com/stretchr/testify/require"
)

func TestSessionRefreshRotatesToken(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	u := seedUser(t, ctx, st, "op@example.com", "hunter2!hunter2")

	svc := &SessionService{Store: st, Codec: newTestCodec()}

	pair, err := svc.Issue(ctx, u, []string{tokenx.AMRPassword}, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotEmpty(t, pair.CSRFToken)

	rotated, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The rotated token carries the refresh AMR marker on top of the
	// original methods, and the original auth_time survives.
	claims, err := svc.Codec.Verify(rotated.RefreshToken, tokenx.KindRefresh)
	require.NoError(t, err)
	require.True(t, claims.HasAMR(tokenx.AMRPassword))
	require.True(t, claims.HasAMR(tokenx.AMRRefresh))

	origClaims, err := svc.Codec.Verify(pair.RefreshToken, tokenx.KindRefresh)
	require.NoError(t, err)
	require.Equal(t, origClaims.AuthTime.Unix(), claims.AuthTime.Unix())

	// The new token rotates again without issue.
	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	require.NoError(t, err)
}

func TestSessionRefreshReplayRevokesEverything(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	u := seedUser(t, ctx, st, "op@example.com", "hunter2!hunter2")

	audit := &AuditService{Store: st}
	svc := &SessionService{Store: st, Codec: newTestCodec(), Audit: audit}

	pair, err := svc.Issue(ctx, u, []string{tokenx.AMRPassword}, time.Now())
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// Replaying the already-rotated token is theft evidence.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshReuse)

	// The replacement lineage died with it.
	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshReuse)

	entries, err := audit.List(ctx, domain.AuditFilter{PlatformUserID: u.ID})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, "session.replay_detected", entries[0].Action)
}

func TestSessionRefreshRejectsGarbageAndWrongKind(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	u := seedUser(t, ctx, st, "op@example.com", "hunter2!hunter2")
	svc := &SessionService{Store: st, Codec: newTestCodec()}

	pair, err := svc.Issue(ctx, u, []string{tokenx.AMRPassword}, time.Now())
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, "not-a-token")
	require.ErrorIs(t, err, ErrInvalidRefresh)

	// An access token must never pass the refresh path.
	_, err = svc.Refresh(ctx, pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestSessionRefreshRejectsDisabledUser(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	u := seedUser(t, ctx, st, "op@example.com", "hunter2!hunter2")
	svc := &SessionService{Store: st, Codec: newTestCodec()}

	pair, err := svc.Issue(ctx, u, []string{tokenx.AMRPassword}, time.Now())
	require.NoError(t, err)

	require.NoError(t, st.Users().UpdateStatus(ctx, u.ID, "disabled"))

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestSessionRevokeIsSilentForInvalidTokens(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	u := seedUser(t, ctx, st, "op@example.com", "hunter2!hunter2")
	svc := &SessionService{Store: st, Codec: newTestCodec()}

	pair, err := svc.Issue(ctx, u, []string{tokenx.AMRPassword}, time.Now())
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, "garbage"))
	require.NoError(t, svc.Revoke(ctx, pair.RefreshToken))
	// Revoking twice stays silent too.
	require.NoError(t, svc.Revoke(ctx, pair.RefreshToken))

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshReuse)
}
