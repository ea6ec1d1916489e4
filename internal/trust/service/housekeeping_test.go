package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/idx"
	"github.com/stretchr/testify/require"
)

func TestHousekeepingSweepsExpiredRows(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	u := seedUser(t, ctx, st, "op@example.com", "pw")
	now := time.Now()

	// One live and one expired of each sweepable kind.
	require.NoError(t, st.Sessions().CreateSession(ctx, domain.Session{
		ID: idx.New().String(), UserID: u.ID, JTI: "live",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))
	require.NoError(t, st.Sessions().CreateSession(ctx, domain.Session{
		ID: idx.New().String(), UserID: u.ID, JTI: "dead",
		ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, st.Nonces().CreateNonce(ctx, "live-nonce", "idp", now.Add(time.Hour)))
	require.NoError(t, st.Nonces().CreateNonce(ctx, "dead-nonce", "idp", now.Add(-time.Hour)))

	svc := NewHousekeepingService(st, slog.New(slog.DiscardHandler), time.Hour)
	svc.Start()
	svc.Stop() // the startup sweep has completed once Stop returns

	_, err := st.Sessions().GetSessionByJTI(ctx, "dead")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Sessions().GetSessionByJTI(ctx, "live")
	require.NoError(t, err)

	ok, err := st.Nonces().ConsumeNonce(ctx, "live-nonce", now)
	require.NoError(t, err)
	require.True(t, ok)
}
