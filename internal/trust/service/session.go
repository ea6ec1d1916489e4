package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/obs"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/cryptox"
	"github.com/aussiebroadwan/trustcore/pkg/idx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidRefresh = errors.New("invalid_refresh_token")

	// ErrRefreshReuse is returned when a refresh token that was already
	// rotated is presented again. All of the user's sessions are revoked
	// before this error is returned.
	ErrRefreshReuse = errors.New("refresh_token_reuse")
)

// SessionService issues and rotates platform sessions. Each refresh token is
// single-use: rotation supersedes the old row and inserts a new one, and a
// replayed token nukes the whole session family.
type SessionService struct {
	Store   store.Store
	Codec   *tokenx.Codec
	Audit   *AuditService
	Metrics *obs.Metrics

	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func (s *SessionService) accessTTL() time.Duration {
	if s.AccessTTL > 0 {
		return s.AccessTTL
	}
	return tokenx.DefaultAccessTTL
}

func (s *SessionService) refreshTTL() time.Duration {
	if s.RefreshTTL > 0 {
		return s.RefreshTTL
	}
	return tokenx.DefaultRefreshTTL
}

// Issue creates a new session lineage for the user and returns the signed
// access/refresh pair plus the CSRF token bound to the refresh cookie.
func (s *SessionService) Issue(ctx context.Context, u domain.User, amr []string, authTime time.Time) (*domain.TokenPair, error) {
	now := time.Now()
	jti := tokenx.NewJTI()

	session := domain.Session{
		ID:        idx.New().String(),
		UserID:    u.ID,
		JTI:       jti,
		ExpiresAt: now.Add(s.refreshTTL()),
		CreatedAt: now,
	}
	if err := s.Store.Sessions().CreateSession(ctx, session); err != nil {
		return nil, err
	}

	return s.signPair(u, jti, amr, authTime, now)
}

// Refresh rotates a session: the presented refresh token is superseded and a
// new lineage row plus token pair is issued. AMR history and auth_time are
// preserved across the rotation so the fresh-MFA gate keeps working.
//
// A token that was already rotated or revoked trips replay handling: every
// session belonging to the user is revoked and ErrRefreshReuse is returned.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	now := time.Now()
	l := slogx.FromContext(ctx)

	claims, err := s.Codec.Verify(refreshToken, tokenx.KindRefresh)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.TokenVerifyFailed.WithLabelValues("refresh").Inc()
		}
		return nil, ErrInvalidRefresh
	}

	u, err := s.Store.Users().GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidRefresh
		}
		return nil, err
	}
	if !u.Active() {
		return nil, ErrInvalidRefresh
	}

	newJTI := tokenx.NewJTI()

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		// Conditional supersede: of two concurrent rotations of the same
		// token, exactly one lands here with RowsAffected == 1.
		if err := tx.Sessions().SupersedeSession(ctx, claims.ID, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return s.handleReplay(ctx, tx, claims, now)
			}
			return err
		}

		return tx.Sessions().CreateSession(ctx, domain.Session{
			ID:        idx.New().String(),
			UserID:    u.ID,
			JTI:       newJTI,
			ExpiresAt: now.Add(s.refreshTTL()),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	amr := append(claims.AMR, tokenx.AMRRefresh)
	authTime := now
	if claims.AuthTime != nil {
		authTime = claims.AuthTime.Time
	}

	pair, err := s.signPair(u, newJTI, dedupe(amr), authTime, now)
	if err != nil {
		return nil, err
	}

	l.Debug("session rotated", slog.String("user_id", u.ID))
	return pair, nil
}

// handleReplay runs inside the rotation transaction when the presented jti is
// no longer active. Superseded or revoked rows are treated as theft evidence;
// anything else is just an expired or unknown token.
func (s *SessionService) handleReplay(ctx context.Context, tx store.Tx, claims tokenx.Claims, now time.Time) error {
	session, err := tx.Sessions().GetSessionByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidRefresh
		}
		return err
	}
	if session.SupersededAt == nil && session.RevokedAt == nil {
		// Row exists but expired.
		return ErrInvalidRefresh
	}

	slogx.FromContext(ctx).Warn("refresh token replay detected, revoking all user sessions",
		slog.String("user_id", session.UserID))

	if err := tx.Sessions().RevokeAllUserSessions(ctx, session.UserID, now); err != nil {
		return err
	}
	if s.Audit != nil {
		_ = s.Audit.Record(ctx, RecordInput{
			ActorID:    session.UserID,
			Action:     "session.replay_detected",
			Resource:   "session",
			ResourceID: session.ID,
		})
	}
	return ErrRefreshReuse
}

// Revoke invalidates a single session by its refresh token. Invalid tokens
// are a no-op so logout never fails visibly.
func (s *SessionService) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := s.Codec.Verify(refreshToken, tokenx.KindRefresh)
	if err != nil {
		return nil
	}
	err = s.Store.Sessions().RevokeSession(ctx, claims.ID, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// RevokeAllForUser invalidates every session the user has, e.g. when the
// account is disabled or a replay is detected out-of-band.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID string) error {
	return s.Store.Sessions().RevokeAllUserSessions(ctx, userID, time.Now())
}

func (s *SessionService) signPair(u domain.User, refreshJTI string, amr []string, authTime, now time.Time) (*domain.TokenPair, error) {
	access, err := s.Codec.Issue(tokenx.KindAccess, tokenx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: u.ID},
		AMR:              amr,
		AuthTime:         jwt.NewNumericDate(authTime),
		Email:            u.Email,
	}, s.accessTTL(), now)
	if err != nil {
		return nil, err
	}

	refresh, err := s.Codec.Issue(tokenx.KindRefresh, tokenx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: u.ID, ID: refreshJTI},
		AMR:              amr,
		AuthTime:         jwt.NewNumericDate(authTime),
	}, s.refreshTTL(), now)
	if err != nil {
		return nil, err
	}

	csrf, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, err
	}

	if s.Metrics != nil {
		s.Metrics.TokensIssued.WithLabelValues("access").Inc()
		s.Metrics.TokensIssued.WithLabelValues("refresh").Inc()
	}

	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		CSRFToken:    csrf,
		ExpiresIn:    s.accessTTL(),
	}, nil
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
