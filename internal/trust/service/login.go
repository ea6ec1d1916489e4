package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/obs"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/cryptox"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
)

var (
	ErrInvalidCredentials = errors.New("invalid_credentials")

	// ErrMFARequired means the password checked out but the account has MFA
	// active and no second factor was supplied.
	ErrMFARequired = errors.New("mfa_required")

	// ErrEmailNotVerified means the password checked out but the address was
	// never verified, so the account cannot be used yet.
	ErrEmailNotVerified = errors.New("email_not_verified")
)

// LoginService authenticates platform users with password plus optional
// second factor and hands the session issuance off to SessionService.
type LoginService struct {
	Store    store.Store
	Sessions *SessionService
	MFA      *MFAService
	Policy   *PolicyService
	Audit    *AuditService
	Metrics  *obs.Metrics
}

// LoginInput is one password login attempt. Exactly one of OTPCode or
// RecoveryCode may be set when the account has MFA active.
type LoginInput struct {
	Email        string
	Password     string
	OTPCode      string
	RecoveryCode string
	IPAddress    string
	UserAgent    string
}

// Login authenticates and issues a token pair. Failures are deliberately
// uniform (ErrInvalidCredentials) except for the MFA-required signal, which
// the client needs to prompt for a code.
func (s *LoginService) Login(ctx context.Context, in LoginInput) (*domain.TokenPair, error) {
	l := slogx.FromContext(ctx)
	now := time.Now()

	email := strings.ToLower(strings.TrimSpace(in.Email))

	u, err := s.Store.Users().GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.recordFailure(ctx, "", in, "unknown_email")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	// IP denial is its own outward code and always audited under its own
	// reason. A disabled account stays indistinguishable from bad credentials.
	if err := s.Policy.CheckUserAccess(ctx, u, in.IPAddress); err != nil {
		switch {
		case errors.Is(err, ErrIPNotAllowed):
			s.recordFailure(ctx, u.ID, in, "ip_denied")
			return nil, ErrIPNotAllowed
		case errors.Is(err, ErrUserDisabled):
			s.recordFailure(ctx, u.ID, in, "account_disabled")
			return nil, ErrInvalidCredentials
		default:
			return nil, err
		}
	}

	// SSO-only accounts have no password hash and cannot log in here.
	if u.PasswordHash == "" {
		s.recordFailure(ctx, u.ID, in, "no_password")
		return nil, ErrInvalidCredentials
	}
	if err := cryptox.VerifyPassword(in.Password, u.PasswordHash); err != nil {
		s.recordFailure(ctx, u.ID, in, "bad_password")
		return nil, ErrInvalidCredentials
	}

	// Only surfaced after the password checked out, so an unauthenticated
	// probe can't tell verified accounts apart.
	if u.EmailVerifiedAt == nil {
		s.recordFailure(ctx, u.ID, in, "email_not_verified")
		return nil, ErrEmailNotVerified
	}

	amr := []string{tokenx.AMRPassword}

	if u.MFAActive() {
		if in.OTPCode == "" && in.RecoveryCode == "" {
			return nil, ErrMFARequired
		}
		method, err := s.MFA.VerifyFactor(ctx, u, in.OTPCode, in.RecoveryCode)
		if err != nil {
			if errors.Is(err, ErrInvalidOTP) {
				s.recordFailure(ctx, u.ID, in, "bad_second_factor")
				return nil, ErrInvalidOTP
			}
			return nil, err
		}
		amr = append(amr, method)
	}

	pair, err := s.Sessions.Issue(ctx, u, amr, now)
	if err != nil {
		return nil, err
	}

	if s.Metrics != nil {
		s.Metrics.Logins.WithLabelValues("success").Inc()
	}
	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:   u.ID,
		Action:    "auth.login",
		Resource:  "session",
		Changes:   map[string]any{"amr": strings.Join(amr, " ")},
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})

	l.Info("login succeeded", slog.String("user_id", u.ID))
	return pair, nil
}

func (s *LoginService) recordFailure(ctx context.Context, userID string, in LoginInput, reason string) {
	if s.Metrics != nil {
		s.Metrics.Logins.WithLabelValues("failure").Inc()
	}
	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:   userID,
		Action:    "auth.login_failed",
		Resource:  "session",
		Changes:   map[string]any{"reason": reason},
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})
}
