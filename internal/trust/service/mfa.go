package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/cryptox"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	recoveryCodeCount = 10
	recoveryCodeBytes = cryptox.TokenSize128

	// DefaultMFAFreshness is how recently the subject must have completed an
	// MFA challenge before performing a sensitive operation.
	DefaultMFAFreshness = 15 * time.Minute
)

var (
	ErrInvalidOTP        = errors.New("invalid_otp")
	ErrMFANotEnabled     = errors.New("mfa_not_enabled")
	ErrMFAAlreadyEnabled = errors.New("mfa_already_enabled")
	ErrMFANotEnrolled    = errors.New("mfa_not_enrolled")

	// ErrReauthRequired gates sensitive operations: the caller holds a valid
	// token but must complete a fresh MFA challenge first.
	ErrReauthRequired = errors.New("reauth_required")
)

// MFAEnrollment is returned once at enrollment; the secret never leaves the
// service again.
type MFAEnrollment struct {
	Secret     string
	OTPAuthURL string
}

// MFAService manages TOTP enrollment, verification, single-use recovery
// codes, and the step-up flow that refreshes MFA recency on a live session.
// TOTP secrets are stored encrypted; Secrets must be configured with the
// at-rest key.
type MFAService struct {
	Store   store.Store
	Secrets *cryptox.SecretBox
	Codec   *tokenx.Codec
	Issuer  string

	AccessTTL time.Duration
	Freshness time.Duration
}

func (s *MFAService) freshness() time.Duration {
	if s.Freshness > 0 {
		return s.Freshness
	}
	return DefaultMFAFreshness
}

// EnrollTOTP generates and stores an encrypted TOTP secret without activating
// MFA; the user must prove possession via ActivateTOTP first.
func (s *MFAService) EnrollTOTP(ctx context.Context, userID string) (MFAEnrollment, error) {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return MFAEnrollment{}, err
	}
	if u.MFAActive() {
		return MFAEnrollment{}, ErrMFAAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: u.Email,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return MFAEnrollment{}, fmt.Errorf("generate totp key: %w", err)
	}

	enc, err := s.Secrets.Seal([]byte(key.Secret()))
	if err != nil {
		return MFAEnrollment{}, fmt.Errorf("encrypt totp secret: %w", err)
	}
	if err := s.Store.Users().SetMFASecret(ctx, userID, enc); err != nil {
		return MFAEnrollment{}, err
	}

	return MFAEnrollment{Secret: key.Secret(), OTPAuthURL: key.URL()}, nil
}

// ActivateTOTP verifies the first code against the enrolled secret, turns MFA
// on, and returns the one-time view of the recovery codes.
func (s *MFAService) ActivateTOTP(ctx context.Context, userID, code string) ([]string, error) {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.MFAActive() {
		return nil, ErrMFAAlreadyEnabled
	}
	if len(u.MFASecretEnc) == 0 {
		return nil, ErrMFANotEnrolled
	}

	if err := s.validateTOTP(u, code); err != nil {
		return nil, err
	}

	codes, hashes, err := generateRecoveryCodes()
	if err != nil {
		return nil, err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RecoveryCodes().ReplaceRecoveryCodes(ctx, userID, hashes); err != nil {
			return err
		}
		return tx.Users().EnableMFA(ctx, userID)
	})
	if err != nil {
		return nil, err
	}

	return codes, nil
}

// VerifyFactor checks a second factor at login time: a TOTP code, or failing
// that a single-use recovery code. It returns the AMR value describing which
// method succeeded.
func (s *MFAService) VerifyFactor(ctx context.Context, u domain.User, otpCode, recoveryCode string) (string, error) {
	if !u.MFAActive() {
		return "", ErrMFANotEnabled
	}

	if otpCode != "" {
		if err := s.validateTOTP(u, otpCode); err != nil {
			return "", err
		}
		return tokenx.AMRMFA, nil
	}

	if recoveryCode != "" {
		hash := cryptox.FingerprintToken(recoveryCode)
		ok, err := s.Store.RecoveryCodes().ConsumeRecoveryCode(ctx, u.ID, hash)
		if err != nil {
			return "", err
		}
		if !ok {
			// Unknown or already consumed; either way it does not verify.
			return "", ErrInvalidOTP
		}
		return tokenx.AMRRecovery, nil
	}

	return "", ErrInvalidOTP
}

// StepUp verifies a fresh second factor for an already-authenticated session
// and mints a replacement access token with updated auth_time and AMR, which
// re-opens the sensitive-operation window.
func (s *MFAService) StepUp(ctx context.Context, claims tokenx.Claims, otpCode, recoveryCode string) (string, error) {
	u, err := s.Store.Users().GetUserByID(ctx, claims.Subject)
	if err != nil {
		return "", err
	}

	method, err := s.VerifyFactor(ctx, u, otpCode, recoveryCode)
	if err != nil {
		return "", err
	}

	now := time.Now()
	ttl := s.AccessTTL
	if ttl <= 0 {
		ttl = tokenx.DefaultAccessTTL
	}

	amr := dedupe(append(claims.AMR, method))
	return s.Codec.Issue(tokenx.KindAccess, tokenx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: u.ID},
		AMR:              amr,
		AuthTime:         jwt.NewNumericDate(now),
		Email:            u.Email,
	}, ttl, now)
}

// RequireFreshMFA enforces the step-up gate on sensitive operations: the
// token must carry an MFA (or recovery) AMR entry and an auth_time within the
// freshness window. A stale or password-only session gets ErrReauthRequired.
func (s *MFAService) RequireFreshMFA(claims tokenx.Claims, now time.Time) error {
	if !claims.HasAMR(tokenx.AMRMFA) && !claims.HasAMR(tokenx.AMRRecovery) {
		return ErrReauthRequired
	}
	if claims.AuthTime == nil {
		return ErrReauthRequired
	}
	if now.Sub(claims.AuthTime.Time) > s.freshness() {
		return ErrReauthRequired
	}
	return nil
}

// RegenerateRecoveryCodes replaces the remaining codes after a successful
// TOTP check. Previously unused codes stop working immediately.
func (s *MFAService) RegenerateRecoveryCodes(ctx context.Context, userID, otpCode string) ([]string, error) {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.MFAActive() {
		return nil, ErrMFANotEnabled
	}
	if err := s.validateTOTP(u, otpCode); err != nil {
		return nil, err
	}

	codes, hashes, err := generateRecoveryCodes()
	if err != nil {
		return nil, err
	}
	if err := s.Store.RecoveryCodes().ReplaceRecoveryCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// Disable turns MFA off after a successful TOTP check and deletes the
// remaining recovery codes.
func (s *MFAService) Disable(ctx context.Context, userID, otpCode string) error {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.MFAActive() {
		return ErrMFANotEnabled
	}
	if err := s.validateTOTP(u, otpCode); err != nil {
		return err
	}

	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RecoveryCodes().DeleteAllRecoveryCodes(ctx, userID); err != nil {
			return err
		}
		return tx.Users().DisableMFA(ctx, userID)
	})
}

func (s *MFAService) validateTOTP(u domain.User, code string) error {
	if len(u.MFASecretEnc) == 0 {
		return ErrMFANotEnrolled
	}
	secret, err := s.Secrets.Open(u.MFASecretEnc)
	if err != nil {
		return fmt.Errorf("decrypt totp secret: %w", err)
	}
	if !totp.Validate(code, string(secret)) {
		return ErrInvalidOTP
	}
	return nil
}

func generateRecoveryCodes() (codes, hashes []string, err error) {
	codes = make([]string, recoveryCodeCount)
	hashes = make([]string, recoveryCodeCount)
	for i := range recoveryCodeCount {
		code, err := cryptox.GenerateToken(recoveryCodeBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("generate recovery code: %w", err)
		}
		codes[i] = code
		hashes[i] = cryptox.FingerprintToken(code)
	}
	return codes, hashes, nil
}
