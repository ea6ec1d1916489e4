package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/service"
	"github.com/aussiebroadwan/trustcore/pkg/httpx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
)

// AuthHandler serves password login, refresh and logout. Refresh tokens
// travel in an HttpOnly cookie paired with a double-submit CSRF token;
// non-browser clients may send the refresh token in the JSON body instead.
type AuthHandler struct {
	LoginService   *service.LoginService
	SessionService *service.SessionService
	AllowedOrigins []string
}

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	OTPCode      string `json:"otp_code,omitempty"`
	RecoveryCode string `json:"recovery_code,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	CSRFToken   string `json:"csrf_token,omitempty"`

	// RefreshToken is only populated for clients that opted out of cookies.
	RefreshToken string `json:"refresh_token,omitempty"`
}

// HandleLogin handles POST /v1/auth/login.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	pair, err := h.LoginService.Login(ctx, service.LoginInput{
		Email:        req.Email,
		Password:     req.Password,
		OTPCode:      req.OTPCode,
		RecoveryCode: req.RecoveryCode,
		IPAddress:    httpx.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMFARequired):
			httpx.WriteError(w, http.StatusUnauthorized, "mfa_required", "A second factor is required")
		case errors.Is(err, service.ErrEmailNotVerified):
			httpx.WriteError(w, http.StatusForbidden, "email_not_verified", "Email address has not been verified")
		case errors.Is(err, service.ErrIPNotAllowed):
			httpx.WriteError(w, http.StatusForbidden, "ip_denied", "This address is not on the account's allowlist")
		case errors.Is(err, service.ErrInvalidOTP):
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_mfa_code", "The second factor was not accepted")
		case errors.Is(err, service.ErrInvalidCredentials):
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Email or password is incorrect")
		default:
			log.Error("login failed", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	h.writePair(w, r, pair, useCookies(r))
}

// HandleRefresh handles POST /v1/auth/refresh. Cookie-based requests must
// pass the double-submit CSRF check before the token is even looked at.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	refreshToken, fromCookie := refreshTokenFromRequest(r)
	if refreshToken == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_request", "No refresh token presented")
		return
	}

	if fromCookie {
		if err := httpx.VerifyDoubleSubmit(r, h.AllowedOrigins); err != nil {
			httpx.WriteError(w, http.StatusForbidden, "csrf_failure", "CSRF verification failed")
			return
		}
	}

	pair, err := h.SessionService.Refresh(ctx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRefreshReuse):
			// All sessions were just revoked; make the client forget its
			// cookies too.
			httpx.ClearSessionCookies(w)
			httpx.WriteError(w, http.StatusUnauthorized, "token_reuse", "Refresh token was already used; all sessions revoked")
		case errors.Is(err, service.ErrInvalidRefresh):
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_refresh_token", "Refresh token is invalid or expired")
		default:
			log.Error("refresh failed", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	h.writePair(w, r, pair, fromCookie)
}

// HandleLogout handles POST /v1/auth/logout.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	refreshToken, fromCookie := refreshTokenFromRequest(r)
	if fromCookie {
		if err := httpx.VerifyDoubleSubmit(r, h.AllowedOrigins); err != nil {
			httpx.WriteError(w, http.StatusForbidden, "csrf_failure", "CSRF verification failed")
			return
		}
	}

	if refreshToken != "" {
		if err := h.SessionService.Revoke(ctx, refreshToken); err != nil {
			slogx.FromContext(ctx).Error("logout revocation failed", "err", err)
		}
	}

	httpx.ClearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) writePair(w http.ResponseWriter, r *http.Request, pair *domain.TokenPair, cookies bool) {
	resp := tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(pair.ExpiresIn / time.Second),
		CSRFToken:   pair.CSRFToken,
	}

	if cookies {
		maxAge := int(h.SessionService.RefreshTTL / time.Second)
		httpx.SetSessionCookies(w, r, pair.RefreshToken, pair.CSRFToken, maxAge)
	} else {
		resp.RefreshToken = pair.RefreshToken
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// useCookies reports whether the client wants cookie-based session handling.
// Defaults to true; API clients disable it with ?cookies=false.
func useCookies(r *http.Request) bool {
	return r.URL.Query().Get("cookies") != "false"
}

// refreshTokenFromRequest prefers the session cookie and falls back to a JSON
// body field for non-browser clients.
func refreshTokenFromRequest(r *http.Request) (token string, fromCookie bool) {
	if c, err := r.Cookie(httpx.RefreshCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		return body.RefreshToken, false
	}
	return "", false
}
