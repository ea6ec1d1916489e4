package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/service"
	"github.com/aussiebroadwan/trustcore/pkg/httpx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
)

// OIDCHandler serves the provider login flow: a redirect out to the IdP and
// the callback that turns its code into a platform session.
type OIDCHandler struct {
	OIDCService    *service.OIDCService
	SessionService *service.SessionService
}

// HandleStart handles GET /v1/auth/oidc/{provider}/start.
func (h *OIDCHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := r.PathValue("provider")

	authURL, _, err := h.OIDCService.Start(ctx, provider)
	if err != nil {
		if errors.Is(err, service.ErrUnknownProvider) {
			httpx.WriteError(w, http.StatusNotFound, "unknown_provider", "No such identity provider")
			return
		}
		slogx.FromContext(ctx).Error("oidc start failed", "provider", provider, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback handles GET /v1/auth/oidc/{provider}/callback.
func (h *OIDCHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)
	provider := r.PathValue("provider")

	q := r.URL.Query()
	pair, err := h.OIDCService.Callback(ctx, service.CallbackInput{
		Provider:  provider,
		State:     q.Get("state"),
		Code:      q.Get("code"),
		IPAddress: httpx.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownProvider):
			httpx.WriteError(w, http.StatusNotFound, "unknown_provider", "No such identity provider")
		case errors.Is(err, service.ErrProviderUnavailable):
			httpx.WriteError(w, http.StatusBadGateway, "provider_unavailable", "Identity provider could not be reached")
		case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrInvalidNonce):
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_callback", "Login attempt is invalid or was already used")
		case errors.Is(err, service.ErrSSOUserUnknown):
			httpx.WriteError(w, http.StatusForbidden, "unknown_identity", "No platform account matches this identity")
		default:
			log.Error("oidc callback failed", "provider", provider, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	maxAge := int(h.SessionService.RefreshTTL / time.Second)
	httpx.SetSessionCookies(w, r, pair.RefreshToken, pair.CSRFToken, maxAge)
	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(pair.ExpiresIn / time.Second),
		CSRFToken:   pair.CSRFToken,
	})
}
