package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/service"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/httpx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
)

// ImpersonationHandler serves grant issuance, revocation, validation and the
// tenant-side history view.
type ImpersonationHandler struct {
	ImpersonationService *service.ImpersonationService
}

type issueGrantRequest struct {
	TenantID        string `json:"tenant_id"`
	Scope           string `json:"scope"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

type grantView struct {
	ID           string    `json:"id"`
	IssuedBy     string    `json:"issued_by"`
	TenantID     string    `json:"tenant_id"`
	Scope        string    `json:"scope"`
	Reason       string    `json:"reason"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	RevokedAt    *string   `json:"revoked_at,omitempty"`
	RevokedBy    *string   `json:"revoked_by,omitempty"`
	RevokeReason *string   `json:"revoke_reason,omitempty"`
}

func toGrantView(g domain.ImpersonationGrant) grantView {
	v := grantView{
		ID:           g.ID,
		IssuedBy:     g.IssuedByID,
		TenantID:     g.TenantID,
		Scope:        string(g.Scope),
		Reason:       g.Reason,
		ExpiresAt:    g.ExpiresAt,
		CreatedAt:    g.CreatedAt,
		RevokedBy:    g.RevokedByID,
		RevokeReason: g.RevokeReason,
	}
	if g.RevokedAt != nil {
		ts := g.RevokedAt.UTC().Format(time.RFC3339)
		v.RevokedAt = &ts
	}
	return v
}

// HandleIssue handles POST /v1/impersonation/grants. An Idempotency-Key
// header makes retries safe: the same key returns the originally issued
// grant.
func (h *ImpersonationHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	claims, ok := httpx.ClaimsFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	var req issueGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	result, err := h.ImpersonationService.Issue(ctx, service.IssueInput{
		ActorClaims:     claims,
		TenantID:        req.TenantID,
		Scope:           req.Scope,
		Reason:          req.Reason,
		DurationMinutes: req.DurationMinutes,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
		IPAddress:       httpx.ClientIP(r),
		UserAgent:       r.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPermissionDenied):
			httpx.WriteError(w, http.StatusForbidden, "permission_denied", "Missing impersonation.issue permission")
		case errors.Is(err, service.ErrReauthRequired):
			httpx.WriteError(w, http.StatusForbidden, "reauth_required", "Complete an MFA step-up and retry")
		case errors.Is(err, domain.ErrInvalidScope):
			httpx.WriteError(w, http.StatusBadRequest, "invalid_scope", "Scope must be read_only, billing_support or full_tenant_admin")
		case errors.Is(err, service.ErrReasonRequired):
			httpx.WriteError(w, http.StatusBadRequest, "reason_required", "A reason is required for impersonation")
		case errors.Is(err, service.ErrTenantNotFound):
			httpx.WriteError(w, http.StatusNotFound, "tenant_not_found", "")
		case errors.Is(err, service.ErrTenantInactive):
			httpx.WriteError(w, http.StatusConflict, "tenant_inactive", "Tenant is suspended or closed")
		default:
			log.Error("grant issuance failed", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusCreated, result)
}

// HandleRevoke handles DELETE /v1/impersonation/grants/{id}. Already-revoked
// grants are a 409, unknown grants a 404; the two are deliberately
// distinguishable.
func (h *ImpersonationHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	claims, ok := httpx.ClaimsFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	grantID := r.PathValue("id")
	reason := r.URL.Query().Get("reason")

	err := h.ImpersonationService.Revoke(ctx, claims, grantID, reason)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPermissionDenied):
			httpx.WriteError(w, http.StatusForbidden, "permission_denied", "Missing impersonation.revoke permission")
		case errors.Is(err, service.ErrGrantNotFound):
			httpx.WriteError(w, http.StatusNotFound, "grant_not_found", "")
		case errors.Is(err, service.ErrGrantAlreadyRevoked):
			httpx.WriteError(w, http.StatusConflict, "grant_already_revoked", "Grant was already revoked")
		default:
			log.Error("grant revocation failed", "grant_id", grantID, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleValidate handles POST /v1/impersonation/validate. Tenant-side
// services call this on every impersonated request.
func (h *ImpersonationHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	result, err := h.ImpersonationService.Validate(ctx, req.Token)
	if err != nil {
		if errors.Is(err, service.ErrInvalidGrantToken) {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_grant_token", "Token is invalid, expired or revoked")
			return
		}
		log.Error("grant validation failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, result)
}

// HandleList handles GET /v1/impersonation/grants.
func (h *ImpersonationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	q := r.URL.Query()
	grants, err := h.ImpersonationService.ListActive(ctx, userID, store.GrantFilter{
		TenantID:   q.Get("tenant_id"),
		IssuedByID: q.Get("issued_by"),
		Scope:      q.Get("scope"),
		Limit:      intQuery(q.Get("limit")),
		Offset:     intQuery(q.Get("offset")),
	})
	if err != nil {
		if errors.Is(err, service.ErrPermissionDenied) {
			httpx.WriteError(w, http.StatusForbidden, "permission_denied", "")
			return
		}
		log.Error("grant listing failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	views := make([]grantView, 0, len(grants))
	for _, g := range grants {
		views = append(views, toGrantView(g))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"grants": views})
}

// HandleHistory handles GET /v1/tenants/{id}/impersonation-history.
func (h *ImpersonationHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	tenantID := r.PathValue("id")
	q := r.URL.Query()

	grants, err := h.ImpersonationService.History(ctx, userID, tenantID,
		intQuery(q.Get("limit")), intQuery(q.Get("offset")))
	if err != nil {
		if errors.Is(err, service.ErrPermissionDenied) {
			httpx.WriteError(w, http.StatusForbidden, "permission_denied", "")
			return
		}
		log.Error("grant history failed", "tenant_id", tenantID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	views := make([]grantView, 0, len(grants))
	for _, g := range grants {
		views = append(views, toGrantView(g))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"grants": views})
}
