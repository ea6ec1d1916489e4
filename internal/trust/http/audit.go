package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/service"
	"github.com/aussiebroadwan/trustcore/pkg/httpx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
)

// AuditHandler serves the audit trail: filtered listing plus CSV export.
// Both require the audit.read permission.
type AuditHandler struct {
	AuditService  *service.AuditService
	PolicyService *service.PolicyService
}

// HandleList handles GET /v1/audit.
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}
	if err := h.PolicyService.RequirePermission(ctx, userID, domain.PermAuditRead); err != nil {
		if errors.Is(err, service.ErrPermissionDenied) {
			httpx.WriteError(w, http.StatusForbidden, "permission_denied", "Missing audit.read permission")
			return
		}
		log.Error("permission check failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	entries, err := h.AuditService.List(ctx, auditFilterFromQuery(r))
	if err != nil {
		log.Error("audit listing failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// HandleExport handles GET /v1/audit/export, streaming CSV.
func (h *AuditHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}
	if err := h.PolicyService.RequirePermission(ctx, userID, domain.PermAuditRead); err != nil {
		if errors.Is(err, service.ErrPermissionDenied) {
			httpx.WriteError(w, http.StatusForbidden, "permission_denied", "Missing audit.read permission")
			return
		}
		log.Error("permission check failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit_export.csv"`)

	if err := h.AuditService.ExportCSV(ctx, w, auditFilterFromQuery(r)); err != nil {
		// Headers may already be flushed; all we can do is log.
		log.Error("audit export failed", "err", err)
	}
}

func auditFilterFromQuery(r *http.Request) domain.AuditFilter {
	q := r.URL.Query()
	f := domain.AuditFilter{
		PlatformUserID: q.Get("actor_id"),
		TenantID:       q.Get("tenant_id"),
		ActionContains: q.Get("action"),
		Limit:          intQuery(q.Get("limit")),
		Offset:         intQuery(q.Get("offset")),
	}
	if from, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		f.From = from
	}
	if to, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		f.To = to
	}
	return f
}

func intQuery(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
