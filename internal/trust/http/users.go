package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/service"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/httpx"
	"github.com/aussiebroadwan/trustcore/pkg/ipx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
)

// UsersHandler serves platform operator management: direct creation, invites,
// status changes, role assignment and the per-user IP allowlist.
type UsersHandler struct {
	UserService *service.UserService
}

type userView struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	MFAEnabled bool   `json:"mfa_enabled"`
}

func toUserView(u domain.User) userView {
	return userView{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Status:     string(u.Status),
		MFAEnabled: u.MFAActive(),
	}
}

// HandleCreate handles POST /v1/users.
func (h *UsersHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	actorID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	u, err := h.UserService.CreateUser(ctx, actorID, service.CreateUserInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		RoleName: req.Role,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPermissionDenied):
			httpx.WriteError(w, http.StatusForbidden, "permission_denied", "Missing users.manage permission")
		case errors.Is(err, service.ErrEmailTaken):
			httpx.WriteError(w, http.StatusConflict, "email_taken", "An account with this email already exists")
		case errors.Is(err, service.ErrRoleNotFound):
			httpx.WriteError(w, http.StatusBadRequest, "role_not_found", "")
		default:
			log.Error("user creation failed", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, toUserView(u))
}

// HandleInvite handles POST /v1/invites.
func (h *UsersHandler) HandleInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	actorID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	token, err := h.UserService.Invite(ctx, actorID, req.Email, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPermissionDenied):
			httpx.WriteError(w, http.StatusForbidden, "permission_denied", "Missing users.manage permission")
		case errors.Is(err, service.ErrRoleNotFound):
			httpx.WriteError(w, http.StatusBadRequest, "role_not_found", "")
		default:
			log.Error("invite failed", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"invite_token": token})
}

// HandleRedeemInvite handles POST /v1/invites/redeem (unauthenticated).
func (h *UsersHandler) HandleRedeemInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req struct {
		Token    string `json:"token"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	u, err := h.UserService.AcceptInvite(ctx, req.Token, req.Name, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInvite):
			httpx.WriteError(w, http.StatusBadRequest, "invalid_invite", "Invite is invalid, expired or already used")
		case errors.Is(err, service.ErrEmailTaken):
			httpx.WriteError(w, http.StatusConflict, "email_taken", "An account with this email already exists")
		default:
			log.Error("invite redemption failed", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, toUserView(u))
}

// HandleChangePassword handles POST /v1/users/me/password. It acts only on
// the authenticated caller's own account.
func (h *UsersHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	err := h.UserService.ChangePassword(ctx, userID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Current password is incorrect")
		default:
			log.Error("password change failed", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	// Every session just died, including the caller's.
	httpx.ClearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetStatus handles PATCH /v1/users/{id}/status.
func (h *UsersHandler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	actorID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	status := domain.UserStatus(req.Status)
	if status != domain.UserActive && status != domain.UserDisabled {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_status", "Status must be active or disabled")
		return
	}

	err := h.UserService.SetStatus(ctx, actorID, r.PathValue("id"), status)
	if err != nil {
		h.writeManageError(w, log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete handles DELETE /v1/users/{id}.
func (h *UsersHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	actorID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	if err := h.UserService.Delete(ctx, actorID, r.PathValue("id")); err != nil {
		h.writeManageError(w, log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAssignRole handles PUT /v1/users/{id}/roles/{role}.
func (h *UsersHandler) HandleAssignRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, true)
}

// HandleRemoveRole handles DELETE /v1/users/{id}/roles/{role}.
func (h *UsersHandler) HandleRemoveRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, false)
}

func (h *UsersHandler) changeRole(w http.ResponseWriter, r *http.Request, assign bool) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	actorID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	userID := r.PathValue("id")
	role := r.PathValue("role")

	var err error
	if assign {
		err = h.UserService.AssignRole(ctx, actorID, userID, role)
	} else {
		err = h.UserService.RemoveRole(ctx, actorID, userID, role)
	}
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRoleNotFound):
			httpx.WriteError(w, http.StatusBadRequest, "role_not_found", "")
		default:
			h.writeManageError(w, log, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetIPAllowlist handles PUT /v1/users/{id}/ip-allowlist.
func (h *UsersHandler) HandleSetIPAllowlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	actorID, ok := httpx.UserIDFromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	var req struct {
		Entries []string `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	err := h.UserService.UpdateIPAllowlist(ctx, actorID, r.PathValue("id"), req.Entries)
	if err != nil {
		switch {
		case errors.Is(err, ipx.ErrInvalidEntry):
			httpx.WriteError(w, http.StatusBadRequest, "invalid_entry", "Entries must be IP literals or CIDR blocks")
		default:
			h.writeManageError(w, log, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UsersHandler) writeManageError(w http.ResponseWriter, log interface{ Error(string, ...any) }, err error) {
	switch {
	case errors.Is(err, service.ErrPermissionDenied):
		httpx.WriteError(w, http.StatusForbidden, "permission_denied", "Missing users.manage permission")
	case errors.Is(err, service.ErrSelfTarget):
		httpx.WriteError(w, http.StatusConflict, "self_target", "You cannot perform this action on your own account")
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "user_not_found", "")
	default:
		log.Error("user management failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "")
	}
}
