package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/ipx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
)

var (
	ErrPermissionDenied = errors.New("permission_denied")
	ErrIPNotAllowed     = errors.New("ip_not_allowed")
	ErrUserDisabled     = errors.New("user_disabled")
)

// PolicyService evaluates access decisions: permission union across roles
// with super-admin bypass, and per-user IP allowlisting.
type PolicyService struct {
	Store store.Store
}

// RequirePermission loads the user's roles and checks the permission code
// against their union. The super_admin role passes every check.
func (s *PolicyService) RequirePermission(ctx context.Context, userID, permission string) error {
	roles, err := s.Store.Users().GetUserRoles(ctx, userID)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if role.Grants(permission) {
			return nil
		}
	}

	slogx.FromContext(ctx).Info("permission denied",
		slog.String("user_id", userID),
		slog.String("permission", permission))
	return ErrPermissionDenied
}

// HasPermission is RequirePermission without the denial being an error.
func (s *PolicyService) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	err := s.RequirePermission(ctx, userID, permission)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrPermissionDenied):
		return false, nil
	default:
		return false, err
	}
}

// CheckUserAccess gates an authentication attempt on account status and the
// user's IP allowlist. An empty allowlist admits any source address.
func (s *PolicyService) CheckUserAccess(ctx context.Context, u domain.User, remoteIP string) error {
	if !u.Active() {
		return ErrUserDisabled
	}

	allow, err := ipx.Parse(u.IPAllowlist)
	if err != nil {
		// A corrupt allowlist fails closed: nobody gets in until an admin
		// fixes the entries.
		slogx.FromContext(ctx).Error("unparseable ip allowlist, denying access",
			slog.String("user_id", u.ID),
			slog.Any("error", err))
		return ErrIPNotAllowed
	}
	if !allow.Allows(remoteIP) {
		slogx.FromContext(ctx).Info("ip rejected by allowlist",
			slog.String("user_id", u.ID),
			slog.String("ip", remoteIP))
		return ErrIPNotAllowed
	}
	return nil
}
