package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/cryptox"
	"github.com/aussiebroadwan/trustcore/pkg/idx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
)

var (
	ErrBootstrapAlready      = errors.New("system already bootstrapped")
	ErrBootstrapUnauthorized = errors.New("unauthorized bootstrap attempt")
)

// defaultRoles seeded at bootstrap. super_admin carries no explicit
// permissions because it bypasses the check entirely.
var defaultRoles = map[string][]string{
	domain.SuperAdminRole: nil,
	"support_engineer": {
		domain.PermImpersonationIssue,
		domain.PermImpersonationRevoke,
	},
	"auditor": {
		domain.PermAuditRead,
	},
}

// BootstrapService seeds the default roles and the first super-admin account
// on an empty database, gated by a pre-shared token.
type BootstrapService struct {
	Store store.Store
	Token string
}

// IsBootstrapped reports whether a super_admin role already exists.
func (s *BootstrapService) IsBootstrapped(ctx context.Context) (bool, error) {
	_, err := s.Store.Roles().GetRoleByName(ctx, domain.SuperAdminRole)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Bootstrap creates the roles and the first admin. Returns the new admin's
// user ID.
func (s *BootstrapService) Bootstrap(ctx context.Context, token, adminEmail, adminName, adminPassword string) (string, error) {
	l := slogx.FromContext(ctx)

	if bootstrapped, err := s.IsBootstrapped(ctx); err != nil {
		return "", err
	} else if bootstrapped {
		l.Warn("attempted bootstrap on already-bootstrapped system")
		return "", ErrBootstrapAlready
	}

	if s.Token == "" || token != s.Token {
		l.Warn("unauthorized bootstrap attempt")
		return "", ErrBootstrapUnauthorized
	}

	passHash, err := cryptox.HashPassword(adminPassword)
	if err != nil {
		return "", err
	}

	now := time.Now()
	adminUserID := idx.New().String()

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		var superAdminRoleID string
		for name, perms := range defaultRoles {
			roleID := idx.New().String()
			err := tx.Roles().CreateRole(ctx, domain.Role{
				ID:          roleID,
				Name:        name,
				Permissions: perms,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
			if err != nil {
				return err
			}
			if name == domain.SuperAdminRole {
				superAdminRoleID = roleID
			}
		}

		verifiedAt := now
		err := tx.Users().CreateUser(ctx, domain.User{
			ID:              adminUserID,
			Email:           strings.ToLower(strings.TrimSpace(adminEmail)),
			Name:            adminName,
			PasswordHash:    passHash,
			Status:          domain.UserActive,
			EmailVerifiedAt: &verifiedAt,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return err
		}
		return tx.Users().AssignRole(ctx, adminUserID, superAdminRoleID)
	})
	if err != nil {
		return "", err
	}

	l.Info("successfully bootstrapped system",
		slog.String("admin_user_id", adminUserID))
	return adminUserID, nil
}
