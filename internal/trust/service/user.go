package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/events"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/cryptox"
	"github.com/aussiebroadwan/trustcore/pkg/idx"
	"github.com/aussiebroadwan/trustcore/pkg/ipx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
)

const inviteTTL = 72 * time.Hour

var (
	ErrEmailTaken    = errors.New("email_taken")
	ErrRoleNotFound  = errors.New("role_not_found")
	ErrInvalidInvite = errors.New("invalid_invite")

	// ErrSelfTarget blocks users from disabling or deleting their own
	// account; another admin has to do it.
	ErrSelfTarget = errors.New("self_target")
)

// UserService manages platform operator accounts: direct creation, invites,
// role assignment, status changes and the IP allowlist.
type UserService struct {
	Store    store.Store
	Policy   *PolicyService
	Audit    *AuditService
	Sessions *SessionService
	Bus      *events.Bus
}

// CreateUserInput is a direct admin-created account.
type CreateUserInput struct {
	Email    string
	Name     string
	Password string
	RoleName string
}

func (s *UserService) CreateUser(ctx context.Context, actorID string, in CreateUserInput) (domain.User, error) {
	if err := s.Policy.RequirePermission(ctx, actorID, domain.PermUsersManage); err != nil {
		return domain.User{}, err
	}

	role, err := s.Store.Roles().GetRoleByName(ctx, in.RoleName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrRoleNotFound
		}
		return domain.User{}, err
	}

	hash, err := cryptox.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, err
	}

	// Direct creation is an admin vouching for the address, so the account
	// starts verified. Self-service signups go through the invite flow.
	now := time.Now()
	u := domain.User{
		ID:              idx.New().String(),
		Email:           strings.ToLower(strings.TrimSpace(in.Email)),
		Name:            in.Name,
		PasswordHash:    hash,
		Status:          domain.UserActive,
		EmailVerifiedAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().CreateUser(ctx, u); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return ErrEmailTaken
			}
			return err
		}
		return tx.Users().AssignRole(ctx, u.ID, role.ID)
	})
	if err != nil {
		return domain.User{}, err
	}

	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:    actorID,
		Action:     "user.created",
		Resource:   "platform_user",
		ResourceID: u.ID,
		Changes:    map[string]any{"role": role.Name},
	})

	slogx.FromContext(ctx).Info("platform user created",
		slog.String("user_id", u.ID),
		slog.String("role", role.Name))
	return u, nil
}

// Invite mints a single-use invitation token for an email address. The
// plaintext token is returned exactly once; only its fingerprint is stored.
func (s *UserService) Invite(ctx context.Context, actorID, email, roleName string) (string, error) {
	if err := s.Policy.RequirePermission(ctx, actorID, domain.PermUsersManage); err != nil {
		return "", err
	}

	role, err := s.Store.Roles().GetRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrRoleNotFound
		}
		return "", err
	}

	token, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}

	now := time.Now()
	inv := domain.Invite{
		ID:        idx.New().String(),
		TokenHash: cryptox.FingerprintToken(token),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		RoleID:    role.ID,
		CreatedBy: actorID,
		ExpiresAt: now.Add(inviteTTL),
		CreatedAt: now,
	}
	if err := s.Store.Invites().CreateInvite(ctx, inv); err != nil {
		return "", err
	}

	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:    actorID,
		Action:     "user.invited",
		Resource:   "invite",
		ResourceID: inv.ID,
		Changes:    map[string]any{"role": role.Name, "invited_email": inv.Email},
	})
	s.Bus.Publish(domain.EventUserInvited, map[string]string{
		"invite_id":  inv.ID,
		"invited_by": actorID,
	})

	return token, nil
}

// AcceptInvite redeems an invitation and creates the account. The invite row
// is marked used conditionally, so a second acceptance of the same token
// fails even under concurrency. Accepting the invite proves control of the
// email address, so the account starts verified.
func (s *UserService) AcceptInvite(ctx context.Context, token, name, password string) (domain.User, error) {
	now := time.Now()
	hash := cryptox.FingerprintToken(token)

	inv, err := s.Store.Invites().GetActiveInviteByTokenHash(ctx, hash, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrInvalidInvite
		}
		return domain.User{}, err
	}

	pwHash, err := cryptox.HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}

	verifiedAt := now
	u := domain.User{
		ID:              idx.New().String(),
		Email:           inv.Email,
		Name:            name,
		PasswordHash:    pwHash,
		Status:          domain.UserActive,
		EmailVerifiedAt: &verifiedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Invites().MarkInviteUsed(ctx, inv.ID, u.ID, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidInvite
			}
			return err
		}
		if err := tx.Users().CreateUser(ctx, u); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return ErrEmailTaken
			}
			return err
		}
		return tx.Users().AssignRole(ctx, u.ID, inv.RoleID)
	})
	if err != nil {
		return domain.User{}, err
	}

	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:    u.ID,
		Action:     "user.invite_accepted",
		Resource:   "platform_user",
		ResourceID: u.ID,
	})

	return u, nil
}

// SetStatus enables or disables an account. Disabling revokes every live
// session so the change takes effect immediately. Acting on your own account
// is blocked.
func (s *UserService) SetStatus(ctx context.Context, actorID, userID string, status domain.UserStatus) error {
	if err := s.Policy.RequirePermission(ctx, actorID, domain.PermUsersManage); err != nil {
		return err
	}
	if actorID == userID {
		return ErrSelfTarget
	}

	if err := s.Store.Users().UpdateStatus(ctx, userID, status); err != nil {
		return err
	}
	if status == domain.UserDisabled {
		if err := s.Sessions.RevokeAllForUser(ctx, userID); err != nil {
			return err
		}
	}

	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:    actorID,
		Action:     "user.status_changed",
		Resource:   "platform_user",
		ResourceID: userID,
		Changes:    map[string]any{"status": string(status)},
	})
	return nil
}

// Delete removes an account permanently, revoking its sessions first. The
// self-delete guard holds even for super admins.
func (s *UserService) Delete(ctx context.Context, actorID, userID string) error {
	if err := s.Policy.RequirePermission(ctx, actorID, domain.PermUsersManage); err != nil {
		return err
	}
	if actorID == userID {
		return ErrSelfTarget
	}

	if err := s.Sessions.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	if err := s.Store.Users().DeleteUser(ctx, userID); err != nil {
		return err
	}

	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:    actorID,
		Action:     "user.deleted",
		Resource:   "platform_user",
		ResourceID: userID,
	})
	return nil
}

// AssignRole adds a role to a user.
func (s *UserService) AssignRole(ctx context.Context, actorID, userID, roleName string) error {
	return s.changeRole(ctx, actorID, userID, roleName, true)
}

// RemoveRole takes a role away from a user.
func (s *UserService) RemoveRole(ctx context.Context, actorID, userID, roleName string) error {
	return s.changeRole(ctx, actorID, userID, roleName, false)
}

func (s *UserService) changeRole(ctx context.Context, actorID, userID, roleName string, assign bool) error {
	if err := s.Policy.RequirePermission(ctx, actorID, domain.PermUsersManage); err != nil {
		return err
	}

	role, err := s.Store.Roles().GetRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoleNotFound
		}
		return err
	}

	action := "user.role_removed"
	if assign {
		action = "user.role_assigned"
		err = s.Store.Users().AssignRole(ctx, userID, role.ID)
	} else {
		err = s.Store.Users().RemoveRole(ctx, userID, role.ID)
	}
	if err != nil {
		return err
	}

	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:    actorID,
		Action:     action,
		Resource:   "platform_user",
		ResourceID: userID,
		Changes:    map[string]any{"role": role.Name},
	})
	s.Bus.Publish(domain.EventUserRoleChanged, map[string]string{
		"user_id":    userID,
		"role":       role.Name,
		"changed_by": actorID,
	})
	return nil
}

// ChangePassword rotates the caller's own password after verifying the
// current one, then revokes every live session so stolen refresh tokens die
// with the old credential.
func (s *UserService) ChangePassword(ctx context.Context, userID, current, newPassword string) error {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	// SSO-only accounts have no password to change.
	if u.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	if err := cryptox.VerifyPassword(current, u.PasswordHash); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := cryptox.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.Store.Users().UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	if err := s.Sessions.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}

	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:    userID,
		Action:     "user.password_changed",
		Resource:   "platform_user",
		ResourceID: userID,
	})
	return nil
}

// UpdateIPAllowlist replaces a user's allowlist entries after validating each
// one parses as an IP literal or CIDR block.
func (s *UserService) UpdateIPAllowlist(ctx context.Context, actorID, userID string, entries []string) error {
	if err := s.Policy.RequirePermission(ctx, actorID, domain.PermUsersManage); err != nil {
		return err
	}
	if err := ipx.Validate(entries); err != nil {
		return err
	}

	if err := s.Store.Users().UpdateIPAllowlist(ctx, userID, entries); err != nil {
		return err
	}

	_ = s.Audit.Record(ctx, RecordInput{
		ActorID:    actorID,
		Action:     "user.ip_allowlist_changed",
		Resource:   "platform_user",
		ResourceID: userID,
		Changes:    map[string]any{"entries": strings.Join(entries, " ")},
	})
	return nil
}
