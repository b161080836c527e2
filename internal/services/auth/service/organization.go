package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowdeploy-go/internal/domain/user"
	"github.com/flowdeploy-go/pkg/events"
)

type UserInfo struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
	IsAdmin        bool   `json:"is_admin"`
}

type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

func (s *AuthService) GetUserInfo(ctx context.Context, userID, organizationID string) (*UserInfo, error) {
	u, err := s.repository.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	role := s.roleOf(userID, organizationID)
	return &UserInfo{
		ID:             u.ID,
		Username:       u.Username,
		Email:          u.Email,
		OrganizationID: organizationID,
		Role:           role,
		IsAdmin:        user.IsAdminRole(role),
	}, nil
}

func (s *AuthService) UserOrganizations(ctx context.Context, userID string) ([]*user.Organization, error) {
	return s.repository.UserOrganizations(ctx, userID)
}

// GetOrganizationRoleOfUser returns the user's role, preferring admin when
// several are assigned.
func (s *AuthService) GetOrganizationRoleOfUser(ctx context.Context, userID, organizationID string) (string, error) {
	member, err := s.repository.IsMember(ctx, organizationID, userID)
	if err != nil {
		return "", err
	}
	if !member {
		return "", user.ErrNotFound
	}
	return s.roleOf(userID, organizationID), nil
}

func (s *AuthService) roleOf(userID, organizationID string) string {
	roles := s.rbac.RolesFor(userID, organizationID)
	for _, r := range roles {
		if user.IsAdminRole(r) {
			return user.RoleAdmin
		}
	}
	if len(roles) > 0 {
		return roles[0]
	}
	return ""
}

func (s *AuthService) IsOrganizationAdmin(userID, organizationID string) bool {
	return user.IsAdminRole(s.roleOf(userID, organizationID))
}

func (s *AuthService) GetRoles() []string {
	return user.Roles()
}

func (s *AuthService) GetOrganizationMembers(ctx context.Context, organizationID string) ([]Member, error) {
	users, err := s.repository.ListMembers(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(users))
	for _, u := range users {
		members = append(members, Member{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			Role:     s.roleOf(u.ID, organizationID),
		})
	}
	return members, nil
}

// AddOrganizationUserRole grants role to a member. Only organization admins
// may change roles.
func (s *AuthService) AddOrganizationUserRole(ctx context.Context, callerID, organizationID, userID, role string) error {
	role, err := s.checkRoleChange(ctx, callerID, organizationID, userID, role)
	if err != nil {
		return err
	}
	if err := s.rbac.AddRole(userID, role, organizationID); err != nil {
		return err
	}

	s.publish(ctx, events.NewEventBuilder(events.UserRoleAdded).
		WithAggregateID(userID).
		WithAggregateType("user").
		WithUserID(callerID).
		WithPayload("organizationId", organizationID).
		WithPayload("role", role).
		Build())
	return nil
}

func (s *AuthService) RemoveOrganizationUserRole(ctx context.Context, callerID, organizationID, userID, role string) error {
	role, err := s.checkRoleChange(ctx, callerID, organizationID, userID, role)
	if err != nil {
		return err
	}
	if err := s.rbac.RemoveRole(userID, role, organizationID); err != nil {
		return err
	}

	s.publish(ctx, events.NewEventBuilder(events.UserRoleRemoved).
		WithAggregateID(userID).
		WithAggregateType("user").
		WithUserID(callerID).
		WithPayload("organizationId", organizationID).
		WithPayload("role", role).
		Build())
	return nil
}

func (s *AuthService) checkRoleChange(ctx context.Context, callerID, organizationID, userID, role string) (string, error) {
	if !s.IsOrganizationAdmin(callerID, organizationID) {
		return "", user.ErrForbidden
	}
	if !user.IsValidRole(role) {
		return "", fmt.Errorf("%w: %q", user.ErrInvalidRole, role)
	}
	member, err := s.repository.IsMember(ctx, organizationID, userID)
	if err != nil {
		return "", err
	}
	if !member {
		return "", user.ErrNotFound
	}
	return strings.ToLower(role), nil
}
