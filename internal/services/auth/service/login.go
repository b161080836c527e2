package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowdeploy-go/internal/domain/user"
	"github.com/flowdeploy-go/pkg/events"
	"github.com/flowdeploy-go/pkg/metrics"
)

type LoginResult struct {
	Token          string     `json:"token"`
	ExpiresAt      time.Time  `json:"expires_at"`
	OrganizationID string     `json:"organization_id"`
	User           *user.User `json:"user"`
}

// Login authenticates username and opens a session in the default
// organization. A failed attempt bootstraps the default account once and
// retries, so a fresh install accepts the configured credentials.
func (s *AuthService) Login(ctx context.Context, username, password, clientIP string) (*LoginResult, error) {
	blocked, err := s.limiter.Blocked(ctx, clientIP)
	if err != nil {
		s.logger.Warn("Login limiter unavailable", "error", err)
	}
	if blocked {
		metrics.RecordLoginAttempt("blocked")
		return nil, ErrTooManyAttempts
	}

	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidRequest)
	}

	u, err := s.authenticate(ctx, username, password)
	if errors.Is(err, user.ErrInvalidCredentials) {
		if _, bootErr := s.EnsureDefaultUser(ctx); bootErr != nil {
			s.logger.Error("Failed to ensure default user", "error", bootErr)
		} else {
			u, err = s.authenticate(ctx, username, password)
		}
	}
	if err != nil {
		if errors.Is(err, user.ErrInvalidCredentials) {
			metrics.RecordLoginAttempt("failure")
			if _, recErr := s.limiter.RecordFailure(ctx, clientIP); recErr != nil {
				s.logger.Warn("Failed to record login attempt", "error", recErr)
			}
		}
		return nil, err
	}

	if err := s.limiter.Reset(ctx, clientIP); err != nil {
		s.logger.Warn("Failed to reset login attempts", "error", err)
	}

	orgID := s.config.DefaultOrganization
	if _, err := s.repository.EnsureOrganization(ctx, orgID, orgID); err != nil {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	if err := s.repository.AddMember(ctx, orgID, u.ID); err != nil {
		return nil, fmt.Errorf("failed to add organization member: %w", err)
	}
	if len(s.rbac.RolesFor(u.ID, orgID)) == 0 {
		if err := s.rbac.AddRole(u.ID, user.RoleUser, orgID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	u.LastLoginAt = &now
	if err := s.repository.UpdateUser(ctx, u); err != nil {
		s.logger.Warn("Failed to record last login", "user_id", u.ID, "error", err)
	}

	token, expiresAt, err := s.jwtManager.GenerateToken(u.ID, u.Username, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	metrics.RecordLoginAttempt("success")
	s.logger.Info("User logged in", "user_id", u.ID, "organization_id", orgID)
	s.publish(ctx, events.NewEventBuilder(events.UserLoggedIn).
		WithAggregateID(u.ID).
		WithAggregateType("user").
		WithUserID(u.ID).
		WithPayload("organizationId", orgID).
		WithPayload("ip", clientIP).
		Build())

	return &LoginResult{
		Token:          token,
		ExpiresAt:      expiresAt,
		OrganizationID: orgID,
		User:           u,
	}, nil
}

// authenticate never tells unknown users from wrong passwords. Superusers
// are platform accounts and cannot log in here.
func (s *AuthService) authenticate(ctx context.Context, username, password string) (*user.User, error) {
	u, err := s.repository.GetUserByUsername(ctx, username)
	if errors.Is(err, user.ErrNotFound) {
		return nil, user.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !u.IsActive || u.IsSuperuser || !u.CheckPassword(password) {
		return nil, user.ErrInvalidCredentials
	}
	return u, nil
}

// Logout revokes token for the rest of its lifetime.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	claims, err := s.jwtManager.ValidateToken(token)
	if err != nil {
		return err
	}
	if err := s.sessions.Revoke(ctx, token, s.jwtManager.RemainingTTL(claims)); err != nil {
		return err
	}

	s.logger.Info("User logged out", "user_id", claims.UserID)
	s.publish(ctx, events.NewEventBuilder(events.UserLoggedOut).
		WithAggregateID(claims.UserID).
		WithAggregateType("user").
		WithUserID(claims.UserID).
		Build())
	return nil
}

// IsRevoked lets the session middleware of this service consult the store.
func (s *AuthService) IsRevoked(ctx context.Context, token string) (bool, error) {
	return s.sessions.IsRevoked(ctx, token)
}
