package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/flowdeploy-go/internal/domain/user"
	"github.com/flowdeploy-go/pkg/envfile"
	"github.com/flowdeploy-go/pkg/events"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// EnsureDefaultUser makes sure the default organization has an admin and
// applies the configured default credentials to it. The admin is, in order,
// an existing admin, the earliest member promoted, or a new account with
// random credentials.
func (s *AuthService) EnsureDefaultUser(ctx context.Context) (*user.User, error) {
	org, err := s.repository.EnsureOrganization(ctx, s.config.DefaultOrganization, s.config.DefaultOrganization)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure default organization: %w", err)
	}

	admin, err := s.findAdmin(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	if admin == nil {
		if admin, err = s.createAdmin(ctx, org.ID); err != nil {
			return nil, err
		}
	}

	if err := s.applyDefaultCredentials(ctx, admin); err != nil {
		return nil, err
	}
	return admin, nil
}

func (s *AuthService) findAdmin(ctx context.Context, organizationID string) (*user.User, error) {
	for _, id := range s.rbac.UsersForRole(user.RoleAdmin, organizationID) {
		u, err := s.repository.GetUserByID(ctx, id)
		if errors.Is(err, user.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return u, nil
	}

	members, err := s.repository.ListMembers(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	first := members[0]
	if err := s.rbac.AddRole(first.ID, user.RoleAdmin, organizationID); err != nil {
		return nil, err
	}
	s.logger.Info("Promoted first member to admin", "user_id", first.ID, "organization_id", organizationID)
	return first, nil
}

func (s *AuthService) createAdmin(ctx context.Context, organizationID string) (*user.User, error) {
	suffix, err := randomString(4, hex.EncodeToString)
	if err != nil {
		return nil, err
	}
	password, err := randomString(24, base64.RawURLEncoding.EncodeToString)
	if err != nil {
		return nil, err
	}

	admin, err := user.NewUser("admin_"+suffix, "", password)
	if err != nil {
		return nil, fmt.Errorf("failed to create default user: %w", err)
	}
	if err := s.repository.CreateUser(ctx, admin); err != nil {
		return nil, fmt.Errorf("failed to save default user: %w", err)
	}
	if err := s.repository.AddMember(ctx, organizationID, admin.ID); err != nil {
		return nil, fmt.Errorf("failed to add default user to organization: %w", err)
	}
	if err := s.rbac.AddRole(admin.ID, user.RoleAdmin, organizationID); err != nil {
		return nil, err
	}

	s.logger.Info("Created default user", "user_id", admin.ID, "organization_id", organizationID)
	return admin, nil
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

func randomString(n int, encode func([]byte) string) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return encode(b), nil
}

func (s *AuthService) applyDefaultCredentials(ctx context.Context, admin *user.User) error {
	creds := s.currentDefaultCredentials()
	changed := false
	if creds.Username != "" && creds.Username != admin.Username {
		admin.Username = creds.Username
		changed = true
	}
	if creds.Password != "" && !admin.CheckPassword(creds.Password) {
		if err := admin.SetPassword(creds.Password); err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		changed = true
	}
	if !changed {
		return nil
	}
	if err := s.repository.UpdateUser(ctx, admin); err != nil {
		return fmt.Errorf("failed to apply default credentials: %w", err)
	}
	return nil
}

// currentDefaultCredentials reads the process environment, falling back to
// the env file for values not set there.
func (s *AuthService) currentDefaultCredentials() Credentials {
	creds := Credentials{
		Username: os.Getenv(EnvDefaultUsername),
		Password: os.Getenv(EnvDefaultPassword),
	}
	if (creds.Username != "" && creds.Password != "") || s.config.EnvFilePath == "" {
		return creds
	}

	values, err := envfile.Read(s.config.EnvFilePath)
	if err != nil {
		if !errors.Is(err, envfile.ErrMissing) {
			s.logger.Warn("Failed to read env file", "path", s.config.EnvFilePath, "error", err)
		}
		return creds
	}
	if creds.Username == "" {
		creds.Username = values[EnvDefaultUsername]
	}
	if creds.Password == "" {
		creds.Password = values[EnvDefaultPassword]
	}
	return creds
}

func (s *AuthService) GetDefaultCredentials(ctx context.Context, callerID, organizationID string) (*Credentials, error) {
	if !s.IsOrganizationAdmin(callerID, organizationID) {
		return nil, user.ErrForbidden
	}
	creds := s.currentDefaultCredentials()
	return &creds, nil
}

// UpdateDefaultCredentials stores new default credentials in the process
// environment and the env file, then applies them to the default admin. A
// missing env file is left missing.
func (s *AuthService) UpdateDefaultCredentials(ctx context.Context, callerID, organizationID, username, password string) error {
	if !s.IsOrganizationAdmin(callerID, organizationID) {
		return user.ErrForbidden
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidRequest)
	}
	if hasControl(username) || hasControl(password) {
		return fmt.Errorf("%w: credentials must not contain control characters", ErrInvalidRequest)
	}
	if err := user.ValidatePasswordComplexity(password); err != nil {
		return err
	}

	if err := os.Setenv(EnvDefaultUsername, username); err != nil {
		return fmt.Errorf("failed to set %s: %w", EnvDefaultUsername, err)
	}
	if err := os.Setenv(EnvDefaultPassword, password); err != nil {
		return fmt.Errorf("failed to set %s: %w", EnvDefaultPassword, err)
	}

	if s.config.EnvFilePath != "" {
		err := envfile.Upsert(s.config.EnvFilePath, map[string]string{
			EnvDefaultUsername: username,
			EnvDefaultPassword: password,
		}, EnvDefaultUsername, EnvDefaultPassword)
		switch {
		case errors.Is(err, envfile.ErrMissing):
			s.logger.Warn("Env file not found, default credentials only updated in memory", "path", s.config.EnvFilePath)
		case err != nil:
			return err
		}
	}

	if _, err := s.EnsureDefaultUser(ctx); err != nil {
		return err
	}

	s.logger.Info("Default credentials updated", "user_id", callerID)
	s.publish(ctx, events.NewEventBuilder(events.DefaultCredentialsReset).
		WithAggregateID(organizationID).
		WithAggregateType("organization").
		WithUserID(callerID).
		WithPayload("username", username).
		Build())
	return nil
}
