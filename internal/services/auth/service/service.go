package service

import (
	"context"
	"errors"
	"time"

	"github.com/flowdeploy-go/internal/domain/user"
	"github.com/flowdeploy-go/pkg/auth/jwt"
	"github.com/flowdeploy-go/pkg/config"
	"github.com/flowdeploy-go/pkg/events"
	"github.com/flowdeploy-go/pkg/logger"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrTooManyAttempts = errors.New("too many failed login attempts")
)

// Env var names holding the default account credentials.
const (
	EnvDefaultUsername = "DEFAULT_AUTH_USERNAME"
	EnvDefaultPassword = "DEFAULT_AUTH_PASSWORD"
)

type AuthRepository interface {
	CreateUser(ctx context.Context, u *user.User) error
	GetUserByID(ctx context.Context, id string) (*user.User, error)
	GetUserByUsername(ctx context.Context, username string) (*user.User, error)
	UpdateUser(ctx context.Context, u *user.User) error
	EnsureOrganization(ctx context.Context, id, displayName string) (*user.Organization, error)
	GetOrganization(ctx context.Context, id string) (*user.Organization, error)
	AddMember(ctx context.Context, organizationID, userID string) error
	IsMember(ctx context.Context, organizationID, userID string) (bool, error)
	ListMembers(ctx context.Context, organizationID string) ([]*user.User, error)
	UserOrganizations(ctx context.Context, userID string) ([]*user.Organization, error)
}

// RoleManager assigns organization scoped roles.
type RoleManager interface {
	Enforce(userID, organizationID, object, action string) (bool, error)
	AddRole(userID, role, organizationID string) error
	RemoveRole(userID, role, organizationID string) error
	RolesFor(userID, organizationID string) []string
	UsersForRole(role, organizationID string) []string
}

type LoginLimiter interface {
	Blocked(ctx context.Context, clientID string) (bool, error)
	RecordFailure(ctx context.Context, clientID string) (int64, error)
	Reset(ctx context.Context, clientID string) error
}

type SessionStore interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

type AuthService struct {
	repository AuthRepository
	jwtManager *jwt.Manager
	limiter    LoginLimiter
	sessions   SessionStore
	rbac       RoleManager
	eventBus   events.Publisher
	config     config.AuthConfig
	logger     logger.Logger
}

func NewAuthService(
	repo AuthRepository,
	jwtManager *jwt.Manager,
	limiter LoginLimiter,
	sessions SessionStore,
	rbac RoleManager,
	eventBus events.Publisher,
	cfg config.AuthConfig,
	logger logger.Logger,
) *AuthService {
	if eventBus == nil {
		eventBus = events.NopPublisher{}
	}
	if cfg.DefaultOrganization == "" {
		cfg.DefaultOrganization = "default"
	}
	return &AuthService{
		repository: repo,
		jwtManager: jwtManager,
		limiter:    limiter,
		sessions:   sessions,
		rbac:       rbac,
		eventBus:   eventBus,
		config:     cfg,
		logger:     logger,
	}
}

func (s *AuthService) publish(ctx context.Context, event events.Event) {
	if err := s.eventBus.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
	}
}

// Signup is not offered; accounts come from the default user bootstrap.
func (s *AuthService) Signup(ctx context.Context) error {
	return user.ErrNotImplemented
}

func (s *AuthService) InviteUser(ctx context.Context, organizationID, email string) error {
	return user.ErrNotImplemented
}
