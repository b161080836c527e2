package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/flowdeploy-go/internal/domain/user"
	"github.com/flowdeploy-go/internal/services/auth/rbac"
	"github.com/flowdeploy-go/internal/services/auth/repository"
	"github.com/flowdeploy-go/pkg/auth/jwt"
	"github.com/flowdeploy-go/pkg/auth/session"
	"github.com/flowdeploy-go/pkg/config"
	"github.com/flowdeploy-go/pkg/database"
	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/middleware/ratelimit"
)

const strongPassword = "Sup3r-Secret-Pass"

type testEnv struct {
	svc   *AuthService
	repo  *repository.AuthRepository
	rbac  *rbac.Enforcer
	redis *miniredis.Miniredis
	jwt   *jwt.Manager
}

// Test helpers
func setupTestService(t *testing.T, envFile string) *testEnv {
	t.Helper()
	t.Setenv(EnvDefaultUsername, "")
	t.Setenv(EnvDefaultPassword, "")

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	wrapped := database.Wrap(db)

	repo := repository.NewAuthRepository(wrapped)
	require.NoError(t, repo.Migrate())

	enforcer, err := rbac.NewEnforcer(wrapped, logger.NewNop())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	jwtManager, err := jwt.NewManager(config.JWTConfig{SecretKey: "test-secret", ExpiryHours: 1, Issuer: "test"})
	require.NoError(t, err)

	svc := NewAuthService(
		repo,
		jwtManager,
		ratelimit.NewLoginLimiter(client, 3, 15*time.Minute),
		session.NewRevocations(client),
		enforcer,
		nil,
		config.AuthConfig{DefaultOrganization: "acme", EnvFilePath: envFile},
		logger.NewNop(),
	)
	return &testEnv{svc: svc, repo: repo, rbac: enforcer, redis: mr, jwt: jwtManager}
}

func (e *testEnv) addMember(t *testing.T, username, role string) *user.User {
	t.Helper()
	ctx := context.Background()
	u, err := user.NewUser(username, username+"@example.com", strongPassword)
	require.NoError(t, err)
	require.NoError(t, e.repo.CreateUser(ctx, u))
	_, err = e.repo.EnsureOrganization(ctx, "acme", "acme")
	require.NoError(t, err)
	require.NoError(t, e.repo.AddMember(ctx, "acme", u.ID))
	require.NoError(t, e.rbac.AddRole(u.ID, role, "acme"))
	return u
}

func TestLogin_Success(t *testing.T) {
	env := setupTestService(t, "")
	alice := env.addMember(t, "alice", user.RoleUser)

	result, err := env.svc.Login(context.Background(), "alice", strongPassword, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "acme", result.OrganizationID)

	claims, err := env.jwt.ValidateToken(result.Token)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, claims.UserID)
	assert.Equal(t, "acme", claims.OrganizationID)

	stored, err := env.repo.GetUserByID(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)
}

func TestLogin_RateLimited(t *testing.T) {
	env := setupTestService(t, "")
	env.addMember(t, "alice", user.RoleUser)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.svc.Login(ctx, "alice", "wrong", "10.0.0.1")
		assert.ErrorIs(t, err, user.ErrInvalidCredentials)
	}

	_, err := env.svc.Login(ctx, "alice", strongPassword, "10.0.0.1")
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	// Other clients are unaffected
	_, err = env.svc.Login(ctx, "alice", strongPassword, "10.0.0.2")
	require.NoError(t, err)

	env.redis.FastForward(16 * time.Minute)
	_, err = env.svc.Login(ctx, "alice", strongPassword, "10.0.0.1")
	require.NoError(t, err)
}

func TestLogin_SuccessResetsAttempts(t *testing.T) {
	env := setupTestService(t, "")
	env.addMember(t, "alice", user.RoleUser)
	ctx := context.Background()

	_, _ = env.svc.Login(ctx, "alice", "wrong", "ip")
	_, _ = env.svc.Login(ctx, "alice", "wrong", "ip")
	_, err := env.svc.Login(ctx, "alice", strongPassword, "ip")
	require.NoError(t, err)
	assert.False(t, env.redis.Exists("login_attempts:ip"))
}

func TestLogin_RejectsSuperuserAndMissingFields(t *testing.T) {
	env := setupTestService(t, "")
	ctx := context.Background()

	root, err := user.NewUser("root", "", strongPassword)
	require.NoError(t, err)
	root.IsSuperuser = true
	require.NoError(t, env.repo.CreateUser(ctx, root))

	_, err = env.svc.Login(ctx, "root", strongPassword, "ip")
	assert.ErrorIs(t, err, user.ErrInvalidCredentials)

	_, err = env.svc.Login(ctx, "", "x", "ip")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLogin_BootstrapsDefaultUserFromEnv(t *testing.T) {
	env := setupTestService(t, "")
	t.Setenv(EnvDefaultUsername, "owner")
	t.Setenv(EnvDefaultPassword, strongPassword)

	result, err := env.svc.Login(context.Background(), "owner", strongPassword, "ip")
	require.NoError(t, err)
	assert.True(t, env.svc.IsOrganizationAdmin(result.User.ID, "acme"))
}

func TestLogout_RevokesSession(t *testing.T) {
	env := setupTestService(t, "")
	env.addMember(t, "alice", user.RoleUser)
	ctx := context.Background()

	result, err := env.svc.Login(ctx, "alice", strongPassword, "ip")
	require.NoError(t, err)

	revoked, err := env.svc.IsRevoked(ctx, result.Token)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, env.svc.Logout(ctx, result.Token))
	revoked, err = env.svc.IsRevoked(ctx, result.Token)
	require.NoError(t, err)
	assert.True(t, revoked)

	assert.Error(t, env.svc.Logout(ctx, "garbage"))
}

func TestEnsureDefaultUser(t *testing.T) {
	t.Run("creates an admin when the organization is empty", func(t *testing.T) {
		env := setupTestService(t, "")
		admin, err := env.svc.EnsureDefaultUser(context.Background())
		require.NoError(t, err)
		assert.True(t, env.svc.IsOrganizationAdmin(admin.ID, "acme"))

		again, err := env.svc.EnsureDefaultUser(context.Background())
		require.NoError(t, err)
		assert.Equal(t, admin.ID, again.ID)
	})

	t.Run("promotes the first member", func(t *testing.T) {
		env := setupTestService(t, "")
		first := env.addMember(t, "first", user.RoleUser)
		env.addMember(t, "second", user.RoleUser)

		admin, err := env.svc.EnsureDefaultUser(context.Background())
		require.NoError(t, err)
		assert.Equal(t, first.ID, admin.ID)
		assert.True(t, env.svc.IsOrganizationAdmin(first.ID, "acme"))
	})

	t.Run("applies env credentials to the existing admin", func(t *testing.T) {
		env := setupTestService(t, "")
		boss := env.addMember(t, "boss", user.RoleAdmin)
		t.Setenv(EnvDefaultUsername, "chief")
		t.Setenv(EnvDefaultPassword, "An0ther-Secret!")

		admin, err := env.svc.EnsureDefaultUser(context.Background())
		require.NoError(t, err)
		assert.Equal(t, boss.ID, admin.ID)
		assert.Equal(t, "chief", admin.Username)
		assert.True(t, admin.CheckPassword("An0ther-Secret!"))
	})
}

func TestRoles(t *testing.T) {
	env := setupTestService(t, "")
	ctx := context.Background()
	boss := env.addMember(t, "boss", user.RoleAdmin)
	worker := env.addMember(t, "worker", user.RoleUser)

	role, err := env.svc.GetOrganizationRoleOfUser(ctx, worker.ID, "acme")
	require.NoError(t, err)
	assert.Equal(t, user.RoleUser, role)

	_, err = env.svc.GetOrganizationRoleOfUser(ctx, worker.ID, "globex")
	assert.ErrorIs(t, err, user.ErrNotFound)

	assert.ErrorIs(t, env.svc.AddOrganizationUserRole(ctx, worker.ID, "acme", boss.ID, "user"), user.ErrForbidden)
	assert.ErrorIs(t, env.svc.AddOrganizationUserRole(ctx, boss.ID, "acme", worker.ID, "owner"), user.ErrInvalidRole)
	assert.ErrorIs(t, env.svc.AddOrganizationUserRole(ctx, boss.ID, "acme", "stranger", "user"), user.ErrNotFound)

	require.NoError(t, env.svc.AddOrganizationUserRole(ctx, boss.ID, "acme", worker.ID, "Admin"))
	assert.True(t, env.svc.IsOrganizationAdmin(worker.ID, "acme"))

	require.NoError(t, env.svc.RemoveOrganizationUserRole(ctx, boss.ID, "acme", worker.ID, "admin"))
	assert.False(t, env.svc.IsOrganizationAdmin(worker.ID, "acme"))

	members, err := env.svc.GetOrganizationMembers(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, user.RoleAdmin, members[0].Role)

	info, err := env.svc.GetUserInfo(ctx, boss.ID, "acme")
	require.NoError(t, err)
	assert.True(t, info.IsAdmin)
}

func TestDefaultCredentials(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("# platform\nDEFAULT_AUTH_USERNAME=old\nOTHER=1\n"), 0o600))

	env := setupTestService(t, envPath)
	ctx := context.Background()
	boss := env.addMember(t, "boss", user.RoleAdmin)
	worker := env.addMember(t, "worker", user.RoleUser)

	creds, err := env.svc.GetDefaultCredentials(ctx, boss.ID, "acme")
	require.NoError(t, err)
	assert.Equal(t, "old", creds.Username)

	_, err = env.svc.GetDefaultCredentials(ctx, worker.ID, "acme")
	assert.ErrorIs(t, err, user.ErrForbidden)

	assert.ErrorIs(t, env.svc.UpdateDefaultCredentials(ctx, boss.ID, "acme", "chief", "weak"), user.ErrWeakPassword)
	assert.ErrorIs(t, env.svc.UpdateDefaultCredentials(ctx, worker.ID, "acme", "chief", strongPassword), user.ErrForbidden)

	for _, tc := range []struct{ username, password string }{
		{"chief", strongPassword + "\nINJECTED=1"},
		{"chief\rINJECTED=1", strongPassword},
		{"chief", strongPassword + "\x00"},
	} {
		err := env.svc.UpdateDefaultCredentials(ctx, boss.ID, "acme", tc.username, tc.password)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Empty(t, os.Getenv(EnvDefaultUsername))

	require.NoError(t, env.svc.UpdateDefaultCredentials(ctx, boss.ID, "acme", "chief", strongPassword))
	assert.Equal(t, "chief", os.Getenv(EnvDefaultUsername))

	data, err := os.ReadFile(envPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# platform\n")
	assert.Contains(t, string(data), "DEFAULT_AUTH_USERNAME=chief\n")
	assert.Contains(t, string(data), "OTHER=1\n")
	assert.Contains(t, string(data), "DEFAULT_AUTH_PASSWORD=")
	assert.NotContains(t, string(data), "INJECTED")

	result, err := env.svc.Login(ctx, "chief", strongPassword, "ip")
	require.NoError(t, err)
	assert.Equal(t, boss.ID, result.User.ID)
}

func TestDefaultCredentials_MissingEnvFileIsNotCreated(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	env := setupTestService(t, envPath)
	boss := env.addMember(t, "boss", user.RoleAdmin)

	require.NoError(t, env.svc.UpdateDefaultCredentials(context.Background(), boss.ID, "acme", "chief", strongPassword))
	_, err := os.Stat(envPath)
	assert.True(t, os.IsNotExist(err))
}

func TestNotImplemented(t *testing.T) {
	env := setupTestService(t, "")
	assert.ErrorIs(t, env.svc.Signup(context.Background()), user.ErrNotImplemented)
	assert.ErrorIs(t, env.svc.InviteUser(context.Background(), "acme", "a@b.c"), user.ErrNotImplemented)
}
