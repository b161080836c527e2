package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/flowdeploy-go/internal/domain/user"
	"github.com/flowdeploy-go/pkg/database"
)

func setupTestDB(t *testing.T) *AuthRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := NewAuthRepository(database.Wrap(db))
	require.NoError(t, repo.Migrate())
	return repo
}

func createUser(t *testing.T, repo *AuthRepository, username string) *user.User {
	t.Helper()
	u, err := user.NewUser(username, username+"@example.com", "Passw0rd!Passw0rd")
	require.NoError(t, err)
	require.NoError(t, repo.CreateUser(context.Background(), u))
	return u
}

func TestAuthRepository_Users(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, repo, "alice")

	got, err := repo.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	assert.True(t, got.CheckPassword("Passw0rd!Passw0rd"))

	_, err = repo.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, user.ErrNotFound)

	got.Email = "new@example.com"
	require.NoError(t, repo.UpdateUser(ctx, got))
	got, err = repo.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.Email)

	u, err := user.NewUser("alice", "", "x")
	require.NoError(t, err)
	assert.Error(t, repo.CreateUser(ctx, u), "usernames are unique")
}

func TestAuthRepository_Organizations(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	org, err := repo.EnsureOrganization(ctx, "acme", "Acme Inc")
	require.NoError(t, err)
	assert.Equal(t, "acme", org.Name)

	again, err := repo.EnsureOrganization(ctx, "acme", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "Acme Inc", again.DisplayName)

	alice := createUser(t, repo, "alice")
	bob := createUser(t, repo, "bob")
	require.NoError(t, repo.AddMember(ctx, "acme", alice.ID))
	require.NoError(t, repo.AddMember(ctx, "acme", bob.ID))
	require.NoError(t, repo.AddMember(ctx, "acme", alice.ID))

	members, err := repo.ListMembers(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].Username)

	isMember, err := repo.IsMember(ctx, "acme", bob.ID)
	require.NoError(t, err)
	assert.True(t, isMember)

	orgs, err := repo.UserOrganizations(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, "acme", orgs[0].ID)

	_, err = repo.GetOrganization(ctx, "globex")
	assert.ErrorIs(t, err, user.ErrNotFound)
}
