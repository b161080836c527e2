package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowdeploy-go/internal/domain/user"
	"github.com/flowdeploy-go/pkg/database"
)

// AuthRepository stores users, organizations and memberships.
type AuthRepository struct {
	db *database.DB
}

func NewAuthRepository(db *database.DB) *AuthRepository {
	return &AuthRepository{db: db}
}

func (r *AuthRepository) Migrate() error {
	return r.db.Migrate(&user.User{}, &user.Organization{}, &user.OrganizationMember{})
}

func (r *AuthRepository) CreateUser(ctx context.Context, u *user.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *AuthRepository) GetUserByID(ctx context.Context, id string) (*user.User, error) {
	var u user.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *AuthRepository) GetUserByUsername(ctx context.Context, username string) (*user.User, error) {
	var u user.User
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *AuthRepository) UpdateUser(ctx context.Context, u *user.User) error {
	u.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(u).Error
}

// EnsureOrganization returns the organization with id, creating it when
// missing.
func (r *AuthRepository) EnsureOrganization(ctx context.Context, id, displayName string) (*user.Organization, error) {
	org := user.Organization{ID: id, Name: id, DisplayName: displayName, CreatedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).
		Where(user.Organization{ID: id}).
		Attrs(org).
		FirstOrCreate(&org).Error
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *AuthRepository) GetOrganization(ctx context.Context, id string) (*user.Organization, error) {
	var org user.Organization
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// AddMember is a no-op for existing members.
func (r *AuthRepository) AddMember(ctx context.Context, organizationID, userID string) error {
	member := user.OrganizationMember{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		UserID:         userID,
		CreatedAt:      time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&member).Error
}

func (r *AuthRepository) IsMember(ctx context.Context, organizationID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&user.OrganizationMember{}).
		Where("organization_id = ? AND user_id = ?", organizationID, userID).
		Count(&count).Error
	return count > 0, err
}

// ListMembers returns members in the order they joined.
func (r *AuthRepository) ListMembers(ctx context.Context, organizationID string) ([]*user.User, error) {
	var users []*user.User
	err := r.db.WithContext(ctx).
		Joins("JOIN organization_members m ON m.user_id = users.id").
		Where("m.organization_id = ?", organizationID).
		Order("m.created_at ASC").
		Find(&users).Error
	return users, err
}

func (r *AuthRepository) UserOrganizations(ctx context.Context, userID string) ([]*user.Organization, error) {
	var orgs []*user.Organization
	err := r.db.WithContext(ctx).
		Joins("JOIN organization_members m ON m.organization_id = organizations.id").
		Where("m.user_id = ?", userID).
		Order("organizations.name ASC").
		Find(&orgs).Error
	return orgs, err
}
