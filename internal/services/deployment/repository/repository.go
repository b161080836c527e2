package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/flowdeploy-go/internal/domain/deployment"
	"github.com/flowdeploy-go/pkg/database"
)

// DeploymentRepository persists deployments and their API keys.
type DeploymentRepository struct {
	db *database.DB
}

func NewDeploymentRepository(db *database.DB) *DeploymentRepository {
	return &DeploymentRepository{db: db}
}

func (r *DeploymentRepository) Migrate() error {
	return r.db.Migrate(&deployment.Deployment{}, &deployment.APIKey{})
}

func (r *DeploymentRepository) Create(ctx context.Context, dep *deployment.Deployment) error {
	err := r.db.WithContext(ctx).Create(dep).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", deployment.ErrAlreadyExists, dep.APIName)
	}
	return err
}

func (r *DeploymentRepository) GetByID(ctx context.Context, id string) (*deployment.Deployment, error) {
	var dep deployment.Deployment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&dep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, deployment.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// GetByAPIName looks a deployment up regardless of its active flag.
func (r *DeploymentRepository) GetByAPIName(ctx context.Context, apiName string) (*deployment.Deployment, error) {
	var dep deployment.Deployment
	err := r.db.WithContext(ctx).Where("api_name = ?", apiName).First(&dep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, deployment.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

func (r *DeploymentRepository) ListByOrganization(ctx context.Context, organizationID string) ([]*deployment.Deployment, error) {
	var deps []*deployment.Deployment
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("created_at DESC").
		Find(&deps).Error
	return deps, err
}

func (r *DeploymentRepository) SetActive(ctx context.Context, id string, active bool) error {
	res := r.db.WithContext(ctx).Model(&deployment.Deployment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return deployment.ErrNotFound
	}
	return nil
}

// Delete removes the deployment together with its keys.
func (r *DeploymentRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("deployment_id = ?", id).Delete(&deployment.APIKey{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&deployment.Deployment{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return deployment.ErrNotFound
		}
		return nil
	})
}

func (r *DeploymentRepository) CreateKey(ctx context.Context, key *deployment.APIKey) error {
	return r.db.WithContext(ctx).Create(key).Error
}

func (r *DeploymentRepository) ListKeys(ctx context.Context, deploymentID string) ([]*deployment.APIKey, error) {
	var keys []*deployment.APIKey
	err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("created_at DESC").
		Find(&keys).Error
	return keys, err
}

// ActiveKeys returns the keys that can currently authenticate callers.
func (r *DeploymentRepository) ActiveKeys(ctx context.Context, deploymentID string) ([]*deployment.APIKey, error) {
	var keys []*deployment.APIKey
	err := r.db.WithContext(ctx).
		Where("deployment_id = ? AND is_active = ? AND revoked_at IS NULL", deploymentID, true).
		Find(&keys).Error
	return keys, err
}

func (r *DeploymentRepository) RevokeKey(ctx context.Context, deploymentID, keyID string) error {
	res := r.db.WithContext(ctx).Model(&deployment.APIKey{}).
		Where("id = ? AND deployment_id = ?", keyID, deploymentID).
		Updates(map[string]interface{}{"is_active": false, "revoked_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return deployment.ErrNotFound
	}
	return nil
}

// TouchKey stamps the last use of a key.
func (r *DeploymentRepository) TouchKey(ctx context.Context, keyID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&deployment.APIKey{}).
		Where("id = ?", keyID).
		Update("last_used_at", at).Error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
