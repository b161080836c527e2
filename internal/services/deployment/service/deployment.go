package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeploy-go/internal/domain/deployment"
	"github.com/flowdeploy-go/pkg/events"
)

type CreateDeploymentRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	Description string `json:"description"`
	APIName     string `json:"api_name" binding:"required"`
	WorkflowID  string `json:"workflow_id" binding:"required"`
}

// CreatedKey carries the raw key, which is only ever shown once.
type CreatedKey struct {
	*deployment.APIKey
	Key string `json:"key"`
}

type CreatedDeployment struct {
	Deployment *deployment.Deployment `json:"deployment"`
	APIKey     *CreatedKey            `json:"api_key"`
}

// CreateDeployment publishes a workflow under api_name and issues its first
// key. The deployment is removed again when the key cannot be created.
func (s *DeploymentService) CreateDeployment(ctx context.Context, organizationID, userID string, req CreateDeploymentRequest) (*CreatedDeployment, error) {
	apiName := strings.TrimSpace(req.APIName)
	if err := deployment.ValidateAPIName(apiName); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.WorkflowID) == "" {
		return nil, fmt.Errorf("%w: workflow_id is required", deployment.ErrInvalidRequest)
	}

	now := time.Now().UTC()
	dep := &deployment.Deployment{
		ID:             uuid.New().String(),
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		APIName:        apiName,
		WorkflowID:     req.WorkflowID,
		OrganizationID: organizationID,
		IsActive:       true,
		APIEndpoint:    deployment.EndpointPath(s.opts.PathPrefix, organizationID, apiName),
		CreatedBy:      userID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, dep); err != nil {
		if errors.Is(err, deployment.ErrAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	key, raw, err := s.issueKey(ctx, dep.ID, "Initial key", userID)
	if err != nil {
		if delErr := s.repo.Delete(context.WithoutCancel(ctx), dep.ID); delErr != nil {
			s.logger.Error("Failed to roll back deployment", "deployment_id", dep.ID, "error", delErr)
		}
		return nil, fmt.Errorf("%w: %v", deployment.ErrKeyCreate, err)
	}

	s.logger.Info("Deployment created", "deployment_id", dep.ID, "api_name", dep.APIName, "workflow_id", dep.WorkflowID)
	s.publish(ctx, events.NewEventBuilder(events.DeploymentCreated).
		WithAggregateID(dep.ID).
		WithAggregateType("deployment").
		WithUserID(userID).
		WithPayload("apiName", dep.APIName).
		WithPayload("workflowId", dep.WorkflowID).
		WithPayload("organizationId", organizationID).
		Build())

	return &CreatedDeployment{
		Deployment: dep,
		APIKey:     &CreatedKey{APIKey: key, Key: raw},
	}, nil
}

func (s *DeploymentService) ListDeployments(ctx context.Context, organizationID string) ([]*deployment.Deployment, error) {
	return s.repo.ListByOrganization(ctx, organizationID)
}

// GetDeployment hides deployments of other organizations.
func (s *DeploymentService) GetDeployment(ctx context.Context, organizationID, id string) (*deployment.Deployment, error) {
	dep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if dep.OrganizationID != organizationID {
		return nil, deployment.ErrNotFound
	}
	return dep, nil
}

func (s *DeploymentService) SetActive(ctx context.Context, organizationID, userID, id string, active bool) (*deployment.Deployment, error) {
	dep, err := s.GetDeployment(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return nil, fmt.Errorf("failed to update deployment: %w", err)
	}
	dep.IsActive = active

	eventType := events.DeploymentDeactivated
	if active {
		eventType = events.DeploymentActivated
	}
	s.publish(ctx, events.NewEventBuilder(eventType).
		WithAggregateID(dep.ID).
		WithAggregateType("deployment").
		WithUserID(userID).
		WithPayload("apiName", dep.APIName).
		Build())
	return dep, nil
}

func (s *DeploymentService) DeleteDeployment(ctx context.Context, organizationID, userID, id string) error {
	dep, err := s.GetDeployment(ctx, organizationID, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}

	s.logger.Info("Deployment deleted", "deployment_id", id, "api_name", dep.APIName)
	s.publish(ctx, events.NewEventBuilder(events.DeploymentDeleted).
		WithAggregateID(id).
		WithAggregateType("deployment").
		WithUserID(userID).
		WithPayload("apiName", dep.APIName).
		Build())
	return nil
}

func (s *DeploymentService) CreateKey(ctx context.Context, organizationID, userID, deploymentID, description string) (*CreatedKey, error) {
	if _, err := s.GetDeployment(ctx, organizationID, deploymentID); err != nil {
		return nil, err
	}
	key, raw, err := s.issueKey(ctx, deploymentID, description, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", deployment.ErrKeyCreate, err)
	}
	return &CreatedKey{APIKey: key, Key: raw}, nil
}

func (s *DeploymentService) ListKeys(ctx context.Context, organizationID, deploymentID string) ([]*deployment.APIKey, error) {
	if _, err := s.GetDeployment(ctx, organizationID, deploymentID); err != nil {
		return nil, err
	}
	return s.repo.ListKeys(ctx, deploymentID)
}

func (s *DeploymentService) RevokeKey(ctx context.Context, organizationID, userID, deploymentID, keyID string) error {
	if _, err := s.GetDeployment(ctx, organizationID, deploymentID); err != nil {
		return err
	}
	if err := s.repo.RevokeKey(ctx, deploymentID, keyID); err != nil {
		return err
	}

	s.publish(ctx, events.NewEventBuilder(events.APIKeyRevoked).
		WithAggregateID(keyID).
		WithAggregateType("api_key").
		WithUserID(userID).
		WithPayload("deploymentId", deploymentID).
		Build())
	return nil
}

func (s *DeploymentService) issueKey(ctx context.Context, deploymentID, description, userID string) (*deployment.APIKey, string, error) {
	key, raw, err := deployment.NewAPIKey(deploymentID, description, userID)
	if err != nil {
		return nil, "", err
	}
	if err := s.repo.CreateKey(ctx, key); err != nil {
		return nil, "", err
	}

	s.publish(ctx, events.NewEventBuilder(events.APIKeyCreated).
		WithAggregateID(key.ID).
		WithAggregateType("api_key").
		WithUserID(userID).
		WithPayload("deploymentId", deploymentID).
		WithPayload("keyPrefix", key.KeyPrefix).
		Build())
	return key, raw, nil
}
