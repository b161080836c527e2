package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowdeploy-go/internal/domain/deployment"
	"github.com/flowdeploy-go/pkg/metrics"
)

// Validate resolves apiName within organizationID to a deployment the caller
// may execute with apiKey. A deployment of another organization is not found.
// An inactive deployment is reported before the key is looked at.
func (s *DeploymentService) Validate(ctx context.Context, organizationID, apiName, apiKey string) (*deployment.Deployment, error) {
	dep, err := s.repo.GetByAPIName(ctx, apiName)
	if err == nil && dep.OrganizationID != organizationID {
		err = deployment.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, deployment.ErrNotFound) {
			metrics.RecordDeploymentRequest("not_found")
			return nil, fmt.Errorf("%w: %s", deployment.ErrNotFound, apiName)
		}
		metrics.RecordDeploymentRequest("error")
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}

	if !dep.IsActive {
		metrics.RecordDeploymentRequest("inactive")
		return nil, fmt.Errorf("%w: %s", deployment.ErrInactive, apiName)
	}

	if apiKey == "" {
		metrics.RecordDeploymentRequest("unauthorized")
		return nil, deployment.ErrUnauthorized
	}

	keys, err := s.repo.ActiveKeys(ctx, dep.ID)
	if err != nil {
		metrics.RecordDeploymentRequest("error")
		return nil, fmt.Errorf("failed to load api keys: %w", err)
	}
	for _, key := range keys {
		if key.Usable() && key.Matches(apiKey) {
			s.touchKey(ctx, key.ID)
			metrics.RecordDeploymentRequest("accepted")
			return dep, nil
		}
	}

	metrics.RecordDeploymentRequest("unauthorized")
	return nil, deployment.ErrUnauthorized
}

func (s *DeploymentService) touchKey(ctx context.Context, keyID string) {
	now := time.Now().UTC()
	s.goDetached(ctx, s.opts.BackgroundTimeout, func(ctx context.Context) {
		if err := s.repo.TouchKey(ctx, keyID, now); err != nil {
			s.logger.Warn("Failed to record api key usage", "key_id", keyID, "error", err)
		}
	})
}
