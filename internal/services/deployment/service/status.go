package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowdeploy-go/internal/domain/deployment"
	"github.com/flowdeploy-go/internal/domain/execution"
)

// GetStatus reads the state of an execution started through dep. Executions
// of other workflows are reported as not found. Terminal results are
// acknowledged to the engine once delivered.
func (s *DeploymentService) GetStatus(ctx context.Context, dep *deployment.Deployment, executionID string, includeMetadata bool) (*execution.Result, error) {
	if executionID == "" {
		return nil, fmt.Errorf("%w: execution_id is required", deployment.ErrInvalidRequest)
	}

	result, err := s.engine.GetStatus(ctx, executionID)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to fetch execution status: %w", err)
	}
	if result.WorkflowID != dep.WorkflowID {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, executionID)
	}

	if result.ExecutionID == "" {
		result.ExecutionID = executionID
	}
	result.StatusAPI = dep.StatusEndpoint(executionID)
	if !includeMetadata {
		result.RemoveMetadata()
	}

	if result.Status.IsTerminal() && !result.ResultAcknowledged {
		if err := s.engine.Acknowledge(ctx, executionID); err != nil {
			s.logger.Warn("Failed to acknowledge execution result", "execution_id", executionID, "error", err)
		} else {
			result.ResultAcknowledged = true
		}
	}
	return result, nil
}
