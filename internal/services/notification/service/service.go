package service

import (
	"context"
	"fmt"
	"time"

	"github.com/flowdeploy-go/internal/domain/deployment"
	"github.com/flowdeploy-go/internal/domain/execution"
	"github.com/flowdeploy-go/pkg/events"
	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/telemetry"
)

// NotificationService announces execution outcomes on the event bus so
// webhook and mail consumers can react to them.
type NotificationService struct {
	publisher events.Publisher
	timeout   time.Duration
	logger    logger.Logger
}

func NewNotificationService(publisher events.Publisher, timeout time.Duration, logger logger.Logger) *NotificationService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NotificationService{
		publisher: publisher,
		timeout:   timeout,
		logger:    logger,
	}
}

// Notify publishes the outcome of one dispatch. Failures are logged and
// returned; callers treat them as non-fatal.
func (s *NotificationService) Notify(ctx context.Context, dep *deployment.Deployment, result *execution.Result) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	eventType := events.ExecutionCompleted
	if result.Status == execution.StatusError {
		eventType = events.ExecutionFailed
	}

	traceID, spanID := telemetry.IDs(ctx)
	event := events.NewEventBuilder(eventType).
		WithAggregateID(result.ExecutionID).
		WithAggregateType("execution").
		WithCorrelationID(result.ExecutionID).
		WithTrace(traceID, spanID).
		WithPayload("deploymentId", dep.ID).
		WithPayload("apiName", dep.APIName).
		WithPayload("organizationId", dep.OrganizationID).
		WithPayload("workflowId", result.WorkflowID).
		WithPayload("executionId", result.ExecutionID).
		WithPayload("status", string(result.Status)).
		WithPayload("statusApi", result.StatusAPI).
		WithPayload("error", result.Error).
		Build()

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to send execution notification",
			"execution_id", result.ExecutionID,
			"api_name", dep.APIName,
			"error", err,
		)
		return fmt.Errorf("notify %s: %w", result.ExecutionID, err)
	}
	return nil
}
