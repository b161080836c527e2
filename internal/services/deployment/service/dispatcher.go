package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowdeploy-go/internal/domain/deployment"
	"github.com/flowdeploy-go/internal/domain/execution"
	"github.com/flowdeploy-go/internal/services/engine"
	"github.com/flowdeploy-go/internal/services/staging"
	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/metrics"
	"github.com/flowdeploy-go/pkg/telemetry"
)

// NoWait asks the engine to return as soon as the execution is queued.
const NoWait = -1

// ValidateTimeout accepts NoWait or 0..MaxTimeout seconds.
func (s *DeploymentService) ValidateTimeout(timeout int) error {
	if timeout < NoWait || timeout > s.opts.MaxTimeout {
		return fmt.Errorf("%w: timeout must be between -1 and %d", deployment.ErrInvalidRequest, s.opts.MaxTimeout)
	}
	return nil
}

// Dispatch stages files and hands the execution to the engine. Failures are
// reported in the returned result, never as an error. Inputs staged for a
// failed dispatch are removed before returning.
func (s *DeploymentService) Dispatch(ctx context.Context, dep *deployment.Deployment, files []staging.File, timeout int, includeMetadata bool) *execution.Result {
	start := time.Now()
	executionID := uuid.New().String()

	ctx, span := s.telemetry.StartSpan(ctx, "deployment.dispatch", trace.WithAttributes(
		telemetry.WorkflowIDAttribute(dep.WorkflowID),
		telemetry.ExecutionIDAttribute(executionID),
		telemetry.DeploymentAttribute(dep.OrganizationID, dep.APIName),
	))
	defer span.End()

	log := logger.FromContext(ctx, s.logger).With("execution_id", executionID, "api_name", dep.APIName, "workflow_id", dep.WorkflowID)

	result, err := s.dispatch(ctx, dep, executionID, files, timeout)
	if err != nil {
		telemetry.RecordError(span, err)
		log.Error("Execution dispatch failed", "error", err)
		s.cleanup(ctx, dep.WorkflowID, executionID)
		result = execution.NewErrorResult(dep.WorkflowID, executionID, fmt.Errorf("%w: %v", deployment.ErrDispatchFailure, err))
	} else {
		result.StatusAPI = dep.StatusEndpoint(executionID)
		if !includeMetadata {
			result.RemoveMetadata()
		}
		log.Info("Execution dispatched", "status", result.Status)
	}

	mode := "sync"
	if timeout == NoWait {
		mode = "async"
	}
	metrics.RecordExecutionDispatch(dep.APIName, string(result.Status), mode, time.Since(start).Seconds())

	s.notify(ctx, dep, result)
	return result
}

func (s *DeploymentService) dispatch(ctx context.Context, dep *deployment.Deployment, executionID string, files []staging.File, timeout int) (*execution.Result, error) {
	stageCtx, cancel := context.WithTimeout(ctx, s.opts.StagingTimeout)
	hashes, err := s.store.Stage(stageCtx, dep.WorkflowID, executionID, files)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to stage input files: %w", err)
	}

	// The engine may hold the request for up to timeout seconds on top of
	// the time it takes to answer at all.
	requestTimeout := s.opts.EngineTimeout
	if timeout > 0 {
		requestTimeout += time.Duration(timeout) * time.Second
	}
	engineCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	result, err := s.engine.ExecuteAsync(engineCtx, engine.ExecuteRequest{
		WorkflowID:     dep.WorkflowID,
		PipelineID:     dep.ID,
		ExecutionID:    executionID,
		OrganizationID: dep.OrganizationID,
		Files:          hashes,
		Timeout:        timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start execution: %w", err)
	}

	result.ExecutionID = executionID
	result.WorkflowID = dep.WorkflowID
	return result, nil
}

// cleanup runs even when the caller has gone away.
func (s *DeploymentService) cleanup(ctx context.Context, workflowID, executionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.BackgroundTimeout)
	defer cancel()
	if err := s.store.DeleteStagingDir(ctx, workflowID, executionID); err != nil {
		s.logger.Error("Failed to delete staged inputs",
			"workflow_id", workflowID,
			"execution_id", executionID,
			"error", err,
		)
	}
}

func (s *DeploymentService) notify(ctx context.Context, dep *deployment.Deployment, result *execution.Result) {
	if s.notifier == nil {
		return
	}
	snapshot := *result
	s.goDetached(ctx, s.opts.BackgroundTimeout, func(ctx context.Context) {
		// failures are logged by the notifier
		_ = s.notifier.Notify(ctx, dep, &snapshot)
	})
}
