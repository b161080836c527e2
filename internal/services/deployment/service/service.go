package service

import (
	"context"
	"sync"
	"time"

	"github.com/flowdeploy-go/internal/domain/deployment"
	"github.com/flowdeploy-go/internal/domain/execution"
	"github.com/flowdeploy-go/internal/services/engine"
	"github.com/flowdeploy-go/internal/services/staging"
	"github.com/flowdeploy-go/pkg/config"
	"github.com/flowdeploy-go/pkg/events"
	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/telemetry"
)

// Repository is the persistence the deployment service needs.
type Repository interface {
	Create(ctx context.Context, dep *deployment.Deployment) error
	GetByID(ctx context.Context, id string) (*deployment.Deployment, error)
	GetByAPIName(ctx context.Context, apiName string) (*deployment.Deployment, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*deployment.Deployment, error)
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
	CreateKey(ctx context.Context, key *deployment.APIKey) error
	ListKeys(ctx context.Context, deploymentID string) ([]*deployment.APIKey, error)
	ActiveKeys(ctx context.Context, deploymentID string) ([]*deployment.APIKey, error)
	RevokeKey(ctx context.Context, deploymentID, keyID string) error
	TouchKey(ctx context.Context, keyID string, at time.Time) error
}

// Engine runs workflows and owns execution state.
type Engine interface {
	ExecuteAsync(ctx context.Context, req engine.ExecuteRequest) (*execution.Result, error)
	GetStatus(ctx context.Context, executionID string) (*execution.Result, error)
	Acknowledge(ctx context.Context, executionID string) error
}

type Notifier interface {
	Notify(ctx context.Context, dep *deployment.Deployment, result *execution.Result) error
}

type Options struct {
	PathPrefix        string
	StagingTimeout    time.Duration
	EngineTimeout     time.Duration
	BackgroundTimeout time.Duration
	MaxTimeout        int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PathPrefix:        cfg.Deployment.PathPrefix,
		StagingTimeout:    cfg.Staging.Timeout,
		EngineTimeout:     cfg.Engine.RequestTimeout,
		BackgroundTimeout: cfg.Deployment.BackgroundTimeout,
		MaxTimeout:        cfg.Deployment.MaxTimeoutSeconds,
	}
}

type DeploymentService struct {
	repo      Repository
	store     staging.Store
	engine    Engine
	notifier  Notifier
	eventBus  events.Publisher
	telemetry *telemetry.Telemetry
	opts      Options
	logger    logger.Logger

	// background work outliving a request
	background sync.WaitGroup
}

func NewDeploymentService(
	repo Repository,
	store staging.Store,
	engine Engine,
	notifier Notifier,
	eventBus events.Publisher,
	tel *telemetry.Telemetry,
	opts Options,
	logger logger.Logger,
) *DeploymentService {
	if opts.PathPrefix == "" {
		opts.PathPrefix = "deployment/api"
	}
	if opts.StagingTimeout <= 0 {
		opts.StagingTimeout = 2 * time.Minute
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = 30 * time.Second
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = 30 * time.Second
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if eventBus == nil {
		eventBus = events.NopPublisher{}
	}
	return &DeploymentService{
		repo:      repo,
		store:     store,
		engine:    engine,
		notifier:  notifier,
		eventBus:  eventBus,
		telemetry: tel,
		opts:      opts,
		logger:    logger,
	}
}

// goDetached runs fn without the request's cancellation.
func (s *DeploymentService) goDetached(ctx context.Context, timeout time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background work started by requests has finished or ctx
// is done.
func (s *DeploymentService) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *DeploymentService) publish(ctx context.Context, event events.Event) {
	if err := s.eventBus.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
	}
}
