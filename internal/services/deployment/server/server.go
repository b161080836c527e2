package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/flowdeploy-go/internal/services/auth/rbac"
	"github.com/flowdeploy-go/internal/services/deployment/handlers"
	"github.com/flowdeploy-go/internal/services/deployment/repository"
	"github.com/flowdeploy-go/internal/services/deployment/service"
	"github.com/flowdeploy-go/internal/services/engine"
	notification "github.com/flowdeploy-go/internal/services/notification/service"
	"github.com/flowdeploy-go/internal/services/staging"
	"github.com/flowdeploy-go/pkg/auth/jwt"
	"github.com/flowdeploy-go/pkg/auth/session"
	"github.com/flowdeploy-go/pkg/config"
	"github.com/flowdeploy-go/pkg/database"
	"github.com/flowdeploy-go/pkg/events"
	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/middleware"
	authmw "github.com/flowdeploy-go/pkg/middleware/auth"
	"github.com/flowdeploy-go/pkg/telemetry"
)

const serviceName = "deployment-service"

type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	db         *database.DB
	monitor    *database.Monitor
	redis      *redis.Client
	eventBus   events.Publisher
	telemetry  *telemetry.Telemetry
	service    *service.DeploymentService

	// background tasks run until Shutdown
	background context.Context
	stop       context.CancelFunc
}

func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	// Initialize database
	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	monitor, err := database.NewMonitor(db, log)
	if err != nil {
		return nil, fmt.Errorf("failed to register database monitor: %w", err)
	}

	deploymentRepo := repository.NewDeploymentRepository(db)
	if err := deploymentRepo.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// Initialize Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	eventBus, err := events.NewPublisher(cfg.Kafka.ToKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	tel, err := telemetry.New(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := staging.New(cfg.Staging, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging store: %w", err)
	}

	engineClient, err := engine.NewClient(cfg.Engine, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	notifier := notification.NewNotificationService(eventBus, cfg.Deployment.NotifyTimeout, log)

	deploymentService := service.NewDeploymentService(
		deploymentRepo,
		store,
		engineClient,
		notifier,
		eventBus,
		tel,
		service.OptionsFromConfig(cfg),
		log,
	)

	// Admin routes share sessions and roles with the auth service
	jwtManager, err := jwt.NewManager(cfg.Auth.JWT)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT manager: %w", err)
	}
	enforcer, err := rbac.NewEnforcer(db, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create RBAC enforcer: %w", err)
	}

	deploymentHandlers := handlers.NewDeploymentHandlers(deploymentService, readiness(db, redisClient), log)

	router := NewRouter(RouterDeps{
		Handlers:    deploymentHandlers,
		JWT:         authmw.NewJWTMiddleware(jwtManager, session.NewRevocations(redisClient)),
		Casbin:      authmw.NewCasbinMiddleware(enforcer),
		Telemetry:   tel,
		PathPrefix:  cfg.Deployment.PathPrefix,
		MaxUploadMB: cfg.Server.MaxUploadMB,
		Logger:      log,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	background, stop := context.WithCancel(context.Background())

	return &Server{
		config:     cfg,
		logger:     log,
		httpServer: httpServer,
		db:         db,
		monitor:    monitor,
		redis:      redisClient,
		eventBus:   eventBus,
		telemetry:  tel,
		service:    deploymentService,
		background: background,
		stop:       stop,
	}, nil
}

func readiness(db *database.DB, redisClient *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}
}

type RouterDeps struct {
	Handlers    *handlers.DeploymentHandlers
	JWT         *authmw.JWTMiddleware
	Casbin      *authmw.CasbinMiddleware
	Telemetry   *telemetry.Telemetry
	PathPrefix  string
	MaxUploadMB int64
	Logger      logger.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	if d.MaxUploadMB > 0 {
		r.MaxMultipartMemory = d.MaxUploadMB << 20
	}

	// Middleware
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(middleware.Metrics(serviceName))
	if d.Telemetry != nil {
		r.Use(d.Telemetry.HTTPMiddleware())
	}

	h := d.Handlers

	// Health checks
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	prefix := "/" + strings.Trim(d.PathPrefix, "/")
	if prefix == "/" {
		prefix = "/deployment/api"
	}

	// Deployment endpoints, authenticated by API key. The body limit must
	// be in place before the guard reads the api_key form field.
	api := r.Group(prefix+"/:org_name/:api_name", middleware.MaxBodySize(d.MaxUploadMB<<20), h.DeploymentKeyGuard())
	{
		api.POST("/", h.Execute)
		api.GET("/", h.Status)
	}

	// Deployment management, authenticated by session
	v1 := r.Group("/api/v1/deployments", d.JWT.Handle(), d.Casbin.Authorize(rbac.ObjectDeployments))
	{
		v1.GET("", h.ListDeployments)
		v1.POST("", h.CreateDeployment)
		v1.GET("/:id", h.GetDeployment)
		v1.DELETE("/:id", h.DeleteDeployment)
		v1.POST("/:id/activate", h.ActivateDeployment)
		v1.POST("/:id/deactivate", h.DeactivateDeployment)

		v1.GET("/:id/keys", h.ListKeys)
		v1.POST("/:id/keys", h.CreateKey)
		v1.DELETE("/:id/keys/:key_id", h.RevokeKey)
	}

	return r
}

func (s *Server) Start() error {
	go s.monitor.Run(s.background, 15*time.Second)

	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	s.stop()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	// Let pending notifications and cleanups finish
	s.service.Wait(ctx)

	if err := s.eventBus.Close(); err != nil {
		s.logger.Error("Failed to close event bus", "error", err)
	}
	if err := s.telemetry.Close(ctx); err != nil {
		s.logger.Error("Failed to flush traces", "error", err)
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Error("Failed to close Redis", "error", err)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", "error", err)
	}

	return nil
}
