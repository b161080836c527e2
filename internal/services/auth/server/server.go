package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/flowdeploy-go/internal/services/auth/handlers"
	"github.com/flowdeploy-go/internal/services/auth/rbac"
	"github.com/flowdeploy-go/internal/services/auth/repository"
	"github.com/flowdeploy-go/internal/services/auth/service"
	"github.com/flowdeploy-go/pkg/auth/jwt"
	"github.com/flowdeploy-go/pkg/auth/session"
	"github.com/flowdeploy-go/pkg/config"
	"github.com/flowdeploy-go/pkg/database"
	"github.com/flowdeploy-go/pkg/events"
	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/middleware"
	authmw "github.com/flowdeploy-go/pkg/middleware/auth"
	"github.com/flowdeploy-go/pkg/middleware/ratelimit"
	"github.com/flowdeploy-go/pkg/telemetry"
)

const serviceName = "auth-service"

type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	db         *database.DB
	monitor    *database.Monitor
	redis      *redis.Client
	eventBus   events.Publisher
	telemetry  *telemetry.Telemetry

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

	authRepo := repository.NewAuthRepository(db)
	if err := authRepo.Migrate(); err != nil {
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

	jwtManager, err := jwt.NewManager(cfg.Auth.JWT)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT manager: %w", err)
	}

	enforcer, err := rbac.NewEnforcer(db, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create RBAC enforcer: %w", err)
	}

	limiter := ratelimit.NewLoginLimiter(redisClient, cfg.Auth.LoginLimit.MaxAttempts, cfg.Auth.LoginLimit.Window)
	sessions := session.NewRevocations(redisClient)

	authService := service.NewAuthService(authRepo, jwtManager, limiter, sessions, enforcer, eventBus, cfg.Auth, log)

	// A fresh install gets its admin before the first request
	if _, err := authService.EnsureDefaultUser(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure default user: %w", err)
	}

	authHandlers := handlers.NewAuthHandlers(authService, readiness(db, redisClient), log)

	router := NewRouter(RouterDeps{
		Handlers:  authHandlers,
		JWT:       authmw.NewJWTMiddleware(jwtManager, sessions),
		Casbin:    authmw.NewCasbinMiddleware(enforcer),
		Limiter:   limiter,
		Telemetry: tel,
		Logger:    log,
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
	Handlers  *handlers.AuthHandlers
	JWT       *authmw.JWTMiddleware
	Casbin    *authmw.CasbinMiddleware
	Limiter   *ratelimit.LoginLimiter
	Telemetry *telemetry.Telemetry
	Logger    logger.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(d.Logger))
	router.Use(middleware.Metrics(serviceName))
	if d.Telemetry != nil {
		router.Use(d.Telemetry.HTTPMiddleware())
	}

	h := d.Handlers

	// Health checks
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	auth := v1.Group("/auth")
	{
		// Public routes
		auth.POST("/login", ratelimit.LoginRateLimitMiddleware(d.Limiter), h.Login)
		auth.POST("/signup", h.Signup)

		// Protected routes
		protected := auth.Group("", d.JWT.Handle())
		{
			protected.POST("/logout", h.Logout)
			protected.GET("/me", h.GetCurrentUser)
			protected.GET("/organizations", h.ListOrganizations)
			protected.GET("/roles", h.ListRoles)
		}
	}

	orgs := v1.Group("/organizations/:org_id", d.JWT.Handle())
	{
		orgs.GET("/members", d.Casbin.RequirePermission(rbac.ObjectMembers, rbac.ActionRead), h.ListMembers)
		orgs.POST("/users/:user_id/roles", d.Casbin.RequirePermission(rbac.ObjectRoles, rbac.ActionUpdate), h.AddUserRole)
		orgs.DELETE("/users/:user_id/roles", d.Casbin.RequirePermission(rbac.ObjectRoles, rbac.ActionUpdate), h.RemoveUserRole)
		orgs.POST("/invitations", d.Casbin.RequirePermission(rbac.ObjectMembers, rbac.ActionCreate), h.InviteUser)
	}

	creds := v1.Group("/credentials", d.JWT.Handle())
	{
		creds.GET("", d.Casbin.RequirePermission(rbac.ObjectCredentials, rbac.ActionRead), h.GetDefaultCredentials)
		creds.POST("/update", d.Casbin.RequirePermission(rbac.ObjectCredentials, rbac.ActionUpdate), h.UpdateDefaultCredentials)
	}

	return router
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
