package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowdeploy-go/internal/services/auth/server"
	"github.com/flowdeploy-go/pkg/config"
	"github.com/flowdeploy-go/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load("auth-service")
	if err != nil {
		panic(err)
	}

	// Initialize logger
	log := logger.New(cfg.Logger.ToLoggerConfig())

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create server", "error", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down auth service...")

	// Graceful shutdown with timeout
	timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Auth service exited")
}
