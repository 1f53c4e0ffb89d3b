package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lachwilkes/raceday/internal/api"
	"github.com/lachwilkes/raceday/internal/api/handler"
	"github.com/lachwilkes/raceday/internal/archive"
	"github.com/lachwilkes/raceday/internal/config"
	"github.com/lachwilkes/raceday/internal/importer"
	"github.com/lachwilkes/raceday/internal/logger"
	"github.com/lachwilkes/raceday/internal/pfapi"
	"github.com/lachwilkes/raceday/internal/repository"
	"github.com/lachwilkes/raceday/internal/scheduler"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize repositories
	meetingRepo := repository.NewMeetingRepository(db)
	runLedger := repository.NewRunLedger(db)

	// Initialize source client
	sourceClient := pfapi.NewClient(&pfapi.Config{
		BaseURL:           cfg.Source.BaseURL,
		APIKey:            cfg.Source.APIKey,
		Timeout:           cfg.Source.Timeout,
		FutureHorizonDays: cfg.Source.FutureHorizonDays,
	})

	// Initialize payload archive (no-op when disabled)
	payloadArchive, err := archive.NewS3Archive(cfg.Archive)
	if err != nil {
		appLogger.Fatalf("Failed to initialize payload archive: %v", err)
	}

	ctx := context.Background()
	if payloadArchive.Enabled() {
		if err := payloadArchive.EnsureBucket(ctx); err != nil {
			appLogger.Fatalf("Failed to ensure archive bucket: %v", err)
		}
	}

	// Initialize import orchestrator
	imp := importer.New(sourceClient, meetingRepo, runLedger, payloadArchive, appLogger, &importer.Config{
		Retry: importer.RetryPolicy{
			MaxAttempts: cfg.Import.MaxAttempts,
			BaseDelay:   cfg.Import.BackoffBase,
			MaxDelay:    cfg.Import.BackoffMax,
		},
		PersistTimeout: cfg.Import.PersistTimeout,
	})

	// Start daily scheduler
	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(imp, cfg.Scheduler, cfg.Import, appLogger)
		if err != nil {
			appLogger.Fatalf("Failed to initialize scheduler: %v", err)
		}
		if err := sched.Start(ctx); err != nil {
			appLogger.Fatalf("Failed to start scheduler: %v", err)
		}
		defer sched.Stop()
	}

	// Display timezone for API responses
	displayLoc, err := time.LoadLocation(cfg.Server.DisplayTimezone)
	if err != nil {
		appLogger.Fatalf("Failed to load display timezone %q: %v", cfg.Server.DisplayTimezone, err)
	}

	// Setup router
	importHandler := handler.NewImportHandler(imp, sourceClient, displayLoc, cfg.Import.DateOffsetDays)
	router := api.SetupRouter(importHandler, &cfg.Server, appLogger)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.Infof("Starting API server: port=%d, mode=%s", cfg.Server.Port, cfg.Server.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}

	appLogger.Info("Server exited")
}
