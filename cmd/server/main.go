package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pricemap/server/config"
	"pricemap/server/internal/api"
	"pricemap/server/internal/database"
	"pricemap/server/internal/estimator"
	"pricemap/server/internal/geometry"
	"pricemap/server/internal/processor"
	"pricemap/server/internal/scheduler"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	// Make sure the database directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		logger.WithError(err).Fatal("Failed to create database directory")
	}
	logger.Infof("Using database at: %s", cfg.Database.Path)

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	// Run database migrations
	logger.Info("Running database migrations...")
	if err := db.RunMigrations(); err != nil {
		logger.WithError(err).Fatal("Failed to run database migrations")
	}

	opts, err := estimator.OptionsFromConfig(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Invalid estimator configuration")
	}
	est, err := estimator.New(opts, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create estimator")
	}

	var districts *geometry.DistrictIndex
	if cfg.Districts.Path != "" {
		districts, err = geometry.LoadDistricts(cfg.Districts.Path, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load districts")
		}
	}

	batchProcessor := processor.NewBatchProcessor(db, db.ORM(), est, cfg, logger)
	handler := api.NewHandler(db, batchProcessor, est, districts, logger)

	// Initialize and start the scheduler
	sched := scheduler.NewScheduler(batchProcessor, logger, cfg.Scheduler.Segments, cfg.Scheduler.Mode, cfg.Scheduler.Interval, cfg.Scheduler.RunOnStartup)
	sched.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, handler, cfg.Server.AllowOrigins)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Infof("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shut down")
	}
	sched.Stop()
	batchProcessor.Stop()
}
