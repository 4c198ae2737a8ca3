package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"dataset-catalog/analysis"
	"dataset-catalog/config"
	"dataset-catalog/gitsync"
	"dataset-catalog/services"
	"dataset-catalog/storage"
)

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup Database Connection
	db, err := storage.OpenDatabase(cfg, logging)
	if err != nil {
		logging.Fatal("Failed to open catalog database", zap.Error(err))
	}

	objects, err := storage.NewObjectStore(ctx, cfg)
	if err != nil {
		logging.Fatal("Object store creation failed", zap.Error(err), zap.String("kind", cfg.ObjectStore))
	}
	logging.Info("Object store ready", zap.String("kind", cfg.ObjectStore), zap.String("bucket", cfg.S3Bucket))

	// Setup Analysis Repository
	repo := gitsync.NewRepo(cfg.AnalysisDir, cfg.GitRemote, cfg.GitBranch, cfg.GitTimeout)
	if err := repo.Check(ctx); err != nil {
		logging.Warn("Analysis directory is not a git working tree, publishing will fail", zap.Error(err))
	}
	publisher := gitsync.NewPublisher(repo, cfg.PublishWorkers, cfg.PublishQueue, logging)
	publisher.Start(context.Background())
	store := analysis.NewStore(cfg, publisher, logging)

	// Setup Services
	datasetRepo := storage.NewDatasetRepository(db)
	datasetService := services.NewDatasetService(cfg, datasetRepo, store, objects, logging)
	commentService := services.NewCommentService(storage.NewCommentRepository(db), datasetRepo, logging)
	toolService := services.NewCollectionToolService(storage.NewCollectionToolRepository(db), logging)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(identityMiddleware())
	setupGitRoutes(api, publisher, logging)
	setupDatasetRoutes(api, datasetService, logging)
	setupCommentRoutes(api, commentService, logging)
	setupCollectionToolRoutes(api, toolService, logging)

	// Setup Cron
	cronScheduler := cron.New()
	_, err = cronScheduler.AddFunc(cfg.GitSyncSchedule, func() {
		logging.Info("Running scheduled git sync...")
		if err := publisher.Sync(ctx); err != nil {
			logging.Error("Cron job failed", zap.Error(err))
		}
	})
	if err != nil {
		logging.Fatal("Invalid git sync schedule", zap.String("schedule", cfg.GitSyncSchedule), zap.Error(err))
	}
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Failed to run server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown failed", zap.Error(err))
	}
	<-cronScheduler.Stop().Done()
	if err := publisher.Close(); err != nil {
		logging.Error("Publisher shutdown failed", zap.Error(err))
	}
}
