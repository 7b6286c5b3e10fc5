// Package main is the entry point for the OWT classification server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/obs2co/owt-server/internal/api"
	"github.com/obs2co/owt-server/internal/cache"
	"github.com/obs2co/owt-server/internal/config"
	"github.com/obs2co/owt-server/internal/logging"
	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/render"
	"github.com/obs2co/owt-server/internal/runstore"
	"github.com/obs2co/owt-server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting OWT server", zap.Int("port", cfg.Server.Port))

	ctx := context.Background()

	// Initialize cache manager (shared by all runs)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		LibraryEntries:  cfg.Cache.LibraryEntries,
		ResultEntries:   cfg.Cache.ResultEntries,
		QueryCacheSize:  1000,
	})
	if err != nil {
		logger.Fatal("failed to initialize cache", zap.Error(err))
	}
	defer cacheManager.Close()

	tileRenderer := render.NewTileRenderer(render.Config{
		TileSize:        cfg.Render.TileSize,
		DefaultColormap: cfg.Render.ScoreColormap,
	})

	cl := cfg.Classification
	classification := service.NewClassificationService(service.ClassificationServiceConfig{
		InputRoot: cfg.Data.InputRoot,
		OutputDir: cfg.Data.OutputDir,
		Databases: cl.Databases,
		Pipeline: pipeline.Options{
			WavelengthMin:     cl.WavelengthMin,
			WavelengthMax:     cl.WavelengthMax,
			TileEdge:          cl.TileEdge,
			Workers:           cl.Workers,
			ParallelDatabases: cl.ParallelDatabases,
		},
		Cache:    cacheManager,
		Renderer: tileRenderer,
		Logger:   logger,
	})
	for _, db := range cl.Databases {
		logger.Info("default database", zap.String("name", db.Name), zap.String("variant", db.Variant), zap.String("suffix", db.Suffix))
	}

	// Run persistence
	store, err := runstore.NewStore(cfg.Data.RunsDBPath)
	if err != nil {
		logger.Fatal("failed to open run store", zap.String("path", cfg.Data.RunsDBPath), zap.Error(err))
	}
	defer store.Close()

	jobManager := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		QueueSize:     cfg.Jobs.QueueSize,
		Retention:     time.Duration(cfg.Jobs.RetentionHours) * time.Hour,
		CleanupPeriod: 1 * time.Hour,
		Logger:        logger,
	}, store)
	jobManager.Executor = classification.Execute
	jobManager.OnDelete = classification.Forget
	logger.Info("job manager ready",
		zap.Int("max_concurrent", cfg.Jobs.MaxConcurrent),
		zap.Int("retention_hours", cfg.Jobs.RetentionHours),
		zap.String("sqlite", cfg.Data.RunsDBPath),
	)

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    api.NewDatabaseRegistry(cl.Databases, ""),
		Service:     classification,
		JobManager:  jobManager,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
