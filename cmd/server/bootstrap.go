package main

import (
	"context"
	"time"

	"github.com/huangang/echoboard/internal/config"
	"github.com/huangang/echoboard/internal/metrics"
	"github.com/huangang/echoboard/internal/middleware"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/internal/services"
	"github.com/huangang/echoboard/internal/utils"
	"github.com/huangang/echoboard/pkg/logger"
	"gorm.io/gorm"
)

// appServices holds all initialized services needed by the application.
type appServices struct {
	cfg         *config.Config
	db          *gorm.DB
	directory   *services.DirectoryService
	eventQueue  services.EventQueue
	worker      *services.Worker
	permCache   *services.RedisPermissionCache
	rateLimiter *middleware.RateLimiter
}

// bootstrap initializes all application dependencies: database, services, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	db := models.GetDB()

	// Auto migrate database
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Seed default settings
	if err := models.SeedDefaultData(); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed default data")
	}

	// Initialize system logger
	services.InitSystemLogger(db)

	// Start system log cleanup scheduler
	if err := services.StartLogCleanupScheduler(db); err != nil {
		logger.Warn().Err(err).Msg("Failed to start log cleanup scheduler")
	}

	// Event queue uses Redis if enabled, otherwise dispatches in-process
	eventQueue := services.InitEventQueue(cfg)
	if syncQueue, ok := eventQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(services.ProcessMembershipEvent)
	}
	metrics.SetQueueAsync(eventQueue.IsAsync())

	var worker *services.Worker
	if eventQueue.IsAsync() {
		worker = services.NewWorker(&cfg.Redis)
		if worker != nil {
			worker.SetProcessor(services.ProcessMembershipEvent)
			if err := worker.Start(); err != nil {
				logger.Warn().Err(err).Msg("Failed to start event worker")
			}
		}
	}

	opts := []services.DirectoryOption{
		services.WithEventQueue(eventQueue),
		services.WithDefaultMaxMembers(cfg.Directory.DefaultMaxMembers),
	}

	var permCache *services.RedisPermissionCache
	if cfg.Directory.PermissionCache && cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		cache, err := services.NewRedisPermissionCache(ctx, &cfg.Redis, cfg.Directory.CacheTTL)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("Permission cache unavailable, reading memberships from the database")
		} else {
			permCache = cache
			opts = append(opts, services.WithPermissionCache(cache))
		}
	}

	return &appServices{
		cfg:         cfg,
		db:          db,
		directory:   services.NewDirectoryService(db, opts...),
		eventQueue:  eventQueue,
		worker:      worker,
		permCache:   permCache,
		rateLimiter: middleware.NewRateLimiter(cfg.Directory.WriteRateLimit, cfg.Directory.WriteBurst),
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	services.StopLogCleanupScheduler()
	s.rateLimiter.Stop()
	logger.Info().Msg("All schedulers stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.eventQueue != nil {
		s.eventQueue.Close()
	}
	if s.permCache != nil {
		s.permCache.Close()
	}
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}
