package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/storage"
	"github.com/chemgrade/grading-service/internal/validator"
)

// ServiceManagerConfig holds the shared dependencies services need
// beyond the repository: blob storage, the event bus and upload bounds.
type ServiceManagerConfig struct {
	BlobStore      storage.BlobStore
	EventPublisher events.EventPublisher
	UploadLimits   UploadLimits
}

// serviceManager implements ServiceManager interface
type serviceManager struct {
	db        *gorm.DB
	repo      repositories.Repository
	logger    *slog.Logger
	validator *validator.Validator
	config    ServiceManagerConfig

	sessionService      SessionService
	uploadService       UploadService
	reviewService       ReviewService
	adjudicationService AdjudicationService
	exportService       ExportService

	initialized bool
	shutdown    bool
	mu          sync.RWMutex
}

// NewServiceManager creates a new service manager with all dependencies
func NewServiceManager(db *gorm.DB, repo repositories.Repository, logger *slog.Logger, validator *validator.Validator, config ServiceManagerConfig) ServiceManager {
	if config.UploadLimits == (UploadLimits{}) {
		config.UploadLimits = DefaultUploadLimits()
	}
	return &serviceManager{
		db:        db,
		repo:      repo,
		logger:    logger,
		validator: validator,
		config:    config,
	}
}

// NewDefaultServiceManager creates a service manager with an in-memory
// blob store and a mock event publisher. Intended for tests and local
// development; production wires real backends via ServiceManagerConfig.
func NewDefaultServiceManager(db *gorm.DB, repo repositories.Repository, logger *slog.Logger, validator *validator.Validator) ServiceManager {
	config := ServiceManagerConfig{
		BlobStore:      storage.NewMemoryBlobStore(),
		EventPublisher: events.NewMockEventPublisher(logger),
		UploadLimits:   DefaultUploadLimits(),
	}
	return NewServiceManager(db, repo, logger, validator, config)
}

// Initialize sets up all services and their dependencies
func (sm *serviceManager) Initialize(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.initialized {
		return nil
	}

	sm.logger.Info("Initializing service manager")

	sm.sessionService = NewSessionService(sm.repo, sm.db, sm.logger, sm.validator, sm.config.EventPublisher)
	sm.logger.Info("Session service initialized")

	sm.uploadService = NewUploadService(sm.repo, sm.db, sm.logger, sm.config.BlobStore, sm.config.EventPublisher, sm.config.UploadLimits)
	sm.logger.Info("Upload service initialized")

	sm.reviewService = NewReviewService(sm.repo, sm.db, sm.logger, sm.validator, sm.config.BlobStore, sm.config.EventPublisher, sm.config.UploadLimits)
	sm.logger.Info("Review service initialized")

	sm.adjudicationService = NewAdjudicationService(sm.repo, sm.db, sm.logger, sm.validator, sm.config.BlobStore, sm.config.EventPublisher, sm.config.UploadLimits)
	sm.logger.Info("Adjudication service initialized")

	sm.exportService = NewExportService(sm.repo, sm.db, sm.logger)
	sm.logger.Info("Export service initialized")

	if err := sm.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository health check failed: %w", err)
	}

	sm.initialized = true
	sm.logger.Info("Service manager initialized successfully")

	return nil
}

// Service getters
func (sm *serviceManager) Session() SessionService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.sessionService
}

func (sm *serviceManager) Upload() UploadService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.uploadService
}

func (sm *serviceManager) Review() ReviewService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.reviewService
}

func (sm *serviceManager) Adjudication() AdjudicationService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.adjudicationService
}

func (sm *serviceManager) Export() ExportService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.exportService
}

// Shutdown flushes the event publisher and marks the manager stopped.
func (sm *serviceManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.shutdown {
		return nil
	}

	sm.logger.Info("Shutting down service manager")

	if sm.config.EventPublisher != nil {
		if err := sm.config.EventPublisher.Close(); err != nil {
			sm.logger.Warn("failed to close event publisher", "error", err)
		}
	}

	sm.shutdown = true
	sm.initialized = false
	sm.logger.Info("Service manager shut down")

	return nil
}

func (sm *serviceManager) HealthCheck(ctx context.Context) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		return fmt.Errorf("service manager not initialized")
	}
	if sm.shutdown {
		return fmt.Errorf("service manager is shut down")
	}
	return sm.repo.Ping(ctx)
}
