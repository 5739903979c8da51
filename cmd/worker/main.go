package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	gcs "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/chemgrade/grading-service/internal/config"
	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/pipeline"
	"github.com/chemgrade/grading-service/internal/providers/llm"
	"github.com/chemgrade/grading-service/internal/providers/ocr"
	"github.com/chemgrade/grading-service/internal/repositories/casdoor"
	"github.com/chemgrade/grading-service/internal/repositories/postgres"
	"github.com/chemgrade/grading-service/internal/services"
	"github.com/chemgrade/grading-service/internal/storage"
	"github.com/chemgrade/grading-service/internal/telegram"
	"github.com/chemgrade/grading-service/internal/validator"
	"github.com/chemgrade/grading-service/pkg"
)

// The worker runs the background half of the grading pipeline: OCR,
// the grading model precheck, deadline auto-submit, retry sweeps, and
// the Telegram upload bot. It shares its data layer with the API
// server and can be scaled independently.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	db, err := pkg.InitDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = pkg.NewRedisClient(cfg)
		if err != nil {
			log.Printf("Warning: Failed to initialize Redis: %v", err)
		}
	}

	repoManager := postgres.NewRepositoryManager(postgres.RepositoryConfig{
		DB:          db,
		RedisClient: redisClient,
		CasdoorConfig: casdoor.CasdoorConfig{
			Endpoint:         cfg.Casdoor.Endpoint,
			ClientID:         cfg.Casdoor.ClientID,
			ClientSecret:     cfg.Casdoor.ClientSecret,
			Certificate:      cfg.Casdoor.Cert,
			OrganizationName: cfg.Casdoor.Organization,
			ApplicationName:  cfg.Casdoor.Application,
		},
	})
	if err := repoManager.Initialize(); err != nil {
		log.Fatalf("Failed to initialize repositories: %v", err)
	}
	repo := repoManager.GetRepository()

	var gcsOpts []option.ClientOption
	if cfg.Storage.CredentialsFile != "" {
		gcsOpts = append(gcsOpts, option.WithCredentialsFile(cfg.Storage.CredentialsFile))
	}
	gcsClient, err := gcs.NewClient(context.Background(), gcsOpts...)
	if err != nil {
		log.Fatalf("Failed to initialize cloud storage client: %v", err)
	}
	blobStore := storage.NewGCSBlobStore(gcsClient, cfg.Storage.Bucket)

	var eventPublisher events.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		eventPublisher, err = events.NewKafkaEventPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, slogLogger)
		if err != nil {
			log.Fatalf("Failed to initialize event publisher: %v", err)
		}
	} else {
		eventPublisher = events.NewMockEventPublisher(slogLogger)
	}

	v := validator.New()

	serviceManager := services.NewServiceManager(db, repo, slogLogger, v, services.ServiceManagerConfig{
		BlobStore:      blobStore,
		EventPublisher: eventPublisher,
		UploadLimits: services.UploadLimits{
			MaxImages:      cfg.MaxImagesPerSubmission,
			MaxUploadBytes: cfg.MaxUploadBytes,
			SignedURLTTL:   cfg.Storage.SignedURLExpiry,
		},
	})
	if err := serviceManager.Initialize(context.Background()); err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	ocrClient := ocr.NewMarkerClient(cfg.Ocr.BaseURL, cfg.Ocr.APIKey,
		ocr.WithPollInterval(cfg.Ocr.PollInterval),
		ocr.WithPollTimeout(cfg.Ocr.PollTimeout))
	grader := llm.New(cfg.Llm.BaseURL, cfg.Llm.APIKey, cfg.Llm.Model, cfg.Llm.Temperature)

	clock := pipeline.SystemClock()

	ocrRunner := pipeline.NewOcrRunner(repo, db, slogLogger, blobStore, ocrClient, clock,
		pipeline.BackoffPolicy{
			MaxAttempts: cfg.Pipeline.OcrMaxAttempts,
			BaseDelay:   cfg.Pipeline.BackoffBase,
			MaxDelay:    cfg.Pipeline.BackoffMax,
		},
		eventPublisher, cfg.Storage.SignedURLExpiry)

	precheckRunner := pipeline.NewPrecheckRunner(repo, db, slogLogger, blobStore, grader, clock,
		pipeline.BackoffPolicy{
			MaxAttempts: cfg.Pipeline.PrecheckMaxAttempts,
			BaseDelay:   cfg.Pipeline.BackoffBase,
			MaxDelay:    cfg.Pipeline.BackoffMax,
		},
		eventPublisher, cfg.Storage.SignedURLExpiry, cfg.Pipeline.PrecheckReportedSubmissions)

	autoSubmit := pipeline.NewAutoSubmitSweeper(repo, db, slogLogger, serviceManager.Session(), clock)
	retrySweeper := pipeline.NewRetrySweeper(repo, db, slogLogger, cfg.Pipeline.PrecheckMaxAttempts)

	scheduler := pipeline.NewScheduler(slogLogger, cfg.Pipeline.WorkerCount, cfg.Pipeline.BatchSize)
	scheduler.Register("ocr", cfg.Pipeline.OcrInterval, pipeline.JobFunc(ocrRunner.RunOnce))
	scheduler.Register("precheck", cfg.Pipeline.PrecheckInterval, pipeline.JobFunc(precheckRunner.RunOnce))
	scheduler.Register("autosubmit", cfg.Pipeline.AutoSubmitInterval, pipeline.JobFunc(autoSubmit.RunOnce))
	scheduler.Register("retry", cfg.Pipeline.RetryInterval, pipeline.JobFunc(retrySweeper.RunOnce))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start(ctx)
	slogLogger.Info("Worker started",
		"workers", cfg.Pipeline.WorkerCount,
		"batch_size", cfg.Pipeline.BatchSize)

	if cfg.Telegram.BotToken != "" {
		if redisClient == nil {
			log.Fatalf("Telegram ingestion requires Redis for link codes")
		}
		ingestor := telegram.NewIngestor(repo, db, slogLogger, serviceManager.Upload(),
			redisClient, telegram.NewBotClient(cfg.Telegram.BotToken),
			cfg.Telegram.BotName, cfg.Telegram.PollInterval)
		go func() {
			if err := ingestor.Run(ctx); err != nil && ctx.Err() == nil {
				slogLogger.Error("Telegram ingestion stopped", "error", err)
			}
		}()
		slogLogger.Info("Telegram ingestion started", "bot", cfg.Telegram.BotName)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slogLogger.Info("Shutting down worker...")
	cancel()
	scheduler.Stop()

	if err := serviceManager.Shutdown(context.Background()); err != nil {
		log.Printf("Failed to shutdown services: %v", err)
	}

	gcsClient.Close()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	if redisClient != nil {
		redisClient.Close()
	}

	slogLogger.Info("Worker exited")
}
