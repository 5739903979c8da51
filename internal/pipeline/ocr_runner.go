package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/providers/ocr"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/storage"
)

// OcrRunner drives the transcription stage: it claims eligible
// submissions, runs every pending page through the OCR provider and
// settles the submission into in_review or a retry slot.
type OcrRunner struct {
	repo           repositories.Repository
	db             *gorm.DB
	logger         *slog.Logger
	blobStore      storage.BlobStore
	client         ocr.Client
	clock          Clock
	backoff        BackoffPolicy
	eventPublisher events.EventPublisher
	signedURLTTL   time.Duration
}

func NewOcrRunner(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, blobStore storage.BlobStore, client ocr.Client, clock Clock, backoff BackoffPolicy, publisher events.EventPublisher, urlTTL time.Duration) *OcrRunner {
	return &OcrRunner{
		repo:           repo,
		db:             db,
		logger:         logger,
		blobStore:      blobStore,
		client:         client,
		clock:          clock,
		backoff:        backoff,
		eventPublisher: publisher,
		signedURLTTL:   urlTTL,
	}
}

// RunOnce claims and processes up to limit eligible submissions.
// Returns how many were processed.
func (r *OcrRunner) RunOnce(ctx context.Context, limit int) (int, error) {
	ids, err := r.repo.Submission().ListOcrEligible(ctx, r.db, r.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list eligible submissions: %w", err)
	}

	processed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := r.ProcessSubmission(ctx, id); err != nil {
			r.logger.Error("OCR processing failed", "submission_id", id, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// ProcessSubmission runs the OCR stage for one submission. Safe to call
// concurrently for different ids; the claim transition keeps two
// workers off the same submission.
func (r *OcrRunner) ProcessSubmission(ctx context.Context, submissionID string) error {
	claimed, err := r.repo.Submission().ClaimOcr(ctx, r.db, submissionID, r.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to claim submission: %w", err)
	}
	if !claimed {
		return nil
	}

	// Failed pages from an earlier attempt get another try.
	if err := r.repo.SubmissionImage().ResetFailedToPending(ctx, r.db, submissionID); err != nil {
		return fmt.Errorf("failed to reset failed pages: %w", err)
	}

	images, err := r.repo.SubmissionImage().ListBySubmission(ctx, r.db, submissionID)
	if err != nil {
		return fmt.Errorf("failed to list pages: %w", err)
	}

	var failures int
	var lastErr error
	for _, img := range images {
		if img.OcrStatus == models.OcrImageReady {
			continue
		}
		if err := r.processImage(ctx, img); err != nil {
			failures++
			lastErr = err
			r.logger.Warn("Page OCR failed",
				"submission_id", submissionID, "image_id", img.ID, "error", err)
		}
	}

	if failures > 0 {
		return r.recordFailure(ctx, submissionID, failures, lastErr)
	}

	completed, err := r.repo.Submission().CompleteOcr(ctx, r.db, submissionID, r.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to complete OCR stage: %w", err)
	}
	if completed {
		r.publish(ctx, events.EventOcrReady, map[string]interface{}{
			"submission_id": submissionID,
			"pages":         len(images),
		})
		r.logger.Info("OCR stage complete", "submission_id", submissionID, "pages", len(images))
	}
	return nil
}

func (r *OcrRunner) processImage(ctx context.Context, img *models.SubmissionImage) error {
	claimed, err := r.repo.SubmissionImage().TransitionOcr(ctx, r.db, img.ID, models.OcrImagePending, models.OcrImageProcessing)
	if err != nil {
		return fmt.Errorf("failed to claim page: %w", err)
	}
	if !claimed {
		return nil
	}

	url, err := r.blobStore.SignedURL(img.FilePath, r.signedURLTTL)
	if err != nil {
		return r.failImage(ctx, img.ID, fmt.Errorf("failed to sign page URL: %w", err))
	}

	result, err := r.client.ProcessFileURL(ctx, url)
	if err != nil {
		return r.failImage(ctx, img.ID, err)
	}

	ok, err := r.repo.SubmissionImage().SetOcrResult(ctx, r.db, img.ID, repositories.OcrImageResult{
		Markdown:    result.Markdown,
		Chunks:      result.Chunks,
		Model:       result.Model,
		RequestID:   &result.RequestID,
		CompletedAt: r.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to store OCR result: %w", err)
	}
	if !ok {
		return fmt.Errorf("page %s left processing state mid-flight", img.ID)
	}
	return nil
}

// failImage marks the page failed and returns the original error so the
// caller counts the failure.
func (r *OcrRunner) failImage(ctx context.Context, imageID string, cause error) error {
	if _, err := r.repo.SubmissionImage().SetOcrFailed(ctx, r.db, imageID, cause.Error()); err != nil {
		r.logger.Error("failed to record page failure", "image_id", imageID, "error", err)
	}
	return cause
}

func (r *OcrRunner) recordFailure(ctx context.Context, submissionID string, failures int, cause error) error {
	submission, err := r.repo.Submission().GetByID(ctx, r.db, submissionID)
	if err != nil {
		return fmt.Errorf("failed to reload submission: %w", err)
	}

	attempt := submission.OcrRetryCount + 1
	terminal := r.backoff.IsTerminal(attempt)
	msg := fmt.Sprintf("%d page(s) failed OCR: %v", failures, cause)

	var nextAttempt *time.Time
	if !terminal {
		at := r.backoff.NextAttemptAt(r.clock.Now(), attempt)
		nextAttempt = &at
	}
	if err := r.repo.Submission().RecordOcrFailure(ctx, r.db, submissionID, msg, nextAttempt, terminal); err != nil {
		return fmt.Errorf("failed to record OCR failure: %w", err)
	}

	if terminal {
		r.publish(ctx, events.EventOcrFailed, map[string]interface{}{
			"submission_id": submissionID,
			"attempts":      attempt,
			"error":         msg,
		})
		r.logger.Error("OCR stage failed permanently",
			"submission_id", submissionID, "attempts", attempt, "error", msg)
	} else {
		r.logger.Warn("OCR stage failed, will retry",
			"submission_id", submissionID, "attempt", attempt, "next_attempt_at", nextAttempt)
	}
	return nil
}

func (r *OcrRunner) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.eventPublisher == nil {
		return
	}
	if err := r.eventPublisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		r.logger.Warn("failed to publish event", "event_type", eventType, "error", err)
	}
}
