package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/storage"
	"github.com/chemgrade/grading-service/internal/validator"
)

type reviewService struct {
	repo           repositories.Repository
	db             *gorm.DB
	logger         *slog.Logger
	validator      *validator.Validator
	blobStore      storage.BlobStore
	eventPublisher events.EventPublisher
	signedURLTTL   UploadLimits
}

func NewReviewService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, v *validator.Validator, blobStore storage.BlobStore, publisher events.EventPublisher, limits UploadLimits) ReviewService {
	return &reviewService{
		repo:           repo,
		db:             db,
		logger:         logger,
		validator:      v,
		blobStore:      blobStore,
		eventPublisher: publisher,
		signedURLTTL:   limits,
	}
}

func (s *reviewService) GetReviewState(ctx context.Context, sessionID, studentID string) (*ReviewStateResponse, error) {
	submission, err := s.getOwnedSubmission(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}

	images, err := s.repo.SubmissionImage().ListBySubmission(ctx, s.db, submission.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	reviews, err := s.repo.OcrReview().ListBySubmission(ctx, s.db, submission.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	completion, err := s.repo.OcrReview().CompletionStats(ctx, s.db, submission.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute review stats: %w", err)
	}

	byImage := make(map[string]*models.OcrReview, len(reviews))
	for _, r := range reviews {
		byImage[r.ImageID] = r
	}

	pages := make([]*ReviewPageResponse, len(images))
	for i, img := range images {
		resp := &ImageResponse{SubmissionImage: img}
		if url, err := s.blobStore.SignedURL(img.FilePath, s.signedURLTTL.SignedURLTTL); err == nil {
			resp.URL = url
		}
		pages[i] = &ReviewPageResponse{Image: resp, Review: byImage[img.ID]}
	}

	return &ReviewStateResponse{
		OcrOverallStatus: submission.OcrOverallStatus,
		Pages:            pages,
		Completion:       completion,
	}, nil
}

// SubmitPageReview records one page verdict and, when the set is
// complete, settles the submission's review outcome. Re-reviews of a
// page replace the earlier verdict; the settle step is idempotent.
func (s *reviewService) SubmitPageReview(ctx context.Context, sessionID, studentID string, req *PageReviewRequest) error {
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	submission, err := s.getOwnedSubmission(ctx, sessionID, studentID)
	if err != nil {
		return err
	}
	if submission.OcrOverallStatus != models.OcrOverallInReview {
		return ErrReviewNotOpen
	}

	image, err := s.repo.SubmissionImage().GetByID(ctx, s.db, req.ImageID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrImageNotFound
		}
		return fmt.Errorf("failed to get image: %w", err)
	}
	if image.SubmissionID != submission.ID {
		return ErrImageNotFound
	}
	if image.OcrStatus != models.OcrImageReady {
		return ErrReviewPageNotReady
	}

	var completion *repositories.ReviewCompletion
	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		review := &models.OcrReview{
			ID:           uuid.New().String(),
			SubmissionID: submission.ID,
			ImageID:      req.ImageID,
			StudentID:    studentID,
			PageStatus:   models.OcrPageStatus(req.PageStatus),
			IssueCount:   len(req.Issues),
		}
		if err := txRepo.OcrReview().Upsert(ctx, nil, review); err != nil {
			return err
		}

		// The upsert may have kept the existing row's ID.
		stored, err := txRepo.OcrReview().GetByPage(ctx, nil, submission.ID, req.ImageID)
		if err != nil {
			return fmt.Errorf("failed to reload review: %w", err)
		}

		issues, err := buildIssues(req.Issues)
		if err != nil {
			return err
		}
		if err := txRepo.OcrReview().ReplaceIssues(ctx, nil, stored.ID, issues); err != nil {
			return err
		}

		completion, err = txRepo.OcrReview().CompletionStats(ctx, nil, submission.ID)
		if err != nil {
			return fmt.Errorf("failed to compute review stats: %w", err)
		}
		if !completion.Complete() {
			return nil
		}
		return s.settle(ctx, txRepo, submission.ID, completion)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Page review recorded",
		"submission_id", submission.ID,
		"image_id", req.ImageID,
		"page_status", req.PageStatus,
		"issues", len(req.Issues),
		"reviewed_pages", completion.ReviewedPages,
		"total_pages", completion.TotalImages)
	return nil
}

// settle moves the submission out of in_review once every page has a
// verdict. Any reported page marks the whole submission reported.
func (s *reviewService) settle(ctx context.Context, txRepo repositories.Repository, submissionID string, completion *repositories.ReviewCompletion) error {
	if completion.ReportedPages > 0 {
		summary := fmt.Sprintf("%d of %d pages reported, %d issues noted",
			completion.ReportedPages, completion.TotalImages, completion.TotalIssues)
		changed, err := txRepo.Submission().MarkOcrReported(ctx, nil, submissionID, summary)
		if err != nil {
			return fmt.Errorf("failed to mark review reported: %w", err)
		}
		if changed {
			s.publish(ctx, events.EventOcrReported, map[string]interface{}{
				"submission_id": submissionID,
				"summary":       summary,
			})
		}
		return nil
	}

	changed, err := txRepo.Submission().MarkOcrValidated(ctx, nil, submissionID)
	if err != nil {
		return fmt.Errorf("failed to mark review validated: %w", err)
	}
	if changed {
		s.publish(ctx, events.EventOcrValidated, map[string]interface{}{
			"submission_id": submissionID,
		})
	}
	return nil
}

func (s *reviewService) getOwnedSubmission(ctx context.Context, sessionID, studentID string) (*models.Submission, error) {
	session, err := s.repo.Session().GetByID(ctx, s.db, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.StudentID != studentID {
		return nil, NewPermissionError(studentID, sessionID, "submission", "review", "not the session owner")
	}

	submission, err := s.repo.Submission().GetBySessionID(ctx, s.db, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return submission, nil
}

func (s *reviewService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.eventPublisher == nil {
		return
	}
	if err := s.eventPublisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		s.logger.Warn("failed to publish event", "event_type", eventType, "error", err)
	}
}

func buildIssues(reqs []validator.PageIssueRequest) ([]models.OcrIssue, error) {
	issues := make([]models.OcrIssue, 0, len(reqs))
	for _, r := range reqs {
		issue := models.OcrIssue{
			ID:            uuid.New().String(),
			SuggestedText: r.SuggestedText,
			Note:          r.Note,
			Severity:      models.IssueSeverityMinor,
		}
		original := r.OriginalText
		issue.OriginalText = &original
		if r.Severity != "" {
			issue.Severity = models.OcrIssueSeverity(r.Severity)
		}
		if r.Anchor != nil {
			raw, err := json.Marshal(r.Anchor)
			if err != nil {
				return nil, fmt.Errorf("failed to encode issue anchor: %w", err)
			}
			issue.Anchor = raw
		}
		issues = append(issues, issue)
	}
	return issues, nil
}
