package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/storage"
	"github.com/chemgrade/grading-service/internal/validator"
)

type adjudicationService struct {
	repo           repositories.Repository
	db             *gorm.DB
	logger         *slog.Logger
	validator      *validator.Validator
	blobStore      storage.BlobStore
	eventPublisher events.EventPublisher
	limits         UploadLimits
}

func NewAdjudicationService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, v *validator.Validator, blobStore storage.BlobStore, publisher events.EventPublisher, limits UploadLimits) AdjudicationService {
	return &adjudicationService{
		repo:           repo,
		db:             db,
		logger:         logger,
		validator:      v,
		blobStore:      blobStore,
		eventPublisher: publisher,
		limits:         limits,
	}
}

func (s *adjudicationService) GetSubmission(ctx context.Context, submissionID, teacherID string) (*SubmissionResponse, error) {
	if err := s.requireTeacher(ctx, teacherID, submissionID, "read"); err != nil {
		return nil, err
	}
	submission, err := s.repo.Submission().GetByIDWithDetails(ctx, s.db, submissionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}

	resp := &SubmissionResponse{Submission: submission}
	for i := range submission.Images {
		img := &submission.Images[i]
		ir := &ImageResponse{SubmissionImage: img}
		if url, err := s.blobStore.SignedURL(img.FilePath, s.limits.SignedURLTTL); err == nil {
			ir.URL = url
		}
		resp.Images = append(resp.Images, ir)
	}
	for i := range submission.Scores {
		resp.Scores = append(resp.Scores, &submission.Scores[i])
	}
	return resp, nil
}

func (s *adjudicationService) List(ctx context.Context, examID, teacherID string, req *ListSubmissionsRequest) (*SubmissionListResponse, error) {
	if err := s.requireTeacher(ctx, teacherID, examID, "list"); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	filters := repositories.SubmissionFilters{
		IsFlagged: req.Flagged,
		Limit:     req.Limit,
		Offset:    req.Offset,
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
	}
	if req.Status != "" {
		status := models.SubmissionStatus(req.Status)
		filters.Status = &status
	}
	if req.StudentID != "" {
		studentID := req.StudentID
		filters.StudentID = &studentID
	}
	if filters.Limit <= 0 {
		filters.Limit = 50
	}

	submissions, total, err := s.repo.Submission().ListByExam(ctx, s.db, examID, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	return &SubmissionListResponse{
		Submissions: submissions,
		Total:       total,
		Limit:       filters.Limit,
		Offset:      filters.Offset,
	}, nil
}

func (s *adjudicationService) Stats(ctx context.Context, examID, teacherID string) (*repositories.ExamGradingStats, error) {
	if err := s.requireTeacher(ctx, teacherID, examID, "stats"); err != nil {
		return nil, err
	}
	stats, err := s.repo.Submission().GetExamStats(ctx, s.db, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute exam stats: %w", err)
	}
	return stats, nil
}

// Approve accepts the preliminary result as final. The total falls back
// to the AI score when no override happened; criterion finals are
// filled the same way.
func (s *adjudicationService) Approve(ctx context.Context, submissionID, teacherID string, req *ApproveSubmissionRequest) error {
	if err := s.requireTeacher(ctx, teacherID, submissionID, "approve"); err != nil {
		return err
	}
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	var sessionID string
	err := s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		submission, err := txRepo.Submission().GetByID(ctx, nil, submissionID)
		if err != nil {
			if repositories.IsNotFoundError(err) {
				return ErrSubmissionNotFound
			}
			return err
		}
		sessionID = submission.SessionID

		claimed, err := txRepo.Submission().Approve(ctx, nil, submissionID, teacherID, req.Comments, time.Now())
		if err != nil {
			return fmt.Errorf("failed to approve submission: %w", err)
		}
		if !claimed {
			return ErrAlreadyAdjudicated
		}
		if err := txRepo.SubmissionScore().CopyAIToFinal(ctx, nil, submissionID); err != nil {
			return fmt.Errorf("failed to finalize criterion scores: %w", err)
		}
		if _, err := txRepo.Session().MarkGraded(ctx, nil, sessionID); err != nil {
			return fmt.Errorf("failed to mark session graded: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events.EventSubmissionApproved, map[string]interface{}{
		"submission_id": submissionID,
		"session_id":    sessionID,
		"reviewed_by":   teacherID,
	})
	s.logger.Info("Submission approved", "submission_id", submissionID, "teacher_id", teacherID)
	return nil
}

func (s *adjudicationService) OverrideScore(ctx context.Context, submissionID, teacherID string, req *OverrideScoreRequest) error {
	if err := s.requireTeacher(ctx, teacherID, submissionID, "override"); err != nil {
		return err
	}
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	var sessionID string
	err := s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		submission, err := txRepo.Submission().GetByID(ctx, nil, submissionID)
		if err != nil {
			if repositories.IsNotFoundError(err) {
				return ErrSubmissionNotFound
			}
			return err
		}
		sessionID = submission.SessionID

		if err := validator.ValidateScoreBounds(req.Score, submission.MaxScore); err != nil {
			return ErrScoreExceedsMaximum
		}

		claimed, err := txRepo.Submission().OverrideScore(ctx, nil, submissionID, teacherID, req.Score, req.Comments, time.Now())
		if err != nil {
			return fmt.Errorf("failed to override score: %w", err)
		}
		if !claimed {
			return ErrAlreadyAdjudicated
		}
		if _, err := txRepo.Session().MarkGraded(ctx, nil, sessionID); err != nil {
			return fmt.Errorf("failed to mark session graded: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events.EventSubmissionApproved, map[string]interface{}{
		"submission_id": submissionID,
		"session_id":    sessionID,
		"reviewed_by":   teacherID,
		"override":      true,
		"score":         req.Score,
	})
	s.logger.Info("Submission score overridden",
		"submission_id", submissionID, "teacher_id", teacherID, "score", req.Score)
	return nil
}

// OverrideCriterion adjusts one criterion before or after approval.
// It does not touch the submission total; the teacher settles that via
// Approve or OverrideScore.
func (s *adjudicationService) OverrideCriterion(ctx context.Context, submissionID, teacherID string, req *OverrideCriterionRequest) error {
	if err := s.requireTeacher(ctx, teacherID, submissionID, "override"); err != nil {
		return err
	}
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		scores, err := txRepo.SubmissionScore().ListBySubmission(ctx, nil, submissionID)
		if err != nil {
			return fmt.Errorf("failed to list scores: %w", err)
		}
		var target *models.SubmissionScore
		for _, sc := range scores {
			if sc.ID == req.ScoreID {
				target = sc
				break
			}
		}
		if target == nil {
			return NewValidationError("score_id", "no such criterion score for this submission", req.ScoreID)
		}
		if err := validator.ValidateScoreBounds(req.Score, target.MaxScore); err != nil {
			return ErrScoreExceedsMaximum
		}
		if err := txRepo.SubmissionScore().SetFinal(ctx, nil, req.ScoreID, req.Score, req.Comment); err != nil {
			return fmt.Errorf("failed to set criterion score: %w", err)
		}
		return nil
	})
}

func (s *adjudicationService) Reject(ctx context.Context, submissionID, teacherID string, req *RejectSubmissionRequest) error {
	if err := s.requireTeacher(ctx, teacherID, submissionID, "reject"); err != nil {
		return err
	}
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	comments := req.Comments
	claimed, err := s.repo.Submission().Reject(ctx, s.db, submissionID, teacherID, &comments, time.Now())
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrSubmissionNotFound
		}
		return fmt.Errorf("failed to reject submission: %w", err)
	}
	if !claimed {
		return ErrAlreadyAdjudicated
	}

	s.publish(ctx, events.EventSubmissionRejected, map[string]interface{}{
		"submission_id": submissionID,
		"reviewed_by":   teacherID,
	})
	s.logger.Info("Submission rejected", "submission_id", submissionID, "teacher_id", teacherID)
	return nil
}

// Regrade sends the submission back through the precheck stage with a
// fresh retry budget. Existing criterion scores stay until the regrade
// replaces them.
func (s *adjudicationService) Regrade(ctx context.Context, submissionID, teacherID string) error {
	if err := s.requireTeacher(ctx, teacherID, submissionID, "regrade"); err != nil {
		return err
	}

	claimed, err := s.repo.Submission().QueueRegrade(ctx, s.db, submissionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrSubmissionNotFound
		}
		return fmt.Errorf("failed to queue regrade: %w", err)
	}
	if !claimed {
		return ErrSubmissionNotSettled
	}

	s.publish(ctx, events.EventRegradeQueued, map[string]interface{}{
		"submission_id": submissionID,
		"requested_by":  teacherID,
	})
	s.logger.Info("Regrade queued", "submission_id", submissionID, "teacher_id", teacherID)
	return nil
}

func (s *adjudicationService) requireTeacher(ctx context.Context, userID, targetID, action string) error {
	ok, err := s.repo.User().HasRole(ctx, userID, models.RoleTeacher, models.RoleAdmin)
	if err != nil {
		return fmt.Errorf("failed to check role: %w", err)
	}
	if !ok {
		return NewPermissionError(userID, targetID, "submission", action, "teacher role required")
	}
	return nil
}

func (s *adjudicationService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.eventPublisher == nil {
		return
	}
	if err := s.eventPublisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		s.logger.Warn("failed to publish event", "event_type", eventType, "error", err)
	}
}
