package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/models"
)

// SubmissionRepository manages submission rows and their pipeline state.
// All transition methods are conditional on the prior status; a false
// return means another actor got there first.
type SubmissionRepository interface {
	CreateIfAbsent(ctx context.Context, tx *gorm.DB, submission *models.Submission) (bool, error)
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*models.Submission, error)
	GetByIDWithDetails(ctx context.Context, tx *gorm.DB, id string) (*models.Submission, error)
	GetBySessionID(ctx context.Context, tx *gorm.DB, sessionID string) (*models.Submission, error)
	// GetBySessionIDForUpdate locks the row for the transaction; used
	// to serialize order index allocation during uploads.
	GetBySessionIDForUpdate(ctx context.Context, tx *gorm.DB, sessionID string) (*models.Submission, error)
	ListByExam(ctx context.Context, tx *gorm.DB, examID string, filters SubmissionFilters) ([]*models.Submission, int64, error)
	GetExamStats(ctx context.Context, tx *gorm.DB, examID string) (*ExamGradingStats, error)

	// OCR stage
	ListOcrEligible(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]string, error)
	ClaimOcr(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error)
	TransitionOcr(ctx context.Context, tx *gorm.DB, id string, from, to models.OcrOverallStatus) (bool, error)
	CompleteOcr(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error)
	RecordOcrFailure(ctx context.Context, tx *gorm.DB, id string, errMsg string, nextAttempt *time.Time, terminal bool) error

	// LLM precheck stage
	ListPrecheckEligible(ctx context.Context, tx *gorm.DB, now time.Time, includeReported bool, limit int) ([]string, error)
	ClaimPrecheck(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error)
	CompletePrecheck(ctx context.Context, tx *gorm.DB, id string, outcome PrecheckOutcome) (bool, error)
	RecordPrecheckFailure(ctx context.Context, tx *gorm.DB, id string, errMsg string, nextAttempt *time.Time, terminal bool) error
	SkipPrecheck(ctx context.Context, tx *gorm.DB, id string, flagReason string) (bool, error)

	// OCR review outcome
	MarkOcrValidated(ctx context.Context, tx *gorm.DB, id string) (bool, error)
	MarkOcrReported(ctx context.Context, tx *gorm.DB, id string, summary string) (bool, error)

	// Adjudication
	Approve(ctx context.Context, tx *gorm.DB, id, reviewerID string, comments *string, at time.Time) (bool, error)
	OverrideScore(ctx context.Context, tx *gorm.DB, id, reviewerID string, score float64, comments *string, at time.Time) (bool, error)
	Reject(ctx context.Context, tx *gorm.DB, id, reviewerID string, comments *string, at time.Time) (bool, error)
	QueueRegrade(ctx context.Context, tx *gorm.DB, id string) (bool, error)

	// Anomaly tracking
	AddFlagReason(ctx context.Context, tx *gorm.DB, id string, reason string, anomalyScore *float64) error
	ListRetryableFlagged(ctx context.Context, tx *gorm.DB, maxRetries int, limit int) ([]string, error)
}

// SubmissionImageRepository manages uploaded pages and their per-image
// OCR state.
type SubmissionImageRepository interface {
	Create(ctx context.Context, tx *gorm.DB, image *models.SubmissionImage) error
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*models.SubmissionImage, error)
	ListBySubmission(ctx context.Context, tx *gorm.DB, submissionID string) ([]*models.SubmissionImage, error)
	CountBySubmission(ctx context.Context, tx *gorm.DB, submissionID string) (int64, error)
	MaxOrderIndex(ctx context.Context, tx *gorm.DB, submissionID string) (int, error)
	Delete(ctx context.Context, tx *gorm.DB, id string) error

	TransitionOcr(ctx context.Context, tx *gorm.DB, id string, from, to models.OcrImageStatus) (bool, error)
	SetOcrResult(ctx context.Context, tx *gorm.DB, id string, result OcrImageResult) (bool, error)
	SetOcrFailed(ctx context.Context, tx *gorm.DB, id string, errMsg string) (bool, error)
	ResetFailedToPending(ctx context.Context, tx *gorm.DB, submissionID string) error
	StatusCounts(ctx context.Context, tx *gorm.DB, submissionID string) (map[models.OcrImageStatus]int64, error)
	HasDuplicateHash(ctx context.Context, tx *gorm.DB, submissionID, hash string) (bool, error)
}

// SubmissionScoreRepository manages per-criterion score rows.
type SubmissionScoreRepository interface {
	ReplaceForSubmission(ctx context.Context, tx *gorm.DB, submissionID string, scores []models.SubmissionScore) error
	ListBySubmission(ctx context.Context, tx *gorm.DB, submissionID string) ([]*models.SubmissionScore, error)
	CopyAIToFinal(ctx context.Context, tx *gorm.DB, submissionID string) error
	SetFinal(ctx context.Context, tx *gorm.DB, scoreID string, score float64, comment *string) error
}
