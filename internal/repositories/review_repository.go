package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/models"
)

// OcrReviewRepository manages page review verdicts and their issues.
type OcrReviewRepository interface {
	// Upsert inserts or replaces the verdict for (submission, image).
	Upsert(ctx context.Context, tx *gorm.DB, review *models.OcrReview) error
	GetByPage(ctx context.Context, tx *gorm.DB, submissionID, imageID string) (*models.OcrReview, error)
	ListBySubmission(ctx context.Context, tx *gorm.DB, submissionID string) ([]*models.OcrReview, error)

	// ReplaceIssues swaps the full issue set of a review.
	ReplaceIssues(ctx context.Context, tx *gorm.DB, reviewID string, issues []models.OcrIssue) error
	ListIssues(ctx context.Context, tx *gorm.DB, reviewID string) ([]*models.OcrIssue, error)

	CompletionStats(ctx context.Context, tx *gorm.DB, submissionID string) (*ReviewCompletion, error)
}
