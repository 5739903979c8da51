package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
)

type OcrReviewPostgreSQL struct {
	db *gorm.DB
}

func NewOcrReviewPostgreSQL(db *gorm.DB) repositories.OcrReviewRepository {
	return &OcrReviewPostgreSQL{db: db}
}

func (r *OcrReviewPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Upsert keeps one verdict per (submission, image) pair. A student
// re-reviewing a page overwrites the previous verdict in place.
func (r *OcrReviewPostgreSQL) Upsert(ctx context.Context, tx *gorm.DB, review *models.OcrReview) error {
	db := r.getDB(tx)
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "submission_id"}, {Name: "image_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"student_id", "page_status", "issue_count", "updated_at"}),
		}).
		Create(review).Error
	if err != nil {
		return fmt.Errorf("failed to upsert OCR review: %w", err)
	}
	return nil
}

func (r *OcrReviewPostgreSQL) GetByPage(ctx context.Context, tx *gorm.DB, submissionID, imageID string) (*models.OcrReview, error) {
	db := r.getDB(tx)
	var review models.OcrReview
	if err := db.WithContext(ctx).
		Preload("Issues").
		First(&review, "submission_id = ? AND image_id = ?", submissionID, imageID).Error; err != nil {
		return nil, err
	}
	return &review, nil
}

func (r *OcrReviewPostgreSQL) ListBySubmission(ctx context.Context, tx *gorm.DB, submissionID string) ([]*models.OcrReview, error) {
	db := r.getDB(tx)
	var reviews []*models.OcrReview
	if err := db.WithContext(ctx).
		Preload("Issues").
		Where("submission_id = ?", submissionID).
		Order("created_at ASC").
		Find(&reviews).Error; err != nil {
		return nil, fmt.Errorf("failed to list OCR reviews: %w", err)
	}
	return reviews, nil
}

func (r *OcrReviewPostgreSQL) ReplaceIssues(ctx context.Context, tx *gorm.DB, reviewID string, issues []models.OcrIssue) error {
	db := r.getDB(tx)
	return db.Transaction(func(innerTx *gorm.DB) error {
		if err := innerTx.WithContext(ctx).
			Where("review_id = ?", reviewID).
			Delete(&models.OcrIssue{}).Error; err != nil {
			return fmt.Errorf("failed to clear review issues: %w", err)
		}
		if len(issues) == 0 {
			return nil
		}
		for i := range issues {
			issues[i].ReviewID = reviewID
		}
		if err := innerTx.WithContext(ctx).Create(&issues).Error; err != nil {
			return fmt.Errorf("failed to insert review issues: %w", err)
		}
		return innerTx.WithContext(ctx).
			Model(&models.OcrReview{}).
			Where("id = ?", reviewID).
			Update("issue_count", len(issues)).Error
	})
}

func (r *OcrReviewPostgreSQL) ListIssues(ctx context.Context, tx *gorm.DB, reviewID string) ([]*models.OcrIssue, error) {
	db := r.getDB(tx)
	var issues []*models.OcrIssue
	if err := db.WithContext(ctx).
		Where("review_id = ?", reviewID).
		Order("created_at ASC").
		Find(&issues).Error; err != nil {
		return nil, fmt.Errorf("failed to list review issues: %w", err)
	}
	return issues, nil
}

// CompletionStats computes the review progress across the full image
// set so the caller can decide whether the gate opens.
func (r *OcrReviewPostgreSQL) CompletionStats(ctx context.Context, tx *gorm.DB, submissionID string) (*repositories.ReviewCompletion, error) {
	db := r.getDB(tx)
	stats := &repositories.ReviewCompletion{}

	if err := db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Where("submission_id = ?", submissionID).
		Count(&stats.TotalImages).Error; err != nil {
		return nil, err
	}

	type row struct {
		PageStatus models.OcrPageStatus
		Count      int64
		Issues     int64
	}
	var rows []row
	if err := db.WithContext(ctx).
		Model(&models.OcrReview{}).
		Select("page_status, COUNT(*) as count, COALESCE(SUM(issue_count), 0) as issues").
		Where("submission_id = ?", submissionID).
		Group("page_status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate review stats: %w", err)
	}
	for _, rw := range rows {
		stats.ReviewedPages += rw.Count
		stats.TotalIssues += rw.Issues
		switch rw.PageStatus {
		case models.OcrPageApproved:
			stats.ApprovedPages = rw.Count
		case models.OcrPageReported:
			stats.ReportedPages = rw.Count
		}
	}

	return stats, nil
}
