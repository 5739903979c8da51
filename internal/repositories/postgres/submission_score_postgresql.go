package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
)

type SubmissionScorePostgreSQL struct {
	db *gorm.DB
}

func NewSubmissionScorePostgreSQL(db *gorm.DB) repositories.SubmissionScoreRepository {
	return &SubmissionScorePostgreSQL{db: db}
}

func (r *SubmissionScorePostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// ReplaceForSubmission swaps the full per-criterion score set in one
// transaction. Regrades produce a fresh breakdown, so stale rows from
// the previous run must not survive.
func (r *SubmissionScorePostgreSQL) ReplaceForSubmission(ctx context.Context, tx *gorm.DB, submissionID string, scores []models.SubmissionScore) error {
	db := r.getDB(tx)
	return db.Transaction(func(innerTx *gorm.DB) error {
		if err := innerTx.WithContext(ctx).
			Where("submission_id = ?", submissionID).
			Delete(&models.SubmissionScore{}).Error; err != nil {
			return fmt.Errorf("failed to clear submission scores: %w", err)
		}
		if len(scores) == 0 {
			return nil
		}
		for i := range scores {
			scores[i].SubmissionID = submissionID
		}
		if err := innerTx.WithContext(ctx).Create(&scores).Error; err != nil {
			return fmt.Errorf("failed to insert submission scores: %w", err)
		}
		return nil
	})
}

func (r *SubmissionScorePostgreSQL) ListBySubmission(ctx context.Context, tx *gorm.DB, submissionID string) ([]*models.SubmissionScore, error) {
	db := r.getDB(tx)
	var scores []*models.SubmissionScore
	if err := db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("created_at ASC").
		Find(&scores).Error; err != nil {
		return nil, fmt.Errorf("failed to list submission scores: %w", err)
	}
	return scores, nil
}

// CopyAIToFinal fills final_score from ai_score where the teacher has
// not already overridden it.
func (r *SubmissionScorePostgreSQL) CopyAIToFinal(ctx context.Context, tx *gorm.DB, submissionID string) error {
	db := r.getDB(tx)
	return db.WithContext(ctx).
		Model(&models.SubmissionScore{}).
		Where("submission_id = ? AND final_score IS NULL", submissionID).
		Update("final_score", gorm.Expr("ai_score")).Error
}

func (r *SubmissionScorePostgreSQL) SetFinal(ctx context.Context, tx *gorm.DB, scoreID string, score float64, comment *string) error {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.SubmissionScore{}).
		Where("id = ?", scoreID).
		Updates(map[string]interface{}{
			"final_score":     score,
			"teacher_comment": comment,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
