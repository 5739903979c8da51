package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
)

type SubmissionImagePostgreSQL struct {
	db *gorm.DB
}

func NewSubmissionImagePostgreSQL(db *gorm.DB) repositories.SubmissionImageRepository {
	return &SubmissionImagePostgreSQL{db: db}
}

func (r *SubmissionImagePostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *SubmissionImagePostgreSQL) Create(ctx context.Context, tx *gorm.DB, image *models.SubmissionImage) error {
	db := r.getDB(tx)
	if err := db.WithContext(ctx).Create(image).Error; err != nil {
		return fmt.Errorf("failed to create submission image: %w", err)
	}
	return nil
}

func (r *SubmissionImagePostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id string) (*models.SubmissionImage, error) {
	db := r.getDB(tx)
	var image models.SubmissionImage
	if err := db.WithContext(ctx).First(&image, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &image, nil
}

func (r *SubmissionImagePostgreSQL) ListBySubmission(ctx context.Context, tx *gorm.DB, submissionID string) ([]*models.SubmissionImage, error) {
	db := r.getDB(tx)
	var images []*models.SubmissionImage
	if err := db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("order_index ASC").
		Find(&images).Error; err != nil {
		return nil, fmt.Errorf("failed to list submission images: %w", err)
	}
	return images, nil
}

func (r *SubmissionImagePostgreSQL) CountBySubmission(ctx context.Context, tx *gorm.DB, submissionID string) (int64, error) {
	db := r.getDB(tx)
	var count int64
	err := db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Where("submission_id = ?", submissionID).
		Count(&count).Error
	return count, err
}

// MaxOrderIndex returns the highest order_index for the submission, or
// -1 when it has no images. Callers hold the submission row lock so
// the next index stays unique under concurrent uploads.
func (r *SubmissionImagePostgreSQL) MaxOrderIndex(ctx context.Context, tx *gorm.DB, submissionID string) (int, error) {
	db := r.getDB(tx)
	var max *int
	err := db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Where("submission_id = ?", submissionID).
		Select("MAX(order_index)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return -1, nil
	}
	return *max, nil
}

func (r *SubmissionImagePostgreSQL) Delete(ctx context.Context, tx *gorm.DB, id string) error {
	db := r.getDB(tx)
	res := db.WithContext(ctx).Delete(&models.SubmissionImage{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *SubmissionImagePostgreSQL) TransitionOcr(ctx context.Context, tx *gorm.DB, id string, from, to models.OcrImageStatus) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Where("id = ? AND ocr_status = ?", id, from).
		Update("ocr_status", to)
	return res.RowsAffected > 0, res.Error
}

func (r *SubmissionImagePostgreSQL) SetOcrResult(ctx context.Context, tx *gorm.DB, id string, result repositories.OcrImageResult) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Where("id = ? AND ocr_status = ?", id, models.OcrImageProcessing).
		Updates(map[string]interface{}{
			"ocr_status":       models.OcrImageReady,
			"ocr_markdown":     result.Markdown,
			"ocr_chunks":       result.Chunks,
			"ocr_model":        result.Model,
			"ocr_request_id":   result.RequestID,
			"quality_score":    result.QualityScore,
			"ocr_error":        nil,
			"ocr_completed_at": result.CompletedAt,
			"processed_at":     result.CompletedAt,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *SubmissionImagePostgreSQL) SetOcrFailed(ctx context.Context, tx *gorm.DB, id string, errMsg string) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Where("id = ? AND ocr_status = ?", id, models.OcrImageProcessing).
		Updates(map[string]interface{}{
			"ocr_status": models.OcrImageFailed,
			"ocr_error":  errMsg,
		})
	return res.RowsAffected > 0, res.Error
}

// ResetFailedToPending re-queues failed pages ahead of a submission
// level OCR retry.
func (r *SubmissionImagePostgreSQL) ResetFailedToPending(ctx context.Context, tx *gorm.DB, submissionID string) error {
	db := r.getDB(tx)
	return db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Where("submission_id = ? AND ocr_status = ?", submissionID, models.OcrImageFailed).
		Updates(map[string]interface{}{
			"ocr_status": models.OcrImagePending,
			"ocr_error":  nil,
		}).Error
}

func (r *SubmissionImagePostgreSQL) StatusCounts(ctx context.Context, tx *gorm.DB, submissionID string) (map[models.OcrImageStatus]int64, error) {
	db := r.getDB(tx)
	type row struct {
		OcrStatus models.OcrImageStatus
		Count     int64
	}
	var rows []row
	if err := db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Select("ocr_status, COUNT(*) as count").
		Where("submission_id = ?", submissionID).
		Group("ocr_status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count image statuses: %w", err)
	}
	counts := make(map[models.OcrImageStatus]int64, len(rows))
	for _, rw := range rows {
		counts[rw.OcrStatus] = rw.Count
	}
	return counts, nil
}

func (r *SubmissionImagePostgreSQL) HasDuplicateHash(ctx context.Context, tx *gorm.DB, submissionID, hash string) (bool, error) {
	db := r.getDB(tx)
	var count int64
	err := db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Where("submission_id = ? AND perceptual_hash = ?", submissionID, hash).
		Count(&count).Error
	return count > 0, err
}
