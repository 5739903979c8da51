package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chemgrade/grading-service/internal/cache"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
)

type ExamPostgreSQL struct {
	db           *gorm.DB
	cacheManager *cache.CacheManager
}

func NewExamPostgreSQL(db *gorm.DB, cacheManager *cache.CacheManager) repositories.ExamRepository {
	return &ExamPostgreSQL{db: db, cacheManager: cacheManager}
}

func (r *ExamPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *ExamPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id string) (*models.Exam, error) {
	// Skip the cache inside transactions so reads see uncommitted writes.
	if tx == nil && r.cacheManager != nil && r.cacheManager.Exam != nil {
		var exam models.Exam
		err := r.cacheManager.Exam.CacheOrExecute(ctx, id, &exam, cache.ExamCacheConfig.TTL, func() (interface{}, error) {
			return r.fetchExam(ctx, nil, id)
		})
		if err == nil {
			return &exam, nil
		}
		if repositories.IsNotFoundError(err) {
			return nil, err
		}
		// Cache unavailable; fall through to the database.
	}
	return r.fetchExam(ctx, tx, id)
}

func (r *ExamPostgreSQL) fetchExam(ctx context.Context, tx *gorm.DB, id string) (*models.Exam, error) {
	db := r.getDB(tx)
	var exam models.Exam
	if err := db.WithContext(ctx).
		Preload("TaskTypes", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_index ASC")
		}).
		First(&exam, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &exam, nil
}

func (r *ExamPostgreSQL) GetTaskTypes(ctx context.Context, tx *gorm.DB, examID string) ([]*models.TaskType, error) {
	db := r.getDB(tx)
	var taskTypes []*models.TaskType
	if err := db.WithContext(ctx).
		Preload("Variants", func(db *gorm.DB) *gorm.DB {
			return db.Order("variant_number ASC")
		}).
		Where("exam_id = ?", examID).
		Order("order_index ASC").
		Find(&taskTypes).Error; err != nil {
		return nil, fmt.Errorf("failed to list task types: %w", err)
	}
	return taskTypes, nil
}

func (r *ExamPostgreSQL) GetVariant(ctx context.Context, tx *gorm.DB, id string) (*models.TaskVariant, error) {
	db := r.getDB(tx)
	var variant models.TaskVariant
	if err := db.WithContext(ctx).First(&variant, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &variant, nil
}

func (r *ExamPostgreSQL) ListEnded(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*models.Exam, error) {
	db := r.getDB(tx)
	var exams []*models.Exam
	query := db.WithContext(ctx).
		Where("status IN ?", []models.ExamStatus{models.ExamPublished, models.ExamInProgress}).
		Where("end_time IS NOT NULL AND end_time <= ?", now).
		Order("end_time ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&exams).Error; err != nil {
		return nil, fmt.Errorf("failed to list ended exams: %w", err)
	}
	return exams, nil
}

func (r *ExamPostgreSQL) MarkCompleted(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.Exam{}).
		Where("id = ? AND status IN ?", id, []models.ExamStatus{models.ExamPublished, models.ExamInProgress}).
		Update("status", models.ExamCompleted)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 && r.cacheManager != nil {
		cache.InvalidateExamCache(ctx, r.cacheManager, id)
	}
	return res.RowsAffected > 0, res.Error
}

type TelegramOffsetPostgreSQL struct {
	db *gorm.DB
}

func NewTelegramOffsetPostgreSQL(db *gorm.DB) repositories.TelegramOffsetRepository {
	return &TelegramOffsetPostgreSQL{db: db}
}

func (r *TelegramOffsetPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *TelegramOffsetPostgreSQL) Get(ctx context.Context, tx *gorm.DB, botName string) (int64, error) {
	db := r.getDB(tx)
	var row models.TelegramOffset
	if err := db.WithContext(ctx).First(&row, "bot_name = ?", botName).Error; err != nil {
		if repositories.IsNotFoundError(err) {
			return 0, nil
		}
		return 0, err
	}
	return row.UpdateOffset, nil
}

// Advance upserts the offset, never moving it backwards. Concurrent
// pollers can race; the larger offset always wins.
func (r *TelegramOffsetPostgreSQL) Advance(ctx context.Context, tx *gorm.DB, botName string, offset int64) error {
	db := r.getDB(tx)
	row := models.TelegramOffset{BotName: botName, UpdateOffset: offset, UpdatedAt: time.Now()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "bot_name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"update_offset": gorm.Expr("CASE WHEN excluded.update_offset > telegram_offsets.update_offset THEN excluded.update_offset ELSE telegram_offsets.update_offset END"),
				"updated_at":    gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(&row).Error
}

type TelegramLinkPostgreSQL struct {
	db *gorm.DB
}

func NewTelegramLinkPostgreSQL(db *gorm.DB) repositories.TelegramLinkRepository {
	return &TelegramLinkPostgreSQL{db: db}
}

func (r *TelegramLinkPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *TelegramLinkPostgreSQL) GetByTelegramUserID(ctx context.Context, tx *gorm.DB, telegramUserID int64) (*models.TelegramLink, error) {
	db := r.getDB(tx)
	var link models.TelegramLink
	if err := db.WithContext(ctx).First(&link, "telegram_user_id = ?", telegramUserID).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

// Upsert replaces an existing binding; re-linking moves the Telegram
// account to the new student.
func (r *TelegramLinkPostgreSQL) Upsert(ctx context.Context, tx *gorm.DB, link *models.TelegramLink) error {
	db := r.getDB(tx)
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "telegram_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"student_id", "telegram_username", "telegram_first_name", "last_seen_at",
			}),
		}).
		Create(link).Error
}

func (r *TelegramLinkPostgreSQL) TouchLastSeen(ctx context.Context, tx *gorm.DB, telegramUserID int64, at time.Time) error {
	db := r.getDB(tx)
	return db.WithContext(ctx).
		Model(&models.TelegramLink{}).
		Where("telegram_user_id = ?", telegramUserID).
		Update("last_seen_at", at).Error
}

func (r *TelegramLinkPostgreSQL) Delete(ctx context.Context, tx *gorm.DB, telegramUserID int64) error {
	db := r.getDB(tx)
	return db.WithContext(ctx).
		Delete(&models.TelegramLink{}, "telegram_user_id = ?", telegramUserID).Error
}
