package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/cache"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
)

type SessionPostgreSQL struct {
	db           *gorm.DB
	helpers      *SharedHelpers
	cacheManager *cache.CacheManager
}

func NewSessionPostgreSQL(db *gorm.DB, redisClient *redis.Client) repositories.SessionRepository {
	return &SessionPostgreSQL{
		db:           db,
		helpers:      NewSharedHelpers(db),
		cacheManager: cache.NewCacheManager(redisClient),
	}
}

func (s *SessionPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

func (s *SessionPostgreSQL) Create(ctx context.Context, tx *gorm.DB, session *models.ExamSession) error {
	db := s.getDB(tx)
	return db.WithContext(ctx).Create(session).Error
}

func (s *SessionPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id string) (*models.ExamSession, error) {
	db := s.getDB(tx)
	var session models.ExamSession
	if err := db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionPostgreSQL) GetByIDWithSubmission(ctx context.Context, tx *gorm.DB, id string) (*models.ExamSession, error) {
	db := s.getDB(tx)
	var session models.ExamSession
	if err := db.WithContext(ctx).
		Preload("Exam").
		Preload("Submission").
		Preload("Submission.Images", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_index ASC")
		}).
		First(&session, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionPostgreSQL) GetActive(ctx context.Context, tx *gorm.DB, examID, studentID string) (*models.ExamSession, error) {
	db := s.getDB(tx)
	var session models.ExamSession
	if err := db.WithContext(ctx).
		Where("exam_id = ? AND student_id = ? AND status = ?", examID, studentID, models.SessionActive).
		First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionPostgreSQL) GetActiveByStudent(ctx context.Context, tx *gorm.DB, studentID string) (*models.ExamSession, error) {
	db := s.getDB(tx)
	var session models.ExamSession
	if err := db.WithContext(ctx).
		Where("student_id = ? AND status = ?", studentID, models.SessionActive).
		Order("started_at DESC").
		First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionPostgreSQL) CountByExamAndStudent(ctx context.Context, tx *gorm.DB, examID, studentID string) (int64, error) {
	db := s.getDB(tx)
	var count int64
	err := db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("exam_id = ? AND student_id = ?", examID, studentID).
		Count(&count).Error
	return count, err
}

func (s *SessionPostgreSQL) ListByExam(ctx context.Context, tx *gorm.DB, examID string, filters repositories.SessionFilters) ([]*models.ExamSession, int64, error) {
	db := s.getDB(tx)
	var sessions []*models.ExamSession
	var total int64

	query := db.WithContext(ctx).Model(&models.ExamSession{}).Where("exam_id = ?", examID)
	query = s.helpers.ApplySessionFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = s.helpers.ApplyPaginationAndSort(query, filters.SortBy, filters.SortOrder, filters.Limit, filters.Offset)

	if err := query.Preload("Submission").Find(&sessions).Error; err != nil {
		return nil, 0, err
	}

	return sessions, total, nil
}

func (s *SessionPostgreSQL) SaveAutoSave(ctx context.Context, tx *gorm.DB, id string, data datatypes.JSON, at time.Time) error {
	db := s.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(map[string]interface{}{
			"auto_save_data": data,
			"last_auto_save": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s is not active: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *SessionPostgreSQL) MarkSubmitted(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error) {
	return s.transition(ctx, tx, id, []models.SessionStatus{models.SessionActive}, map[string]interface{}{
		"status":       models.SessionSubmitted,
		"submitted_at": at,
	})
}

func (s *SessionPostgreSQL) MarkExpired(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error) {
	return s.transition(ctx, tx, id, []models.SessionStatus{models.SessionActive}, map[string]interface{}{
		"status":       models.SessionExpired,
		"submitted_at": at,
	})
}

func (s *SessionPostgreSQL) MarkGraded(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	return s.transition(ctx, tx, id, []models.SessionStatus{models.SessionSubmitted, models.SessionExpired}, map[string]interface{}{
		"status": models.SessionGraded,
	})
}

// transition performs a conditional status update. RowsAffected == 0
// means another actor already moved the row; callers treat that as a
// benign race.
func (s *SessionPostgreSQL) transition(ctx context.Context, tx *gorm.DB, id string, from []models.SessionStatus, updates map[string]interface{}) (bool, error) {
	db := s.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		cache.InvalidateSessionCache(ctx, s.cacheManager, id)
	}
	return res.RowsAffected > 0, nil
}

func (s *SessionPostgreSQL) ListDeadlinePassed(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*models.ExamSession, error) {
	db := s.getDB(tx)
	var sessions []*models.ExamSession
	query := db.WithContext(ctx).
		Joins("JOIN exams ON exams.id = exam_sessions.exam_id").
		Where("exam_sessions.status = ?", models.SessionActive).
		Where("exam_sessions.expires_at <= ? OR (exams.end_time IS NOT NULL AND exams.end_time <= ?)", now, now).
		Order("exam_sessions.expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list deadline-passed sessions: %w", err)
	}
	return sessions, nil
}
