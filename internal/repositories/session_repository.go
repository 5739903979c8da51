package repositories

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/models"
)

// SessionRepository manages exam session rows. Status transitions are
// conditional updates: they return false (no error) when the row was
// not in the expected prior state, so concurrent actors no-op safely.
type SessionRepository interface {
	Create(ctx context.Context, tx *gorm.DB, session *models.ExamSession) error
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*models.ExamSession, error)
	GetByIDWithSubmission(ctx context.Context, tx *gorm.DB, id string) (*models.ExamSession, error)
	GetActive(ctx context.Context, tx *gorm.DB, examID, studentID string) (*models.ExamSession, error)
	GetActiveByStudent(ctx context.Context, tx *gorm.DB, studentID string) (*models.ExamSession, error)
	CountByExamAndStudent(ctx context.Context, tx *gorm.DB, examID, studentID string) (int64, error)
	ListByExam(ctx context.Context, tx *gorm.DB, examID string, filters SessionFilters) ([]*models.ExamSession, int64, error)

	SaveAutoSave(ctx context.Context, tx *gorm.DB, id string, data datatypes.JSON, at time.Time) error

	MarkSubmitted(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error)
	MarkGraded(ctx context.Context, tx *gorm.DB, id string) (bool, error)

	// ListDeadlinePassed returns active sessions whose hard deadline
	// (the earlier of session expiry and exam end) is at or before now.
	ListDeadlinePassed(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*models.ExamSession, error)
}
