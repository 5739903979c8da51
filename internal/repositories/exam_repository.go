package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/models"
)

// ExamRepository provides read-mostly exam context plus the
// completed-exam sweep transition.
type ExamRepository interface {
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*models.Exam, error)
	GetTaskTypes(ctx context.Context, tx *gorm.DB, examID string) ([]*models.TaskType, error)
	GetVariant(ctx context.Context, tx *gorm.DB, id string) (*models.TaskVariant, error)

	ListEnded(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*models.Exam, error)
	MarkCompleted(ctx context.Context, tx *gorm.DB, id string) (bool, error)
}

// TelegramOffsetRepository persists bot update offsets. Advance never
// moves an offset backwards.
type TelegramOffsetRepository interface {
	Get(ctx context.Context, tx *gorm.DB, botName string) (int64, error)
	Advance(ctx context.Context, tx *gorm.DB, botName string, offset int64) error
}

// TelegramLinkRepository binds Telegram accounts to students.
type TelegramLinkRepository interface {
	GetByTelegramUserID(ctx context.Context, tx *gorm.DB, telegramUserID int64) (*models.TelegramLink, error)
	Upsert(ctx context.Context, tx *gorm.DB, link *models.TelegramLink) error
	TouchLastSeen(ctx context.Context, tx *gorm.DB, telegramUserID int64, at time.Time) error
	Delete(ctx context.Context, tx *gorm.DB, telegramUserID int64) error
}
