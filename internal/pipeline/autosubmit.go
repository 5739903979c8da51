package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/services"
)

// AutoSubmitSweeper closes exam sessions whose hard deadline passed and
// marks ended exams completed. Finalizing goes through the session
// service so the sweep and an explicit submit race on the same claim.
type AutoSubmitSweeper struct {
	repo           repositories.Repository
	db             *gorm.DB
	logger         *slog.Logger
	sessionService services.SessionService
	clock          Clock
}

func NewAutoSubmitSweeper(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, sessionService services.SessionService, clock Clock) *AutoSubmitSweeper {
	return &AutoSubmitSweeper{
		repo:           repo,
		db:             db,
		logger:         logger,
		sessionService: sessionService,
		clock:          clock,
	}
}

// RunOnce expires overdue sessions and completes ended exams. Returns
// how many sessions were finalized.
func (s *AutoSubmitSweeper) RunOnce(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()

	sessions, err := s.repo.Session().ListDeadlinePassed(ctx, s.db, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue sessions: %w", err)
	}

	finalized := 0
	for _, session := range sessions {
		if ctx.Err() != nil {
			return finalized, ctx.Err()
		}
		if err := s.sessionService.Finalize(ctx, session.ID, true); err != nil {
			s.logger.Error("Auto-submit failed", "session_id", session.ID, "error", err)
			continue
		}
		finalized++
		s.logger.Info("Session auto-submitted",
			"session_id", session.ID, "student_id", session.StudentID, "exam_id", session.ExamID)
	}

	if err := s.sweepEndedExams(ctx, now, limit); err != nil {
		s.logger.Error("Completed-exam sweep failed", "error", err)
	}
	return finalized, nil
}

func (s *AutoSubmitSweeper) sweepEndedExams(ctx context.Context, now time.Time, limit int) error {
	exams, err := s.repo.Exam().ListEnded(ctx, s.db, now, limit)
	if err != nil {
		return fmt.Errorf("failed to list ended exams: %w", err)
	}
	for _, exam := range exams {
		changed, err := s.repo.Exam().MarkCompleted(ctx, s.db, exam.ID)
		if err != nil {
			s.logger.Error("failed to complete exam", "exam_id", exam.ID, "error", err)
			continue
		}
		if changed {
			s.logger.Info("Exam completed", "exam_id", exam.ID, "title", exam.Title)
		}
	}
	return nil
}
