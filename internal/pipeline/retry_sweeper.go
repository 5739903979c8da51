package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/repositories"
)

// RetrySweeper requeues flagged submissions whose grading failure was
// transient but whose retry budget was raised after the fact, e.g. when
// an outage was resolved and operators bumped the attempt limit.
type RetrySweeper struct {
	repo        repositories.Repository
	db          *gorm.DB
	logger      *slog.Logger
	maxAttempts int
}

func NewRetrySweeper(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, maxAttempts int) *RetrySweeper {
	return &RetrySweeper{repo: repo, db: db, logger: logger, maxAttempts: maxAttempts}
}

func (s *RetrySweeper) RunOnce(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.Submission().ListRetryableFlagged(ctx, s.db, s.maxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable submissions: %w", err)
	}

	requeued := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return requeued, ctx.Err()
		}
		claimed, err := s.repo.Submission().QueueRegrade(ctx, s.db, id)
		if err != nil {
			s.logger.Error("failed to requeue submission", "submission_id", id, "error", err)
			continue
		}
		if claimed {
			requeued++
			s.logger.Info("Flagged submission requeued", "submission_id", id)
		}
	}
	return requeued, nil
}
