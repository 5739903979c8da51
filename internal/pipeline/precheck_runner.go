package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/providers/llm"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/storage"
	"github.com/google/uuid"
)

// PrecheckRunner drives the preliminary grading stage: once a
// submission's transcription is validated it assembles the exam
// context, asks the grader for a score and persists the preliminary
// result with a per-criterion breakdown.
type PrecheckRunner struct {
	repo           repositories.Repository
	db             *gorm.DB
	logger         *slog.Logger
	blobStore      storage.BlobStore
	grader         llm.Grader
	clock          Clock
	backoff        BackoffPolicy
	eventPublisher events.EventPublisher
	signedURLTTL   time.Duration

	// IncludeReported lets submissions with a reported OCR review
	// through anyway; the teacher sees the report flag either way.
	IncludeReported bool
}

func NewPrecheckRunner(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, blobStore storage.BlobStore, grader llm.Grader, clock Clock, backoff BackoffPolicy, publisher events.EventPublisher, urlTTL time.Duration, includeReported bool) *PrecheckRunner {
	return &PrecheckRunner{
		repo:            repo,
		db:              db,
		logger:          logger,
		blobStore:       blobStore,
		grader:          grader,
		clock:           clock,
		backoff:         backoff,
		eventPublisher:  publisher,
		signedURLTTL:    urlTTL,
		IncludeReported: includeReported,
	}
}

// RunOnce claims and grades up to limit eligible submissions.
func (r *PrecheckRunner) RunOnce(ctx context.Context, limit int) (int, error) {
	ids, err := r.repo.Submission().ListPrecheckEligible(ctx, r.db, r.clock.Now(), r.IncludeReported, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list eligible submissions: %w", err)
	}

	processed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := r.ProcessSubmission(ctx, id); err != nil {
			r.logger.Error("Precheck failed", "submission_id", id, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

func (r *PrecheckRunner) ProcessSubmission(ctx context.Context, submissionID string) error {
	startedAt := r.clock.Now()
	claimed, err := r.repo.Submission().ClaimPrecheck(ctx, r.db, submissionID, startedAt)
	if err != nil {
		return fmt.Errorf("failed to claim submission: %w", err)
	}
	if !claimed {
		return nil
	}

	submission, err := r.repo.Submission().GetByIDWithDetails(ctx, r.db, submissionID)
	if err != nil {
		return fmt.Errorf("failed to load submission: %w", err)
	}

	// A closed session with zero pages has nothing to grade.
	if len(submission.Images) == 0 {
		return r.skip(ctx, submissionID, models.FlagReasonNoImages)
	}

	req, err := r.buildGradeRequest(ctx, submission)
	if err != nil {
		return r.recordFailure(ctx, submission, fmt.Errorf("failed to assemble grading context: %w", err))
	}

	result, err := r.grader.Grade(ctx, *req)
	if err != nil {
		return r.recordFailure(ctx, submission, err)
	}

	if result.Unreadable {
		reason := models.FlagReasonUnreadable
		if result.UnreadableReason != nil && *result.UnreadableReason != "" {
			r.logger.Info("Grader reported unreadable submission",
				"submission_id", submissionID, "reason", *result.UnreadableReason)
		}
		return r.skip(ctx, submissionID, reason)
	}

	return r.persistResult(ctx, submission, result, startedAt)
}

// buildGradeRequest assembles the exam context: each task type's
// assigned variant, the combined rubric and the validated page
// transcriptions in page order.
func (r *PrecheckRunner) buildGradeRequest(ctx context.Context, submission *models.Submission) (*llm.GradeRequest, error) {
	session, err := r.repo.Session().GetByID(ctx, r.db, submission.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	taskTypes, err := r.repo.Exam().GetTaskTypes(ctx, r.db, submission.ExamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task types: %w", err)
	}

	assignments := make(map[string]string)
	if len(session.VariantAssignments) > 0 {
		if err := json.Unmarshal(session.VariantAssignments, &assignments); err != nil {
			return nil, fmt.Errorf("failed to decode variant assignments: %w", err)
		}
	}

	var tasks, solutions, rubrics []string
	for _, tt := range taskTypes {
		task := tt.Name
		if tt.Description != nil && *tt.Description != "" {
			task += ": " + *tt.Description
		}
		if variantID, assigned := assignments[tt.ID]; assigned {
			variant, err := r.repo.Exam().GetVariant(ctx, r.db, variantID)
			if err != nil {
				return nil, fmt.Errorf("failed to load variant %s: %w", variantID, err)
			}
			task += "\n" + variant.Content
			if variant.ReferenceSolution != nil {
				solutions = append(solutions, fmt.Sprintf("%s:\n%s", tt.Name, *variant.ReferenceSolution))
			}
		}
		tasks = append(tasks, task)
		if tt.Rubric != nil && *tt.Rubric != "" {
			rubrics = append(rubrics, fmt.Sprintf("%s (max %.2f): %s", tt.Name, tt.MaxScore, *tt.Rubric))
		}
	}

	var transcriptions, imageURLs []string
	for i := range submission.Images {
		img := &submission.Images[i]
		if img.OcrMarkdown != nil && *img.OcrMarkdown != "" {
			transcriptions = append(transcriptions, *img.OcrMarkdown)
		}
		if url, err := r.blobStore.SignedURL(img.FilePath, r.signedURLTTL); err == nil {
			imageURLs = append(imageURLs, url)
		}
	}

	req := &llm.GradeRequest{
		TaskDescription:   strings.Join(tasks, "\n\n"),
		ReferenceSolution: strings.Join(solutions, "\n\n"),
		MaxScore:          submission.MaxScore,
		Transcriptions:    transcriptions,
		ImageURLs:         imageURLs,
	}
	if len(rubrics) > 0 {
		raw, err := json.Marshal(rubrics)
		if err != nil {
			return nil, fmt.Errorf("failed to encode rubric: %w", err)
		}
		req.Rubric = raw
	}
	return req, nil
}

func (r *PrecheckRunner) persistResult(ctx context.Context, submission *models.Submission, result *llm.GradeResult, startedAt time.Time) error {
	completedAt := r.clock.Now()
	processedAt := completedAt

	var comments *string
	if result.Feedback != "" {
		feedback := result.Feedback
		if len(result.Recommendations) > 0 {
			feedback += "\n\nRecommendations:\n- " + strings.Join(result.Recommendations, "\n- ")
		}
		comments = &feedback
	}

	analysis, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	outcome := repositories.PrecheckOutcome{
		Score:           result.TotalScore,
		MaxScore:        result.MaxScore,
		Analysis:        analysis,
		Comments:        comments,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		DurationSeconds: completedAt.Sub(startedAt).Seconds(),
		ProcessedAt:     &processedAt,
	}

	err = r.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		settled, err := txRepo.Submission().CompletePrecheck(ctx, nil, submission.ID, outcome)
		if err != nil {
			return err
		}
		if !settled {
			return fmt.Errorf("submission %s left processing state mid-flight", submission.ID)
		}

		scores := make([]models.SubmissionScore, 0, len(result.CriteriaScores))
		for _, cs := range result.CriteriaScores {
			score := cs.Score
			comment := cs.Comment
			scores = append(scores, models.SubmissionScore{
				ID:            uuid.New().String(),
				CriterionName: cs.CriterionName,
				AIScore:       &score,
				MaxScore:      cs.MaxScore,
				AIComment:     &comment,
			})
		}
		return txRepo.SubmissionScore().ReplaceForSubmission(ctx, nil, submission.ID, scores)
	})
	if err != nil {
		return fmt.Errorf("failed to persist precheck result: %w", err)
	}

	r.publish(ctx, events.EventPrecheckCompleted, map[string]interface{}{
		"submission_id": submission.ID,
		"score":         result.TotalScore,
		"max_score":     result.MaxScore,
	})
	r.logger.Info("Precheck complete",
		"submission_id", submission.ID,
		"score", result.TotalScore,
		"max_score", result.MaxScore,
		"duration_seconds", outcome.DurationSeconds)
	return nil
}

func (r *PrecheckRunner) skip(ctx context.Context, submissionID, flagReason string) error {
	claimed, err := r.repo.Submission().SkipPrecheck(ctx, r.db, submissionID, flagReason)
	if err != nil {
		return fmt.Errorf("failed to skip precheck: %w", err)
	}
	if claimed {
		r.publish(ctx, events.EventPrecheckSkipped, map[string]interface{}{
			"submission_id": submissionID,
			"flag_reason":   flagReason,
		})
		r.logger.Info("Precheck skipped", "submission_id", submissionID, "flag_reason", flagReason)
	}
	return nil
}

func (r *PrecheckRunner) recordFailure(ctx context.Context, submission *models.Submission, cause error) error {
	attempt := submission.AIRetryCount + 1
	terminal := r.backoff.IsTerminal(attempt)

	var nextAttempt *time.Time
	if !terminal {
		at := r.backoff.NextAttemptAt(r.clock.Now(), attempt)
		nextAttempt = &at
	}
	if err := r.repo.Submission().RecordPrecheckFailure(ctx, r.db, submission.ID, cause.Error(), nextAttempt, terminal); err != nil {
		return fmt.Errorf("failed to record precheck failure: %w", err)
	}

	if terminal {
		r.publish(ctx, events.EventPrecheckFailed, map[string]interface{}{
			"submission_id": submission.ID,
			"attempts":      attempt,
			"error":         cause.Error(),
		})
		r.logger.Error("Precheck failed permanently",
			"submission_id", submission.ID, "attempts", attempt, "error", cause)
	} else {
		r.logger.Warn("Precheck failed, will retry",
			"submission_id", submission.ID, "attempt", attempt, "next_attempt_at", nextAttempt)
	}
	return nil
}

func (r *PrecheckRunner) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.eventPublisher == nil {
		return
	}
	if err := r.eventPublisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		r.logger.Warn("failed to publish event", "event_type", eventType, "error", err)
	}
}
