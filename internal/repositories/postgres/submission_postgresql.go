package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
)

type SubmissionPostgreSQL struct {
	db      *gorm.DB
	helpers *SharedHelpers
}

func NewSubmissionPostgreSQL(db *gorm.DB) repositories.SubmissionRepository {
	return &SubmissionPostgreSQL{
		db:      db,
		helpers: NewSharedHelpers(db),
	}
}

func (r *SubmissionPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// CreateIfAbsent inserts the submission unless one already exists for
// the session. Returns true only when this call created the row.
func (r *SubmissionPostgreSQL) CreateIfAbsent(ctx context.Context, tx *gorm.DB, submission *models.Submission) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).
		Create(submission)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create submission: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *SubmissionPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id string) (*models.Submission, error) {
	db := r.getDB(tx)
	var submission models.Submission
	if err := db.WithContext(ctx).First(&submission, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &submission, nil
}

func (r *SubmissionPostgreSQL) GetByIDWithDetails(ctx context.Context, tx *gorm.DB, id string) (*models.Submission, error) {
	db := r.getDB(tx)
	var submission models.Submission
	if err := db.WithContext(ctx).
		Preload("Images", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_index ASC")
		}).
		Preload("Scores").
		First(&submission, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &submission, nil
}

func (r *SubmissionPostgreSQL) GetBySessionID(ctx context.Context, tx *gorm.DB, sessionID string) (*models.Submission, error) {
	db := r.getDB(tx)
	var submission models.Submission
	if err := db.WithContext(ctx).First(&submission, "session_id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &submission, nil
}

func (r *SubmissionPostgreSQL) GetBySessionIDForUpdate(ctx context.Context, tx *gorm.DB, sessionID string) (*models.Submission, error) {
	db := r.getDB(tx)
	var submission models.Submission
	if err := lockForUpdate(db.WithContext(ctx)).First(&submission, "session_id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &submission, nil
}

func (r *SubmissionPostgreSQL) ListByExam(ctx context.Context, tx *gorm.DB, examID string, filters repositories.SubmissionFilters) ([]*models.Submission, int64, error) {
	db := r.getDB(tx)
	var submissions []*models.Submission
	var total int64

	query := db.WithContext(ctx).Model(&models.Submission{}).Where("exam_id = ?", examID)
	query = r.helpers.ApplySubmissionFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = r.helpers.ApplyPaginationAndSort(query, filters.SortBy, filters.SortOrder, filters.Limit, filters.Offset)

	if err := query.Preload("Scores").Find(&submissions).Error; err != nil {
		return nil, 0, err
	}

	return submissions, total, nil
}

func (r *SubmissionPostgreSQL) GetExamStats(ctx context.Context, tx *gorm.DB, examID string) (*repositories.ExamGradingStats, error) {
	db := r.getDB(tx)
	stats := &repositories.ExamGradingStats{}

	type statusCount struct {
		Status models.SubmissionStatus
		Count  int
	}
	var counts []statusCount
	if err := db.WithContext(ctx).
		Model(&models.Submission{}).
		Select("status, COUNT(*) as count").
		Where("exam_id = ?", examID).
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count submissions by status: %w", err)
	}
	for _, sc := range counts {
		stats.TotalSubmissions += sc.Count
		switch sc.Status {
		case models.SubmissionPreliminary:
			stats.Preliminary = sc.Count
		case models.SubmissionApproved:
			stats.Approved = sc.Count
		case models.SubmissionFlagged:
			stats.Flagged = sc.Count
		case models.SubmissionRejected:
			stats.Rejected = sc.Count
		}
	}

	type avgRow struct {
		AvgFinal *float64
		AvgAI    *float64
	}
	var avgs avgRow
	if err := db.WithContext(ctx).
		Model(&models.Submission{}).
		Select("AVG(final_score) as avg_final, AVG(ai_score) as avg_ai").
		Where("exam_id = ?", examID).
		Scan(&avgs).Error; err != nil {
		return nil, fmt.Errorf("failed to average scores: %w", err)
	}
	if avgs.AvgFinal != nil {
		stats.AverageFinalScore = *avgs.AvgFinal
	}
	if avgs.AvgAI != nil {
		stats.AverageAIScore = *avgs.AvgAI
	}

	var reported int64
	if err := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("exam_id = ? AND report_flag = ?", examID, true).
		Count(&reported).Error; err != nil {
		return nil, err
	}
	stats.ReportedOcrReviews = int(reported)

	return stats, nil
}

// ===== OCR STAGE =====

func (r *SubmissionPostgreSQL) ListOcrEligible(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]string, error) {
	db := r.getDB(tx)
	var ids []string
	// Pages may exist before the student submits; OCR waits for the
	// session to close.
	query := db.WithContext(ctx).
		Model(&models.Submission{}).
		Joins("JOIN exam_sessions ON exam_sessions.id = submissions.session_id").
		Where("exam_sessions.status IN ?", closedSessionStatuses).
		Where("submissions.ocr_overall_status = ?", models.OcrOverallPending).
		Where("submissions.ocr_next_attempt_at IS NULL OR submissions.ocr_next_attempt_at <= ?", now).
		Order("submissions.created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("submissions.id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list OCR-eligible submissions: %w", err)
	}
	return ids, nil
}

var closedSessionStatuses = []models.SessionStatus{
	models.SessionSubmitted,
	models.SessionExpired,
	models.SessionGraded,
}

func (r *SubmissionPostgreSQL) ClaimOcr(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND ocr_overall_status = ?", id, models.OcrOverallPending).
		Updates(map[string]interface{}{
			"ocr_overall_status": models.OcrOverallProcessing,
			"ocr_started_at":     at,
			"ocr_error":          nil,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *SubmissionPostgreSQL) TransitionOcr(ctx context.Context, tx *gorm.DB, id string, from, to models.OcrOverallStatus) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND ocr_overall_status = ?", id, from).
		Update("ocr_overall_status", to)
	return res.RowsAffected > 0, res.Error
}

func (r *SubmissionPostgreSQL) CompleteOcr(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND ocr_overall_status = ?", id, models.OcrOverallProcessing).
		Updates(map[string]interface{}{
			"ocr_overall_status": models.OcrOverallInReview,
			"ocr_completed_at":   at,
		})
	return res.RowsAffected > 0, res.Error
}

// RecordOcrFailure increments the retry counter and either re-queues
// the submission for a later attempt or parks it as failed.
func (r *SubmissionPostgreSQL) RecordOcrFailure(ctx context.Context, tx *gorm.DB, id string, errMsg string, nextAttempt *time.Time, terminal bool) error {
	db := r.getDB(tx)
	updates := map[string]interface{}{
		"ocr_retry_count": gorm.Expr("ocr_retry_count + 1"),
		"ocr_error":       errMsg,
	}
	if terminal {
		updates["ocr_overall_status"] = models.OcrOverallFailed
		updates["is_flagged"] = true
	} else {
		updates["ocr_overall_status"] = models.OcrOverallPending
		updates["ocr_next_attempt_at"] = nextAttempt
	}
	return db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND ocr_overall_status = ?", id, models.OcrOverallProcessing).
		Updates(updates).Error
}

// ===== LLM PRECHECK STAGE =====

func (r *SubmissionPostgreSQL) ListPrecheckEligible(ctx context.Context, tx *gorm.DB, now time.Time, includeReported bool, limit int) ([]string, error) {
	db := r.getDB(tx)
	okStatuses := []models.OcrOverallStatus{models.OcrOverallValidated, models.OcrOverallNotRequired}
	if includeReported {
		okStatuses = append(okStatuses, models.OcrOverallReported)
	}

	var ids []string
	query := db.WithContext(ctx).
		Model(&models.Submission{}).
		Joins("JOIN exam_sessions ON exam_sessions.id = submissions.session_id").
		Where("exam_sessions.status IN ?", closedSessionStatuses).
		Where("submissions.status = ? AND submissions.llm_precheck_status = ?", models.SubmissionUploaded, models.PrecheckQueued).
		Where("submissions.ocr_overall_status IN ?", okStatuses).
		Where("submissions.ai_next_attempt_at IS NULL OR submissions.ai_next_attempt_at <= ?", now).
		Order("submissions.created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("submissions.id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list precheck-eligible submissions: %w", err)
	}
	return ids, nil
}

func (r *SubmissionPostgreSQL) ClaimPrecheck(ctx context.Context, tx *gorm.DB, id string, at time.Time) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status = ? AND llm_precheck_status = ?", id, models.SubmissionUploaded, models.PrecheckQueued).
		Updates(map[string]interface{}{
			"status":                models.SubmissionProcessing,
			"llm_precheck_status":   models.PrecheckProcessing,
			"ai_request_started_at": at,
			"ai_error":              nil,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *SubmissionPostgreSQL) CompletePrecheck(ctx context.Context, tx *gorm.DB, id string, outcome repositories.PrecheckOutcome) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, models.SubmissionProcessing).
		Updates(map[string]interface{}{
			"status":                      models.SubmissionPreliminary,
			"llm_precheck_status":         models.PrecheckCompleted,
			"ai_score":                    outcome.Score,
			"max_score":                   outcome.MaxScore,
			"ai_analysis":                 outcome.Analysis,
			"ai_comments":                 outcome.Comments,
			"ai_request_completed_at":     outcome.CompletedAt,
			"ai_request_duration_seconds": outcome.DurationSeconds,
			"ai_processed_at":             outcome.ProcessedAt,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *SubmissionPostgreSQL) RecordPrecheckFailure(ctx context.Context, tx *gorm.DB, id string, errMsg string, nextAttempt *time.Time, terminal bool) error {
	db := r.getDB(tx)

	if !terminal {
		return db.WithContext(ctx).
			Model(&models.Submission{}).
			Where("id = ? AND status = ?", id, models.SubmissionProcessing).
			Updates(map[string]interface{}{
				"status":              models.SubmissionUploaded,
				"llm_precheck_status": models.PrecheckQueued,
				"ai_retry_count":      gorm.Expr("ai_retry_count + 1"),
				"ai_error":            errMsg,
				"ai_next_attempt_at":  nextAttempt,
			}).Error
	}

	// Terminal: park as flagged and record the reason on the row.
	return db.Transaction(func(innerTx *gorm.DB) error {
		res := innerTx.WithContext(ctx).
			Model(&models.Submission{}).
			Where("id = ? AND status = ?", id, models.SubmissionProcessing).
			Updates(map[string]interface{}{
				"status":              models.SubmissionFlagged,
				"llm_precheck_status": models.PrecheckFailed,
				"ai_retry_count":      gorm.Expr("ai_retry_count + 1"),
				"ai_error":            errMsg,
				"is_flagged":          true,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return r.addFlagReasonTx(ctx, innerTx, id, models.FlagReasonPrecheckFailed, nil)
	})
}

func (r *SubmissionPostgreSQL) SkipPrecheck(ctx context.Context, tx *gorm.DB, id string, flagReason string) (bool, error) {
	db := r.getDB(tx)
	var claimed bool
	err := db.Transaction(func(innerTx *gorm.DB) error {
		res := innerTx.WithContext(ctx).
			Model(&models.Submission{}).
			Where("id = ? AND status IN ?", id, []models.SubmissionStatus{models.SubmissionUploaded, models.SubmissionProcessing}).
			Updates(map[string]interface{}{
				"status":              models.SubmissionFlagged,
				"llm_precheck_status": models.PrecheckSkipped,
				"is_flagged":          true,
			})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected > 0
		if !claimed {
			return nil
		}
		return r.addFlagReasonTx(ctx, innerTx, id, flagReason, nil)
	})
	return claimed, err
}

// ===== OCR REVIEW OUTCOME =====

func (r *SubmissionPostgreSQL) MarkOcrValidated(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	return r.TransitionOcr(ctx, tx, id, models.OcrOverallInReview, models.OcrOverallValidated)
}

func (r *SubmissionPostgreSQL) MarkOcrReported(ctx context.Context, tx *gorm.DB, id string, summary string) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND ocr_overall_status = ?", id, models.OcrOverallInReview).
		Updates(map[string]interface{}{
			"ocr_overall_status": models.OcrOverallReported,
			"report_flag":        true,
			"report_summary":     summary,
		})
	return res.RowsAffected > 0, res.Error
}

// ===== ADJUDICATION =====

var adjudicableStatuses = []models.SubmissionStatus{models.SubmissionPreliminary, models.SubmissionFlagged}

func (r *SubmissionPostgreSQL) Approve(ctx context.Context, tx *gorm.DB, id, reviewerID string, comments *string, at time.Time) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status IN ?", id, adjudicableStatuses).
		Updates(map[string]interface{}{
			"status":           models.SubmissionApproved,
			"final_score":      gorm.Expr("COALESCE(final_score, ai_score)"),
			"teacher_comments": comments,
			"reviewed_by":      reviewerID,
			"reviewed_at":      at,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *SubmissionPostgreSQL) OverrideScore(ctx context.Context, tx *gorm.DB, id, reviewerID string, score float64, comments *string, at time.Time) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status IN ?", id, adjudicableStatuses).
		Updates(map[string]interface{}{
			"status":           models.SubmissionApproved,
			"final_score":      score,
			"teacher_comments": comments,
			"reviewed_by":      reviewerID,
			"reviewed_at":      at,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *SubmissionPostgreSQL) Reject(ctx context.Context, tx *gorm.DB, id, reviewerID string, comments *string, at time.Time) (bool, error) {
	db := r.getDB(tx)
	rejectable := []models.SubmissionStatus{models.SubmissionUploaded, models.SubmissionPreliminary, models.SubmissionFlagged}
	res := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status IN ?", id, rejectable).
		Updates(map[string]interface{}{
			"status":           models.SubmissionRejected,
			"teacher_comments": comments,
			"reviewed_by":      reviewerID,
			"reviewed_at":      at,
		})
	return res.RowsAffected > 0, res.Error
}

// QueueRegrade sends a preliminary or flagged submission back through
// the precheck stage with fresh request bookkeeping.
func (r *SubmissionPostgreSQL) QueueRegrade(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	db := r.getDB(tx)
	res := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status IN ?", id, adjudicableStatuses).
		Updates(map[string]interface{}{
			"status":                  models.SubmissionUploaded,
			"llm_precheck_status":     models.PrecheckQueued,
			"ai_retry_count":          0,
			"ai_error":                nil,
			"ai_next_attempt_at":      nil,
			"ai_request_started_at":   nil,
			"ai_request_completed_at": nil,
			"ai_processed_at":         nil,
		})
	return res.RowsAffected > 0, res.Error
}

// ===== ANOMALY TRACKING =====

func (r *SubmissionPostgreSQL) AddFlagReason(ctx context.Context, tx *gorm.DB, id string, reason string, anomalyScore *float64) error {
	db := r.getDB(tx)
	return db.Transaction(func(innerTx *gorm.DB) error {
		return r.addFlagReasonTx(ctx, innerTx, id, reason, anomalyScore)
	})
}

func (r *SubmissionPostgreSQL) addFlagReasonTx(ctx context.Context, tx *gorm.DB, id string, reason string, anomalyScore *float64) error {
	var submission models.Submission
	if err := lockForUpdate(tx.WithContext(ctx)).First(&submission, "id = ?", id).Error; err != nil {
		return err
	}

	reasons, added := appendJSONString(submission.FlagReasons, reason)
	updates := map[string]interface{}{
		"is_flagged":   true,
		"flag_reasons": reasons,
	}
	if anomalyScore != nil {
		updates["anomaly_scores"] = setJSONKey(submission.AnomalyScores, reason, *anomalyScore)
	}
	if !added && anomalyScore == nil && submission.IsFlagged {
		return nil
	}

	return tx.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *SubmissionPostgreSQL) ListRetryableFlagged(ctx context.Context, tx *gorm.DB, maxRetries int, limit int) ([]string, error) {
	db := r.getDB(tx)
	var ids []string
	query := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("status = ? AND llm_precheck_status = ?", models.SubmissionFlagged, models.PrecheckFailed).
		Where("ai_error IS NOT NULL AND ai_retry_count < ?", maxRetries).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list retryable flagged submissions: %w", err)
	}
	return ids, nil
}
