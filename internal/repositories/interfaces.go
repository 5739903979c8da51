package repositories

import (
	"time"

	"github.com/chemgrade/grading-service/internal/models"
)

// ===== SHARED FILTER STRUCTS =====

type SubmissionFilters struct {
	Status    *models.SubmissionStatus `json:"status"`
	StudentID *string                  `json:"student_id"`
	IsFlagged *bool                    `json:"is_flagged"`
	DateFrom  *time.Time               `json:"date_from"`
	DateTo    *time.Time               `json:"date_to"`
	Limit     int                      `json:"limit"`
	Offset    int                      `json:"offset"`
	SortBy    string                   `json:"sort_by"`    // "created_at", "status", "final_score"
	SortOrder string                   `json:"sort_order"` // "asc", "desc"
}

type SessionFilters struct {
	Status    *models.SessionStatus `json:"status"`
	StudentID *string               `json:"student_id"`
	DateFrom  *time.Time            `json:"date_from"`
	DateTo    *time.Time            `json:"date_to"`
	Limit     int                   `json:"limit"`
	Offset    int                   `json:"offset"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

// ===== SHARED HELPER STRUCTS =====

// ReviewCompletion summarizes the OCR review state of a submission,
// computed over the full image set in one transaction.
type ReviewCompletion struct {
	TotalImages   int64 `json:"total_images"`
	ReviewedPages int64 `json:"reviewed_pages"`
	ApprovedPages int64 `json:"approved_pages"`
	ReportedPages int64 `json:"reported_pages"`
	TotalIssues   int64 `json:"total_issues"`
}

func (rc *ReviewCompletion) Complete() bool {
	return rc.TotalImages > 0 && rc.ReviewedPages >= rc.TotalImages
}

// PrecheckOutcome carries the LLM stage result into persistence.
type PrecheckOutcome struct {
	Score           float64    `json:"score"`
	MaxScore        float64    `json:"max_score"`
	Analysis        []byte     `json:"analysis"`
	Comments        *string    `json:"comments"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     time.Time  `json:"completed_at"`
	DurationSeconds float64    `json:"duration_seconds"`
	ProcessedAt     *time.Time `json:"processed_at"`
}

// OcrImageResult carries one page's OCR output into persistence.
type OcrImageResult struct {
	Markdown     string     `json:"markdown"`
	Chunks       []byte     `json:"chunks"`
	Model        *string    `json:"model"`
	RequestID    *string    `json:"request_id"`
	QualityScore *float64   `json:"quality_score"`
	CompletedAt  time.Time  `json:"completed_at"`
}

// ===== SHARED STATISTICS STRUCTS =====

type ExamGradingStats struct {
	TotalSubmissions   int     `json:"total_submissions"`
	Preliminary        int     `json:"preliminary"`
	Approved           int     `json:"approved"`
	Flagged            int     `json:"flagged"`
	Rejected           int     `json:"rejected"`
	AverageFinalScore  float64 `json:"average_final_score"`
	AverageAIScore     float64 `json:"average_ai_score"`
	ReportedOcrReviews int     `json:"reported_ocr_reviews"`
}
