package models

import (
	"time"

	"gorm.io/datatypes"
)

type SubmissionStatus string

const (
	SubmissionUploaded    SubmissionStatus = "uploaded"
	SubmissionProcessing  SubmissionStatus = "processing"
	SubmissionPreliminary SubmissionStatus = "preliminary"
	SubmissionApproved    SubmissionStatus = "approved"
	SubmissionFlagged     SubmissionStatus = "flagged"
	SubmissionRejected    SubmissionStatus = "rejected"
)

type OcrOverallStatus string

const (
	OcrOverallNotRequired OcrOverallStatus = "not_required"
	OcrOverallPending     OcrOverallStatus = "pending"
	OcrOverallProcessing  OcrOverallStatus = "processing"
	OcrOverallInReview    OcrOverallStatus = "in_review"
	OcrOverallValidated   OcrOverallStatus = "validated"
	OcrOverallReported    OcrOverallStatus = "reported"
	OcrOverallFailed      OcrOverallStatus = "failed"
)

type LlmPrecheckStatus string

const (
	PrecheckSkipped    LlmPrecheckStatus = "skipped"
	PrecheckQueued     LlmPrecheckStatus = "queued"
	PrecheckProcessing LlmPrecheckStatus = "processing"
	PrecheckCompleted  LlmPrecheckStatus = "completed"
	PrecheckFailed     LlmPrecheckStatus = "failed"
)

// Flag reasons recorded in Submission.FlagReasons.
const (
	FlagReasonNoImages       = "no_images"
	FlagReasonPrecheckFailed = "precheck_failed"
	FlagReasonDuplicateImage = "duplicate_image"
	FlagReasonUnreadable     = "unreadable"
)

// Submission is the 1:1 artifact of a session: the uploaded pages plus
// everything the pipeline derives from them.
type Submission struct {
	ID        string `json:"id" gorm:"primaryKey;size:36"`
	CourseID  string `json:"course_id" gorm:"not null;index;size:36"`
	SessionID string `json:"session_id" gorm:"not null;uniqueIndex;size:36"`
	ExamID    string `json:"exam_id" gorm:"not null;index;size:36"`
	StudentID string `json:"student_id" gorm:"not null;index;size:255"`

	Status           SubmissionStatus  `json:"status" gorm:"default:uploaded;index"`
	OcrOverallStatus OcrOverallStatus  `json:"ocr_overall_status" gorm:"default:pending;index"`
	PrecheckStatus   LlmPrecheckStatus `json:"llm_precheck_status" gorm:"column:llm_precheck_status;default:queued;index"`

	// OCR review outcome
	ReportFlag    bool    `json:"report_flag"`
	ReportSummary *string `json:"report_summary" gorm:"type:text"`

	// Scores
	AIScore    *float64 `json:"ai_score"`
	FinalScore *float64 `json:"final_score"`
	MaxScore   float64  `json:"max_score"`

	AIAnalysis datatypes.JSON `json:"ai_analysis" gorm:"type:jsonb"`
	AIComments *string        `json:"ai_comments" gorm:"type:text"`

	// OCR stage bookkeeping
	OcrError         *string    `json:"ocr_error" gorm:"type:text"`
	OcrRetryCount    int        `json:"ocr_retry_count"`
	OcrNextAttemptAt *time.Time `json:"ocr_next_attempt_at" gorm:"index"`
	OcrStartedAt     *time.Time `json:"ocr_started_at"`
	OcrCompletedAt   *time.Time `json:"ocr_completed_at"`

	// LLM stage bookkeeping
	AIError                  *string    `json:"ai_error" gorm:"type:text"`
	AIRetryCount             int        `json:"ai_retry_count"`
	AINextAttemptAt          *time.Time `json:"ai_next_attempt_at" gorm:"index"`
	AIRequestStartedAt       *time.Time `json:"ai_request_started_at"`
	AIRequestCompletedAt     *time.Time `json:"ai_request_completed_at"`
	AIRequestDurationSeconds *float64   `json:"ai_request_duration_seconds"`
	AIProcessedAt            *time.Time `json:"ai_processed_at" gorm:"column:ai_processed_at"`

	// Adjudication
	TeacherComments *string    `json:"teacher_comments" gorm:"type:text"`
	ReviewedBy      *string    `json:"reviewed_by" gorm:"size:255"`
	ReviewedAt      *time.Time `json:"reviewed_at"`

	// Anomaly tracking
	IsFlagged     bool           `json:"is_flagged" gorm:"index"`
	FlagReasons   datatypes.JSON `json:"flag_reasons" gorm:"type:jsonb"`
	AnomalyScores datatypes.JSON `json:"anomaly_scores" gorm:"type:jsonb"`
	FilesHash     *string        `json:"files_hash" gorm:"size:64"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Session ExamSession       `json:"session" gorm:"foreignKey:SessionID"`
	Images  []SubmissionImage `json:"images" gorm:"foreignKey:SubmissionID"`
	Scores  []SubmissionScore `json:"scores" gorm:"foreignKey:SubmissionID"`
}

// SubmissionScore is one rubric criterion's score line. AI columns are
// written by the precheck stage; final columns only by adjudication.
type SubmissionScore struct {
	ID           string `json:"id" gorm:"primaryKey;size:36"`
	SubmissionID string `json:"submission_id" gorm:"not null;index;size:36"`
	TaskTypeID   string `json:"task_type_id" gorm:"size:36"`

	CriterionName        string  `json:"criterion_name" gorm:"not null;size:255"`
	CriterionDescription *string `json:"criterion_description" gorm:"type:text"`

	AIScore    *float64 `json:"ai_score"`
	FinalScore *float64 `json:"final_score"`
	MaxScore   float64  `json:"max_score"`

	AIComment      *string `json:"ai_comment" gorm:"type:text"`
	TeacherComment *string `json:"teacher_comment" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveScore is the score a student sees: teacher override wins,
// otherwise the AI preliminary score.
func (s *Submission) EffectiveScore() *float64 {
	if s.FinalScore != nil {
		return s.FinalScore
	}
	return s.AIScore
}

func (s *SubmissionScore) EffectiveScore() *float64 {
	if s.FinalScore != nil {
		return s.FinalScore
	}
	return s.AIScore
}
