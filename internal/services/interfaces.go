package services

import (
	"context"
	"time"

	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/validator"
)

// ===== REQUEST/RESPONSE DTOs =====

// Use business validator types
type StartSessionRequest = validator.StartSessionRequest
type AutoSaveRequest = validator.AutoSaveRequest
type PageReviewRequest = validator.PageReviewRequest
type PageIssueRequest = validator.PageIssueRequest
type ApproveSubmissionRequest = validator.ApproveSubmissionRequest
type OverrideScoreRequest = validator.OverrideScoreRequest
type OverrideCriterionRequest = validator.OverrideCriterionRequest
type RejectSubmissionRequest = validator.RejectSubmissionRequest
type ListSubmissionsRequest = validator.ListSubmissionsRequest

type SessionResponse struct {
	*models.ExamSession
	TimeRemainingSeconds int `json:"time_remaining_seconds"`
}

type ImageResponse struct {
	*models.SubmissionImage
	URL string `json:"url,omitempty"`
}

type SubmissionResponse struct {
	*models.Submission
	Images []*ImageResponse          `json:"images"`
	Scores []*models.SubmissionScore `json:"scores,omitempty"`
}

type SubmissionListResponse struct {
	Submissions []*models.Submission `json:"submissions"`
	Total       int64                `json:"total"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

type ReviewPageResponse struct {
	Image  *ImageResponse    `json:"image"`
	Review *models.OcrReview `json:"review,omitempty"`
}

type ReviewStateResponse struct {
	OcrOverallStatus models.OcrOverallStatus        `json:"ocr_overall_status"`
	Pages            []*ReviewPageResponse          `json:"pages"`
	Completion       *repositories.ReviewCompletion `json:"completion"`
}

type UploadImageInput struct {
	SessionID   string
	StudentID   string
	Filename    string
	ContentType string
	Data        []byte
	Source      models.UploadSource
}

// ===== SERVICE INTERFACES =====

// SessionService manages the student's exam session lifecycle.
type SessionService interface {
	Start(ctx context.Context, req *StartSessionRequest, studentID string) (*SessionResponse, error)
	GetByID(ctx context.Context, sessionID, userID string) (*SessionResponse, error)
	AutoSave(ctx context.Context, sessionID, studentID string, req *AutoSaveRequest) error
	Submit(ctx context.Context, sessionID, studentID string) (*SessionResponse, error)

	// Finalize closes a session and seeds the submission pipeline.
	// Shared between explicit submit and the deadline sweep.
	Finalize(ctx context.Context, sessionID string, expired bool) error

	ListByExam(ctx context.Context, examID, teacherID string, filters repositories.SessionFilters) ([]*models.ExamSession, int64, error)
}

// UploadService ingests and manages submission page images.
type UploadService interface {
	UploadImage(ctx context.Context, in *UploadImageInput) (*ImageResponse, error)
	DeleteImage(ctx context.Context, sessionID, imageID, studentID string) error
	ListImages(ctx context.Context, sessionID, userID string) ([]*ImageResponse, error)
	GetSubmission(ctx context.Context, sessionID, userID string) (*SubmissionResponse, error)
}

// ReviewService runs the human validation stage of OCR output.
type ReviewService interface {
	GetReviewState(ctx context.Context, sessionID, studentID string) (*ReviewStateResponse, error)
	SubmitPageReview(ctx context.Context, sessionID, studentID string, req *PageReviewRequest) error
}

// AdjudicationService is the teacher's decision surface.
type AdjudicationService interface {
	GetSubmission(ctx context.Context, submissionID, teacherID string) (*SubmissionResponse, error)
	List(ctx context.Context, examID, teacherID string, req *ListSubmissionsRequest) (*SubmissionListResponse, error)
	Stats(ctx context.Context, examID, teacherID string) (*repositories.ExamGradingStats, error)

	Approve(ctx context.Context, submissionID, teacherID string, req *ApproveSubmissionRequest) error
	OverrideScore(ctx context.Context, submissionID, teacherID string, req *OverrideScoreRequest) error
	OverrideCriterion(ctx context.Context, submissionID, teacherID string, req *OverrideCriterionRequest) error
	Reject(ctx context.Context, submissionID, teacherID string, req *RejectSubmissionRequest) error
	Regrade(ctx context.Context, submissionID, teacherID string) error
}

// ExportService renders exam results for download.
type ExportService interface {
	ExportExamResults(ctx context.Context, examID, teacherID string) ([]byte, string, error)
}

// ===== SERVICE MANAGER =====

// ServiceManager wires and owns all service instances.
type ServiceManager interface {
	Session() SessionService
	Upload() UploadService
	Review() ReviewService
	Adjudication() AdjudicationService
	Export() ExportService

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// UploadLimits bounds what the ingestor accepts.
type UploadLimits struct {
	MaxImages      int
	MaxUploadBytes int64
	SignedURLTTL   time.Duration
}

func DefaultUploadLimits() UploadLimits {
	return UploadLimits{
		MaxImages:      30,
		MaxUploadBytes: 15 << 20,
		SignedURLTTL:   15 * time.Minute,
	}
}
