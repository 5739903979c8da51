package models

import (
	"time"

	"gorm.io/datatypes"
)

type OcrPageStatus string

const (
	OcrPageApproved OcrPageStatus = "approved"
	OcrPageReported OcrPageStatus = "reported"
)

type OcrIssueSeverity string

const (
	IssueSeverityMinor    OcrIssueSeverity = "minor"
	IssueSeverityMajor    OcrIssueSeverity = "major"
	IssueSeverityCritical OcrIssueSeverity = "critical"
)

// OcrReview is a student's verdict on one transcribed page. Unique per
// (submission_id, image_id); re-submitting replaces the prior verdict.
type OcrReview struct {
	ID           string `json:"id" gorm:"primaryKey;size:36"`
	SubmissionID string `json:"submission_id" gorm:"not null;uniqueIndex:idx_review_page;size:36"`
	ImageID      string `json:"image_id" gorm:"not null;uniqueIndex:idx_review_page;size:36"`
	StudentID    string `json:"student_id" gorm:"not null;size:255"`

	PageStatus OcrPageStatus `json:"page_status" gorm:"not null"`
	IssueCount int           `json:"issue_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Issues []OcrIssue `json:"issues" gorm:"foreignKey:ReviewID"`
}

// OcrIssue pins a transcription problem to a location on the page.
type OcrIssue struct {
	ID       string `json:"id" gorm:"primaryKey;size:36"`
	ReviewID string `json:"review_id" gorm:"not null;index;size:36"`

	Anchor        datatypes.JSON   `json:"anchor" gorm:"type:jsonb"`
	OriginalText  *string          `json:"original_text" gorm:"type:text"`
	SuggestedText *string          `json:"suggested_text" gorm:"type:text"`
	Note          *string          `json:"note" gorm:"type:text"`
	Severity      OcrIssueSeverity `json:"severity" gorm:"default:minor"`

	CreatedAt time.Time `json:"created_at"`
}
