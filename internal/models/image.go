package models

import (
	"time"

	"gorm.io/datatypes"
)

type OcrImageStatus string

const (
	OcrImagePending    OcrImageStatus = "pending"
	OcrImageProcessing OcrImageStatus = "processing"
	OcrImageReady      OcrImageStatus = "ready"
	OcrImageFailed     OcrImageStatus = "failed"
)

type UploadSource string

const (
	UploadSourceWeb      UploadSource = "web"
	UploadSourceTelegram UploadSource = "telegram"
)

// SubmissionImage is one uploaded page. order_index is server-assigned
// and unique within the submission.
type SubmissionImage struct {
	ID           string `json:"id" gorm:"primaryKey;size:36"`
	SubmissionID string `json:"submission_id" gorm:"not null;index;uniqueIndex:idx_submission_order;size:36"`

	Filename   string `json:"filename" gorm:"not null;size:255"`
	FilePath   string `json:"file_path" gorm:"not null;size:512"`
	FileSize   int64  `json:"file_size"`
	MimeType   string `json:"mime_type" gorm:"size:100"`
	OrderIndex int    `json:"order_index" gorm:"not null;uniqueIndex:idx_submission_order"`

	OcrStatus      OcrImageStatus `json:"ocr_status" gorm:"default:pending;index"`
	OcrMarkdown    *string        `json:"ocr_markdown" gorm:"type:text"`
	OcrChunks      datatypes.JSON `json:"ocr_chunks" gorm:"type:jsonb"`
	OcrModel       *string        `json:"ocr_model" gorm:"size:100"`
	OcrError       *string        `json:"ocr_error" gorm:"type:text"`
	OcrRequestID   *string        `json:"ocr_request_id" gorm:"size:100"`
	OcrCompletedAt *time.Time     `json:"ocr_completed_at"`

	QualityScore   *float64 `json:"quality_score"`
	PerceptualHash *string  `json:"perceptual_hash" gorm:"size:16;index"`

	UploadSource UploadSource `json:"upload_source" gorm:"default:web;size:20"`
	UploadedAt   time.Time    `json:"uploaded_at"`
	ProcessedAt  *time.Time   `json:"processed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
