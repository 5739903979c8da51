package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type ExamStatus string

const (
	ExamDraft      ExamStatus = "draft"
	ExamPublished  ExamStatus = "published"
	ExamInProgress ExamStatus = "in_progress"
	ExamCompleted  ExamStatus = "completed"
)

// Exam is read-mostly context for the pipeline: timing, attempt limits
// and processing policy. Authoring lives in another service.
type Exam struct {
	ID       string     `json:"id" gorm:"primaryKey;size:36"`
	CourseID string     `json:"course_id" gorm:"not null;index;size:36"`
	Title    string     `json:"title" gorm:"not null;size:255"`
	Status   ExamStatus `json:"status" gorm:"default:draft;index"`

	StartTime       *time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time" gorm:"index"`
	DurationMinutes int        `json:"duration_minutes"`
	MaxAttempts     int        `json:"max_attempts" gorm:"default:1"`

	Settings datatypes.JSON `json:"settings" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TaskTypes []TaskType `json:"task_types" gorm:"foreignKey:ExamID"`
}

// TaskType is one section of an exam with its grading rubric.
type TaskType struct {
	ID          string  `json:"id" gorm:"primaryKey;size:36"`
	ExamID      string  `json:"exam_id" gorm:"not null;index;size:36"`
	Name        string  `json:"name" gorm:"not null;size:255"`
	Description *string `json:"description" gorm:"type:text"`
	Rubric      *string `json:"rubric" gorm:"type:text"`
	MaxScore    float64 `json:"max_score"`
	OrderIndex  int     `json:"order_index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Variants []TaskVariant `json:"variants" gorm:"foreignKey:TaskTypeID"`
}

// TaskVariant is one concrete problem instance of a task type.
type TaskVariant struct {
	ID                string  `json:"id" gorm:"primaryKey;size:36"`
	TaskTypeID        string  `json:"task_type_id" gorm:"not null;index;size:36"`
	VariantNumber     int     `json:"variant_number"`
	Content           string  `json:"content" gorm:"type:text"`
	ReferenceSolution *string `json:"reference_solution" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessingPolicy is the per-exam pipeline configuration embedded in
// Exam.Settings. Both stages default to enabled; the precheck cannot
// run without OCR output, so disabling OCR disables the precheck too.
type ProcessingPolicy struct {
	OcrEnabled         bool `json:"ocr_enabled"`
	LlmPrecheckEnabled bool `json:"llm_precheck_enabled"`
}

func (e *Exam) ProcessingPolicy() ProcessingPolicy {
	policy := ProcessingPolicy{OcrEnabled: true, LlmPrecheckEnabled: true}
	if len(e.Settings) > 0 {
		var raw struct {
			OcrEnabled         *bool `json:"ocr_enabled"`
			LlmPrecheckEnabled *bool `json:"llm_precheck_enabled"`
		}
		if err := json.Unmarshal(e.Settings, &raw); err == nil {
			if raw.OcrEnabled != nil {
				policy.OcrEnabled = *raw.OcrEnabled
			}
			if raw.LlmPrecheckEnabled != nil {
				policy.LlmPrecheckEnabled = *raw.LlmPrecheckEnabled
			}
		}
	}
	if !policy.OcrEnabled {
		policy.LlmPrecheckEnabled = false
	}
	return policy
}
