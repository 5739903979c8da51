package models

import (
	"time"

	"gorm.io/datatypes"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSubmitted SessionStatus = "submitted"
	SessionExpired   SessionStatus = "expired"
	SessionGraded    SessionStatus = "graded"
)

// ExamSession is one student's run through an exam. At most one active
// session per (exam_id, student_id); enforced by a partial unique index.
type ExamSession struct {
	ID        string        `json:"id" gorm:"primaryKey;size:36"`
	CourseID  string        `json:"course_id" gorm:"not null;index;size:36"`
	ExamID    string        `json:"exam_id" gorm:"not null;index:idx_exam_student;size:36"`
	StudentID string        `json:"student_id" gorm:"not null;index:idx_exam_student;size:255"`
	Status    SessionStatus `json:"status" gorm:"default:active;index"`

	// Variant assignment (deterministic from seed)
	VariantSeed        int64          `json:"variant_seed"`
	VariantAssignments datatypes.JSON `json:"variant_assignments" gorm:"type:jsonb"` // task_type_id -> variant_id

	// Timing
	StartedAt   time.Time  `json:"started_at"`
	SubmittedAt *time.Time `json:"submitted_at"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"index"`

	AttemptNumber int `json:"attempt_number" gorm:"not null;default:1"`

	// Autosave
	LastAutoSave *time.Time     `json:"last_auto_save"`
	AutoSaveData datatypes.JSON `json:"auto_save_data" gorm:"type:jsonb"`

	// Metadata
	IPAddress *string `json:"ip_address" gorm:"size:45"`
	UserAgent *string `json:"user_agent" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Exam       Exam        `json:"exam" gorm:"foreignKey:ExamID"`
	Submission *Submission `json:"submission" gorm:"foreignKey:SessionID"`
}

// HardDeadline is the moment the session must stop accepting work:
// the earlier of the session expiry and the exam end time.
func (s *ExamSession) HardDeadline(examEnd *time.Time) time.Time {
	if examEnd != nil && examEnd.Before(s.ExpiresAt) {
		return *examEnd
	}
	return s.ExpiresAt
}
