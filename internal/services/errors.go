package services

import (
	"errors"
	"fmt"
)

// ===== SENTINEL ERRORS =====

var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrExamNotAvailable = errors.New("exam is not open for sessions")

	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotActive    = errors.New("session is not active")
	ErrSessionCannotStart  = errors.New("cannot start a new session")
	ErrActiveSessionExists = errors.New("an active session already exists")
	ErrAttemptLimitReached = errors.New("attempt limit reached")

	ErrSubmissionNotFound   = errors.New("submission not found")
	ErrSubmissionNotSettled = errors.New("submission is not in a reviewable state")
	ErrImageNotFound        = errors.New("image not found")
	ErrImageLimitReached    = errors.New("image limit reached for this submission")
	ErrDuplicateImage       = errors.New("identical page already uploaded")
	ErrUploadTooLarge       = errors.New("uploaded file exceeds the size limit")
	ErrUnsupportedImageType = errors.New("unsupported image type")
	ErrReviewNotOpen        = errors.New("submission is not awaiting OCR review")
	ErrReviewPageNotReady   = errors.New("page has no OCR result to review")
	ErrAlreadyAdjudicated   = errors.New("submission has already been adjudicated")
	ErrConcurrentTransition = errors.New("submission state changed concurrently")
	ErrScoreExceedsMaximum  = errors.New("score exceeds the exam maximum")
)

// ===== STRUCTURED ERRORS =====

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: message, Value: value}
}

// PermissionError describes a caller acting outside their role or
// ownership.
type PermissionError struct {
	UserID   string `json:"user_id"`
	Resource string `json:"resource"`
	TargetID string `json:"target_id"`
	Action   string `json:"action"`
	Reason   string `json:"reason"`
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s cannot %s %s %s: %s", e.UserID, e.Action, e.Resource, e.TargetID, e.Reason)
}

func NewPermissionError(userID, targetID, resource, action, reason string) *PermissionError {
	return &PermissionError{
		UserID:   userID,
		Resource: resource,
		TargetID: targetID,
		Action:   action,
		Reason:   reason,
	}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPermissionError reports whether err is (or wraps) a PermissionError.
func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
