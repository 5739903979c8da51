package validator

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/chemgrade/grading-service/internal/models"
)

func registerDomainRules(v *validator.Validate) {
	v.RegisterValidation("page_status", validatePageStatus)
	v.RegisterValidation("issue_severity", validateIssueSeverity)
	v.RegisterValidation("upload_source", validateUploadSource)
	v.RegisterValidation("future_date", validateFutureDate)
}

func validatePageStatus(fl validator.FieldLevel) bool {
	switch models.OcrPageStatus(fl.Field().String()) {
	case models.OcrPageApproved, models.OcrPageReported:
		return true
	}
	return false
}

func validateIssueSeverity(fl validator.FieldLevel) bool {
	switch models.OcrIssueSeverity(fl.Field().String()) {
	case models.IssueSeverityMinor, models.IssueSeverityMajor, models.IssueSeverityCritical:
		return true
	}
	return false
}

func validateUploadSource(fl validator.FieldLevel) bool {
	switch models.UploadSource(fl.Field().String()) {
	case models.UploadSourceWeb, models.UploadSourceTelegram:
		return true
	}
	return false
}

func validateFutureDate(fl validator.FieldLevel) bool {
	t, ok := fl.Field().Interface().(time.Time)
	if !ok {
		return false
	}
	return t.After(time.Now())
}

// ValidateScoreBounds checks a teacher override against the exam's
// maximum.
func ValidateScoreBounds(score, maxScore float64) ValidationErrors {
	if score < 0 {
		return ValidationErrors{{Field: "score", Rule: "min", Message: "must be at least 0"}}
	}
	if maxScore > 0 && score > maxScore {
		return ValidationErrors{{Field: "score", Rule: "max", Message: "exceeds the exam maximum"}}
	}
	return nil
}
