package validator

// StartSessionRequest opens a new exam session for the caller.
type StartSessionRequest struct {
	ExamID string `json:"exam_id" validate:"required,uuid"`
}

// AutoSaveRequest stores an in-progress answer snapshot.
type AutoSaveRequest struct {
	Data map[string]interface{} `json:"data" validate:"required"`
}

// PageIssueRequest describes one transcription problem found during
// OCR review.
type PageIssueRequest struct {
	Anchor        map[string]interface{} `json:"anchor"`
	OriginalText  string                 `json:"original_text" validate:"required,max=2000"`
	SuggestedText *string                `json:"suggested_text" validate:"omitempty,max=2000"`
	Note          *string                `json:"note" validate:"omitempty,max=1000"`
	Severity      string                 `json:"severity" validate:"omitempty,issue_severity"`
}

// PageReviewRequest records the student's verdict for one OCR'd page.
type PageReviewRequest struct {
	ImageID    string             `json:"image_id" validate:"required,uuid"`
	PageStatus string             `json:"page_status" validate:"required,page_status"`
	Issues     []PageIssueRequest `json:"issues" validate:"omitempty,max=50,dive"`
}

// ApproveSubmissionRequest accepts the preliminary grade, optionally
// with a teacher note.
type ApproveSubmissionRequest struct {
	Comments *string `json:"comments" validate:"omitempty,max=5000"`
}

// OverrideScoreRequest replaces the preliminary total with a teacher
// score.
type OverrideScoreRequest struct {
	Score    float64 `json:"score" validate:"min=0"`
	Comments *string `json:"comments" validate:"omitempty,max=5000"`
}

// OverrideCriterionRequest replaces one criterion's final score.
type OverrideCriterionRequest struct {
	ScoreID string  `json:"score_id" validate:"required,uuid"`
	Score   float64 `json:"score" validate:"min=0"`
	Comment *string `json:"comment" validate:"omitempty,max=2000"`
}

// RejectSubmissionRequest voids a submission with a mandatory reason.
type RejectSubmissionRequest struct {
	Comments string `json:"comments" validate:"required,max=5000"`
}

// ListSubmissionsRequest filters a teacher's exam submission listing.
type ListSubmissionsRequest struct {
	Status    string `form:"status" validate:"omitempty,oneof=uploaded processing preliminary approved flagged rejected"`
	StudentID string `form:"student_id" validate:"omitempty,uuid"`
	Flagged   *bool  `form:"flagged"`
	Limit     int    `form:"limit" validate:"omitempty,min=1,max=200"`
	Offset    int    `form:"offset" validate:"omitempty,min=0"`
	SortBy    string `form:"sort_by" validate:"omitempty,oneof=created_at updated_at status student_id final_score ai_score"`
	SortOrder string `form:"sort_order" validate:"omitempty,oneof=asc desc"`
}
