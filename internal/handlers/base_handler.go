package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chemgrade/grading-service/internal/services"
	"github.com/chemgrade/grading-service/internal/utils"
	"github.com/chemgrade/grading-service/internal/validator"
)

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// BaseHandler carries the pieces every handler needs.
type BaseHandler struct {
	logger utils.Logger
}

func NewBaseHandler(logger utils.Logger) BaseHandler {
	return BaseHandler{logger: logger}
}

// LogRequest logs a handler entry with the request-scoped logger.
func (h *BaseHandler) LogRequest(c *gin.Context, msg string, args ...any) {
	utils.GetLogger(c, h.logger).Info(msg, args...)
}

// requireUserID pulls the authenticated user out of the context; aborts
// with 401 when auth middleware did not run.
func (h *BaseHandler) requireUserID(c *gin.Context) (string, bool) {
	userID, err := GetUserIDFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Message: "User not authenticated",
		})
		return "", false
	}
	return userID, true
}

// handleServiceError maps service errors onto HTTP status codes.
func (h *BaseHandler) handleServiceError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Validation failed",
			Details: validationErrors,
		})
		return
	}

	var validationError *services.ValidationError
	if errors.As(err, &validationError) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: validationError.Message,
			Details: map[string]interface{}{
				"field": validationError.Field,
				"value": validationError.Value,
			},
		})
		return
	}

	var permissionError *services.PermissionError
	if errors.As(err, &permissionError) {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Message: "Access denied",
			Details: map[string]interface{}{
				"resource": permissionError.Resource,
				"action":   permissionError.Action,
				"reason":   permissionError.Reason,
			},
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrExamNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "Exam not found"})
	case errors.Is(err, services.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "Session not found"})
	case errors.Is(err, services.ErrSubmissionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "Submission not found"})
	case errors.Is(err, services.ErrImageNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "Image not found"})
	case errors.Is(err, services.ErrExamNotAvailable):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Exam is not open for sessions"})
	case errors.Is(err, services.ErrSessionCannotStart):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Cannot start a new session"})
	case errors.Is(err, services.ErrActiveSessionExists):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "An active session already exists"})
	case errors.Is(err, services.ErrAttemptLimitReached):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Maximum attempts reached"})
	case errors.Is(err, services.ErrSessionNotActive):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Session is not active"})
	case errors.Is(err, services.ErrImageLimitReached):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Image limit reached for this submission"})
	case errors.Is(err, services.ErrDuplicateImage):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Duplicate image"})
	case errors.Is(err, services.ErrUploadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Message: "Uploaded file is too large"})
	case errors.Is(err, services.ErrUnsupportedImageType):
		c.JSON(http.StatusUnsupportedMediaType, ErrorResponse{Message: "Unsupported image type"})
	case errors.Is(err, services.ErrReviewNotOpen):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Transcription review is not open"})
	case errors.Is(err, services.ErrReviewPageNotReady):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Page transcription is not ready for review"})
	case errors.Is(err, services.ErrAlreadyAdjudicated):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Submission was already adjudicated"})
	case errors.Is(err, services.ErrSubmissionNotSettled):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Submission is not in a reviewable state"})
	case errors.Is(err, services.ErrConcurrentTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Submission changed concurrently, retry"})
	case errors.Is(err, services.ErrScoreExceedsMaximum):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Message: "Score exceeds the maximum"})
	default:
		utils.GetLogger(c, h.logger).Error("Unhandled service error", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "Internal server error"})
	}
}
