package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/services"
	"github.com/chemgrade/grading-service/internal/utils"
	"github.com/chemgrade/grading-service/internal/validator"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// TeacherHandler serves the adjudication surface: listing, approving,
// overriding and rejecting submissions, plus result export.
type TeacherHandler struct {
	BaseHandler
	adjudicationService services.AdjudicationService
	exportService       services.ExportService
	sessionService      services.SessionService
	validator           *validator.Validator
}

func NewTeacherHandler(
	adjudicationService services.AdjudicationService,
	exportService services.ExportService,
	sessionService services.SessionService,
	validator *validator.Validator,
	logger utils.Logger,
) *TeacherHandler {
	return &TeacherHandler{
		BaseHandler:         NewBaseHandler(logger),
		adjudicationService: adjudicationService,
		exportService:       exportService,
		sessionService:      sessionService,
		validator:           validator,
	}
}

// ListSubmissions lists an exam's submissions with filters
// @Router /exams/{exam_id}/submissions [get]
func (h *TeacherHandler) ListSubmissions(c *gin.Context) {
	examID := c.Param("exam_id")

	var req services.ListSubmissionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid query parameters",
			Details: err.Error(),
		})
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	list, err := h.adjudicationService.List(c.Request.Context(), examID, userID, &req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, list)
}

// ListSessions lists an exam's sessions
// @Router /exams/{exam_id}/sessions [get]
func (h *TeacherHandler) ListSessions(c *gin.Context) {
	examID := c.Param("exam_id")

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	sessions, total, err := h.sessionService.ListByExam(c.Request.Context(), examID, userID, repositories.SessionFilters{})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": total})
}

// GetStats returns grading progress for an exam
// @Router /exams/{exam_id}/stats [get]
func (h *TeacherHandler) GetStats(c *gin.Context) {
	examID := c.Param("exam_id")

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	stats, err := h.adjudicationService.Stats(c.Request.Context(), examID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetSubmission returns one submission with pages and scores
// @Router /submissions/{id} [get]
func (h *TeacherHandler) GetSubmission(c *gin.Context) {
	submissionID := c.Param("id")

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	submission, err := h.adjudicationService.GetSubmission(c.Request.Context(), submissionID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, submission)
}

// ApproveSubmission accepts the preliminary grade
// @Router /submissions/{id}/approve [post]
func (h *TeacherHandler) ApproveSubmission(c *gin.Context) {
	submissionID := c.Param("id")
	h.LogRequest(c, "Approving submission", "submission_id", submissionID)

	var req services.ApproveSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	if err := h.adjudicationService.Approve(c.Request.Context(), submissionID, userID, &req); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// OverrideScore replaces the total with a teacher score
// @Router /submissions/{id}/override [post]
func (h *TeacherHandler) OverrideScore(c *gin.Context) {
	submissionID := c.Param("id")
	h.LogRequest(c, "Overriding submission score", "submission_id", submissionID)

	var req services.OverrideScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	if err := h.adjudicationService.OverrideScore(c.Request.Context(), submissionID, userID, &req); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// OverrideCriterion adjusts one criterion's final score
// @Router /submissions/{id}/criteria [post]
func (h *TeacherHandler) OverrideCriterion(c *gin.Context) {
	submissionID := c.Param("id")

	var req services.OverrideCriterionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	if err := h.adjudicationService.OverrideCriterion(c.Request.Context(), submissionID, userID, &req); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// RejectSubmission voids a submission with a reason
// @Router /submissions/{id}/reject [post]
func (h *TeacherHandler) RejectSubmission(c *gin.Context) {
	submissionID := c.Param("id")
	h.LogRequest(c, "Rejecting submission", "submission_id", submissionID)

	var req services.RejectSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	if err := h.adjudicationService.Reject(c.Request.Context(), submissionID, userID, &req); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// RegradeSubmission sends the submission back through grading
// @Router /submissions/{id}/regrade [post]
func (h *TeacherHandler) RegradeSubmission(c *gin.Context) {
	submissionID := c.Param("id")
	h.LogRequest(c, "Queueing regrade", "submission_id", submissionID)

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	if err := h.adjudicationService.Regrade(c.Request.Context(), submissionID, userID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusAccepted)
}

// ExportResults downloads the exam's results as XLSX
// @Router /exams/{exam_id}/export [get]
func (h *TeacherHandler) ExportResults(c *gin.Context) {
	examID := c.Param("exam_id")
	h.LogRequest(c, "Exporting exam results", "exam_id", examID)

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	data, filename, err := h.exportService.ExportExamResults(c.Request.Context(), examID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, xlsxContentType, data)
}
