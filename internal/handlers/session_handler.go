package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/services"
	"github.com/chemgrade/grading-service/internal/utils"
	"github.com/chemgrade/grading-service/internal/validator"
)

const linkCodeTTL = 10 * time.Minute

// SessionHandler serves the student-facing session lifecycle: start,
// autosave, submit, page uploads and the transcription review.
type SessionHandler struct {
	BaseHandler
	sessionService services.SessionService
	uploadService  services.UploadService
	reviewService  services.ReviewService
	validator      *validator.Validator
	redisClient    *redis.Client
	maxUploadBytes int64
}

func NewSessionHandler(
	sessionService services.SessionService,
	uploadService services.UploadService,
	reviewService services.ReviewService,
	validator *validator.Validator,
	logger utils.Logger,
	redisClient *redis.Client,
	maxUploadBytes int64,
) *SessionHandler {
	return &SessionHandler{
		BaseHandler:    NewBaseHandler(logger),
		sessionService: sessionService,
		uploadService:  uploadService,
		reviewService:  reviewService,
		validator:      validator,
		redisClient:    redisClient,
		maxUploadBytes: maxUploadBytes,
	}
}

// StartSession opens a new exam session for the caller
// @Router /sessions/start [post]
func (h *SessionHandler) StartSession(c *gin.Context) {
	h.LogRequest(c, "Starting exam session")

	var req services.StartSessionRequest
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

	session, err := h.sessionService.Start(c.Request.Context(), &req, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// GetSession returns the session with remaining time
// @Router /sessions/{id} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	session, err := h.sessionService.GetByID(c.Request.Context(), sessionID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// AutoSave stores an in-progress answer snapshot
// @Router /sessions/{id}/autosave [put]
func (h *SessionHandler) AutoSave(c *gin.Context) {
	sessionID := c.Param("id")

	var req services.AutoSaveRequest
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

	if err := h.sessionService.AutoSave(c.Request.Context(), sessionID, userID, &req); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"saved_at": time.Now().UTC().Format(time.RFC3339)})
}

// SubmitSession closes the session and hands the submission to grading
// @Router /sessions/{id}/submit [post]
func (h *SessionHandler) SubmitSession(c *gin.Context) {
	sessionID := c.Param("id")
	h.LogRequest(c, "Submitting exam session", "session_id", sessionID)

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	session, err := h.sessionService.Submit(c.Request.Context(), sessionID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// UploadImage adds one page photo to the session's submission
// @Router /sessions/{id}/images [post]
func (h *SessionHandler) UploadImage(c *gin.Context) {
	sessionID := c.Param("id")

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Missing file field",
			Details: err.Error(),
		})
		return
	}
	if fileHeader.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Message: "Uploaded file is too large",
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Cannot read uploaded file",
			Details: err.Error(),
		})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Cannot read uploaded file",
			Details: err.Error(),
		})
		return
	}

	image, err := h.uploadService.UploadImage(c.Request.Context(), &services.UploadImageInput{
		SessionID:   sessionID,
		StudentID:   userID,
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Data:        data,
		Source:      models.UploadSourceWeb,
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, image)
}

// ListImages returns the submission's pages with signed URLs
// @Router /sessions/{id}/images [get]
func (h *SessionHandler) ListImages(c *gin.Context) {
	sessionID := c.Param("id")

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	images, err := h.uploadService.ListImages(c.Request.Context(), sessionID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"images": images})
}

// DeleteImage removes a page while the session is still active
// @Router /sessions/{id}/images/{image_id} [delete]
func (h *SessionHandler) DeleteImage(c *gin.Context) {
	sessionID := c.Param("id")
	imageID := c.Param("image_id")

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	if err := h.uploadService.DeleteImage(c.Request.Context(), sessionID, imageID, userID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetSubmission returns the submission with pipeline state and scores
// @Router /sessions/{id}/submission [get]
func (h *SessionHandler) GetSubmission(c *gin.Context) {
	sessionID := c.Param("id")

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	submission, err := h.uploadService.GetSubmission(c.Request.Context(), sessionID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, submission)
}

// GetReviewState returns the transcription review pages and progress
// @Router /sessions/{id}/review [get]
func (h *SessionHandler) GetReviewState(c *gin.Context) {
	sessionID := c.Param("id")

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	state, err := h.reviewService.GetReviewState(c.Request.Context(), sessionID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// SubmitPageReview records one page verdict
// @Router /sessions/{id}/review [post]
func (h *SessionHandler) SubmitPageReview(c *gin.Context) {
	sessionID := c.Param("id")

	var req services.PageReviewRequest
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

	if err := h.reviewService.SubmitPageReview(c.Request.Context(), sessionID, userID, &req); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// CreateTelegramLinkCode issues a one-time code the student gives to
// the bot via /link. Codes expire unused.
// @Router /telegram/link-code [post]
func (h *SessionHandler) CreateTelegramLinkCode(c *gin.Context) {
	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "Failed to generate code"})
		return
	}
	code := hex.EncodeToString(buf)

	if err := h.redisClient.Set(c.Request.Context(), "tg:link:"+code, userID, linkCodeTTL).Err(); err != nil {
		utils.GetLogger(c, h.logger).Error("failed to store link code", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "Failed to store code"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":       code,
		"expires_in": int(linkCodeTTL.Seconds()),
	})
}
