package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/chemgrade/grading-service/internal/config"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/services"
	"github.com/chemgrade/grading-service/internal/utils"
	"github.com/chemgrade/grading-service/internal/validator"
)

type HandlerManager struct {
	sessionHandler *SessionHandler
	teacherHandler *TeacherHandler
	authMiddleware *CasdoorAuthMiddleware
	repo           repositories.Repository
}

func NewHandlerManager(
	serviceManager services.ServiceManager,
	validator *validator.Validator,
	logger utils.Logger,
	casdoorConfig config.CasdoorConfig,
	userRepo repositories.UserRepository,
	repo repositories.Repository,
	redisClient *redis.Client,
	maxUploadBytes int64,
) *HandlerManager {
	authMiddleware := NewCasdoorAuthMiddleware(casdoorConfig, userRepo)

	return &HandlerManager{
		sessionHandler: NewSessionHandler(
			serviceManager.Session(),
			serviceManager.Upload(),
			serviceManager.Review(),
			validator,
			logger,
			redisClient,
			maxUploadBytes,
		),
		teacherHandler: NewTeacherHandler(
			serviceManager.Adjudication(),
			serviceManager.Export(),
			serviceManager.Session(),
			validator,
			logger,
		),
		authMiddleware: authMiddleware,
		repo:           repo,
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine) {
	router.GET("/health", hm.HealthCheck)

	// API v1 routes with authentication
	v1 := router.Group("/api/v1")
	v1.Use(hm.authMiddleware.AuthMiddleware())
	{
		// Session routes - any authenticated user; ownership is
		// enforced in the services.
		sessions := v1.Group("/sessions")
		{
			sessions.POST("/start", hm.sessionHandler.StartSession)
			sessions.GET("/:id", hm.sessionHandler.GetSession)
			sessions.PUT("/:id/autosave", hm.sessionHandler.AutoSave)
			sessions.POST("/:id/submit", hm.sessionHandler.SubmitSession)

			sessions.POST("/:id/images", hm.sessionHandler.UploadImage)
			sessions.GET("/:id/images", hm.sessionHandler.ListImages)
			sessions.DELETE("/:id/images/:image_id", hm.sessionHandler.DeleteImage)

			sessions.GET("/:id/submission", hm.sessionHandler.GetSubmission)
			sessions.GET("/:id/review", hm.sessionHandler.GetReviewState)
			sessions.POST("/:id/review", hm.sessionHandler.SubmitPageReview)
		}

		v1.POST("/telegram/link-code", hm.sessionHandler.CreateTelegramLinkCode)

		// Teacher routes
		teacherOnly := hm.authMiddleware.RequireRoleMiddleware(models.RoleTeacher, models.RoleAdmin)

		exams := v1.Group("/exams")
		{
			exams.GET("/:exam_id/submissions", teacherOnly, hm.teacherHandler.ListSubmissions)
			exams.GET("/:exam_id/sessions", teacherOnly, hm.teacherHandler.ListSessions)
			exams.GET("/:exam_id/stats", teacherOnly, hm.teacherHandler.GetStats)
			exams.GET("/:exam_id/export", teacherOnly, hm.teacherHandler.ExportResults)
		}

		submissions := v1.Group("/submissions")
		{
			submissions.GET("/:id", teacherOnly, hm.teacherHandler.GetSubmission)
			submissions.POST("/:id/approve", teacherOnly, hm.teacherHandler.ApproveSubmission)
			submissions.POST("/:id/override", teacherOnly, hm.teacherHandler.OverrideScore)
			submissions.POST("/:id/criteria", teacherOnly, hm.teacherHandler.OverrideCriterion)
			submissions.POST("/:id/reject", teacherOnly, hm.teacherHandler.RejectSubmission)
			submissions.POST("/:id/regrade", teacherOnly, hm.teacherHandler.RegradeSubmission)
		}
	}
}

// HealthCheck reports service and database health.
func (hm *HandlerManager) HealthCheck(c *gin.Context) {
	status := http.StatusOK
	dbStatus := "up"
	if err := hm.repo.Ping(c.Request.Context()); err != nil {
		status = http.StatusServiceUnavailable
		dbStatus = "down"
	}
	c.JSON(status, gin.H{
		"status":    dbStatus,
		"service":   "grading-service",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
