package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/validator"
)

type sessionService struct {
	repo           repositories.Repository
	db             *gorm.DB
	logger         *slog.Logger
	validator      *validator.Validator
	eventPublisher events.EventPublisher
}

func NewSessionService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, v *validator.Validator, publisher events.EventPublisher) SessionService {
	return &sessionService{
		repo:           repo,
		db:             db,
		logger:         logger,
		validator:      v,
		eventPublisher: publisher,
	}
}

// ===== SESSION LIFECYCLE =====

func (s *sessionService) Start(ctx context.Context, req *StartSessionRequest, studentID string) (*SessionResponse, error) {
	s.logger.Info("Starting exam session", "exam_id", req.ExamID, "student_id", studentID)

	if err := s.validator.Validate(req); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	exam, err := s.repo.Exam().GetByID(ctx, s.db, req.ExamID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}

	now := time.Now()
	if err := s.checkExamWindow(exam, now); err != nil {
		return nil, err
	}

	// Resume an existing active session instead of opening another.
	if existing, err := s.repo.Session().GetActive(ctx, s.db, req.ExamID, studentID); err == nil {
		s.logger.Info("Resuming existing session", "session_id", existing.ID)
		return s.toSessionResponse(existing, exam, now), nil
	} else if !repositories.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to check active session: %w", err)
	}

	attempts, err := s.repo.Session().CountByExamAndStudent(ctx, s.db, req.ExamID, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts: %w", err)
	}
	if exam.MaxAttempts > 0 && int(attempts) >= exam.MaxAttempts {
		return nil, ErrAttemptLimitReached
	}

	taskTypes, err := s.repo.Exam().GetTaskTypes(ctx, s.db, req.ExamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task types: %w", err)
	}

	seed := now.UnixNano()
	assignments, err := assignVariants(seed, taskTypes)
	if err != nil {
		return nil, err
	}

	session := &models.ExamSession{
		ID:                 uuid.New().String(),
		CourseID:           exam.CourseID,
		ExamID:             req.ExamID,
		StudentID:          studentID,
		Status:             models.SessionActive,
		VariantSeed:        seed,
		VariantAssignments: assignments,
		StartedAt:          now,
		ExpiresAt:          now.Add(time.Duration(exam.DurationMinutes) * time.Minute),
		AttemptNumber:      int(attempts) + 1,
	}

	if err := s.repo.Session().Create(ctx, s.db, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.publish(ctx, events.EventSessionStarted, map[string]interface{}{
		"session_id": session.ID,
		"exam_id":    session.ExamID,
		"student_id": session.StudentID,
		"attempt":    session.AttemptNumber,
	})

	s.logger.Info("Exam session started",
		"session_id", session.ID,
		"exam_id", req.ExamID,
		"attempt", session.AttemptNumber)

	return s.toSessionResponse(session, exam, now), nil
}

func (s *sessionService) GetByID(ctx context.Context, sessionID, userID string) (*SessionResponse, error) {
	session, err := s.repo.Session().GetByIDWithSubmission(ctx, s.db, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if session.StudentID != userID {
		isTeacher, err := s.repo.User().HasRole(ctx, userID, models.RoleTeacher, models.RoleAdmin)
		if err != nil || !isTeacher {
			return nil, NewPermissionError(userID, sessionID, "session", "read", "not the session owner")
		}
	}

	return s.toSessionResponse(session, &session.Exam, time.Now()), nil
}

func (s *sessionService) AutoSave(ctx context.Context, sessionID, studentID string, req *AutoSaveRequest) error {
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	session, err := s.getOwnedSession(ctx, sessionID, studentID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionActive {
		return ErrSessionNotActive
	}

	data, err := json.Marshal(req.Data)
	if err != nil {
		return fmt.Errorf("failed to encode autosave data: %w", err)
	}

	if err := s.repo.Session().SaveAutoSave(ctx, s.db, sessionID, datatypes.JSON(data), time.Now()); err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrSessionNotActive
		}
		return fmt.Errorf("failed to autosave: %w", err)
	}
	return nil
}

func (s *sessionService) Submit(ctx context.Context, sessionID, studentID string) (*SessionResponse, error) {
	s.logger.Info("Submitting session", "session_id", sessionID, "student_id", studentID)

	session, err := s.getOwnedSession(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionActive {
		return nil, ErrSessionNotActive
	}

	if err := s.Finalize(ctx, sessionID, false); err != nil {
		return nil, err
	}

	return s.GetByID(ctx, sessionID, studentID)
}

// Finalize closes the session and seeds the submission row so the
// pipeline picks it up. Safe to call concurrently with the deadline
// sweep: the losing caller no-ops.
func (s *sessionService) Finalize(ctx context.Context, sessionID string, expired bool) error {
	session, err := s.repo.Session().GetByID(ctx, s.db, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to get session: %w", err)
	}

	exam, err := s.repo.Exam().GetByID(ctx, s.db, session.ExamID)
	if err != nil {
		return fmt.Errorf("failed to get exam: %w", err)
	}
	policy := exam.ProcessingPolicy()

	now := time.Now()
	return s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		var claimed bool
		var err error
		if expired {
			claimed, err = txRepo.Session().MarkExpired(ctx, nil, sessionID, now)
		} else {
			claimed, err = txRepo.Session().MarkSubmitted(ctx, nil, sessionID, now)
		}
		if err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}
		if !claimed {
			// Another actor finalized first.
			return nil
		}

		submission := newSubmission(session, exam, policy)
		created, err := txRepo.Submission().CreateIfAbsent(ctx, nil, submission)
		if err != nil {
			return fmt.Errorf("failed to create submission: %w", err)
		}
		if !created {
			existing, err := txRepo.Submission().GetBySessionID(ctx, nil, sessionID)
			if err != nil {
				return fmt.Errorf("failed to load submission: %w", err)
			}
			submission = existing
		}

		count, err := txRepo.SubmissionImage().CountBySubmission(ctx, nil, submission.ID)
		if err != nil {
			return fmt.Errorf("failed to count images: %w", err)
		}
		if count == 0 {
			// Nothing to OCR; the precheck stage flags it as empty.
			if _, err := txRepo.Submission().TransitionOcr(ctx, nil, submission.ID, models.OcrOverallPending, models.OcrOverallNotRequired); err != nil {
				return fmt.Errorf("failed to skip OCR: %w", err)
			}
		}

		eventType := events.EventSessionSubmitted
		if expired {
			eventType = events.EventSessionExpired
		}
		s.publish(ctx, eventType, map[string]interface{}{
			"session_id":    sessionID,
			"submission_id": submission.ID,
			"exam_id":       session.ExamID,
			"student_id":    session.StudentID,
			"image_count":   count,
		})

		s.logger.Info("Session finalized",
			"session_id", sessionID,
			"submission_id", submission.ID,
			"expired", expired,
			"image_count", count)
		return nil
	})
}

func (s *sessionService) ListByExam(ctx context.Context, examID, teacherID string, filters repositories.SessionFilters) ([]*models.ExamSession, int64, error) {
	isTeacher, err := s.repo.User().HasRole(ctx, teacherID, models.RoleTeacher, models.RoleAdmin)
	if err != nil || !isTeacher {
		return nil, 0, NewPermissionError(teacherID, examID, "exam", "list_sessions", "teacher role required")
	}
	return s.repo.Session().ListByExam(ctx, s.db, examID, filters)
}

// ===== HELPERS =====

func (s *sessionService) checkExamWindow(exam *models.Exam, now time.Time) error {
	if exam.Status != models.ExamPublished && exam.Status != models.ExamInProgress {
		return ErrExamNotAvailable
	}
	if exam.StartTime != nil && now.Before(*exam.StartTime) {
		return ErrExamNotAvailable
	}
	if exam.EndTime != nil && !now.Before(*exam.EndTime) {
		return ErrExamNotAvailable
	}
	return nil
}

func (s *sessionService) getOwnedSession(ctx context.Context, sessionID, studentID string) (*models.ExamSession, error) {
	session, err := s.repo.Session().GetByID(ctx, s.db, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.StudentID != studentID {
		return nil, NewPermissionError(studentID, sessionID, "session", "write", "not the session owner")
	}
	return session, nil
}

func (s *sessionService) toSessionResponse(session *models.ExamSession, exam *models.Exam, now time.Time) *SessionResponse {
	remaining := 0
	if session.Status == models.SessionActive {
		var examEnd *time.Time
		if exam != nil {
			examEnd = exam.EndTime
		}
		if d := session.HardDeadline(examEnd).Sub(now); d > 0 {
			remaining = int(d.Seconds())
		}
	}
	return &SessionResponse{ExamSession: session, TimeRemainingSeconds: remaining}
}

func (s *sessionService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.eventPublisher == nil {
		return
	}
	if err := s.eventPublisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		s.logger.Warn("failed to publish event", "event_type", eventType, "error", err)
	}
}

// newSubmission seeds the pipeline row according to the exam's
// processing policy.
func newSubmission(session *models.ExamSession, exam *models.Exam, policy models.ProcessingPolicy) *models.Submission {
	maxScore := 0.0
	for _, tt := range exam.TaskTypes {
		maxScore += tt.MaxScore
	}

	submission := &models.Submission{
		ID:        uuid.New().String(),
		CourseID:  session.CourseID,
		SessionID: session.ID,
		ExamID:    session.ExamID,
		StudentID: session.StudentID,
		Status:    models.SubmissionUploaded,
		MaxScore:  maxScore,
	}

	if policy.OcrEnabled {
		submission.OcrOverallStatus = models.OcrOverallPending
	} else {
		submission.OcrOverallStatus = models.OcrOverallNotRequired
	}
	if policy.LlmPrecheckEnabled {
		submission.PrecheckStatus = models.PrecheckQueued
	} else {
		submission.PrecheckStatus = models.PrecheckSkipped
	}
	return submission
}

// assignVariants picks one variant per task type, deterministically
// from the seed so a session can be re-derived.
func assignVariants(seed int64, taskTypes []*models.TaskType) (datatypes.JSON, error) {
	rng := rand.New(rand.NewSource(seed))
	assignments := make(map[string]string, len(taskTypes))
	for _, tt := range taskTypes {
		if len(tt.Variants) == 0 {
			continue
		}
		variant := tt.Variants[rng.Intn(len(tt.Variants))]
		assignments[tt.ID] = variant.ID
	}
	raw, err := json.Marshal(assignments)
	if err != nil {
		return nil, fmt.Errorf("failed to encode variant assignments: %w", err)
	}
	return raw, nil
}
