package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/imaging"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/storage"
)

var allowedImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

type uploadService struct {
	repo           repositories.Repository
	db             *gorm.DB
	logger         *slog.Logger
	blobStore      storage.BlobStore
	eventPublisher events.EventPublisher
	limits         UploadLimits
}

func NewUploadService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, blobStore storage.BlobStore, publisher events.EventPublisher, limits UploadLimits) UploadService {
	return &uploadService{
		repo:           repo,
		db:             db,
		logger:         logger,
		blobStore:      blobStore,
		eventPublisher: publisher,
		limits:         limits,
	}
}

// UploadImage ingests one page. The submission row is created lazily
// on the first upload; the order index is allocated under the
// submission row lock so concurrent uploads cannot collide.
func (s *uploadService) UploadImage(ctx context.Context, in *UploadImageInput) (*ImageResponse, error) {
	session, err := s.getOwnedActiveSession(ctx, in.SessionID, in.StudentID)
	if err != nil {
		return nil, err
	}

	if int64(len(in.Data)) > s.limits.MaxUploadBytes {
		return nil, ErrUploadTooLarge
	}
	ext, ok := allowedImageTypes[strings.ToLower(in.ContentType)]
	if !ok {
		return nil, ErrUnsupportedImageType
	}

	// Hash outside the transaction; decoding is the expensive part.
	hash, hashErr := imaging.DHash(in.Data)
	if hashErr != nil {
		s.logger.Warn("failed to hash page image",
			"session_id", in.SessionID, "error", hashErr)
	}

	exam, err := s.repo.Exam().GetByID(ctx, s.db, session.ExamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}
	policy := exam.ProcessingPolicy()

	var image *models.SubmissionImage
	var submissionID string
	var duplicate bool
	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		submission, err := s.getOrCreateSubmission(ctx, txRepo, session, exam, policy)
		if err != nil {
			return err
		}
		submissionID = submission.ID

		count, err := txRepo.SubmissionImage().CountBySubmission(ctx, nil, submission.ID)
		if err != nil {
			return fmt.Errorf("failed to count images: %w", err)
		}
		if int(count) >= s.limits.MaxImages {
			return ErrImageLimitReached
		}

		if hash != "" {
			duplicate, err = txRepo.SubmissionImage().HasDuplicateHash(ctx, nil, submission.ID, hash)
			if err != nil {
				return fmt.Errorf("failed to check duplicate hash: %w", err)
			}
		}

		maxIndex, err := txRepo.SubmissionImage().MaxOrderIndex(ctx, nil, submission.ID)
		if err != nil {
			return fmt.Errorf("failed to get order index: %w", err)
		}

		imageID := uuid.New().String()
		key := storage.ImageKey(session.ExamID, submission.ID, imageID, ext)

		// Blob first: a dangling object is recoverable, a DB row
		// pointing at nothing is not.
		if err := s.blobStore.Write(ctx, key, in.ContentType, bytes.NewReader(in.Data)); err != nil {
			return fmt.Errorf("failed to store image: %w", err)
		}

		image = &models.SubmissionImage{
			ID:           imageID,
			SubmissionID: submission.ID,
			Filename:     sanitizeFilename(in.Filename),
			FilePath:     key,
			FileSize:     int64(len(in.Data)),
			MimeType:     in.ContentType,
			OrderIndex:   maxIndex + 1,
			OcrStatus:    models.OcrImagePending,
			UploadSource: in.Source,
			UploadedAt:   time.Now(),
		}
		if hash != "" {
			image.PerceptualHash = &hash
		}
		if !policy.OcrEnabled {
			image.OcrStatus = models.OcrImageReady
		}

		if err := txRepo.SubmissionImage().Create(ctx, nil, image); err != nil {
			if delErr := s.blobStore.Delete(ctx, key); delErr != nil {
				s.logger.Error("failed to clean up blob after DB error",
					"key", key, "error", delErr)
			}
			return fmt.Errorf("failed to create image row: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Advisory only: the duplicate page stays, the teacher sees the flag.
	if duplicate {
		if err := s.repo.Submission().AddFlagReason(ctx, s.db, submissionID, models.FlagReasonDuplicateImage, nil); err != nil {
			s.logger.Error("failed to record duplicate flag",
				"submission_id", submissionID, "error", err)
		}
	}

	s.publish(ctx, events.EventImageUploaded, map[string]interface{}{
		"session_id":    in.SessionID,
		"submission_id": submissionID,
		"image_id":      image.ID,
		"order_index":   image.OrderIndex,
		"source":        string(in.Source),
		"duplicate":     duplicate,
	})

	s.logger.Info("Page image uploaded",
		"session_id", in.SessionID,
		"submission_id", submissionID,
		"image_id", image.ID,
		"order_index", image.OrderIndex,
		"size_bytes", image.FileSize)

	return &ImageResponse{SubmissionImage: image}, nil
}

func (s *uploadService) DeleteImage(ctx context.Context, sessionID, imageID, studentID string) error {
	session, err := s.getOwnedActiveSession(ctx, sessionID, studentID)
	if err != nil {
		return err
	}

	submission, err := s.repo.Submission().GetBySessionID(ctx, s.db, session.ID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrImageNotFound
		}
		return fmt.Errorf("failed to get submission: %w", err)
	}

	image, err := s.repo.SubmissionImage().GetByID(ctx, s.db, imageID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrImageNotFound
		}
		return fmt.Errorf("failed to get image: %w", err)
	}
	if image.SubmissionID != submission.ID {
		return ErrImageNotFound
	}

	if err := s.repo.SubmissionImage().Delete(ctx, s.db, imageID); err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrImageNotFound
		}
		return fmt.Errorf("failed to delete image row: %w", err)
	}

	if err := s.blobStore.Delete(ctx, image.FilePath); err != nil {
		// Row is gone; the orphaned blob is only a storage leak.
		s.logger.Error("failed to delete image blob", "key", image.FilePath, "error", err)
	}

	s.publish(ctx, events.EventImageDeleted, map[string]interface{}{
		"session_id":    sessionID,
		"submission_id": submission.ID,
		"image_id":      imageID,
	})
	return nil
}

func (s *uploadService) ListImages(ctx context.Context, sessionID, userID string) ([]*ImageResponse, error) {
	submission, err := s.getReadableSubmission(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	images, err := s.repo.SubmissionImage().ListBySubmission(ctx, s.db, submission.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return s.withSignedURLs(images), nil
}

func (s *uploadService) GetSubmission(ctx context.Context, sessionID, userID string) (*SubmissionResponse, error) {
	submission, err := s.getReadableSubmission(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	detailed, err := s.repo.Submission().GetByIDWithDetails(ctx, s.db, submission.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load submission details: %w", err)
	}

	images := make([]*models.SubmissionImage, len(detailed.Images))
	for i := range detailed.Images {
		images[i] = &detailed.Images[i]
	}
	scores := make([]*models.SubmissionScore, len(detailed.Scores))
	for i := range detailed.Scores {
		scores[i] = &detailed.Scores[i]
	}
	return &SubmissionResponse{
		Submission: detailed,
		Images:     s.withSignedURLs(images),
		Scores:     scores,
	}, nil
}

// ===== HELPERS =====

func (s *uploadService) getOwnedActiveSession(ctx context.Context, sessionID, studentID string) (*models.ExamSession, error) {
	session, err := s.repo.Session().GetByID(ctx, s.db, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.StudentID != studentID {
		return nil, NewPermissionError(studentID, sessionID, "session", "upload", "not the session owner")
	}
	if session.Status != models.SessionActive {
		return nil, ErrSessionNotActive
	}
	return session, nil
}

func (s *uploadService) getReadableSubmission(ctx context.Context, sessionID, userID string) (*models.Submission, error) {
	session, err := s.repo.Session().GetByID(ctx, s.db, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.StudentID != userID {
		isTeacher, err := s.repo.User().HasRole(ctx, userID, models.RoleTeacher, models.RoleAdmin)
		if err != nil || !isTeacher {
			return nil, NewPermissionError(userID, sessionID, "submission", "read", "not the session owner")
		}
	}

	submission, err := s.repo.Submission().GetBySessionID(ctx, s.db, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return submission, nil
}

func (s *uploadService) getOrCreateSubmission(ctx context.Context, txRepo repositories.Repository, session *models.ExamSession, exam *models.Exam, policy models.ProcessingPolicy) (*models.Submission, error) {
	submission := newSubmission(session, exam, policy)
	if _, err := txRepo.Submission().CreateIfAbsent(ctx, nil, submission); err != nil {
		return nil, fmt.Errorf("failed to create submission: %w", err)
	}
	// Re-read under the row lock regardless of who created it; the
	// lock serializes order index allocation.
	existing, err := txRepo.Submission().GetBySessionIDForUpdate(ctx, nil, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	return existing, nil
}

func (s *uploadService) withSignedURLs(images []*models.SubmissionImage) []*ImageResponse {
	out := make([]*ImageResponse, len(images))
	for i, img := range images {
		resp := &ImageResponse{SubmissionImage: img}
		if url, err := s.blobStore.SignedURL(img.FilePath, s.limits.SignedURLTTL); err == nil {
			resp.URL = url
		} else {
			s.logger.Warn("failed to sign image URL", "image_id", img.ID, "error", err)
		}
		out[i] = resp
	}
	return out
}

func (s *uploadService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.eventPublisher == nil {
		return
	}
	if err := s.eventPublisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		s.logger.Warn("failed to publish event", "event_type", eventType, "error", err)
	}
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "page"
	}
	if len(name) > 255 {
		name = name[len(name)-255:]
	}
	return name
}
