package services

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/repositories/postgres"
	"github.com/chemgrade/grading-service/internal/storage"
	"github.com/chemgrade/grading-service/internal/validator"
	"github.com/chemgrade/grading-service/pkg"
)

// stubUsers replaces the Casdoor-backed user repository with a fixed
// role map.
type stubUsers struct {
	roles map[string]models.UserRole
}

func (s *stubUsers) user(id string) (*models.User, error) {
	role, ok := s.roles[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &models.User{ID: id, FullName: "Test User", Email: id + "@example.com", Role: role}, nil
}

func (s *stubUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	return s.user(id)
}

func (s *stubUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return nil, repositories.ErrNotFound
}

func (s *stubUsers) GetByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	var out []*models.User
	for _, id := range ids {
		if u, err := s.user(id); err == nil {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *stubUsers) List(ctx context.Context, filters repositories.UserFilters) ([]*models.User, int64, error) {
	return nil, 0, nil
}

func (s *stubUsers) ExistsByID(ctx context.Context, id string) (bool, error) {
	_, err := s.user(id)
	return err == nil, nil
}

func (s *stubUsers) HasRole(ctx context.Context, id string, roles ...models.UserRole) (bool, error) {
	u, err := s.user(id)
	if err != nil {
		return false, nil
	}
	for _, r := range roles {
		if u.Role == r {
			return true, nil
		}
	}
	return false, nil
}

// testRepository swaps the user repository for the stub, including
// inside transactions.
type testRepository struct {
	repositories.Repository
	users repositories.UserRepository
}

func (r *testRepository) User() repositories.UserRepository { return r.users }

func (r *testRepository) WithTransaction(ctx context.Context, fn func(repositories.Repository) error) error {
	return r.Repository.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		return fn(&testRepository{Repository: txRepo, users: r.users})
	})
}

type testEnv struct {
	db        *gorm.DB
	repo      repositories.Repository
	blobStore *storage.MemoryBlobStore
	publisher *events.MockEventPublisher
	users     *stubUsers

	session      SessionService
	upload       UploadService
	review       ReviewService
	adjudication AdjudicationService
	export       ExportService

	studentID string
	teacherID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "grading.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := pkg.MigrateModels(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	studentID := uuid.New().String()
	teacherID := uuid.New().String()
	users := &stubUsers{roles: map[string]models.UserRole{
		studentID: models.RoleStudent,
		teacherID: models.RoleTeacher,
	}}
	repo := &testRepository{
		Repository: postgres.NewPostgreSQLRepository(postgres.RepositoryConfig{DB: db}),
		users:      users,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	blobStore := storage.NewMemoryBlobStore()
	publisher := events.NewMockEventPublisher(logger)
	v := validator.New()
	limits := UploadLimits{MaxImages: 3, MaxUploadBytes: 1 << 20, SignedURLTTL: 15 * time.Minute}

	return &testEnv{
		db:           db,
		repo:         repo,
		blobStore:    blobStore,
		publisher:    publisher,
		users:        users,
		session:      NewSessionService(repo, db, logger, v, publisher),
		upload:       NewUploadService(repo, db, logger, blobStore, publisher, limits),
		review:       NewReviewService(repo, db, logger, v, blobStore, publisher, limits),
		adjudication: NewAdjudicationService(repo, db, logger, v, blobStore, publisher, limits),
		export:       NewExportService(repo, db, logger),
		studentID:    studentID,
		teacherID:    teacherID,
	}
}

// seedExam creates an in-progress exam with two rubric sections worth
// 10 points total, each with two variants.
func (e *testEnv) seedExam(t *testing.T) *models.Exam {
	t.Helper()
	exam := &models.Exam{
		ID:              uuid.New().String(),
		CourseID:        uuid.New().String(),
		Title:           "Organic chemistry final",
		Status:          models.ExamInProgress,
		DurationMinutes: 90,
		MaxAttempts:     1,
	}
	if err := e.db.Create(exam).Error; err != nil {
		t.Fatalf("create exam: %v", err)
	}
	for i, section := range []struct {
		name string
		max  float64
	}{{"Nomenclature", 4}, {"Reaction mechanisms", 6}} {
		tt := &models.TaskType{
			ID:         uuid.New().String(),
			ExamID:     exam.ID,
			Name:       section.name,
			MaxScore:   section.max,
			OrderIndex: i,
		}
		if err := e.db.Create(tt).Error; err != nil {
			t.Fatalf("create task type: %v", err)
		}
		for v := 1; v <= 2; v++ {
			variant := &models.TaskVariant{
				ID:            uuid.New().String(),
				TaskTypeID:    tt.ID,
				VariantNumber: v,
				Content:       "Problem statement",
			}
			if err := e.db.Create(variant).Error; err != nil {
				t.Fatalf("create variant: %v", err)
			}
		}
	}
	return exam
}

func (e *testEnv) startSession(t *testing.T, examID string) *SessionResponse {
	t.Helper()
	resp, err := e.session.Start(context.Background(), &StartSessionRequest{ExamID: examID}, e.studentID)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return resp
}

// pngImage renders a decodable PNG with a white stripe ending at the
// given column. The stripe position makes the content, and therefore
// the perceptual hash, distinct per page.
func pngImage(t *testing.T, stripe int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 72, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 72; x++ {
			var g uint8
			if x < stripe {
				g = 255
			}
			img.SetGray(x, y, color.Gray{Y: g})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func (e *testEnv) uploadPage(t *testing.T, sessionID string, stripe int) *ImageResponse {
	t.Helper()
	resp, err := e.upload.UploadImage(context.Background(), &UploadImageInput{
		SessionID:   sessionID,
		StudentID:   e.studentID,
		Filename:    "page.png",
		ContentType: "image/png",
		Data:        pngImage(t, stripe),
		Source:      models.UploadSourceWeb,
	})
	if err != nil {
		t.Fatalf("upload page: %v", err)
	}
	return resp
}

// completeOcr drives a submitted submission through the OCR stage by
// hand so the review gate opens.
func (e *testEnv) completeOcr(t *testing.T, submissionID string) {
	t.Helper()
	ctx := context.Background()
	if ok, err := e.repo.Submission().ClaimOcr(ctx, nil, submissionID, time.Now()); err != nil || !ok {
		t.Fatalf("claim ocr = (%v, %v)", ok, err)
	}
	images, err := e.repo.SubmissionImage().ListBySubmission(ctx, nil, submissionID)
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	for _, img := range images {
		if ok, err := e.repo.SubmissionImage().TransitionOcr(ctx, nil, img.ID, models.OcrImagePending, models.OcrImageProcessing); err != nil || !ok {
			t.Fatalf("claim page = (%v, %v)", ok, err)
		}
		if ok, err := e.repo.SubmissionImage().SetOcrResult(ctx, nil, img.ID, repositories.OcrImageResult{
			Markdown:    "## Solution\n2H2 + O2 -> 2H2O",
			CompletedAt: time.Now(),
		}); err != nil || !ok {
			t.Fatalf("set ocr result = (%v, %v)", ok, err)
		}
	}
	if ok, err := e.repo.Submission().CompleteOcr(ctx, nil, submissionID, time.Now()); err != nil || !ok {
		t.Fatalf("complete ocr = (%v, %v)", ok, err)
	}
}

func (e *testEnv) submission(t *testing.T, sessionID string) *models.Submission {
	t.Helper()
	sub, err := e.repo.Submission().GetBySessionID(context.Background(), nil, sessionID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	return sub
}
