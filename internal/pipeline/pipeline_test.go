package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/providers/llm"
	"github.com/chemgrade/grading-service/internal/providers/ocr"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/repositories/postgres"
	"github.com/chemgrade/grading-service/internal/services"
	"github.com/chemgrade/grading-service/internal/storage"
	"github.com/chemgrade/grading-service/internal/validator"
	"github.com/chemgrade/grading-service/pkg"
)

type pipelineEnv struct {
	db        *gorm.DB
	repo      repositories.Repository
	blobStore *storage.MemoryBlobStore
	publisher *events.MockEventPublisher
	clock     *FakeClock
	logger    *slog.Logger
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
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
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &pipelineEnv{
		db:        db,
		repo:      postgres.NewPostgreSQLRepository(postgres.RepositoryConfig{DB: db}),
		blobStore: storage.NewMemoryBlobStore(),
		publisher: events.NewMockEventPublisher(logger),
		clock:     NewFakeClock(time.Now()),
		logger:    logger,
	}
}

// seedPipelineSubmission writes an exam with one rubric section and two
// variants, a closed session assigned to the first variant, the
// submission and pageCount uploaded pages with blobs in place.
func (e *pipelineEnv) seedPipelineSubmission(t *testing.T, pageCount int) *models.Submission {
	t.Helper()
	rubric := "2 pts balanced equation, 2 pts mechanism"
	solution := "CH4 + 2O2 -> CO2 + 2H2O"
	exam := &models.Exam{
		ID:              uuid.New().String(),
		CourseID:        uuid.New().String(),
		Title:           "Thermochemistry quiz",
		Status:          models.ExamInProgress,
		DurationMinutes: 45,
		MaxAttempts:     1,
	}
	if err := e.db.Create(exam).Error; err != nil {
		t.Fatal(err)
	}
	taskType := &models.TaskType{
		ID:       uuid.New().String(),
		ExamID:   exam.ID,
		Name:     "Combustion",
		Rubric:   &rubric,
		MaxScore: 4,
	}
	if err := e.db.Create(taskType).Error; err != nil {
		t.Fatal(err)
	}
	variant := &models.TaskVariant{
		ID:                uuid.New().String(),
		TaskTypeID:        taskType.ID,
		VariantNumber:     1,
		Content:           "Balance the combustion of methane.",
		ReferenceSolution: &solution,
	}
	if err := e.db.Create(variant).Error; err != nil {
		t.Fatal(err)
	}

	assignments, _ := json.Marshal(map[string]string{taskType.ID: variant.ID})
	now := e.clock.Now()
	session := &models.ExamSession{
		ID:                 uuid.New().String(),
		CourseID:           exam.CourseID,
		ExamID:             exam.ID,
		StudentID:          uuid.New().String(),
		Status:             models.SessionSubmitted,
		VariantAssignments: datatypes.JSON(assignments),
		StartedAt:          now.Add(-time.Hour),
		ExpiresAt:          now.Add(time.Hour),
	}
	if err := e.db.Create(session).Error; err != nil {
		t.Fatal(err)
	}

	submission := &models.Submission{
		ID:               uuid.New().String(),
		CourseID:         exam.CourseID,
		SessionID:        session.ID,
		ExamID:           exam.ID,
		StudentID:        session.StudentID,
		Status:           models.SubmissionUploaded,
		OcrOverallStatus: models.OcrOverallPending,
		PrecheckStatus:   models.PrecheckQueued,
		MaxScore:         4,
	}
	if err := e.db.Create(submission).Error; err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < pageCount; i++ {
		key := storage.ImageKey(exam.ID, submission.ID, uuid.New().String(), ".png")
		if err := e.blobStore.Write(ctx, key, "image/png", bytes.NewReader([]byte("png-bytes"))); err != nil {
			t.Fatal(err)
		}
		img := &models.SubmissionImage{
			ID:           uuid.New().String(),
			SubmissionID: submission.ID,
			Filename:     fmt.Sprintf("page-%d.png", i+1),
			FilePath:     key,
			MimeType:     "image/png",
			OrderIndex:   i,
			OcrStatus:    models.OcrImagePending,
			UploadSource: models.UploadSourceWeb,
			UploadedAt:   now,
		}
		if err := e.db.Create(img).Error; err != nil {
			t.Fatal(err)
		}
	}
	return submission
}

// markOcrValidated fast-forwards a seeded submission past the OCR and
// review stages so the precheck can claim it.
func (e *pipelineEnv) markOcrValidated(t *testing.T, submissionID string) {
	t.Helper()
	markdown := "## Answer\nCH4 + 2O2 -> CO2 + 2H2O"
	if err := e.db.Model(&models.Submission{}).Where("id = ?", submissionID).
		Update("ocr_overall_status", models.OcrOverallValidated).Error; err != nil {
		t.Fatal(err)
	}
	if err := e.db.Model(&models.SubmissionImage{}).Where("submission_id = ?", submissionID).
		Updates(map[string]interface{}{
			"ocr_status":   models.OcrImageReady,
			"ocr_markdown": markdown,
		}).Error; err != nil {
		t.Fatal(err)
	}
}

type stubOcrClient struct {
	result *ocr.Result
	err    error
	calls  int
}

func (c *stubOcrClient) ProcessFileURL(ctx context.Context, fileURL string) (*ocr.Result, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

type stubGrader struct {
	result  *llm.GradeResult
	err     error
	lastReq llm.GradeRequest
	calls   int
}

func (g *stubGrader) Grade(ctx context.Context, req llm.GradeRequest) (*llm.GradeResult, error) {
	g.calls++
	g.lastReq = req
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

func testBackoff() BackoffPolicy {
	return BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: 10 * time.Minute}
}

// ===== OCR RUNNER =====

func TestOcrRunnerTranscribesSubmission(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.seedPipelineSubmission(t, 2)
	ctx := context.Background()

	model := "marker"
	client := &stubOcrClient{result: &ocr.Result{
		Markdown:  "## Page\nC + O2 -> CO2",
		Model:     &model,
		RequestID: "req-1",
	}}
	runner := NewOcrRunner(env.repo, env.db, env.logger, env.blobStore, client, env.clock, testBackoff(), env.publisher, 15*time.Minute)

	processed, err := runner.RunOnce(ctx, 10)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if client.calls != 2 {
		t.Errorf("provider calls = %d, want one per page", client.calls)
	}

	got, err := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OcrOverallStatus != models.OcrOverallInReview {
		t.Errorf("status = %s, want in_review", got.OcrOverallStatus)
	}

	images, _ := env.repo.SubmissionImage().ListBySubmission(ctx, nil, sub.ID)
	for _, img := range images {
		if img.OcrStatus != models.OcrImageReady {
			t.Errorf("page %d status = %s, want ready", img.OrderIndex, img.OcrStatus)
		}
		if img.OcrMarkdown == nil || *img.OcrMarkdown == "" {
			t.Errorf("page %d has no markdown", img.OrderIndex)
		}
		if img.OcrModel == nil || *img.OcrModel != model {
			t.Errorf("page %d model = %v", img.OrderIndex, img.OcrModel)
		}
	}
	if n := len(env.publisher.EventsOfType(events.EventOcrReady)); n != 1 {
		t.Errorf("ocr_ready events = %d, want 1", n)
	}

	// Nothing left to claim.
	processed, err = runner.RunOnce(ctx, 10)
	if err != nil || processed != 0 {
		t.Errorf("second RunOnce = (%d, %v), want idle", processed, err)
	}
}

func TestOcrRunnerBacksOffThenFailsTerminally(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.seedPipelineSubmission(t, 1)
	ctx := context.Background()

	client := &stubOcrClient{err: errors.New("provider 502")}
	runner := NewOcrRunner(env.repo, env.db, env.logger, env.blobStore, client, env.clock, testBackoff(), env.publisher, 15*time.Minute)

	// Attempt 1: retryable.
	if _, err := runner.RunOnce(ctx, 10); err != nil {
		t.Fatal(err)
	}
	got, _ := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.OcrOverallStatus != models.OcrOverallPending || got.OcrRetryCount != 1 {
		t.Fatalf("after attempt 1: status = %s, retries = %d", got.OcrOverallStatus, got.OcrRetryCount)
	}
	if got.OcrNextAttemptAt == nil {
		t.Fatal("backoff must schedule the next attempt")
	}

	// Before the backoff elapses the submission is invisible.
	if processed, _ := runner.RunOnce(ctx, 10); processed != 0 {
		t.Error("submission must not be eligible inside the backoff window")
	}

	// Attempt 2.
	env.clock.Advance(2 * time.Minute)
	if _, err := runner.RunOnce(ctx, 10); err != nil {
		t.Fatal(err)
	}
	got, _ = env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.OcrRetryCount != 2 {
		t.Fatalf("after attempt 2: retries = %d", got.OcrRetryCount)
	}

	// Attempt 3 exhausts the budget.
	env.clock.Advance(5 * time.Minute)
	if _, err := runner.RunOnce(ctx, 10); err != nil {
		t.Fatal(err)
	}
	got, _ = env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.OcrOverallStatus != models.OcrOverallFailed {
		t.Errorf("final status = %s, want failed", got.OcrOverallStatus)
	}
	if !got.IsFlagged {
		t.Error("terminal failure must flag the submission")
	}
	if n := len(env.publisher.EventsOfType(events.EventOcrFailed)); n != 1 {
		t.Errorf("ocr_failed events = %d, want 1", n)
	}
	if client.calls != 3 {
		t.Errorf("provider calls = %d, want 3", client.calls)
	}
}

// ===== PRECHECK RUNNER =====

func TestPrecheckRunnerGradesSubmission(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.seedPipelineSubmission(t, 2)
	env.markOcrValidated(t, sub.ID)
	ctx := context.Background()

	grader := &stubGrader{result: &llm.GradeResult{
		TotalScore: 3.5,
		MaxScore:   4,
		CriteriaScores: []llm.CriterionScore{
			{CriterionName: "Balanced equation", Score: 2, MaxScore: 2, Comment: "correct"},
			{CriterionName: "Mechanism", Score: 1.5, MaxScore: 2, Comment: "missing enthalpy sign"},
		},
		Feedback: "Solid work overall.",
	}}
	runner := NewPrecheckRunner(env.repo, env.db, env.logger, env.blobStore, grader, env.clock, testBackoff(), env.publisher, 15*time.Minute, false)

	processed, err := runner.RunOnce(ctx, 10)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}

	if len(grader.lastReq.Transcriptions) != 2 {
		t.Errorf("transcriptions = %d, want one per page", len(grader.lastReq.Transcriptions))
	}
	if len(grader.lastReq.ImageURLs) != 2 {
		t.Errorf("image urls = %d, want one per page", len(grader.lastReq.ImageURLs))
	}
	if grader.lastReq.Rubric == nil {
		t.Error("the rubric must reach the grader")
	}
	if grader.lastReq.MaxScore != 4 {
		t.Errorf("max score = %v, want 4", grader.lastReq.MaxScore)
	}

	got, err := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SubmissionPreliminary || got.PrecheckStatus != models.PrecheckCompleted {
		t.Errorf("state = (%s, %s), want (preliminary, completed)", got.Status, got.PrecheckStatus)
	}
	if got.AIScore == nil || *got.AIScore != 3.5 {
		t.Errorf("ai score = %v, want 3.5", got.AIScore)
	}
	if got.AIComments == nil {
		t.Error("feedback must be stored")
	}

	scores, _ := env.repo.SubmissionScore().ListBySubmission(ctx, nil, sub.ID)
	if len(scores) != 2 {
		t.Fatalf("criterion rows = %d, want 2", len(scores))
	}
	if n := len(env.publisher.EventsOfType(events.EventPrecheckCompleted)); n != 1 {
		t.Errorf("precheck_completed events = %d, want 1", n)
	}
}

func TestPrecheckRunnerSkipsEmptySubmission(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.seedPipelineSubmission(t, 0)
	env.db.Model(&models.Submission{}).Where("id = ?", sub.ID).
		Update("ocr_overall_status", models.OcrOverallNotRequired)
	ctx := context.Background()

	grader := &stubGrader{}
	runner := NewPrecheckRunner(env.repo, env.db, env.logger, env.blobStore, grader, env.clock, testBackoff(), env.publisher, 15*time.Minute, false)
	if _, err := runner.RunOnce(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if grader.calls != 0 {
		t.Error("an empty submission must never reach the grader")
	}

	got, _ := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.Status != models.SubmissionFlagged || got.PrecheckStatus != models.PrecheckSkipped {
		t.Errorf("state = (%s, %s), want (flagged, skipped)", got.Status, got.PrecheckStatus)
	}
	var reasons []string
	if err := json.Unmarshal(got.FlagReasons, &reasons); err != nil || len(reasons) == 0 || reasons[0] != models.FlagReasonNoImages {
		t.Errorf("flag reasons = %v (%v), want [%s]", reasons, err, models.FlagReasonNoImages)
	}
	if n := len(env.publisher.EventsOfType(events.EventPrecheckSkipped)); n != 1 {
		t.Errorf("precheck_skipped events = %d, want 1", n)
	}
}

func TestPrecheckRunnerFlagsUnreadable(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.seedPipelineSubmission(t, 1)
	env.markOcrValidated(t, sub.ID)
	ctx := context.Background()

	reason := "photos show a blank page"
	grader := &stubGrader{result: &llm.GradeResult{Unreadable: true, UnreadableReason: &reason}}
	runner := NewPrecheckRunner(env.repo, env.db, env.logger, env.blobStore, grader, env.clock, testBackoff(), env.publisher, 15*time.Minute, false)
	if _, err := runner.RunOnce(ctx, 10); err != nil {
		t.Fatal(err)
	}

	got, _ := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.Status != models.SubmissionFlagged {
		t.Errorf("status = %s, want flagged", got.Status)
	}
	var reasons []string
	if err := json.Unmarshal(got.FlagReasons, &reasons); err != nil || len(reasons) == 0 || reasons[0] != models.FlagReasonUnreadable {
		t.Errorf("flag reasons = %v (%v), want [%s]", reasons, err, models.FlagReasonUnreadable)
	}
}

func TestPrecheckRunnerRetriesOnGraderError(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.seedPipelineSubmission(t, 1)
	env.markOcrValidated(t, sub.ID)
	ctx := context.Background()

	grader := &stubGrader{err: errors.New("model overloaded")}
	runner := NewPrecheckRunner(env.repo, env.db, env.logger, env.blobStore, grader, env.clock, testBackoff(), env.publisher, 15*time.Minute, false)
	if _, err := runner.RunOnce(ctx, 10); err != nil {
		t.Fatal(err)
	}

	got, _ := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.Status != models.SubmissionUploaded || got.PrecheckStatus != models.PrecheckQueued {
		t.Errorf("state = (%s, %s), want requeued", got.Status, got.PrecheckStatus)
	}
	if got.AIRetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.AIRetryCount)
	}
	if got.AINextAttemptAt == nil {
		t.Error("backoff must schedule the next attempt")
	}
	if got.AIError == nil {
		t.Error("the failure message must be recorded")
	}
}

func TestPrecheckRunnerHonorsReportedGate(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.seedPipelineSubmission(t, 1)
	env.markOcrValidated(t, sub.ID)
	env.db.Model(&models.Submission{}).Where("id = ?", sub.ID).
		Update("ocr_overall_status", models.OcrOverallReported)
	ctx := context.Background()

	grader := &stubGrader{result: &llm.GradeResult{TotalScore: 2, MaxScore: 4}}

	strict := NewPrecheckRunner(env.repo, env.db, env.logger, env.blobStore, grader, env.clock, testBackoff(), env.publisher, 15*time.Minute, false)
	if processed, _ := strict.RunOnce(ctx, 10); processed != 0 {
		t.Error("a reported submission must wait when the gate is strict")
	}

	lenient := NewPrecheckRunner(env.repo, env.db, env.logger, env.blobStore, grader, env.clock, testBackoff(), env.publisher, 15*time.Minute, true)
	if processed, _ := lenient.RunOnce(ctx, 10); processed != 1 {
		t.Error("the lenient gate must grade reported submissions")
	}
}

// ===== AUTO-SUBMIT SWEEPER =====

func TestAutoSubmitSweeperExpiresOverdueSessions(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour)
	exam := &models.Exam{
		ID:              uuid.New().String(),
		CourseID:        uuid.New().String(),
		Title:           "Electrochemistry test",
		Status:          models.ExamInProgress,
		EndTime:         &past,
		DurationMinutes: 60,
		MaxAttempts:     1,
	}
	if err := env.db.Create(exam).Error; err != nil {
		t.Fatal(err)
	}
	session := &models.ExamSession{
		ID:        uuid.New().String(),
		CourseID:  exam.CourseID,
		ExamID:    exam.ID,
		StudentID: uuid.New().String(),
		Status:    models.SessionActive,
		StartedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Minute),
	}
	if err := env.db.Create(session).Error; err != nil {
		t.Fatal(err)
	}

	sessionService := services.NewSessionService(env.repo, env.db, env.logger, validator.New(), env.publisher)
	sweeper := NewAutoSubmitSweeper(env.repo, env.db, env.logger, sessionService, env.clock)

	finalized, err := sweeper.RunOnce(ctx, 10)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if finalized != 1 {
		t.Errorf("finalized = %d, want 1", finalized)
	}

	gotSession, err := env.repo.Session().GetByID(ctx, nil, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotSession.Status != models.SessionExpired {
		t.Errorf("session status = %s, want expired", gotSession.Status)
	}

	sub, err := env.repo.Submission().GetBySessionID(ctx, nil, session.ID)
	if err != nil {
		t.Fatalf("the sweep must seed a submission: %v", err)
	}
	if sub.OcrOverallStatus != models.OcrOverallNotRequired {
		t.Errorf("ocr status = %s, want not_required without pages", sub.OcrOverallStatus)
	}

	gotExam, err := env.repo.Exam().GetByID(ctx, nil, exam.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotExam.Status != models.ExamCompleted {
		t.Errorf("exam status = %s, want completed", gotExam.Status)
	}
	if n := len(env.publisher.EventsOfType(events.EventSessionExpired)); n != 1 {
		t.Errorf("session.expired events = %d, want 1", n)
	}

	// Idempotent: the next sweep finds nothing.
	if finalized, _ := sweeper.RunOnce(ctx, 10); finalized != 0 {
		t.Errorf("second sweep finalized = %d, want 0", finalized)
	}
}

// ===== RETRY SWEEPER =====

func TestRetrySweeperRequeuesWithinRaisedBudget(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.seedPipelineSubmission(t, 1)
	ctx := context.Background()

	errMsg := "model overloaded"
	env.db.Model(&models.Submission{}).Where("id = ?", sub.ID).Updates(map[string]interface{}{
		"status":              models.SubmissionFlagged,
		"llm_precheck_status": models.PrecheckFailed,
		"ai_retry_count":      3,
		"ai_error":            errMsg,
		"is_flagged":          true,
	})

	// The original budget is spent; nothing to do.
	spent := NewRetrySweeper(env.repo, env.db, env.logger, 3)
	if requeued, _ := spent.RunOnce(ctx, 10); requeued != 0 {
		t.Error("sweeper must not requeue inside the spent budget")
	}

	raised := NewRetrySweeper(env.repo, env.db, env.logger, 5)
	requeued, err := raised.RunOnce(ctx, 10)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if requeued != 1 {
		t.Errorf("requeued = %d, want 1", requeued)
	}

	got, _ := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.Status != models.SubmissionUploaded || got.PrecheckStatus != models.PrecheckQueued {
		t.Errorf("state = (%s, %s), want (uploaded, queued)", got.Status, got.PrecheckStatus)
	}
	if got.AIRetryCount != 0 {
		t.Errorf("retry count = %d, want reset to 0", got.AIRetryCount)
	}
}

// ===== SCHEDULER =====

func TestSchedulerRunsRegisteredJobs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewScheduler(logger, 2, 5)

	var runs atomic.Int64
	var lastLimit atomic.Int64
	scheduler.Register("counter", 5*time.Millisecond, JobFunc(func(ctx context.Context, limit int) (int, error) {
		runs.Add(1)
		lastLimit.Store(int64(limit))
		return 1, nil
	}))

	scheduler.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	scheduler.Stop()

	if runs.Load() < 3 {
		t.Errorf("job ran %d times, want at least 3", runs.Load())
	}
	if lastLimit.Load() != 5 {
		t.Errorf("job limit = %d, want the scheduler batch size", lastLimit.Load())
	}

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("jobs must not run after Stop")
	}
}
