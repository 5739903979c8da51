package postgres

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/pkg"
)

func newTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func newTestRepo(t *testing.T) (repositories.Repository, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	repo := NewPostgreSQLRepository(RepositoryConfig{DB: db})
	return repo, db
}

// seedSubmission creates an exam, a session in the given status and its
// submission, returning the submission.
func seedSubmission(t *testing.T, db *gorm.DB, sessionStatus models.SessionStatus, subFn func(*models.Submission)) *models.Submission {
	t.Helper()
	now := time.Now()

	exam := &models.Exam{
		ID:              uuid.New().String(),
		CourseID:        uuid.New().String(),
		Title:           "Inorganic chemistry midterm",
		Status:          models.ExamInProgress,
		DurationMinutes: 90,
		MaxAttempts:     1,
	}
	if err := db.Create(exam).Error; err != nil {
		t.Fatalf("create exam: %v", err)
	}

	session := &models.ExamSession{
		ID:        uuid.New().String(),
		CourseID:  exam.CourseID,
		ExamID:    exam.ID,
		StudentID: uuid.New().String(),
		Status:    sessionStatus,
		StartedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("create session: %v", err)
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
		MaxScore:         10,
	}
	if subFn != nil {
		subFn(submission)
	}
	if err := db.Create(submission).Error; err != nil {
		t.Fatalf("create submission: %v", err)
	}
	return submission
}

func seedImage(t *testing.T, db *gorm.DB, submissionID string, orderIndex int, status models.OcrImageStatus) *models.SubmissionImage {
	t.Helper()
	img := &models.SubmissionImage{
		ID:           uuid.New().String(),
		SubmissionID: submissionID,
		Filename:     "page.jpg",
		FilePath:     "exams/x/" + uuid.New().String() + ".jpg",
		MimeType:     "image/jpeg",
		OrderIndex:   orderIndex,
		OcrStatus:    status,
		UploadSource: models.UploadSourceWeb,
		UploadedAt:   time.Now(),
	}
	if err := db.Create(img).Error; err != nil {
		t.Fatalf("create image: %v", err)
	}
	return img
}

// ===== SESSION TRANSITIONS =====

func TestSessionMarkSubmittedOnlyOnce(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	sub := seedSubmission(t, db, models.SessionActive, nil)

	ok, err := repo.Session().MarkSubmitted(ctx, nil, sub.SessionID, time.Now())
	if err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	if !ok {
		t.Fatal("first MarkSubmitted must claim the row")
	}

	ok, err = repo.Session().MarkSubmitted(ctx, nil, sub.SessionID, time.Now())
	if err != nil {
		t.Fatalf("second MarkSubmitted: %v", err)
	}
	if ok {
		t.Error("second MarkSubmitted must be a no-op")
	}

	// Expire after submit is a lost race too.
	ok, err = repo.Session().MarkExpired(ctx, nil, sub.SessionID, time.Now())
	if err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	if ok {
		t.Error("MarkExpired after submit must be a no-op")
	}
}

func TestSessionMarkGradedRequiresClosed(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	sub := seedSubmission(t, db, models.SessionActive, nil)

	if ok, _ := repo.Session().MarkGraded(ctx, nil, sub.SessionID); ok {
		t.Error("MarkGraded on an active session must be a no-op")
	}

	if _, err := repo.Session().MarkSubmitted(ctx, nil, sub.SessionID, time.Now()); err != nil {
		t.Fatal(err)
	}
	ok, err := repo.Session().MarkGraded(ctx, nil, sub.SessionID)
	if err != nil {
		t.Fatalf("MarkGraded: %v", err)
	}
	if !ok {
		t.Error("MarkGraded on a submitted session must succeed")
	}
}

// ===== SUBMISSION LIFECYCLE =====

func TestSubmissionCreateIfAbsent(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	sub := seedSubmission(t, db, models.SessionSubmitted, nil)

	dupe := &models.Submission{
		ID:        uuid.New().String(),
		CourseID:  sub.CourseID,
		SessionID: sub.SessionID,
		ExamID:    sub.ExamID,
		StudentID: sub.StudentID,
	}
	created, err := repo.Submission().CreateIfAbsent(ctx, nil, dupe)
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if created {
		t.Error("CreateIfAbsent must not create a second submission for the session")
	}

	existing, err := repo.Submission().GetBySessionID(ctx, nil, sub.SessionID)
	if err != nil {
		t.Fatalf("GetBySessionID: %v", err)
	}
	if existing.ID != sub.ID {
		t.Errorf("kept submission = %s, want original %s", existing.ID, sub.ID)
	}
}

func TestClaimOcrOnlyOnce(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	sub := seedSubmission(t, db, models.SessionSubmitted, nil)

	ok, err := repo.Submission().ClaimOcr(ctx, nil, sub.ID, time.Now())
	if err != nil || !ok {
		t.Fatalf("first ClaimOcr = (%v, %v), want claimed", ok, err)
	}
	ok, err = repo.Submission().ClaimOcr(ctx, nil, sub.ID, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second ClaimOcr must lose the race")
	}
}

func TestListOcrEligibleGating(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	open := seedSubmission(t, db, models.SessionActive, nil)
	ready := seedSubmission(t, db, models.SessionSubmitted, nil)
	deferred := seedSubmission(t, db, models.SessionExpired, func(s *models.Submission) {
		next := now.Add(10 * time.Minute)
		s.OcrNextAttemptAt = &next
	})

	ids, err := repo.Submission().ListOcrEligible(ctx, nil, now, 10)
	if err != nil {
		t.Fatalf("ListOcrEligible: %v", err)
	}
	if len(ids) != 1 || ids[0] != ready.ID {
		t.Fatalf("eligible = %v, want only %s", ids, ready.ID)
	}

	// The deferred row becomes eligible once its backoff elapses.
	ids, err = repo.Submission().ListOcrEligible(ctx, nil, now.Add(11*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("after backoff, eligible = %v, want both %s and %s", ids, ready.ID, deferred.ID)
	}
	for _, id := range ids {
		if id == open.ID {
			t.Error("a submission with an active session must never be eligible")
		}
	}
}

func TestRecordOcrFailureRetryThenTerminal(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	sub := seedSubmission(t, db, models.SessionSubmitted, nil)

	if ok, _ := repo.Submission().ClaimOcr(ctx, nil, sub.ID, time.Now()); !ok {
		t.Fatal("claim failed")
	}
	next := time.Now().Add(time.Minute)
	if err := repo.Submission().RecordOcrFailure(ctx, nil, sub.ID, "provider timeout", &next, false); err != nil {
		t.Fatalf("RecordOcrFailure: %v", err)
	}

	got, err := repo.Submission().GetByID(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OcrOverallStatus != models.OcrOverallPending {
		t.Errorf("status after retryable failure = %s, want pending", got.OcrOverallStatus)
	}
	if got.OcrRetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.OcrRetryCount)
	}
	if got.OcrNextAttemptAt == nil {
		t.Error("next attempt must be scheduled")
	}

	if ok, _ := repo.Submission().ClaimOcr(ctx, nil, sub.ID, time.Now()); !ok {
		t.Fatal("reclaim failed")
	}
	if err := repo.Submission().RecordOcrFailure(ctx, nil, sub.ID, "provider down", nil, true); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.OcrOverallStatus != models.OcrOverallFailed {
		t.Errorf("status after terminal failure = %s, want failed", got.OcrOverallStatus)
	}
	if !got.IsFlagged {
		t.Error("terminal OCR failure must flag the submission")
	}
}

func TestSkipPrecheckRecordsFlagReason(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	sub := seedSubmission(t, db, models.SessionSubmitted, nil)

	claimed, err := repo.Submission().SkipPrecheck(ctx, nil, sub.ID, models.FlagReasonNoImages)
	if err != nil {
		t.Fatalf("SkipPrecheck: %v", err)
	}
	if !claimed {
		t.Fatal("skip must claim the uploaded submission")
	}

	got, _ := repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.Status != models.SubmissionFlagged {
		t.Errorf("status = %s, want flagged", got.Status)
	}
	if got.PrecheckStatus != models.PrecheckSkipped {
		t.Errorf("precheck status = %s, want skipped", got.PrecheckStatus)
	}
	if string(got.FlagReasons) == "" {
		t.Error("flag reasons must be recorded")
	}

	// A second skip is a no-op, not an error.
	claimed, err = repo.Submission().SkipPrecheck(ctx, nil, sub.ID, models.FlagReasonNoImages)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("second skip must lose the race")
	}
}

func TestApproveCoalescesFinalScore(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	ai := 7.5
	sub := seedSubmission(t, db, models.SessionSubmitted, func(s *models.Submission) {
		s.Status = models.SubmissionPreliminary
		s.AIScore = &ai
	})

	ok, err := repo.Submission().Approve(ctx, nil, sub.ID, "teacher-1", nil, time.Now())
	if err != nil || !ok {
		t.Fatalf("Approve = (%v, %v)", ok, err)
	}

	got, _ := repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.Status != models.SubmissionApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if got.FinalScore == nil || *got.FinalScore != ai {
		t.Errorf("final score = %v, want the AI score %v", got.FinalScore, ai)
	}
	if got.ReviewedBy == nil || *got.ReviewedBy != "teacher-1" {
		t.Errorf("reviewed_by = %v", got.ReviewedBy)
	}

	if ok, _ := repo.Submission().Approve(ctx, nil, sub.ID, "teacher-2", nil, time.Now()); ok {
		t.Error("approving an approved submission must be a no-op")
	}
}

func TestQueueRegradeResetsPipeline(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	errMsg := "model 500"
	sub := seedSubmission(t, db, models.SessionSubmitted, func(s *models.Submission) {
		s.Status = models.SubmissionFlagged
		s.PrecheckStatus = models.PrecheckFailed
		s.AIRetryCount = 3
		s.AIError = &errMsg
	})

	ok, err := repo.Submission().QueueRegrade(ctx, nil, sub.ID)
	if err != nil || !ok {
		t.Fatalf("QueueRegrade = (%v, %v)", ok, err)
	}

	got, _ := repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.Status != models.SubmissionUploaded || got.PrecheckStatus != models.PrecheckQueued {
		t.Errorf("state = (%s, %s), want (uploaded, queued)", got.Status, got.PrecheckStatus)
	}
	if got.AIRetryCount != 0 || got.AIError != nil {
		t.Error("regrade must reset the retry bookkeeping")
	}

	// An uploaded submission is not adjudicable, so a repeat loses.
	if ok, _ := repo.Submission().QueueRegrade(ctx, nil, sub.ID); ok {
		t.Error("regrading a queued submission must be a no-op")
	}
}

func TestListRetryableFlagged(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	errMsg := "model 500"

	retryable := seedSubmission(t, db, models.SessionSubmitted, func(s *models.Submission) {
		s.Status = models.SubmissionFlagged
		s.PrecheckStatus = models.PrecheckFailed
		s.AIRetryCount = 3
		s.AIError = &errMsg
	})
	// Flagged for another reason; no model error to retry.
	seedSubmission(t, db, models.SessionSubmitted, func(s *models.Submission) {
		s.Status = models.SubmissionFlagged
		s.PrecheckStatus = models.PrecheckSkipped
	})

	ids, err := repo.Submission().ListRetryableFlagged(ctx, nil, 5, 10)
	if err != nil {
		t.Fatalf("ListRetryableFlagged: %v", err)
	}
	if len(ids) != 1 || ids[0] != retryable.ID {
		t.Errorf("retryable = %v, want only %s", ids, retryable.ID)
	}

	// With the budget already spent nothing qualifies.
	ids, err = repo.Submission().ListRetryableFlagged(ctx, nil, 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("retryable under spent budget = %v, want none", ids)
	}
}

// ===== IMAGES =====

func TestImageOrderIndexAndDuplicateHash(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	sub := seedSubmission(t, db, models.SessionActive, nil)

	max, err := repo.SubmissionImage().MaxOrderIndex(ctx, nil, sub.ID)
	if err != nil {
		t.Fatalf("MaxOrderIndex: %v", err)
	}
	if max != -1 {
		t.Errorf("empty submission MaxOrderIndex = %d, want -1", max)
	}

	hash := "00ff00ff00ff00ff"
	img := seedImage(t, db, sub.ID, 0, models.OcrImagePending)
	db.Model(img).Update("perceptual_hash", hash)
	seedImage(t, db, sub.ID, 1, models.OcrImagePending)

	max, _ = repo.SubmissionImage().MaxOrderIndex(ctx, nil, sub.ID)
	if max != 1 {
		t.Errorf("MaxOrderIndex = %d, want 1", max)
	}

	dup, err := repo.SubmissionImage().HasDuplicateHash(ctx, nil, sub.ID, hash)
	if err != nil || !dup {
		t.Errorf("HasDuplicateHash = (%v, %v), want true", dup, err)
	}
	dup, _ = repo.SubmissionImage().HasDuplicateHash(ctx, nil, sub.ID, "ffffffffffffffff")
	if dup {
		t.Error("unknown hash must not report a duplicate")
	}
}

func TestImageOcrResultLifecycle(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	sub := seedSubmission(t, db, models.SessionSubmitted, nil)
	img := seedImage(t, db, sub.ID, 0, models.OcrImagePending)

	// Result writes require the processing state.
	ok, err := repo.SubmissionImage().SetOcrResult(ctx, nil, img.ID, repositories.OcrImageResult{Markdown: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("SetOcrResult on a pending page must be a no-op")
	}

	if ok, _ := repo.SubmissionImage().TransitionOcr(ctx, nil, img.ID, models.OcrImagePending, models.OcrImageProcessing); !ok {
		t.Fatal("claim page failed")
	}
	model := "marker"
	ok, err = repo.SubmissionImage().SetOcrResult(ctx, nil, img.ID, repositories.OcrImageResult{
		Markdown:    "## Answer\nNaOH + HCl -> NaCl + H2O",
		Model:       &model,
		CompletedAt: time.Now(),
	})
	if err != nil || !ok {
		t.Fatalf("SetOcrResult = (%v, %v)", ok, err)
	}

	got, _ := repo.SubmissionImage().GetByID(ctx, nil, img.ID)
	if got.OcrStatus != models.OcrImageReady {
		t.Errorf("status = %s, want ready", got.OcrStatus)
	}
	if got.OcrMarkdown == nil || *got.OcrMarkdown == "" {
		t.Error("markdown must be stored")
	}
}

func TestResetFailedToPending(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	sub := seedSubmission(t, db, models.SessionSubmitted, nil)
	failed := seedImage(t, db, sub.ID, 0, models.OcrImageFailed)
	ready := seedImage(t, db, sub.ID, 1, models.OcrImageReady)

	if err := repo.SubmissionImage().ResetFailedToPending(ctx, nil, sub.ID); err != nil {
		t.Fatalf("ResetFailedToPending: %v", err)
	}

	got, _ := repo.SubmissionImage().GetByID(ctx, nil, failed.ID)
	if got.OcrStatus != models.OcrImagePending {
		t.Errorf("failed page = %s, want pending", got.OcrStatus)
	}
	got, _ = repo.SubmissionImage().GetByID(ctx, nil, ready.ID)
	if got.OcrStatus != models.OcrImageReady {
		t.Errorf("ready page = %s, must stay ready", got.OcrStatus)
	}
}

// ===== OCR REVIEWS =====

func TestReviewUpsertAndCompletion(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	sub := seedSubmission(t, db, models.SessionSubmitted, func(s *models.Submission) {
		s.OcrOverallStatus = models.OcrOverallInReview
	})
	img1 := seedImage(t, db, sub.ID, 0, models.OcrImageReady)
	img2 := seedImage(t, db, sub.ID, 1, models.OcrImageReady)

	review := &models.OcrReview{
		ID:           uuid.New().String(),
		SubmissionID: sub.ID,
		ImageID:      img1.ID,
		StudentID:    sub.StudentID,
		PageStatus:   models.OcrPageReported,
		IssueCount:   1,
	}
	if err := repo.OcrReview().Upsert(ctx, nil, review); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	stored, err := repo.OcrReview().GetByPage(ctx, nil, sub.ID, img1.ID)
	if err != nil {
		t.Fatal(err)
	}
	original := "2NaOH"
	if err := repo.OcrReview().ReplaceIssues(ctx, nil, stored.ID, []models.OcrIssue{{
		ID:           uuid.New().String(),
		OriginalText: &original,
		Severity:     models.IssueSeverityMajor,
	}}); err != nil {
		t.Fatalf("ReplaceIssues: %v", err)
	}

	completion, err := repo.OcrReview().CompletionStats(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if completion.Complete() {
		t.Error("one of two pages reviewed must not be complete")
	}
	if completion.ReportedPages != 1 || completion.TotalIssues != 1 {
		t.Errorf("completion = %+v", completion)
	}

	// The student changes their mind: the verdict flips in place.
	if err := repo.OcrReview().Upsert(ctx, nil, &models.OcrReview{
		ID:           uuid.New().String(),
		SubmissionID: sub.ID,
		ImageID:      img1.ID,
		StudentID:    sub.StudentID,
		PageStatus:   models.OcrPageApproved,
	}); err != nil {
		t.Fatal(err)
	}
	relisted, _ := repo.OcrReview().ListBySubmission(ctx, nil, sub.ID)
	if len(relisted) != 1 {
		t.Fatalf("reviews = %d, want the verdict replaced in place", len(relisted))
	}
	if relisted[0].PageStatus != models.OcrPageApproved {
		t.Errorf("page status = %s, want approved", relisted[0].PageStatus)
	}
	if relisted[0].ID != stored.ID {
		t.Errorf("review ID changed on upsert: %s -> %s", stored.ID, relisted[0].ID)
	}

	if err := repo.OcrReview().Upsert(ctx, nil, &models.OcrReview{
		ID:           uuid.New().String(),
		SubmissionID: sub.ID,
		ImageID:      img2.ID,
		StudentID:    sub.StudentID,
		PageStatus:   models.OcrPageApproved,
	}); err != nil {
		t.Fatal(err)
	}
	completion, _ = repo.OcrReview().CompletionStats(ctx, nil, sub.ID)
	if !completion.Complete() {
		t.Errorf("completion = %+v, want complete", completion)
	}
}

// ===== TELEGRAM BOOKKEEPING =====

func TestTelegramOffsetNeverMovesBackwards(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	got, err := repo.TelegramOffset().Get(ctx, nil, "grading-bot")
	if err != nil || got != 0 {
		t.Fatalf("fresh offset = (%d, %v), want 0", got, err)
	}

	if err := repo.TelegramOffset().Advance(ctx, nil, "grading-bot", 100); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := repo.TelegramOffset().Advance(ctx, nil, "grading-bot", 42); err != nil {
		t.Fatalf("Advance backwards: %v", err)
	}
	got, _ = repo.TelegramOffset().Get(ctx, nil, "grading-bot")
	if got != 100 {
		t.Errorf("offset = %d, want 100 (never backwards)", got)
	}

	if err := repo.TelegramOffset().Advance(ctx, nil, "grading-bot", 101); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.TelegramOffset().Get(ctx, nil, "grading-bot")
	if got != 101 {
		t.Errorf("offset = %d, want 101", got)
	}
}

func TestTelegramLinkUpsertMovesAccount(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	username := "mendeleev"
	if err := repo.TelegramLink().Upsert(ctx, nil, &models.TelegramLink{
		TelegramUserID:   777,
		StudentID:        "student-a",
		TelegramUsername: &username,
		LinkedAt:         now,
		LastSeenAt:       now,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Re-linking moves the Telegram account to the new student.
	if err := repo.TelegramLink().Upsert(ctx, nil, &models.TelegramLink{
		TelegramUserID: 777,
		StudentID:      "student-b",
		LinkedAt:       now,
		LastSeenAt:     now,
	}); err != nil {
		t.Fatal(err)
	}

	link, err := repo.TelegramLink().GetByTelegramUserID(ctx, nil, 777)
	if err != nil {
		t.Fatal(err)
	}
	if link.StudentID != "student-b" {
		t.Errorf("student = %s, want student-b", link.StudentID)
	}

	later := now.Add(time.Hour)
	if err := repo.TelegramLink().TouchLastSeen(ctx, nil, 777, later); err != nil {
		t.Fatal(err)
	}
	link, _ = repo.TelegramLink().GetByTelegramUserID(ctx, nil, 777)
	if !link.LastSeenAt.After(now) {
		t.Error("TouchLastSeen must advance last_seen_at")
	}
}

// ===== DEADLINE SWEEP =====

func TestListDeadlinePassed(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	expired := seedSubmission(t, db, models.SessionActive, nil)
	db.Model(&models.ExamSession{}).Where("id = ?", expired.SessionID).
		Update("expires_at", now.Add(-time.Minute))
	seedSubmission(t, db, models.SessionActive, nil) // still within its window

	sessions, err := repo.Session().ListDeadlinePassed(ctx, nil, now, 10)
	if err != nil {
		t.Fatalf("ListDeadlinePassed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != expired.SessionID {
		t.Errorf("deadline passed = %d sessions, want only the expired one", len(sessions))
	}
}
