package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/chemgrade/grading-service/internal/events"
	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
)

// preliminaryFixture settles a session all the way to a preliminary
// grade of 7.5 out of 10 with two criterion scores.
func preliminaryFixture(t *testing.T) (*testEnv, *models.Submission) {
	t.Helper()
	env, sessionID, sub := reviewFixture(t)
	ctx := context.Background()

	state, err := env.review.GetReviewState(ctx, sessionID, env.studentID)
	if err != nil {
		t.Fatal(err)
	}
	for _, page := range state.Pages {
		if err := env.review.SubmitPageReview(ctx, sessionID, env.studentID, &PageReviewRequest{
			ImageID:    page.Image.ID,
			PageStatus: string(models.OcrPageApproved),
		}); err != nil {
			t.Fatal(err)
		}
	}

	if ok, err := env.repo.Submission().ClaimPrecheck(ctx, nil, sub.ID, time.Now()); err != nil || !ok {
		t.Fatalf("claim precheck = (%v, %v)", ok, err)
	}
	scores := []models.SubmissionScore{
		{ID: uuid.New().String(), CriterionName: "Nomenclature", AIScore: floatPtr(3), MaxScore: 4},
		{ID: uuid.New().String(), CriterionName: "Reaction mechanisms", AIScore: floatPtr(4.5), MaxScore: 6},
	}
	if err := env.repo.SubmissionScore().ReplaceForSubmission(ctx, nil, sub.ID, scores); err != nil {
		t.Fatalf("replace scores: %v", err)
	}
	if ok, err := env.repo.Submission().CompletePrecheck(ctx, nil, sub.ID, repositories.PrecheckOutcome{
		Score:       7.5,
		MaxScore:    10,
		CompletedAt: time.Now(),
	}); err != nil || !ok {
		t.Fatalf("complete precheck = (%v, %v)", ok, err)
	}

	settled, err := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	return env, settled
}

func floatPtr(f float64) *float64 { return &f }

func TestApproveFinalizesGrade(t *testing.T) {
	env, sub := preliminaryFixture(t)
	ctx := context.Background()

	if err := env.adjudication.Approve(ctx, sub.ID, env.teacherID, &ApproveSubmissionRequest{}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, err := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SubmissionApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if got.FinalScore == nil || *got.FinalScore != 7.5 {
		t.Errorf("final score = %v, want the AI score 7.5", got.FinalScore)
	}

	scores, err := env.repo.SubmissionScore().ListBySubmission(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, sc := range scores {
		if sc.FinalScore == nil || *sc.FinalScore != *sc.AIScore {
			t.Errorf("criterion %q final = %v, want copied from AI %v", sc.CriterionName, sc.FinalScore, sc.AIScore)
		}
	}

	session, err := env.repo.Session().GetByID(ctx, nil, sub.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != models.SessionGraded {
		t.Errorf("session status = %s, want graded", session.Status)
	}
	if n := len(env.publisher.EventsOfType(events.EventSubmissionApproved)); n != 1 {
		t.Errorf("approved events = %d, want 1", n)
	}

	// A second decision hits the closed state.
	err = env.adjudication.Approve(ctx, sub.ID, env.teacherID, &ApproveSubmissionRequest{})
	if !errors.Is(err, ErrAlreadyAdjudicated) {
		t.Errorf("second approve err = %v, want ErrAlreadyAdjudicated", err)
	}
}

func TestApproveRequiresTeacher(t *testing.T) {
	env, sub := preliminaryFixture(t)
	err := env.adjudication.Approve(context.Background(), sub.ID, env.studentID, &ApproveSubmissionRequest{})
	if !IsPermissionError(err) {
		t.Errorf("err = %v, want a permission error", err)
	}
}

func TestOverrideScoreBounds(t *testing.T) {
	env, sub := preliminaryFixture(t)
	ctx := context.Background()

	err := env.adjudication.OverrideScore(ctx, sub.ID, env.teacherID, &OverrideScoreRequest{Score: 11})
	if !errors.Is(err, ErrScoreExceedsMaximum) {
		t.Errorf("err = %v, want ErrScoreExceedsMaximum", err)
	}

	if err := env.adjudication.OverrideScore(ctx, sub.ID, env.teacherID, &OverrideScoreRequest{
		Score:    6,
		Comments: strPtr("partial credit for the mechanism section"),
	}); err != nil {
		t.Fatalf("override: %v", err)
	}

	got, err := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SubmissionApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if got.FinalScore == nil || *got.FinalScore != 6 {
		t.Errorf("final score = %v, want the override 6", got.FinalScore)
	}
	if got.AIScore == nil || *got.AIScore != 7.5 {
		t.Errorf("ai score = %v, the preliminary value must survive", got.AIScore)
	}
}

func TestOverrideCriterion(t *testing.T) {
	env, sub := preliminaryFixture(t)
	ctx := context.Background()

	scores, err := env.repo.SubmissionScore().ListBySubmission(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	target := scores[0]

	err = env.adjudication.OverrideCriterion(ctx, sub.ID, env.teacherID, &OverrideCriterionRequest{
		ScoreID: target.ID,
		Score:   target.MaxScore + 1,
	})
	if !errors.Is(err, ErrScoreExceedsMaximum) {
		t.Errorf("err = %v, want ErrScoreExceedsMaximum", err)
	}

	err = env.adjudication.OverrideCriterion(ctx, sub.ID, env.teacherID, &OverrideCriterionRequest{
		ScoreID: uuid.New().String(),
		Score:   1,
	})
	if !IsValidationError(err) {
		t.Errorf("unknown score_id err = %v, want a validation error", err)
	}

	if err := env.adjudication.OverrideCriterion(ctx, sub.ID, env.teacherID, &OverrideCriterionRequest{
		ScoreID: target.ID,
		Score:   2,
		Comment: strPtr("naming errors in part b"),
	}); err != nil {
		t.Fatalf("override criterion: %v", err)
	}

	scores, _ = env.repo.SubmissionScore().ListBySubmission(ctx, nil, sub.ID)
	for _, sc := range scores {
		if sc.ID != target.ID {
			continue
		}
		if sc.FinalScore == nil || *sc.FinalScore != 2 {
			t.Errorf("criterion final = %v, want 2", sc.FinalScore)
		}
		if sc.TeacherComment == nil {
			t.Error("teacher comment must be stored")
		}
	}

	// The submission total is the teacher's call, not a side effect.
	got, _ := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if got.FinalScore != nil {
		t.Errorf("submission final score = %v, must stay unset", got.FinalScore)
	}
}

func TestRejectSubmission(t *testing.T) {
	env, sub := preliminaryFixture(t)
	ctx := context.Background()

	if err := env.adjudication.Reject(ctx, sub.ID, env.teacherID, &RejectSubmissionRequest{
		Comments: "pages are from a different exam",
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, err := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SubmissionRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
	if n := len(env.publisher.EventsOfType(events.EventSubmissionRejected)); n != 1 {
		t.Errorf("rejected events = %d, want 1", n)
	}

	err = env.adjudication.Reject(ctx, sub.ID, env.teacherID, &RejectSubmissionRequest{Comments: "again"})
	if !errors.Is(err, ErrAlreadyAdjudicated) {
		t.Errorf("second reject err = %v, want ErrAlreadyAdjudicated", err)
	}
}

func TestRegradeRequeuesPrecheck(t *testing.T) {
	env, sub := preliminaryFixture(t)
	ctx := context.Background()

	if err := env.adjudication.Regrade(ctx, sub.ID, env.teacherID); err != nil {
		t.Fatalf("regrade: %v", err)
	}

	got, err := env.repo.Submission().GetByID(ctx, nil, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SubmissionUploaded || got.PrecheckStatus != models.PrecheckQueued {
		t.Errorf("state = (%s, %s), want (uploaded, queued)", got.Status, got.PrecheckStatus)
	}
	if n := len(env.publisher.EventsOfType(events.EventRegradeQueued)); n != 1 {
		t.Errorf("regrade events = %d, want 1", n)
	}

	// Not settled anymore, so a second regrade has nothing to requeue.
	err = env.adjudication.Regrade(ctx, sub.ID, env.teacherID)
	if !errors.Is(err, ErrSubmissionNotSettled) {
		t.Errorf("second regrade err = %v, want ErrSubmissionNotSettled", err)
	}
}

func TestListSubmissionsFilters(t *testing.T) {
	env, sub := preliminaryFixture(t)
	ctx := context.Background()

	resp, err := env.adjudication.List(ctx, sub.ExamID, env.teacherID, &ListSubmissionsRequest{
		Status: string(models.SubmissionPreliminary),
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if resp.Total != 1 || len(resp.Submissions) != 1 {
		t.Fatalf("list = (%d, %d), want one preliminary submission", resp.Total, len(resp.Submissions))
	}
	if resp.Submissions[0].ID != sub.ID {
		t.Errorf("listed %s, want %s", resp.Submissions[0].ID, sub.ID)
	}

	resp, err = env.adjudication.List(ctx, sub.ExamID, env.teacherID, &ListSubmissionsRequest{
		Status: string(models.SubmissionRejected),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 0 {
		t.Errorf("rejected filter total = %d, want 0", resp.Total)
	}
}

func TestExportExamResults(t *testing.T) {
	env, sub := preliminaryFixture(t)
	ctx := context.Background()

	if err := env.adjudication.Approve(ctx, sub.ID, env.teacherID, &ApproveSubmissionRequest{}); err != nil {
		t.Fatal(err)
	}

	data, filename, err := env.export.ExportExamResults(ctx, sub.ExamID, env.teacherID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(filename, "exam_results_"+sub.ExamID) || !strings.HasSuffix(filename, ".xlsx") {
		t.Errorf("filename = %s", filename)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Results")
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header plus one submission", len(rows))
	}
	header := rows[0]
	if header[0] != "Student ID" {
		t.Errorf("first header = %q", header[0])
	}
	found := false
	for _, h := range header {
		if h == "Reaction mechanisms" {
			found = true
		}
	}
	if !found {
		t.Errorf("header %v missing the criterion column", header)
	}
	if rows[1][0] != sub.StudentID {
		t.Errorf("row student = %q, want %q", rows[1][0], sub.StudentID)
	}
}

func TestExportRequiresTeacher(t *testing.T) {
	env, sub := preliminaryFixture(t)
	_, _, err := env.export.ExportExamResults(context.Background(), sub.ExamID, env.studentID)
	if !IsPermissionError(err) {
		t.Errorf("err = %v, want a permission error", err)
	}
}
