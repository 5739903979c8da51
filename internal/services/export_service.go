package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
)

const exportSheet = "Results"

type exportService struct {
	repo   repositories.Repository
	db     *gorm.DB
	logger *slog.Logger
}

func NewExportService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger) ExportService {
	return &exportService{repo: repo, db: db, logger: logger}
}

// ExportExamResults renders one XLSX workbook with a row per submission
// and the per-criterion breakdown appended as extra columns. Criterion
// columns follow the exam's task type order.
func (s *exportService) ExportExamResults(ctx context.Context, examID, teacherID string) ([]byte, string, error) {
	ok, err := s.repo.User().HasRole(ctx, teacherID, models.RoleTeacher, models.RoleAdmin)
	if err != nil {
		return nil, "", fmt.Errorf("failed to check role: %w", err)
	}
	if !ok {
		return nil, "", NewPermissionError(teacherID, examID, "exam", "export", "teacher role required")
	}

	exam, err := s.repo.Exam().GetByID(ctx, s.db, examID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, "", ErrExamNotFound
		}
		return nil, "", fmt.Errorf("failed to get exam: %w", err)
	}

	filters := repositories.SubmissionFilters{
		Limit:     10000,
		SortBy:    "student_id",
		SortOrder: "asc",
	}
	submissions, _, err := s.repo.Submission().ListByExam(ctx, s.db, examID, filters)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list submissions: %w", err)
	}

	criterionNames := criterionColumns(exam, submissions)

	f := excelize.NewFile()
	defer f.Close()
	f.SetSheetName(f.GetSheetName(0), exportSheet)

	headers := []string{
		"Student ID", "Status", "AI Score", "Final Score", "Max Score",
		"Flagged", "Flag Reasons", "OCR Status", "Reviewed By", "Reviewed At", "Teacher Comments",
	}
	for _, name := range criterionNames {
		headers = append(headers, name)
	}
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(exportSheet, cell, h)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(headers), 1)
		f.SetCellStyle(exportSheet, "A1", last, headerStyle)
	}

	for i, sub := range submissions {
		row := i + 2
		values := []interface{}{
			sub.StudentID,
			string(sub.Status),
			floatOrEmpty(sub.AIScore),
			floatOrEmpty(sub.FinalScore),
			sub.MaxScore,
			sub.IsFlagged,
			string(sub.FlagReasons),
			string(sub.OcrOverallStatus),
			stringOrEmpty(sub.ReviewedBy),
			timeOrEmpty(sub.ReviewedAt),
			stringOrEmpty(sub.TeacherComments),
		}

		byName := make(map[string]*models.SubmissionScore, len(sub.Scores))
		for j := range sub.Scores {
			byName[sub.Scores[j].CriterionName] = &sub.Scores[j]
		}
		for _, name := range criterionNames {
			if sc, found := byName[name]; found {
				values = append(values, floatOrEmpty(sc.EffectiveScore()))
			} else {
				values = append(values, "")
			}
		}

		start, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(exportSheet, start, &values); err != nil {
			return nil, "", fmt.Errorf("failed to write row: %w", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, "", fmt.Errorf("failed to render workbook: %w", err)
	}

	filename := fmt.Sprintf("exam_results_%s_%s.xlsx", examID, time.Now().Format("2006-01-02"))
	s.logger.Info("Exam results exported",
		"exam_id", examID, "teacher_id", teacherID, "submissions", len(submissions))
	return buf.Bytes(), filename, nil
}

// criterionColumns builds a stable column order: the exam's task types
// first, then any extra criterion names the grader produced.
func criterionColumns(exam *models.Exam, submissions []*models.Submission) []string {
	var names []string
	seen := make(map[string]bool)
	for _, tt := range exam.TaskTypes {
		if !seen[tt.Name] {
			seen[tt.Name] = true
			names = append(names, tt.Name)
		}
	}
	for _, sub := range submissions {
		for i := range sub.Scores {
			name := sub.Scores[i].CriterionName
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

func floatOrEmpty(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func timeOrEmpty(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.Format(time.RFC3339)
}
