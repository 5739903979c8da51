package postgres

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
)

// SharedHelpers contains common database operations
type SharedHelpers struct {
	db *gorm.DB
}

func NewSharedHelpers(db *gorm.DB) *SharedHelpers {
	return &SharedHelpers{db: db}
}

// lockForUpdate adds a row lock on dialects that support it. SQLite
// (used in tests) serializes writers anyway, so it is a no-op there.
func lockForUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

// appendJSONString adds a value to a JSON string array if absent.
func appendJSONString(raw datatypes.JSON, value string) (datatypes.JSON, bool) {
	var items []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &items); err != nil {
			items = nil
		}
	}
	for _, item := range items {
		if item == value {
			return raw, false
		}
	}
	items = append(items, value)
	out, err := json.Marshal(items)
	if err != nil {
		return raw, false
	}
	return out, true
}

// setJSONKey sets a key in a JSON object, preserving other keys.
func setJSONKey(raw datatypes.JSON, key string, value interface{}) datatypes.JSON {
	obj := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			obj = map[string]interface{}{}
		}
	}
	obj[key] = value
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}

// ApplySubmissionFilters applies common filters to submission queries
func (h *SharedHelpers) ApplySubmissionFilters(query *gorm.DB, filters repositories.SubmissionFilters) *gorm.DB {
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.StudentID != nil {
		query = query.Where("student_id = ?", *filters.StudentID)
	}
	if filters.IsFlagged != nil {
		query = query.Where("is_flagged = ?", *filters.IsFlagged)
	}
	if filters.DateFrom != nil {
		query = query.Where("created_at >= ?", *filters.DateFrom)
	}
	if filters.DateTo != nil {
		query = query.Where("created_at <= ?", *filters.DateTo)
	}
	return query
}

// ApplySessionFilters applies common filters to session queries
func (h *SharedHelpers) ApplySessionFilters(query *gorm.DB, filters repositories.SessionFilters) *gorm.DB {
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.StudentID != nil {
		query = query.Where("student_id = ?", *filters.StudentID)
	}
	if filters.DateFrom != nil {
		query = query.Where("created_at >= ?", *filters.DateFrom)
	}
	if filters.DateTo != nil {
		query = query.Where("created_at <= ?", *filters.DateTo)
	}
	return query
}

// ApplyPaginationAndSort applies pagination and sorting with SQL injection protection
func (h *SharedHelpers) ApplyPaginationAndSort(query *gorm.DB, sortBy, sortOrder string, limit, offset int) *gorm.DB {
	// Whitelist allowed sort columns
	allowedSortColumns := map[string]bool{
		"created_at":  true,
		"updated_at":  true,
		"id":          true,
		"status":      true,
		"student_id":  true,
		"final_score": true,
		"ai_score":    true,
	}

	if sortBy == "" || !allowedSortColumns[sortBy] {
		sortBy = "created_at"
	}

	if sortOrder != "asc" && sortOrder != "ASC" {
		sortOrder = "DESC"
	} else {
		sortOrder = "ASC"
	}

	query = query.Order(sortBy + " " + sortOrder)

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	return query
}

// CountImagesByStatus counts a submission's images in a given OCR state
func (h *SharedHelpers) CountImagesByStatus(ctx context.Context, submissionID string, status models.OcrImageStatus) (int64, error) {
	var count int64
	err := h.db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Where("submission_id = ? AND ocr_status = ?", submissionID, status).
		Count(&count).Error
	return count, err
}
