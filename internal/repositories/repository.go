package repositories

import "context"

// Repository aggregates all repository interfaces behind one handle.
type Repository interface {
	// Session domain
	Session() SessionRepository

	// Submission domain
	Submission() SubmissionRepository
	SubmissionImage() SubmissionImageRepository
	SubmissionScore() SubmissionScoreRepository
	OcrReview() OcrReviewRepository

	// Exam context (read-mostly)
	Exam() ExamRepository

	// Ingestion bookkeeping
	TelegramOffset() TelegramOffsetRepository
	TelegramLink() TelegramLinkRepository

	// User domain (read-only, backed by Casdoor)
	User() UserRepository

	// Transaction support
	WithTransaction(ctx context.Context, fn func(Repository) error) error

	// Health check
	Ping(ctx context.Context) error

	// Close connections
	Close() error
}

// RepositoryManager interface for managing repository lifecycle
type RepositoryManager interface {
	Initialize() error
	GetRepository() Repository
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
