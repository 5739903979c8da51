package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/chemgrade/grading-service/internal/models"
	"github.com/chemgrade/grading-service/internal/repositories"
	"github.com/chemgrade/grading-service/internal/services"
)

// linkCodeKeyPrefix matches the key the HTTP API writes when a student
// requests a bot link code.
const linkCodeKeyPrefix = "tg:link:"

const longPollTimeout = 30 * time.Second

// Ingestor consumes bot updates and turns photo messages into page
// uploads on the sender's active session. The update offset is
// persisted after each batch so a restart resumes where it left off.
type Ingestor struct {
	repo          repositories.Repository
	db            *gorm.DB
	logger        *slog.Logger
	uploadService services.UploadService
	redisClient   *redis.Client
	bot           BotAPI
	botName       string
	pollInterval  time.Duration
}

func NewIngestor(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, uploadService services.UploadService, redisClient *redis.Client, bot BotAPI, botName string, pollInterval time.Duration) *Ingestor {
	return &Ingestor{
		repo:          repo,
		db:            db,
		logger:        logger,
		uploadService: uploadService,
		redisClient:   redisClient,
		bot:           bot,
		botName:       botName,
		pollInterval:  pollInterval,
	}
}

// Run polls until the context is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	offset, err := in.repo.TelegramOffset().Get(ctx, in.db, in.botName)
	if err != nil {
		return fmt.Errorf("failed to load update offset: %w", err)
	}
	in.logger.Info("Telegram ingestor started", "bot_name", in.botName, "offset", offset)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := in.bot.GetUpdates(ctx, offset, longPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.logger.Error("failed to fetch updates", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(in.pollInterval):
			}
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			if update.Message != nil {
				if err := in.handleMessage(ctx, update.Message); err != nil {
					in.logger.Error("failed to handle message",
						"update_id", update.UpdateID, "error", err)
				}
			}
			if err := in.repo.TelegramOffset().Advance(ctx, in.db, in.botName, offset); err != nil {
				in.logger.Error("failed to persist offset", "offset", offset, "error", err)
			}
		}
	}
}

func (in *Ingestor) handleMessage(ctx context.Context, msg *Message) error {
	if msg.From == nil {
		return nil
	}
	// Photos and link codes belong in private chats only.
	if msg.Chat.Type != "private" {
		return nil
	}

	if strings.HasPrefix(msg.Text, "/") {
		return in.handleCommand(ctx, msg)
	}
	if len(msg.Photo) > 0 || msg.Document != nil {
		return in.handleUpload(ctx, msg)
	}
	return nil
}

func (in *Ingestor) handleCommand(ctx context.Context, msg *Message) error {
	command := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(command, "/start"):
		return in.bot.SendMessage(ctx, msg.Chat.ID,
			"Link your account with /link <code> (get the code from the exam page), then send photos of your work.")
	case strings.HasPrefix(command, "/link"):
		return in.handleLink(ctx, msg, command)
	case strings.HasPrefix(command, "/unlink"):
		if err := in.repo.TelegramLink().Delete(ctx, in.db, msg.From.ID); err != nil {
			return fmt.Errorf("failed to delete link: %w", err)
		}
		return in.bot.SendMessage(ctx, msg.Chat.ID, "Your account has been unlinked.")
	default:
		return in.bot.SendMessage(ctx, msg.Chat.ID, "Unknown command. Available: /start, /link <code>, /unlink")
	}
}

// handleLink redeems a one-time code issued by the web app. The code
// maps to the student's ID in Redis and is consumed on use.
func (in *Ingestor) handleLink(ctx context.Context, msg *Message, command string) error {
	parts := strings.Fields(command)
	if len(parts) < 2 {
		return in.bot.SendMessage(ctx, msg.Chat.ID, "Usage: /link <code>")
	}

	studentID, err := in.redisClient.GetDel(ctx, linkCodeKeyPrefix+parts[1]).Result()
	if err == redis.Nil {
		return in.bot.SendMessage(ctx, msg.Chat.ID, "That code is invalid or expired. Request a new one from the exam page.")
	}
	if err != nil {
		return fmt.Errorf("failed to redeem link code: %w", err)
	}

	now := time.Now()
	link := &models.TelegramLink{
		TelegramUserID: msg.From.ID,
		StudentID:      studentID,
		LinkedAt:       now,
		LastSeenAt:     now,
	}
	if msg.From.Username != "" {
		link.TelegramUsername = &msg.From.Username
	}
	if msg.From.FirstName != "" {
		link.TelegramFirstName = &msg.From.FirstName
	}
	if err := in.repo.TelegramLink().Upsert(ctx, in.db, link); err != nil {
		return fmt.Errorf("failed to save link: %w", err)
	}

	in.logger.Info("Telegram account linked", "telegram_user_id", msg.From.ID, "student_id", studentID)
	return in.bot.SendMessage(ctx, msg.Chat.ID, "Account linked. You can now send photos of your work.")
}

func (in *Ingestor) handleUpload(ctx context.Context, msg *Message) error {
	link, err := in.repo.TelegramLink().GetByTelegramUserID(ctx, in.db, msg.From.ID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return in.bot.SendMessage(ctx, msg.Chat.ID, "Link your account first: /link <code>")
		}
		return fmt.Errorf("failed to load link: %w", err)
	}
	if err := in.repo.TelegramLink().TouchLastSeen(ctx, in.db, msg.From.ID, time.Now()); err != nil {
		in.logger.Warn("failed to touch link", "telegram_user_id", msg.From.ID, "error", err)
	}

	session, err := in.repo.Session().GetActiveByStudent(ctx, in.db, link.StudentID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return in.bot.SendMessage(ctx, msg.Chat.ID, "No active exam session. Start your exam on the website first.")
		}
		return fmt.Errorf("failed to find active session: %w", err)
	}

	fileID, filename, contentType := extractFilePayload(msg)
	if fileID == "" {
		return nil
	}

	data, err := in.bot.DownloadFile(ctx, fileID)
	if err != nil {
		in.logger.Error("failed to download file", "file_id", fileID, "error", err)
		return in.bot.SendMessage(ctx, msg.Chat.ID, "Could not download that file, please try again.")
	}

	image, err := in.uploadService.UploadImage(ctx, &services.UploadImageInput{
		SessionID:   session.ID,
		StudentID:   link.StudentID,
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
		Source:      models.UploadSourceTelegram,
	})
	if err != nil {
		in.logger.Warn("Telegram upload rejected",
			"session_id", session.ID, "student_id", link.StudentID, "error", err)
		return in.bot.SendMessage(ctx, msg.Chat.ID, uploadErrorReply(err))
	}

	in.logger.Info("Telegram page uploaded",
		"session_id", session.ID, "image_id", image.ID, "order_index", image.OrderIndex)
	return in.bot.SendMessage(ctx, msg.Chat.ID,
		fmt.Sprintf("Page %d uploaded.", image.OrderIndex+1))
}

// extractFilePayload picks the largest photo rendition, or the document
// when the student sent the image as a file.
func extractFilePayload(msg *Message) (fileID, filename, contentType string) {
	if len(msg.Photo) > 0 {
		best := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.Width*p.Height > best.Width*best.Height {
				best = p
			}
		}
		return best.FileID, fmt.Sprintf("photo_%s.jpg", best.FileID), "image/jpeg"
	}
	if msg.Document != nil {
		name := msg.Document.FileName
		if name == "" {
			name = "document_" + msg.Document.FileID
		}
		return msg.Document.FileID, name, msg.Document.MimeType
	}
	return "", "", ""
}

func uploadErrorReply(err error) string {
	switch {
	case errors.Is(err, services.ErrImageLimitReached):
		return "Page limit reached for this submission."
	case errors.Is(err, services.ErrUploadTooLarge):
		return "That file is too large."
	case errors.Is(err, services.ErrUnsupportedImageType):
		return "Only JPEG, PNG and WebP images are accepted."
	case errors.Is(err, services.ErrSessionNotActive):
		return "Your session has already been submitted."
	default:
		return "Upload failed, please try again."
	}
}
