package models

import "time"

// TelegramOffset persists the last consumed bot update offset so the
// ingestor survives restarts without re-handling updates.
type TelegramOffset struct {
	BotName      string    `json:"bot_name" gorm:"primaryKey;size:100"`
	UpdateOffset int64     `json:"update_offset" gorm:"not null"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TelegramLink binds a Telegram account to a student. One Telegram
// account maps to at most one student at a time.
type TelegramLink struct {
	TelegramUserID    int64   `json:"telegram_user_id" gorm:"primaryKey"`
	StudentID         string  `json:"student_id" gorm:"not null;index;size:255"`
	TelegramUsername  *string `json:"telegram_username" gorm:"size:255"`
	TelegramFirstName *string `json:"telegram_first_name" gorm:"size:255"`

	LinkedAt   time.Time `json:"linked_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
