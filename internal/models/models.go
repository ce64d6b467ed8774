package models

import "time"

// Member is one admitted user in one chat. At most one row per
// (chat_id, user_id); the email is stored normalized (lowercase, trimmed).
type Member struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ChatID   int64  `gorm:"uniqueIndex:idx_members_chat_user"`
	UserID   int64  `gorm:"uniqueIndex:idx_members_chat_user"`
	Email    string `gorm:"index"`
	GroupKey string
}

// ScheduledNotification is one deferred message to an evicted user.
// Rows are never deleted; Delivered flips exactly once. The auto-increment
// ID doubles as creation order for the dispatcher's drain.
type ScheduledNotification struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	UserID      int64
	ChatID      int64
	TemplateKey string
	DueDate     string `gorm:"index"` // YYYY-MM-DD in the configured timezone
	Delivered   bool   `gorm:"default:false"`
	DeliveredAt *time.Time
}
