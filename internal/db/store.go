package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coursegate/accessbot/internal/models"
)

var ErrNotFound = gorm.ErrRecordNotFound

// UpsertMember records an admission. Idempotent: a second call for the same
// chat+user replaces the stored email and group instead of adding a row.
func UpsertMember(chatID, userID int64, email, groupKey string) error {
	m := models.Member{
		ChatID:   chatID,
		UserID:   userID,
		Email:    email,
		GroupKey: groupKey,
	}
	return conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "group_key", "updated_at"}),
	}).Create(&m).Error
}

func RemoveMember(chatID, userID int64) error {
	return conn.Where("chat_id = ? AND user_id = ?", chatID, userID).
		Delete(&models.Member{}).Error
}

// MembersByChat returns the admitted members of one chat in admission order.
func MembersByChat(chatID int64) ([]models.Member, error) {
	var out []models.Member
	err := conn.Where("chat_id = ?", chatID).Order("id asc").Find(&out).Error
	return out, err
}

// EmailInUse reports whether email is registered to a user other than userID
// in any chat. Each email admits one person.
func EmailInUse(email string, userID int64) (bool, error) {
	var m models.Member
	err := conn.Where("email = ? AND user_id <> ?", email, userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func EnqueueNotification(userID, chatID int64, templateKey, dueDate string) error {
	n := models.ScheduledNotification{
		UserID:      userID,
		ChatID:      chatID,
		TemplateKey: templateKey,
		DueDate:     dueDate,
	}
	return conn.Create(&n).Error
}

// EvictMember deletes the member row and enqueues its eviction notification
// in one transaction. Either both happen or neither does, so an evicted
// member always has exactly one pending notification.
func EvictMember(chatID, userID int64, templateKey, dueDate string) error {
	return conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ? AND user_id = ?", chatID, userID).
			Delete(&models.Member{}).Error; err != nil {
			return err
		}
		n := models.ScheduledNotification{
			UserID:      userID,
			ChatID:      chatID,
			TemplateKey: templateKey,
			DueDate:     dueDate,
		}
		return tx.Create(&n).Error
	})
}

// DrainDue returns every undelivered notification due on or before date,
// oldest first. The stable order lets a crashed dispatcher run resume from
// where the delivered flags left off.
func DrainDue(date string) ([]models.ScheduledNotification, error) {
	var out []models.ScheduledNotification
	err := conn.Where("delivered = ? AND due_date <= ?", false, date).
		Order("id asc").Find(&out).Error
	return out, err
}

func MarkDelivered(id uint) error {
	now := time.Now()
	return conn.Model(&models.ScheduledNotification{}).Where("id = ?", id).
		Updates(map[string]any{"delivered": true, "delivered_at": &now}).Error
}
