package db

import (
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coursegate/accessbot/internal/models"
)

var conn *gorm.DB

func Init(path string) error {
	var err error
	conn, err = gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return err
	}

	// SQLite works best with a single writer; cap the pool accordingly.
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := conn.AutoMigrate(
		&models.Member{},
		&models.ScheduledNotification{},
	); err != nil {
		return err
	}

	// Composite index GORM doesn't auto-create from struct tags: the
	// dispatcher drains by (delivered, due_date) every run.
	conn.Exec("CREATE INDEX IF NOT EXISTS idx_notifications_due ON scheduled_notifications(delivered, due_date)")

	log.Println("database ready (sqlite)")
	return nil
}

func Conn() *gorm.DB {
	return conn
}
