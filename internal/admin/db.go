package admin

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// --- GORM Models ---

// User represents an admin user.
type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Password  string    `gorm:"not null" json:"-"` // bcrypt hash
	Role      string    `gorm:"default:admin" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// HandshakeEvent journals one tunnel lifecycle event.
type HandshakeEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Peer      string    `gorm:"index" json:"peer"`
	Type      string    `gorm:"not null" json:"type"`
	SessionID uint32    `json:"session_id"`
	At        time.Time `gorm:"index" json:"at"`
}

// TrafficSample journals periodic per-peer transfer counters.
type TrafficSample struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	Peer        string    `gorm:"index" json:"peer"`
	SessionID   uint32    `json:"session_id"`
	SendCounter uint64    `json:"send_counter"`
	At          time.Time `gorm:"index" json:"at"`
}

// InitDB initializes the database connection and runs migrations.
func InitDB(dsn string) (*gorm.DB, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return nil, fmt.Errorf("unsupported database DSN: %s (only sqlite:// supported)", dsn)
	}
	dbPath := strings.TrimPrefix(dsn, "sqlite://")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&User{}, &HandshakeEvent{}, &TrafficSample{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}
