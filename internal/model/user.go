package model

import "time"

// User stores Telegram user metadata and scheduling preferences.
type User struct {
	ID          uint  `gorm:"primaryKey"`
	TelegramID  int64 `gorm:"uniqueIndex"`
	FirstName   string
	Username    string
	Timezone    string // IANA name or "offset:<minutes>"
	RemindersOn bool   `gorm:"default:true"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
