package model

import "time"

// Occurrence is one calendar-day instance of a task definition. The
// composite unique index doubles as the dedup key for reminder and check
// delivery: the row is created by whichever lock is acquired first.
type Occurrence struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       uint   `gorm:"uniqueIndex:ux_occurrence_key,priority:1"`
	DefinitionID uint   `gorm:"uniqueIndex:ux_occurrence_key,priority:2"`
	Date         string `gorm:"uniqueIndex:ux_occurrence_key,priority:3"` // "2006-01-02" in the user's zone
	ReminderSent bool   `gorm:"default:false"`
	CheckSent    bool   `gorm:"default:false"`
	Completed    *bool  // nil until the user answers the check
	CompletedAt  *time.Time
	Comment      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
