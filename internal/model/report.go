package model

import "time"

// Report kinds.
const (
	ReportDaily  = "daily"
	ReportWeekly = "weekly"
)

// Report is an immutable audit snapshot of aggregated completion stats,
// written once at send time and never re-read by the scheduler.
type Report struct {
	ID             uint `gorm:"primaryKey"`
	UserID         uint `gorm:"index"`
	Kind           string
	PeriodStart    string // "2006-01-02"
	PeriodEnd      string
	TotalTasks     int
	CompletedTasks int
	CompletionRate float64
	CreatedAt      time.Time
}
