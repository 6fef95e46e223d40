package model

import (
	"strings"
	"time"
)

// RecurrenceKind classifies how often a task definition repeats.
type RecurrenceKind string

const (
	RecurDaily  RecurrenceKind = "daily"
	RecurWeekly RecurrenceKind = "weekly"
	RecurOnce   RecurrenceKind = "once"
)

// WeekdaySet is a bitmask of weekdays, bit 0 = Monday .. bit 6 = Sunday.
type WeekdaySet uint8

// AllWeekdays has every day set; used for daily recurrence.
const AllWeekdays WeekdaySet = 0x7F

// WeekdayIndex maps time.Weekday (Sunday=0) to the Monday-based index.
func WeekdayIndex(w time.Weekday) int {
	return (int(w) + 6) % 7
}

func (s WeekdaySet) Has(day int) bool {
	if day < 0 || day > 6 {
		return false
	}
	return s&(1<<uint(day)) != 0
}

func (s WeekdaySet) With(day int) WeekdaySet {
	if day < 0 || day > 6 {
		return s
	}
	return s | (1 << uint(day))
}

func (s WeekdaySet) Without(day int) WeekdaySet {
	if day < 0 || day > 6 {
		return s
	}
	return s &^ (1 << uint(day))
}

func (s WeekdaySet) Empty() bool {
	return s&AllWeekdays == 0
}

// Days lists the set weekdays in Monday-first order.
func (s WeekdaySet) Days() []int {
	var days []int
	for d := 0; d < 7; d++ {
		if s.Has(d) {
			days = append(days, d)
		}
	}
	return days
}

var weekdayShortNames = [7]string{"Пн", "Вт", "Ср", "Чт", "Пт", "Сб", "Вс"}

// WeekdayShortName returns the short Russian label for a Monday-based index.
func WeekdayShortName(day int) string {
	if day < 0 || day > 6 {
		return "?"
	}
	return weekdayShortNames[day]
}

func (s WeekdaySet) String() string {
	if s&AllWeekdays == AllWeekdays {
		return "ежедневно"
	}
	var parts []string
	for _, d := range s.Days() {
		parts = append(parts, weekdayShortNames[d])
	}
	return strings.Join(parts, ", ")
}

// TaskDefinition describes a recurring or one-time task owned by one user.
// Deactivated definitions are kept so historical occurrences stay valid.
type TaskDefinition struct {
	ID         uint `gorm:"primaryKey"`
	UserID     uint `gorm:"index"`
	Name       string
	Recurrence RecurrenceKind
	Weekdays   WeekdaySet
	OnceDate   string // "2006-01-02", one-time kind only
	RemindAt   string // "HH:MM"
	CheckAt    string // "HH:MM"
	Project    string
	Active     bool `gorm:"default:true;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
