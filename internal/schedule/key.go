package schedule

import "fmt"

// JobKind discriminates the event a scheduled job delivers.
type JobKind int

const (
	KindReminder JobKind = iota
	KindCheck
	KindSnooze
	KindCatchUpReminder
	KindCatchUpCheck
	KindDailyReport
	KindWeeklyReport
)

func (k JobKind) String() string {
	switch k {
	case KindReminder:
		return "reminder"
	case KindCheck:
		return "check"
	case KindSnooze:
		return "snooze"
	case KindCatchUpReminder:
		return "catchup-reminder"
	case KindCatchUpCheck:
		return "catchup-check"
	case KindDailyReport:
		return "daily-report"
	case KindWeeklyReport:
		return "weekly-report"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// JobKey identifies one pending job. It is a comparable struct used
// directly as a map key; jobs are never matched by parsing strings.
// Weekday is the Monday-based index for weekly cron rules and -1 for
// one-shot or daily jobs.
type JobKey struct {
	Kind         JobKind
	ChatID       int64
	DefinitionID uint
	Weekday      int
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s/chat=%d/def=%d/day=%d", k.Kind, k.ChatID, k.DefinitionID, k.Weekday)
}
