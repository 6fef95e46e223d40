package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/r2d2a2a/capsula-assist/internal/model"
)

const (
	// DateLayout is the calendar-day format used across occurrences and reports.
	DateLayout = "2006-01-02"
	// offsetPrefix marks a fixed UTC offset zone spec, e.g. "offset:180".
	offsetPrefix = "offset:"
)

// TimeOfDay is a whole-minute wall-clock time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// At anchors the time of day on the calendar day of ref, in loc.
// Seconds are normalized to zero.
func (t TimeOfDay) At(ref time.Time, loc *time.Location) time.Time {
	local := ref.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// ParseTimeOfDay parses an "HH:MM" string.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", raw)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// ParseTimezone resolves either an IANA zone name or a fixed offset spec
// of the form "offset:<minutes>". Both yield a *time.Location, so callers
// convert wall-clock times to absolute instants the same way regardless of
// how the user declared their zone.
func ParseTimezone(spec string) (*time.Location, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty timezone")
	}
	if strings.HasPrefix(spec, offsetPrefix) {
		minutes, err := strconv.Atoi(strings.TrimPrefix(spec, offsetPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid offset in %q", spec)
		}
		if minutes < -14*60 || minutes > 14*60 {
			return nil, fmt.Errorf("offset %d minutes out of range", minutes)
		}
		name := fmt.Sprintf("UTC%+03d:%02d", minutes/60, abs(minutes%60))
		return time.FixedZone(name, minutes*60), nil
	}
	loc, err := time.LoadLocation(spec)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", spec, err)
	}
	return loc, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// FormatDate renders t as a calendar day in its own location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// effectiveWeekdays treats daily recurrence as the full weekday set.
func effectiveWeekdays(def model.TaskDefinition) model.WeekdaySet {
	if def.Recurrence == model.RecurDaily {
		return model.AllWeekdays
	}
	return def.Weekdays
}

// OccursOn reports whether the definition has an occurrence on the calendar
// day of ref (interpreted in loc).
func OccursOn(def model.TaskDefinition, ref time.Time, loc *time.Location) bool {
	local := ref.In(loc)
	switch def.Recurrence {
	case model.RecurOnce:
		return def.OnceDate == local.Format(DateLayout)
	case model.RecurDaily:
		return true
	case model.RecurWeekly:
		return def.Weekdays.Has(model.WeekdayIndex(local.Weekday()))
	default:
		return false
	}
}

// NextReminder resolves the next absolute instant at which the reminder for
// def should fire, strictly after now. ok=false means no further occurrence
// exists: a spent one-time definition, an empty weekly day-set, or a
// malformed stored time.
func NextReminder(def model.TaskDefinition, loc *time.Location, now time.Time) (time.Time, bool) {
	return next(def, def.RemindAt, loc, now)
}

// NextCheck is NextReminder for the completion-check time of day.
func NextCheck(def model.TaskDefinition, loc *time.Location, now time.Time) (time.Time, bool) {
	return next(def, def.CheckAt, loc, now)
}

func next(def model.TaskDefinition, at string, loc *time.Location, now time.Time) (time.Time, bool) {
	tod, err := ParseTimeOfDay(at)
	if err != nil {
		return time.Time{}, false
	}

	if def.Recurrence == model.RecurOnce {
		day, err := time.ParseInLocation(DateLayout, def.OnceDate, loc)
		if err != nil {
			return time.Time{}, false
		}
		instant := tod.At(day, loc)
		if !instant.After(now) {
			return time.Time{}, false
		}
		return instant, true
	}

	set := effectiveWeekdays(def)
	if set.Empty() {
		return time.Time{}, false
	}

	// Scan from today up to one full week ahead; the bound guarantees
	// termination even for day-sets the wizard should have rejected.
	for offset := 0; offset <= 7; offset++ {
		day := now.In(loc).AddDate(0, 0, offset)
		if !set.Has(model.WeekdayIndex(day.Weekday())) {
			continue
		}
		instant := tod.At(day, loc)
		if instant.After(now) {
			return instant, true
		}
	}
	return time.Time{}, false
}
