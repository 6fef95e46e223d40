package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/r2d2a2a/capsula-assist/internal/model"
	"github.com/r2d2a2a/capsula-assist/internal/repository"
	"github.com/r2d2a2a/capsula-assist/internal/schedule"
)

// Validation errors surfaced to the wizard as rejection reasons. They never
// reach the scheduler.
var (
	ErrEmptyName     = errors.New("название задачи не может быть пустым")
	ErrBadRecurrence = errors.New("неизвестный тип повторения")
	ErrEmptyWeekdays = errors.New("для еженедельной задачи нужен хотя бы один день недели")
	ErrBadDate       = errors.New("дата должна быть в формате 2006-01-02")
	ErrPastDate      = errors.New("дата разовой задачи уже прошла")
	ErrTooManyTasks  = errors.New("достигнут лимит активных задач")
)

// WarnCheckBeforeReminder is returned alongside a successful save when the
// completion-check time is not after the reminder time. The order is
// allowed; the user just gets told.
const WarnCheckBeforeReminder = "⚠️ Время проверки не позже времени напоминания — проверка придёт раньше самого напоминания."

// DefinitionInput is the wizard's output for creating or editing a task
// definition.
type DefinitionInput struct {
	Name       string
	Recurrence model.RecurrenceKind
	Weekdays   model.WeekdaySet
	OnceDate   string
	RemindAt   string
	CheckAt    string
	Project    string
}

// DefinitionService validates wizard input and owns the definition
// lifecycle; every mutation reschedules the affected jobs through the
// planner.
type DefinitionService struct {
	defs      *repository.DefinitionRepository
	planner   *PlannerService
	maxActive int
}

func NewDefinitionService(defs *repository.DefinitionRepository, planner *PlannerService, maxActive int) *DefinitionService {
	return &DefinitionService{defs: defs, planner: planner, maxActive: maxActive}
}

// Validate rejects malformed input and returns a non-fatal warning string
// when the check/reminder ordering looks odd.
func (s *DefinitionService) Validate(input DefinitionInput, loc *time.Location) (string, error) {
	if strings.TrimSpace(input.Name) == "" {
		return "", ErrEmptyName
	}

	remind, err := schedule.ParseTimeOfDay(input.RemindAt)
	if err != nil {
		return "", fmt.Errorf("время напоминания: %w", err)
	}
	check, err := schedule.ParseTimeOfDay(input.CheckAt)
	if err != nil {
		return "", fmt.Errorf("время проверки: %w", err)
	}

	switch input.Recurrence {
	case model.RecurDaily:
	case model.RecurWeekly:
		if input.Weekdays.Empty() {
			return "", ErrEmptyWeekdays
		}
	case model.RecurOnce:
		day, err := time.ParseInLocation(schedule.DateLayout, input.OnceDate, loc)
		if err != nil {
			return "", ErrBadDate
		}
		if remind.At(day, loc).Before(time.Now()) {
			return "", ErrPastDate
		}
	default:
		return "", ErrBadRecurrence
	}

	var warning string
	if check.Hour < remind.Hour || (check.Hour == remind.Hour && check.Minute <= remind.Minute) {
		warning = WarnCheckBeforeReminder
	}
	return warning, nil
}

// Create validates input, enforces the active-task cap, stores the
// definition and registers its jobs.
func (s *DefinitionService) Create(ctx context.Context, user model.User, input DefinitionInput) (*model.TaskDefinition, string, error) {
	loc, err := schedule.ParseTimezone(user.Timezone)
	if err != nil {
		return nil, "", fmt.Errorf("timezone: %w", err)
	}

	warning, err := s.Validate(input, loc)
	if err != nil {
		return nil, "", err
	}

	count, err := s.defs.CountActive(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	if count >= int64(s.maxActive) {
		return nil, "", fmt.Errorf("%w (%d)", ErrTooManyTasks, s.maxActive)
	}

	def := model.TaskDefinition{
		UserID:     user.ID,
		Name:       strings.TrimSpace(input.Name),
		Recurrence: input.Recurrence,
		Weekdays:   input.Weekdays,
		OnceDate:   input.OnceDate,
		RemindAt:   input.RemindAt,
		CheckAt:    input.CheckAt,
		Project:    strings.TrimSpace(input.Project),
		Active:     true,
	}
	if def.Recurrence == model.RecurDaily {
		def.Weekdays = model.AllWeekdays
	}

	if err := s.defs.Create(ctx, &def); err != nil {
		return nil, "", err
	}
	if err := s.planner.RescheduleDefinition(ctx, user, def); err != nil {
		return nil, "", err
	}
	return &def, warning, nil
}

// Edit replaces a definition's fields and atomically swaps its jobs.
func (s *DefinitionService) Edit(ctx context.Context, user model.User, defID uint, input DefinitionInput) (*model.TaskDefinition, string, error) {
	loc, err := schedule.ParseTimezone(user.Timezone)
	if err != nil {
		return nil, "", fmt.Errorf("timezone: %w", err)
	}

	warning, err := s.Validate(input, loc)
	if err != nil {
		return nil, "", err
	}

	def, err := s.defs.FindByID(ctx, user.ID, defID)
	if err != nil {
		return nil, "", err
	}

	def.Name = strings.TrimSpace(input.Name)
	def.Recurrence = input.Recurrence
	def.Weekdays = input.Weekdays
	def.OnceDate = input.OnceDate
	def.RemindAt = input.RemindAt
	def.CheckAt = input.CheckAt
	def.Project = strings.TrimSpace(input.Project)
	if def.Recurrence == model.RecurDaily {
		def.Weekdays = model.AllWeekdays
	}

	if err := s.defs.Update(ctx, def); err != nil {
		return nil, "", err
	}
	if err := s.planner.RescheduleDefinition(ctx, user, *def); err != nil {
		return nil, "", err
	}
	return def, warning, nil
}

// Deactivate soft-deletes a definition and cancels its pending jobs.
// Historical occurrences stay untouched for reports.
func (s *DefinitionService) Deactivate(ctx context.Context, user model.User, defID uint) (*model.TaskDefinition, error) {
	def, err := s.defs.FindByID(ctx, user.ID, defID)
	if err != nil {
		return nil, err
	}
	if err := s.defs.Deactivate(ctx, user.ID, defID); err != nil {
		return nil, err
	}
	def.Active = false
	if err := s.planner.RescheduleDefinition(ctx, user, *def); err != nil {
		return nil, err
	}
	return def, nil
}

// ListActive returns the user's active definitions.
func (s *DefinitionService) ListActive(ctx context.Context, user model.User) ([]model.TaskDefinition, error) {
	return s.defs.ListActive(ctx, user.ID)
}

// Get returns one of the user's definitions regardless of active flag.
func (s *DefinitionService) Get(ctx context.Context, user model.User, defID uint) (*model.TaskDefinition, error) {
	return s.defs.FindByID(ctx, user.ID, defID)
}
