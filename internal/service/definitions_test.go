package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/r2d2a2a/capsula-assist/internal/model"
	"github.com/r2d2a2a/capsula-assist/internal/repository"
	"github.com/r2d2a2a/capsula-assist/internal/schedule"
)

type plannerEnv struct {
	users   *repository.UserRepository
	defs    *repository.DefinitionRepository
	occs    *repository.OccurrenceRepository
	sched   *schedule.Scheduler
	outbox  *fakeOutbox
	planner *PlannerService
	svc     *DefinitionService
}

func newPlannerEnv(t *testing.T, maxActive int) *plannerEnv {
	t.Helper()
	db, err := repository.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	env := &plannerEnv{
		users:  repository.NewUserRepository(db),
		defs:   repository.NewDefinitionRepository(db),
		occs:   repository.NewOccurrenceRepository(db),
		sched:  schedule.NewScheduler(zap.NewNop()),
		outbox: &fakeOutbox{},
	}
	delivery := NewDeliveryService(env.occs, env.outbox, zap.NewNop())
	reports := NewReportService(env.defs, env.occs, repository.NewReportRepository(db), env.outbox, zap.NewNop())
	env.planner = NewPlannerService(env.defs, env.sched, delivery, reports, ReportTimes{
		Daily:      schedule.TimeOfDay{Hour: 22},
		WeeklyDay:  6,
		Weekly:     schedule.TimeOfDay{Hour: 22, Minute: 30},
		SnoozeWait: 30 * time.Minute,
	}, zap.NewNop())
	env.svc = NewDefinitionService(env.defs, env.planner, maxActive)
	return env
}

func (e *plannerEnv) newUser(t *testing.T) model.User {
	t.Helper()
	user, err := e.users.UpsertFromTelegram(context.Background(), 100, "Анна", "anna", "Europe/Moscow")
	require.NoError(t, err)
	return *user
}

func dailyInput(name string) DefinitionInput {
	return DefinitionInput{
		Name:       name,
		Recurrence: model.RecurDaily,
		RemindAt:   "09:00",
		CheckAt:    "21:00",
	}
}

func TestValidate(t *testing.T) {
	env := newPlannerEnv(t, 10)
	loc := time.UTC

	cases := []struct {
		name  string
		input DefinitionInput
		want  error
	}{
		{"empty name", DefinitionInput{Recurrence: model.RecurDaily, RemindAt: "09:00", CheckAt: "21:00"}, ErrEmptyName},
		{"weekly without days", DefinitionInput{Name: "Спорт", Recurrence: model.RecurWeekly, RemindAt: "09:00", CheckAt: "21:00"}, ErrEmptyWeekdays},
		{"bad once date", DefinitionInput{Name: "Врач", Recurrence: model.RecurOnce, OnceDate: "03.06.2025", RemindAt: "09:00", CheckAt: "21:00"}, ErrBadDate},
		{"past once date", DefinitionInput{Name: "Врач", Recurrence: model.RecurOnce, OnceDate: "2020-01-01", RemindAt: "09:00", CheckAt: "21:00"}, ErrPastDate},
		{"unknown recurrence", DefinitionInput{Name: "Спорт", Recurrence: model.RecurrenceKind("monthly"), RemindAt: "09:00", CheckAt: "21:00"}, ErrBadRecurrence},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := env.svc.Validate(c.input, loc)
			assert.ErrorIs(t, err, c.want)
		})
	}

	t.Run("bad reminder time", func(t *testing.T) {
		input := dailyInput("Спорт")
		input.RemindAt = "9am"
		_, err := env.svc.Validate(input, loc)
		assert.Error(t, err)
	})

	t.Run("check before reminder warns but passes", func(t *testing.T) {
		input := dailyInput("Спорт")
		input.RemindAt = "21:00"
		input.CheckAt = "09:00"
		warning, err := env.svc.Validate(input, loc)
		require.NoError(t, err)
		assert.Equal(t, WarnCheckBeforeReminder, warning)
	})

	t.Run("valid daily has no warning", func(t *testing.T) {
		warning, err := env.svc.Validate(dailyInput("Спорт"), loc)
		require.NoError(t, err)
		assert.Empty(t, warning)
	})
}

func TestCreateDailySchedulesAllWeekdays(t *testing.T) {
	env := newPlannerEnv(t, 10)
	user := env.newUser(t)

	def, warning, err := env.svc.Create(context.Background(), user, dailyInput("Медитация"))
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.Equal(t, model.AllWeekdays, def.Weekdays)

	// One reminder and one check job per weekday.
	assert.Equal(t, 14, env.sched.PendingForOwner(user.TelegramID))
}

func TestCreateEnforcesActiveCap(t *testing.T) {
	env := newPlannerEnv(t, 2)
	user := env.newUser(t)
	ctx := context.Background()

	_, _, err := env.svc.Create(ctx, user, dailyInput("Первая"))
	require.NoError(t, err)
	_, _, err = env.svc.Create(ctx, user, dailyInput("Вторая"))
	require.NoError(t, err)

	_, _, err = env.svc.Create(ctx, user, dailyInput("Третья"))
	assert.ErrorIs(t, err, ErrTooManyTasks)

	// Deactivating one frees a slot.
	defs, err := env.svc.ListActive(ctx, user)
	require.NoError(t, err)
	_, err = env.svc.Deactivate(ctx, user, defs[0].ID)
	require.NoError(t, err)

	_, _, err = env.svc.Create(ctx, user, dailyInput("Третья"))
	assert.NoError(t, err)
}

func TestEditSwapsJobsAtomically(t *testing.T) {
	env := newPlannerEnv(t, 10)
	user := env.newUser(t)
	ctx := context.Background()

	input := DefinitionInput{
		Name:       "Спортзал",
		Recurrence: model.RecurWeekly,
		Weekdays:   model.WeekdaySet(0).With(0).With(2), // Mon, Wed
		RemindAt:   "18:00",
		CheckAt:    "21:00",
	}
	def, _, err := env.svc.Create(ctx, user, input)
	require.NoError(t, err)
	assert.Equal(t, 4, env.sched.PendingForOwner(user.TelegramID))

	input.Weekdays = model.WeekdaySet(0).With(5) // Sat only
	_, _, err = env.svc.Edit(ctx, user, def.ID, input)
	require.NoError(t, err)

	assert.Equal(t, 2, env.sched.PendingForOwner(user.TelegramID))
	assert.False(t, env.sched.Has(schedule.JobKey{
		Kind: schedule.KindReminder, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: 0}),
		"Monday job must be gone after the edit")
	assert.True(t, env.sched.Has(schedule.JobKey{
		Kind: schedule.KindReminder, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: 5}))
}

func TestDeactivateCancelsJobs(t *testing.T) {
	env := newPlannerEnv(t, 10)
	user := env.newUser(t)
	ctx := context.Background()

	def, _, err := env.svc.Create(ctx, user, dailyInput("Медитация"))
	require.NoError(t, err)
	require.NotZero(t, env.sched.PendingForOwner(user.TelegramID))

	_, err = env.svc.Deactivate(ctx, user, def.ID)
	require.NoError(t, err)

	assert.Zero(t, env.sched.PendingForOwner(user.TelegramID))

	count, err := env.defs.CountActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCreateOneTimeSchedulesOneShots(t *testing.T) {
	env := newPlannerEnv(t, 10)
	user := env.newUser(t)

	loc, err := schedule.ParseTimezone(user.Timezone)
	require.NoError(t, err)
	tomorrow := time.Now().In(loc).AddDate(0, 0, 1).Format(schedule.DateLayout)

	input := DefinitionInput{
		Name:       "Врач",
		Recurrence: model.RecurOnce,
		OnceDate:   tomorrow,
		RemindAt:   "12:00",
		CheckAt:    "18:00",
	}
	def, _, err := env.svc.Create(context.Background(), user, input)
	require.NoError(t, err)

	assert.Equal(t, 2, env.sched.PendingForOwner(user.TelegramID))
	assert.True(t, env.sched.Has(schedule.JobKey{
		Kind: schedule.KindReminder, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: -1}))
}

func TestScheduleUserIncludesReports(t *testing.T) {
	env := newPlannerEnv(t, 10)
	user := env.newUser(t)
	ctx := context.Background()

	_, _, err := env.svc.Create(ctx, user, dailyInput("Медитация"))
	require.NoError(t, err)

	env.sched.CancelOwner(user.TelegramID)
	require.NoError(t, env.planner.ScheduleUser(ctx, user))

	// 14 definition jobs plus the daily and weekly report jobs.
	assert.Equal(t, 16, env.sched.PendingForOwner(user.TelegramID))
	assert.True(t, env.sched.Has(schedule.JobKey{
		Kind: schedule.KindDailyReport, ChatID: user.TelegramID, Weekday: -1}))
	assert.True(t, env.sched.Has(schedule.JobKey{
		Kind: schedule.KindWeeklyReport, ChatID: user.TelegramID, Weekday: 6}))
}

func TestScheduleUserSkipsDisabled(t *testing.T) {
	env := newPlannerEnv(t, 10)
	user := env.newUser(t)
	ctx := context.Background()

	_, _, err := env.svc.Create(ctx, user, dailyInput("Медитация"))
	require.NoError(t, err)
	env.sched.CancelOwner(user.TelegramID)

	user.RemindersOn = false
	require.NoError(t, env.planner.ScheduleUser(ctx, user))

	assert.Zero(t, env.sched.PendingForOwner(user.TelegramID))
}

func TestDisableUserDropsOnlyTheirJobs(t *testing.T) {
	env := newPlannerEnv(t, 10)
	user := env.newUser(t)
	ctx := context.Background()

	other, err := env.users.UpsertFromTelegram(ctx, 200, "Борис", "boris", "UTC")
	require.NoError(t, err)

	_, _, err = env.svc.Create(ctx, user, dailyInput("Медитация"))
	require.NoError(t, err)
	_, _, err = env.svc.Create(ctx, *other, dailyInput("Чтение"))
	require.NoError(t, err)

	env.planner.DisableUser(user)

	assert.Zero(t, env.sched.PendingForOwner(user.TelegramID))
	assert.Equal(t, 14, env.sched.PendingForOwner(other.TelegramID))
}

func TestSpentOneTimeDefinitionDeactivated(t *testing.T) {
	env := newPlannerEnv(t, 10)
	user := env.newUser(t)
	ctx := context.Background()

	// Inserted directly: the wizard would reject a past date, but rows like
	// this accumulate while the process is down.
	def := model.TaskDefinition{
		UserID:     user.ID,
		Name:       "Врач",
		Recurrence: model.RecurOnce,
		OnceDate:   "2020-01-01",
		RemindAt:   "12:00",
		CheckAt:    "18:00",
		Active:     true,
	}
	require.NoError(t, env.defs.Create(ctx, &def))

	require.NoError(t, env.planner.ScheduleUser(ctx, user))

	count, err := env.defs.CountActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "a spent one-time definition stops counting against the cap")

	// Only the report jobs remain.
	assert.Equal(t, 2, env.sched.PendingForOwner(user.TelegramID))
}

func TestSnoozeReplacesPending(t *testing.T) {
	env := newPlannerEnv(t, 10)
	user := env.newUser(t)

	def, _, err := env.svc.Create(context.Background(), user, dailyInput("Медитация"))
	require.NoError(t, err)
	before := env.sched.PendingForOwner(user.TelegramID)

	first := env.planner.Snooze(user, *def, "2025-06-03")
	second := env.planner.Snooze(user, *def, "2025-06-03")

	assert.True(t, second.After(first) || second.Equal(first))
	// Two snoozes in a row hold a single pending one-shot.
	assert.Equal(t, before+1, env.sched.PendingForOwner(user.TelegramID))
	assert.True(t, env.sched.Has(schedule.JobKey{
		Kind: schedule.KindSnooze, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: -1}))
}
