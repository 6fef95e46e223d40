package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/r2d2a2a/capsula-assist/internal/model"
	"github.com/r2d2a2a/capsula-assist/internal/repository"
)

func TestCompletionRate(t *testing.T) {
	cases := []struct {
		completed, total int
		want             float64
	}{
		{0, 0, 0},
		{5, 0, 0},
		{0, 4, 0},
		{3, 4, 75.0},
		{1, 3, 33.3},
		{2, 3, 66.7},
		{7, 7, 100.0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CompletionRate(c.completed, c.total), "%d/%d", c.completed, c.total)
	}
}

type reportEnv struct {
	db      *gorm.DB
	users   *repository.UserRepository
	defs    *repository.DefinitionRepository
	occs    *repository.OccurrenceRepository
	outbox  *fakeOutbox
	reports *ReportService
}

func newReportEnv(t *testing.T) *reportEnv {
	t.Helper()
	db, err := repository.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	env := &reportEnv{
		db:     db,
		users:  repository.NewUserRepository(db),
		defs:   repository.NewDefinitionRepository(db),
		occs:   repository.NewOccurrenceRepository(db),
		outbox: &fakeOutbox{},
	}
	env.reports = NewReportService(env.defs, env.occs, repository.NewReportRepository(db), env.outbox, zap.NewNop())
	return env
}

func (e *reportEnv) newUser(t *testing.T, timezone string) model.User {
	t.Helper()
	user, err := e.users.UpsertFromTelegram(context.Background(), 100, "Анна", "anna", timezone)
	require.NoError(t, err)
	return *user
}

func (e *reportEnv) newDef(t *testing.T, userID uint, name string) model.TaskDefinition {
	t.Helper()
	def := model.TaskDefinition{
		UserID:     userID,
		Name:       name,
		Recurrence: model.RecurDaily,
		Weekdays:   model.AllWeekdays,
		RemindAt:   "09:00",
		CheckAt:    "21:00",
		Active:     true,
	}
	require.NoError(t, e.defs.Create(context.Background(), &def))
	return def
}

func (e *reportEnv) answer(t *testing.T, userID, defID uint, date string, completed bool) {
	t.Helper()
	key := repository.OccurrenceKey{UserID: userID, DefinitionID: defID, Date: date}
	require.NoError(t, e.occs.SetCompleted(context.Background(), key, completed, time.Now()))
}

func TestStats(t *testing.T) {
	env := newReportEnv(t)
	user := env.newUser(t, "UTC")
	def := env.newDef(t, user.ID, "Медитация")
	other := env.newDef(t, user.ID, "Чтение")

	env.answer(t, user.ID, def.ID, "2025-06-03", true)
	env.answer(t, user.ID, other.ID, "2025-06-03", false)

	stats, err := env.reports.Stats(context.Background(), user.ID, "2025-06-03", "2025-06-03")
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Completed: 1, Rate: 50.0}, stats)
}

func TestBuildDaily(t *testing.T) {
	env := newReportEnv(t)
	user := env.newUser(t, "UTC")
	meditate := env.newDef(t, user.ID, "Медитация")
	read := env.newDef(t, user.ID, "Чтение")

	now := time.Date(2025, 6, 3, 23, 0, 0, 0, time.UTC)
	env.answer(t, user.ID, meditate.ID, "2025-06-03", true)
	// The second task only got its reminder; no answer recorded.
	_, err := env.occs.AcquireReminderLock(context.Background(),
		repository.OccurrenceKey{UserID: user.ID, DefinitionID: read.ID, Date: "2025-06-03"})
	require.NoError(t, err)

	report, err := env.reports.BuildDaily(context.Background(), user, now)
	require.NoError(t, err)

	assert.Equal(t, "2025-06-03", report.Date)
	assert.Equal(t, Stats{Total: 2, Completed: 1, Rate: 50.0}, report.Stats)
	require.Len(t, report.Lines, 2)
	assert.Equal(t, "Медитация", report.Lines[0].Name)
	require.NotNil(t, report.Lines[0].Completed)
	assert.True(t, *report.Lines[0].Completed)
	assert.Equal(t, "Чтение", report.Lines[1].Name)
	assert.Nil(t, report.Lines[1].Completed, "an unanswered task stays pending, not failed")
}

func TestBuildDaily_RespectsUserZone(t *testing.T) {
	env := newReportEnv(t)
	user := env.newUser(t, "offset:180")
	def := env.newDef(t, user.ID, "Медитация")

	// 22:30 UTC is already the next calendar day in UTC+3.
	now := time.Date(2025, 6, 3, 22, 30, 0, 0, time.UTC)
	env.answer(t, user.ID, def.ID, "2025-06-04", true)

	report, err := env.reports.BuildDaily(context.Background(), user, now)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-04", report.Date)
	assert.Equal(t, 1, report.Stats.Total)
}

func TestBuildWeekly(t *testing.T) {
	env := newReportEnv(t)
	user := env.newUser(t, "UTC")
	meditate := env.newDef(t, user.ID, "Медитация")
	read := env.newDef(t, user.ID, "Чтение")

	// Wednesday; the week under report started Monday 2025-06-02.
	now := time.Date(2025, 6, 4, 23, 0, 0, 0, time.UTC)

	env.answer(t, user.ID, meditate.ID, "2025-06-02", true)
	env.answer(t, user.ID, meditate.ID, "2025-06-03", true)
	env.answer(t, user.ID, read.ID, "2025-06-03", false)
	require.NoError(t, env.occs.SetComment(context.Background(),
		repository.OccurrenceKey{UserID: user.ID, DefinitionID: read.ID, Date: "2025-06-03"},
		"не было сил"))
	env.answer(t, user.ID, meditate.ID, "2025-06-04", true)
	// Sunday of the previous week must stay out of the window.
	env.answer(t, user.ID, meditate.ID, "2025-06-01", true)

	report, err := env.reports.BuildWeekly(context.Background(), user, now)
	require.NoError(t, err)

	assert.Equal(t, "2025-06-02", report.Start)
	assert.Equal(t, "2025-06-04", report.End)
	assert.Equal(t, Stats{Total: 4, Completed: 3, Rate: 75.0}, report.Stats)

	require.Len(t, report.Days, 3)
	assert.Equal(t, DayStat{Date: "2025-06-02", Total: 1, Completed: 1}, report.Days[0])
	assert.Equal(t, DayStat{Date: "2025-06-03", Total: 2, Completed: 1}, report.Days[1])
	assert.Equal(t, DayStat{Date: "2025-06-04", Total: 1, Completed: 1}, report.Days[2])

	require.Len(t, report.Comments, 1)
	assert.Equal(t, OccurrenceComment{Date: "2025-06-03", TaskName: "Чтение", Text: "не было сил"}, report.Comments[0])
}

func TestSendDailyPersistsAuditRow(t *testing.T) {
	env := newReportEnv(t)
	user := env.newUser(t, "UTC")
	def := env.newDef(t, user.ID, "Медитация")

	now := time.Date(2025, 6, 3, 22, 0, 0, 0, time.UTC)
	env.answer(t, user.ID, def.ID, "2025-06-03", true)

	require.NoError(t, env.reports.SendDaily(context.Background(), user, now))

	require.Len(t, env.outbox.daily, 1)
	assert.Equal(t, "2025-06-03", env.outbox.daily[0].Date)

	var saved model.Report
	require.NoError(t, env.db.Where("user_id = ? AND kind = ?", user.ID, model.ReportDaily).First(&saved).Error)
	assert.Equal(t, "2025-06-03", saved.PeriodStart)
	assert.Equal(t, 1, saved.TotalTasks)
	assert.Equal(t, 1, saved.CompletedTasks)
	assert.Equal(t, 100.0, saved.CompletionRate)
}

func TestSendWeeklyDeliversPayload(t *testing.T) {
	env := newReportEnv(t)
	user := env.newUser(t, "UTC")
	def := env.newDef(t, user.ID, "Медитация")

	now := time.Date(2025, 6, 4, 22, 30, 0, 0, time.UTC)
	env.answer(t, user.ID, def.ID, "2025-06-03", true)

	require.NoError(t, env.reports.SendWeekly(context.Background(), user, now))

	require.Len(t, env.outbox.weekly, 1)
	assert.Equal(t, "2025-06-02", env.outbox.weekly[0].Start)
	assert.Equal(t, 100.0, env.outbox.weekly[0].Stats.Rate)
}
