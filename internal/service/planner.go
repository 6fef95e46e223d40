package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/r2d2a2a/capsula-assist/internal/model"
	"github.com/r2d2a2a/capsula-assist/internal/repository"
	"github.com/r2d2a2a/capsula-assist/internal/schedule"
)

const jobTimeout = 30 * time.Second

// ReportTimes carries the fixed report send times from configuration.
type ReportTimes struct {
	Daily      schedule.TimeOfDay
	WeeklyDay  int // Monday-based index
	Weekly     schedule.TimeOfDay
	SnoozeWait time.Duration
}

// PlannerService turns task definitions into pending scheduler jobs and
// keeps both sides in sync across edits, deactivation and timezone changes.
type PlannerService struct {
	defs     *repository.DefinitionRepository
	sched    *schedule.Scheduler
	delivery *DeliveryService
	reports  *ReportService
	times    ReportTimes
	log      *zap.Logger
}

func NewPlannerService(defs *repository.DefinitionRepository, sched *schedule.Scheduler, delivery *DeliveryService, reports *ReportService, times ReportTimes, log *zap.Logger) *PlannerService {
	return &PlannerService{
		defs:     defs,
		sched:    sched,
		delivery: delivery,
		reports:  reports,
		times:    times,
		log:      log,
	}
}

// ScheduleUser registers every job a user needs: reminder and check jobs
// for each active definition plus the daily and weekly report jobs. The
// user's zone drives every rule; the shared clock stays in UTC.
func (p *PlannerService) ScheduleUser(ctx context.Context, user model.User) error {
	if !user.RemindersOn {
		return nil
	}

	loc, err := schedule.ParseTimezone(user.Timezone)
	if err != nil {
		return fmt.Errorf("user %d timezone: %w", user.ID, err)
	}

	defs, err := p.defs.ListActive(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list definitions: %w", err)
	}
	for _, def := range defs {
		p.scheduleDefinition(ctx, user, def, loc)
	}

	p.scheduleReports(user, loc)
	return nil
}

// RescheduleDefinition atomically swaps a definition's jobs: old jobs are
// cancelled before new ones register, so both are never live together.
func (p *PlannerService) RescheduleDefinition(ctx context.Context, user model.User, def model.TaskDefinition) error {
	p.sched.CancelDefinition(def.ID)
	if !def.Active || !user.RemindersOn {
		return nil
	}
	loc, err := schedule.ParseTimezone(user.Timezone)
	if err != nil {
		return fmt.Errorf("user %d timezone: %w", user.ID, err)
	}
	p.scheduleDefinition(ctx, user, def, loc)
	return nil
}

// DisableUser drops every pending job owned by the chat. Other users' jobs
// and the shared clock are untouched.
func (p *PlannerService) DisableUser(user model.User) {
	p.sched.CancelOwner(user.TelegramID)
}

// Snooze schedules a one-shot re-delivery of a reminder. A pending snooze
// for the same definition is replaced, never duplicated.
func (p *PlannerService) Snooze(user model.User, def model.TaskDefinition, date string) time.Time {
	at := time.Now().Add(p.times.SnoozeWait)
	key := schedule.JobKey{Kind: schedule.KindSnooze, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: -1}
	p.sched.ScheduleOnce(key, at, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		p.delivery.FireSnoozed(ctx, user, def, date)
	})
	return at
}

func (p *PlannerService) scheduleDefinition(ctx context.Context, user model.User, def model.TaskDefinition, loc *time.Location) {
	remindAt, err := schedule.ParseTimeOfDay(def.RemindAt)
	if err != nil {
		p.log.Warn("definition has bad reminder time, skipping",
			zap.Uint("def", def.ID), zap.String("remind_at", def.RemindAt))
		return
	}
	checkAt, err := schedule.ParseTimeOfDay(def.CheckAt)
	if err != nil {
		p.log.Warn("definition has bad check time, skipping",
			zap.Uint("def", def.ID), zap.String("check_at", def.CheckAt))
		return
	}

	if def.Recurrence == model.RecurOnce {
		p.scheduleOneTime(ctx, user, def, loc)
		return
	}

	days := model.AllWeekdays
	if def.Recurrence == model.RecurWeekly {
		days = def.Weekdays
	}
	if days.Empty() {
		p.log.Warn("definition has empty weekday set, nothing to schedule", zap.Uint("def", def.ID))
		return
	}

	for _, day := range days.Days() {
		p.sched.Schedule(
			schedule.JobKey{Kind: schedule.KindReminder, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: day},
			schedule.WeeklyRule{Weekday: day, Time: remindAt, Loc: loc},
			p.fireReminderJob(user, def, loc),
		)
		p.sched.Schedule(
			schedule.JobKey{Kind: schedule.KindCheck, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: day},
			schedule.WeeklyRule{Weekday: day, Time: checkAt, Loc: loc},
			p.fireCheckJob(user, def, loc),
		)
	}
}

// scheduleOneTime registers absolute-instant triggers for a one-time
// definition. A definition whose reminder and check are both in the past is
// spent and gets deactivated so it stops counting against the task cap.
func (p *PlannerService) scheduleOneTime(ctx context.Context, user model.User, def model.TaskDefinition, loc *time.Location) {
	now := time.Now()
	remindInstant, remindOK := schedule.NextReminder(def, loc, now)
	checkInstant, checkOK := schedule.NextCheck(def, loc, now)

	if !remindOK && !checkOK {
		if err := p.defs.Deactivate(ctx, user.ID, def.ID); err != nil {
			p.log.Warn("spent one-time definition not deactivated",
				zap.Uint("def", def.ID), zap.Error(err))
		} else {
			p.log.Info("one-time definition spent, deactivated", zap.Uint("def", def.ID))
		}
		return
	}

	if remindOK {
		key := schedule.JobKey{Kind: schedule.KindReminder, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: -1}
		p.sched.ScheduleOnce(key, remindInstant, p.fireReminderJob(user, def, loc))
	}
	if checkOK {
		key := schedule.JobKey{Kind: schedule.KindCheck, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: -1}
		p.sched.ScheduleOnce(key, checkInstant, p.fireCheckJob(user, def, loc))
	}
}

func (p *PlannerService) scheduleReports(user model.User, loc *time.Location) {
	p.sched.Schedule(
		schedule.JobKey{Kind: schedule.KindDailyReport, ChatID: user.TelegramID, Weekday: -1},
		schedule.DailyRule{Time: p.times.Daily, Loc: loc},
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := p.reports.SendDaily(ctx, user, time.Now()); err != nil {
				p.log.Warn("daily report failed", zap.Int64("chat", user.TelegramID), zap.Error(err))
			}
		},
	)
	p.sched.Schedule(
		schedule.JobKey{Kind: schedule.KindWeeklyReport, ChatID: user.TelegramID, Weekday: p.times.WeeklyDay},
		schedule.WeeklyRule{Weekday: p.times.WeeklyDay, Time: p.times.Weekly, Loc: loc},
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := p.reports.SendWeekly(ctx, user, time.Now()); err != nil {
				p.log.Warn("weekly report failed", zap.Int64("chat", user.TelegramID), zap.Error(err))
			}
		},
	)
}

// fireReminderJob computes the occurrence date at fire time, so a weekly
// job registered days in advance still stamps the right calendar day.
func (p *PlannerService) fireReminderJob(user model.User, def model.TaskDefinition, loc *time.Location) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		date := time.Now().In(loc).Format(schedule.DateLayout)
		p.delivery.FireReminder(ctx, user, def, date, ReminderOnTime)
	}
}

func (p *PlannerService) fireCheckJob(user model.User, def model.TaskDefinition, loc *time.Location) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		date := time.Now().In(loc).Format(schedule.DateLayout)
		p.delivery.FireCheck(ctx, user, def, date)
	}
}
