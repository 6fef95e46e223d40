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

// catchUpDelay keeps re-fires on the normal scheduler path instead of a
// direct synchronous call.
const catchUpDelay = 2 * time.Second

// CatchUpService re-drives today's due-but-unsent deliveries after the
// scheduler was offline past their trigger time. It runs whenever a user's
// schedule is (re-)activated: process startup, first registration and
// explicit restart.
type CatchUpService struct {
	defs     *repository.DefinitionRepository
	occs     *repository.OccurrenceRepository
	sched    *schedule.Scheduler
	delivery *DeliveryService
	log      *zap.Logger
}

func NewCatchUpService(defs *repository.DefinitionRepository, occs *repository.OccurrenceRepository, sched *schedule.Scheduler, delivery *DeliveryService, log *zap.Logger) *CatchUpService {
	return &CatchUpService{defs: defs, occs: occs, sched: sched, delivery: delivery, log: log}
}

// Run scans the user's active definitions for today in their zone and
// schedules near-immediate one-shots for past-due unlocked instants. The
// sent-flag check here is only a cheap filter; the shared lock at fire time
// stays the single dedup authority, so a racing live trigger cannot cause a
// duplicate.
func (s *CatchUpService) Run(ctx context.Context, user model.User) error {
	if !user.RemindersOn {
		return nil
	}

	loc, err := schedule.ParseTimezone(user.Timezone)
	if err != nil {
		return fmt.Errorf("user %d timezone: %w", user.ID, err)
	}

	now := time.Now()
	date := now.In(loc).Format(schedule.DateLayout)

	defs, err := s.defs.ListActive(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list definitions: %w", err)
	}

	for _, def := range defs {
		if !schedule.OccursOn(def, now, loc) {
			continue
		}

		key := repository.OccurrenceKey{UserID: user.ID, DefinitionID: def.ID, Date: date}
		occ, err := s.occs.Find(ctx, key)
		if err != nil {
			s.log.Warn("catch-up occurrence lookup failed", zap.Uint("def", def.ID), zap.Error(err))
			continue
		}

		if s.pastDue(def.RemindAt, now, loc) && (occ == nil || !occ.ReminderSent) {
			def, date := def, date
			s.sched.ScheduleOnce(
				schedule.JobKey{Kind: schedule.KindCatchUpReminder, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: -1},
				now.Add(catchUpDelay),
				func() {
					jobCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
					defer cancel()
					s.delivery.FireReminder(jobCtx, user, def, date, ReminderCatchUp)
				},
			)
			s.log.Info("catch-up reminder queued", zap.Uint("def", def.ID), zap.String("date", date))
		}

		if s.pastDue(def.CheckAt, now, loc) && (occ == nil || !occ.CheckSent) {
			def, date := def, date
			s.sched.ScheduleOnce(
				schedule.JobKey{Kind: schedule.KindCatchUpCheck, ChatID: user.TelegramID, DefinitionID: def.ID, Weekday: -1},
				now.Add(catchUpDelay),
				func() {
					jobCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
					defer cancel()
					s.delivery.FireCheck(jobCtx, user, def, date)
				},
			)
			s.log.Info("catch-up check queued", zap.Uint("def", def.ID), zap.String("date", date))
		}
	}
	return nil
}

// pastDue reports whether today's instant for the given time of day has
// already passed.
func (s *CatchUpService) pastDue(at string, now time.Time, loc *time.Location) bool {
	tod, err := schedule.ParseTimeOfDay(at)
	if err != nil {
		return false
	}
	return !tod.At(now, loc).After(now)
}
