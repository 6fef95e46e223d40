package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/r2d2a2a/capsula-assist/internal/model"
	"github.com/r2d2a2a/capsula-assist/internal/repository"
)

// ReminderFlavor distinguishes how a reminder delivery came about, for
// rendering only; the dedup lock does not care.
type ReminderFlavor int

const (
	ReminderOnTime ReminderFlavor = iota
	ReminderCatchUp
	ReminderSnoozed
)

// Outbox is the outbound side of the chat transport. The core calls it once
// per reminder/check/report event, always after lock acquisition.
type Outbox interface {
	SendReminder(ctx context.Context, user model.User, def model.TaskDefinition, date string, flavor ReminderFlavor) error
	SendCheck(ctx context.Context, user model.User, def model.TaskDefinition, date string) error
	SendDailyReport(ctx context.Context, user model.User, report DailyReport) error
	SendWeeklyReport(ctx context.Context, user model.User, report WeeklyReport) error
}

// OccurrenceLocks is the slice of the occurrence repository the delivery
// path needs.
type OccurrenceLocks interface {
	AcquireReminderLock(ctx context.Context, key repository.OccurrenceKey) (bool, error)
	AcquireCheckLock(ctx context.Context, key repository.OccurrenceKey) (bool, error)
}

// DeliveryService is the lock-then-send path shared by live cron fires,
// catch-up one-shots and snoozes. Send failures are logged and swallowed:
// the lock stays acquired, so at-most-once wins over at-least-once.
type DeliveryService struct {
	locks  OccurrenceLocks
	outbox Outbox
	log    *zap.Logger
}

func NewDeliveryService(locks OccurrenceLocks, outbox Outbox, log *zap.Logger) *DeliveryService {
	return &DeliveryService{locks: locks, outbox: outbox, log: log}
}

// FireReminder delivers the reminder for one occurrence if its lock is
// still free. Lock errors read as "not acquired" and the cycle is skipped.
func (s *DeliveryService) FireReminder(ctx context.Context, user model.User, def model.TaskDefinition, date string, flavor ReminderFlavor) {
	key := repository.OccurrenceKey{UserID: user.ID, DefinitionID: def.ID, Date: date}
	acquired, err := s.locks.AcquireReminderLock(ctx, key)
	if err != nil {
		s.log.Warn("reminder lock failed, skipping cycle",
			zap.Uint("user", user.ID), zap.Uint("def", def.ID), zap.String("date", date), zap.Error(err))
		return
	}
	if !acquired {
		s.log.Debug("reminder already delivered",
			zap.Uint("user", user.ID), zap.Uint("def", def.ID), zap.String("date", date))
		return
	}
	if err := s.outbox.SendReminder(ctx, user, def, date, flavor); err != nil {
		s.log.Warn("reminder send failed",
			zap.Int64("chat", user.TelegramID), zap.Uint("def", def.ID), zap.Error(err))
	}
}

// FireCheck delivers the completion check for one occurrence, same rules as
// FireReminder but against the independent check lock.
func (s *DeliveryService) FireCheck(ctx context.Context, user model.User, def model.TaskDefinition, date string) {
	key := repository.OccurrenceKey{UserID: user.ID, DefinitionID: def.ID, Date: date}
	acquired, err := s.locks.AcquireCheckLock(ctx, key)
	if err != nil {
		s.log.Warn("check lock failed, skipping cycle",
			zap.Uint("user", user.ID), zap.Uint("def", def.ID), zap.String("date", date), zap.Error(err))
		return
	}
	if !acquired {
		s.log.Debug("check already delivered",
			zap.Uint("user", user.ID), zap.Uint("def", def.ID), zap.String("date", date))
		return
	}
	if err := s.outbox.SendCheck(ctx, user, def, date); err != nil {
		s.log.Warn("check send failed",
			zap.Int64("chat", user.TelegramID), zap.Uint("def", def.ID), zap.Error(err))
	}
}

// FireSnoozed re-delivers a reminder the user explicitly asked to postpone.
// It bypasses the reminder lock: the user requested the repeat.
func (s *DeliveryService) FireSnoozed(ctx context.Context, user model.User, def model.TaskDefinition, date string) {
	if err := s.outbox.SendReminder(ctx, user, def, date, ReminderSnoozed); err != nil {
		s.log.Warn("snoozed reminder send failed",
			zap.Int64("chat", user.TelegramID), zap.Uint("def", def.ID), zap.Error(err))
	}
}
