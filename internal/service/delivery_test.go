package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/r2d2a2a/capsula-assist/internal/model"
	"github.com/r2d2a2a/capsula-assist/internal/repository"
)

// fakeOutbox records outbound deliveries instead of talking to Telegram.
type fakeOutbox struct {
	mu        sync.Mutex
	fail      bool
	reminders []string
	flavors   []ReminderFlavor
	checks    []string
	daily     []DailyReport
	weekly    []WeeklyReport
}

func (f *fakeOutbox) SendReminder(_ context.Context, _ model.User, def model.TaskDefinition, date string, flavor ReminderFlavor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("telegram unavailable")
	}
	f.reminders = append(f.reminders, fmt.Sprintf("%d:%s", def.ID, date))
	f.flavors = append(f.flavors, flavor)
	return nil
}

func (f *fakeOutbox) SendCheck(_ context.Context, _ model.User, def model.TaskDefinition, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("telegram unavailable")
	}
	f.checks = append(f.checks, fmt.Sprintf("%d:%s", def.ID, date))
	return nil
}

func (f *fakeOutbox) SendDailyReport(_ context.Context, _ model.User, report DailyReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daily = append(f.daily, report)
	return nil
}

func (f *fakeOutbox) SendWeeklyReport(_ context.Context, _ model.User, report WeeklyReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weekly = append(f.weekly, report)
	return nil
}

func (f *fakeOutbox) reminderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reminders)
}

func (f *fakeOutbox) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.checks)
}

// fakeLocks is an in-memory occurrence-lock table.
type fakeLocks struct {
	mu       sync.Mutex
	err      error
	reminder map[repository.OccurrenceKey]bool
	check    map[repository.OccurrenceKey]bool
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{
		reminder: make(map[repository.OccurrenceKey]bool),
		check:    make(map[repository.OccurrenceKey]bool),
	}
}

func (f *fakeLocks) AcquireReminderLock(_ context.Context, key repository.OccurrenceKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.reminder[key] {
		return false, nil
	}
	f.reminder[key] = true
	return true, nil
}

func (f *fakeLocks) AcquireCheckLock(_ context.Context, key repository.OccurrenceKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.check[key] {
		return false, nil
	}
	f.check[key] = true
	return true, nil
}

var (
	testUser = model.User{ID: 1, TelegramID: 100, Timezone: "UTC", RemindersOn: true}
	testDef  = model.TaskDefinition{ID: 5, UserID: 1, Name: "Медитация", Recurrence: model.RecurDaily, RemindAt: "06:00", CheckAt: "21:00", Active: true}
)

func TestFireReminder_DeliversOnce(t *testing.T) {
	outbox := &fakeOutbox{}
	svc := NewDeliveryService(newFakeLocks(), outbox, zap.NewNop())
	ctx := context.Background()

	svc.FireReminder(ctx, testUser, testDef, "2025-06-03", ReminderOnTime)
	svc.FireReminder(ctx, testUser, testDef, "2025-06-03", ReminderOnTime)

	assert.Equal(t, 1, outbox.reminderCount())
	assert.Equal(t, []string{"5:2025-06-03"}, outbox.reminders)
}

func TestFireReminder_LockErrorSkipsCycle(t *testing.T) {
	locks := newFakeLocks()
	locks.err = errors.New("database is locked")
	outbox := &fakeOutbox{}
	svc := NewDeliveryService(locks, outbox, zap.NewNop())

	svc.FireReminder(context.Background(), testUser, testDef, "2025-06-03", ReminderOnTime)

	assert.Zero(t, outbox.reminderCount())

	// The next cycle, with storage healthy again, delivers.
	locks.err = nil
	svc.FireReminder(context.Background(), testUser, testDef, "2025-06-03", ReminderOnTime)
	assert.Equal(t, 1, outbox.reminderCount())
}

func TestFireReminder_SendFailureConsumesLock(t *testing.T) {
	outbox := &fakeOutbox{fail: true}
	svc := NewDeliveryService(newFakeLocks(), outbox, zap.NewNop())
	ctx := context.Background()

	svc.FireReminder(ctx, testUser, testDef, "2025-06-03", ReminderOnTime)

	// The lock was claimed before the failed send, so the occurrence is
	// spent: no retry, no duplicate.
	outbox.fail = false
	svc.FireReminder(ctx, testUser, testDef, "2025-06-03", ReminderOnTime)
	assert.Zero(t, outbox.reminderCount())
}

func TestFireCheck_IndependentOfReminder(t *testing.T) {
	outbox := &fakeOutbox{}
	svc := NewDeliveryService(newFakeLocks(), outbox, zap.NewNop())
	ctx := context.Background()

	svc.FireReminder(ctx, testUser, testDef, "2025-06-03", ReminderOnTime)
	svc.FireCheck(ctx, testUser, testDef, "2025-06-03")
	svc.FireCheck(ctx, testUser, testDef, "2025-06-03")

	assert.Equal(t, 1, outbox.reminderCount())
	assert.Equal(t, 1, outbox.checkCount())
}

func TestFireSnoozed_BypassesReminderLock(t *testing.T) {
	locks := newFakeLocks()
	outbox := &fakeOutbox{}
	svc := NewDeliveryService(locks, outbox, zap.NewNop())
	ctx := context.Background()

	// The original reminder already went out and consumed the lock.
	svc.FireReminder(ctx, testUser, testDef, "2025-06-03", ReminderOnTime)
	// The snooze re-delivery was explicitly requested by the user.
	svc.FireSnoozed(ctx, testUser, testDef, "2025-06-03")

	assert.Equal(t, 2, outbox.reminderCount())
	assert.Equal(t, []ReminderFlavor{ReminderOnTime, ReminderSnoozed}, outbox.flavors)
}
