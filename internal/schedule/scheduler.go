package schedule

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/r2d2a2a/capsula-assist/internal/model"
)

// WeeklyRule fires every week on one weekday at a wall-clock time, both
// evaluated in the rule's own location. The scheduler clock itself runs in
// UTC, so per-user zones never need per-user scheduler instances.
type WeeklyRule struct {
	Weekday int // Monday-based index 0..6
	Time    TimeOfDay
	Loc     *time.Location
}

// Next implements cron.Schedule.
func (r WeeklyRule) Next(t time.Time) time.Time {
	local := t.In(r.Loc)
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		if model.WeekdayIndex(day.Weekday()) != r.Weekday {
			continue
		}
		candidate := r.Time.At(day, r.Loc)
		if candidate.After(t) {
			return candidate
		}
	}
	return time.Time{}
}

// DailyRule fires every day at a wall-clock time in its own location.
type DailyRule struct {
	Time TimeOfDay
	Loc  *time.Location
}

// Next implements cron.Schedule.
func (r DailyRule) Next(t time.Time) time.Time {
	local := t.In(r.Loc)
	candidate := r.Time.At(local, r.Loc)
	if candidate.After(t) {
		return candidate
	}
	return r.Time.At(local.AddDate(0, 0, 1), r.Loc)
}

// oneShotLateDelay is how soon a one-shot fires when its instant already
// passed before the clock evaluated it (e.g. jobs queued before Start).
const oneShotLateDelay = time.Second

// OneShot fires exactly once at an absolute instant. An instant that is
// already in the past when the clock evaluates the schedule fires on the
// next tick instead of never; after the job has run the schedule is
// exhausted. Construct with NewOneShot.
type OneShot struct {
	At    time.Time
	fired atomic.Bool
}

func NewOneShot(at time.Time) *OneShot {
	return &OneShot{At: at}
}

// Next implements cron.Schedule.
func (o *OneShot) Next(t time.Time) time.Time {
	if o.fired.Load() {
		return time.Time{}
	}
	if o.At.After(t) {
		return o.At
	}
	return t.Add(oneShotLateDelay)
}

// markFired claims the single permitted run.
func (o *OneShot) markFired() bool {
	return o.fired.CompareAndSwap(false, true)
}

// Scheduler holds the calendar of pending jobs keyed by JobKey on top of a
// single shared cron clock. Scheduling an existing key replaces the prior
// job; reverse indexes make owner- and definition-scoped cancellation a
// direct lookup.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger

	mu      sync.Mutex
	entries map[JobKey]cron.EntryID
	byOwner map[int64]map[JobKey]struct{}
	byDef   map[uint]map[JobKey]struct{}
}

func NewScheduler(log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{log: log}),
		),
		log:     log,
		entries: make(map[JobKey]cron.EntryID),
		byOwner: make(map[int64]map[JobKey]struct{}),
		byDef:   make(map[uint]map[JobKey]struct{}),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Schedule registers fn under key, replacing any job already held by the
// same key. A panic inside fn is confined to that invocation.
func (s *Scheduler) Schedule(key JobKey, sched cron.Schedule, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(key)
	id := s.cron.Schedule(sched, cron.FuncJob(s.isolate(key, fn)))
	s.entries[key] = id
	s.indexLocked(key)
}

// ScheduleOnce registers a one-shot job that removes itself after firing.
// The markFired guard keeps the run unique even if the clock re-evaluates
// the schedule before the cancellation lands.
func (s *Scheduler) ScheduleOnce(key JobKey, at time.Time, fn func()) {
	shot := NewOneShot(at)
	s.Schedule(key, shot, func() {
		if !shot.markFired() {
			return
		}
		defer s.Cancel(key)
		fn()
	})
}

// Cancel removes the job held by key, if any.
func (s *Scheduler) Cancel(key JobKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// CancelDefinition removes every job tied to a task definition. Used when a
// definition is edited or deactivated so old and new jobs are never live at
// the same time.
func (s *Scheduler) CancelDefinition(defID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.byDef[defID] {
		s.removeLocked(key)
	}
}

// CancelOwner removes every job tied to a chat without disturbing the
// shared clock or other users' jobs.
func (s *Scheduler) CancelOwner(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.byOwner[chatID] {
		s.removeLocked(key)
	}
}

// Has reports whether a job is currently pending under key.
func (s *Scheduler) Has(key JobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// PendingForOwner counts jobs currently held for a chat.
func (s *Scheduler) PendingForOwner(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byOwner[chatID])
}

func (s *Scheduler) indexLocked(key JobKey) {
	owner, ok := s.byOwner[key.ChatID]
	if !ok {
		owner = make(map[JobKey]struct{})
		s.byOwner[key.ChatID] = owner
	}
	owner[key] = struct{}{}

	if key.DefinitionID != 0 {
		byDef, ok := s.byDef[key.DefinitionID]
		if !ok {
			byDef = make(map[JobKey]struct{})
			s.byDef[key.DefinitionID] = byDef
		}
		byDef[key] = struct{}{}
	}
}

func (s *Scheduler) removeLocked(key JobKey) {
	id, ok := s.entries[key]
	if !ok {
		return
	}
	s.cron.Remove(id)
	delete(s.entries, key)
	if owner := s.byOwner[key.ChatID]; owner != nil {
		delete(owner, key)
		if len(owner) == 0 {
			delete(s.byOwner, key.ChatID)
		}
	}
	if byDef := s.byDef[key.DefinitionID]; byDef != nil {
		delete(byDef, key)
		if len(byDef) == 0 {
			delete(s.byDef, key.DefinitionID)
		}
	}
}

func (s *Scheduler) isolate(key JobKey, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked",
					zap.Stringer("job", key),
					zap.Any("panic", r),
				)
			}
		}()
		fn()
	}
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
