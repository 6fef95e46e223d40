package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/r2d2a2a/capsula-assist/internal/model"
)

// OccurrenceKey identifies one calendar instance of a task definition.
type OccurrenceKey struct {
	UserID       uint
	DefinitionID uint
	Date         string // "2006-01-02" in the user's zone
}

type lockKind int

const (
	lockReminder lockKind = iota
	lockCheck
)

func (k lockKind) column() string {
	if k == lockCheck {
		return "check_sent"
	}
	return "reminder_sent"
}

// OccurrenceRepository stores occurrences and carries the dedup-lock
// engine: each lock kind is granted at most once per occurrence key,
// concurrently and across process restarts. The transaction boundary is
// the correctness mechanism; no in-memory state is involved.
type OccurrenceRepository struct {
	db *gorm.DB
}

func NewOccurrenceRepository(db *gorm.DB) *OccurrenceRepository {
	return &OccurrenceRepository{db: db}
}

// AcquireReminderLock claims the one permitted reminder delivery for key.
// A storage failure reads as "not acquired": a dropped reminder beats a
// duplicated one.
func (r *OccurrenceRepository) AcquireReminderLock(ctx context.Context, key OccurrenceKey) (bool, error) {
	return r.acquire(ctx, key, lockReminder)
}

// AcquireCheckLock claims the one permitted completion-check delivery.
func (r *OccurrenceRepository) AcquireCheckLock(ctx context.Context, key OccurrenceKey) (bool, error) {
	return r.acquire(ctx, key, lockCheck)
}

func (r *OccurrenceRepository) acquire(ctx context.Context, key OccurrenceKey, kind lockKind) (bool, error) {
	var acquired bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var occ model.Occurrence
		err := tx.Where("user_id = ? AND definition_id = ? AND date = ?",
			key.UserID, key.DefinitionID, key.Date).First(&occ).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			occ = model.Occurrence{
				UserID:       key.UserID,
				DefinitionID: key.DefinitionID,
				Date:         key.Date,
			}
			if kind == lockCheck {
				occ.CheckSent = true
			} else {
				occ.ReminderSent = true
			}
			// The unique index turns a lost insert race into an error,
			// which the caller treats as "not acquired".
			if err := tx.Create(&occ).Error; err != nil {
				return fmt.Errorf("insert occurrence: %w", err)
			}
			acquired = true
			return nil
		case err != nil:
			return fmt.Errorf("find occurrence: %w", err)
		default:
			res := tx.Model(&model.Occurrence{}).
				Where("id = ? AND "+kind.column()+" = ?", occ.ID, false).
				Update(kind.column(), true)
			if res.Error != nil {
				return fmt.Errorf("flip %s: %w", kind.column(), res.Error)
			}
			acquired = res.RowsAffected == 1
			return nil
		}
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Find returns the occurrence for key, or nil when none exists yet.
func (r *OccurrenceRepository) Find(ctx context.Context, key OccurrenceKey) (*model.Occurrence, error) {
	var occ model.Occurrence
	err := r.db.WithContext(ctx).Where("user_id = ? AND definition_id = ? AND date = ?",
		key.UserID, key.DefinitionID, key.Date).First(&occ).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("find occurrence: %w", err)
	}
	return &occ, nil
}

// SetCompleted records the user's answer to a completion check. The row is
// created if neither lock ever produced it (e.g. a completion pressed on a
// snoozed reminder after a storage hiccup).
func (r *OccurrenceRepository) SetCompleted(ctx context.Context, key OccurrenceKey, completed bool, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		occ, err := findForUpdate(tx, key)
		if err != nil {
			return err
		}
		occ.Completed = &completed
		if completed {
			t := at
			occ.CompletedAt = &t
		} else {
			occ.CompletedAt = nil
		}
		if err := tx.Save(occ).Error; err != nil {
			return fmt.Errorf("save completion: %w", err)
		}
		return nil
	})
}

// SetComment attaches a free-text comment to an occurrence.
func (r *OccurrenceRepository) SetComment(ctx context.Context, key OccurrenceKey, comment string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		occ, err := findForUpdate(tx, key)
		if err != nil {
			return err
		}
		occ.Comment = comment
		if err := tx.Save(occ).Error; err != nil {
			return fmt.Errorf("save comment: %w", err)
		}
		return nil
	})
}

func findForUpdate(tx *gorm.DB, key OccurrenceKey) (*model.Occurrence, error) {
	var occ model.Occurrence
	err := tx.Where("user_id = ? AND definition_id = ? AND date = ?",
		key.UserID, key.DefinitionID, key.Date).First(&occ).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		occ = model.Occurrence{
			UserID:       key.UserID,
			DefinitionID: key.DefinitionID,
			Date:         key.Date,
		}
		if err := tx.Create(&occ).Error; err != nil {
			return nil, fmt.Errorf("insert occurrence: %w", err)
		}
		return &occ, nil
	case err != nil:
		return nil, fmt.Errorf("find occurrence: %w", err)
	}
	return &occ, nil
}

func (r *OccurrenceRepository) ListForDate(ctx context.Context, userID uint, date string) ([]model.Occurrence, error) {
	var occs []model.Occurrence
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, date).
		Order("definition_id ASC").
		Find(&occs).Error; err != nil {
		return nil, err
	}
	return occs, nil
}

func (r *OccurrenceRepository) ListForPeriod(ctx context.Context, userID uint, start, end string) ([]model.Occurrence, error) {
	var occs []model.Occurrence
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND date BETWEEN ? AND ?", userID, start, end).
		Order("date ASC, definition_id ASC").
		Find(&occs).Error; err != nil {
		return nil, err
	}
	return occs, nil
}

// Counts returns total and completed occurrences in the date range.
func (r *OccurrenceRepository) Counts(ctx context.Context, userID uint, start, end string) (total, completed int64, err error) {
	if err := r.db.WithContext(ctx).Model(&model.Occurrence{}).
		Where("user_id = ? AND date BETWEEN ? AND ?", userID, start, end).
		Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("count occurrences: %w", err)
	}
	if err := r.db.WithContext(ctx).Model(&model.Occurrence{}).
		Where("user_id = ? AND date BETWEEN ? AND ? AND completed = ?", userID, start, end, true).
		Count(&completed).Error; err != nil {
		return 0, 0, fmt.Errorf("count completed: %w", err)
	}
	return total, completed, nil
}
