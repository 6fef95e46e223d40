package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/r2d2a2a/capsula-assist/internal/model"
)

// ReportRepository persists report audit rows.
type ReportRepository struct {
	db *gorm.DB
}

func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) Save(ctx context.Context, report *model.Report) error {
	if err := r.db.WithContext(ctx).Create(report).Error; err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}
