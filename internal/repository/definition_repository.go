package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/r2d2a2a/capsula-assist/internal/model"
)

// DefinitionRepository handles CRUD for task definitions. Definitions are
// never physically removed; deactivation keeps historical occurrences valid.
type DefinitionRepository struct {
	db *gorm.DB
}

func NewDefinitionRepository(db *gorm.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

func (r *DefinitionRepository) Create(ctx context.Context, def *model.TaskDefinition) error {
	if err := r.db.WithContext(ctx).Create(def).Error; err != nil {
		return fmt.Errorf("create definition: %w", err)
	}
	return nil
}

func (r *DefinitionRepository) CountActive(ctx context.Context, userID uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.TaskDefinition{}).
		Where("user_id = ? AND active = ?", userID, true).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count definitions: %w", err)
	}
	return count, nil
}

func (r *DefinitionRepository) ListActive(ctx context.Context, userID uint) ([]model.TaskDefinition, error) {
	var defs []model.TaskDefinition
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("remind_at ASC, id ASC").
		Find(&defs).Error; err != nil {
		return nil, err
	}
	return defs, nil
}

func (r *DefinitionRepository) FindByID(ctx context.Context, userID, defID uint) (*model.TaskDefinition, error) {
	var def model.TaskDefinition
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, defID).First(&def).Error; err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *DefinitionRepository) Update(ctx context.Context, def *model.TaskDefinition) error {
	if err := r.db.WithContext(ctx).Save(def).Error; err != nil {
		return fmt.Errorf("update definition: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a definition.
func (r *DefinitionRepository) Deactivate(ctx context.Context, userID, defID uint) error {
	res := r.db.WithContext(ctx).Model(&model.TaskDefinition{}).
		Where("user_id = ? AND id = ? AND active = ?", userID, defID, true).
		Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivate definition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
