package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/erfinfo/efc-backup/internal/db"
)

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository returns a ScheduleRepository backed by the provided *gorm.DB.
func NewScheduleRepository(gdb *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: gdb}
}

// Create inserts a new schedule record.
func (r *gormScheduleRepository) Create(ctx context.Context, schedule *db.Schedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

// GetByID retrieves a schedule by its UUID.
func (r *gormScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error) {
	var s db.Schedule
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by id: %w", err)
	}
	return &s, nil
}

// GetByName retrieves a schedule by its unique name.
func (r *gormScheduleRepository) GetByName(ctx context.Context, name string) (*db.Schedule, error) {
	var s db.Schedule
	if err := r.db.WithContext(ctx).First(&s, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by name: %w", err)
	}
	return &s, nil
}

// Update persists all fields of an existing schedule record.
func (r *gormScheduleRepository) Update(ctx context.Context, schedule *db.Schedule) error {
	result := r.db.WithContext(ctx).Save(schedule)
	if result.Error != nil {
		return fmt.Errorf("schedules: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a schedule as deleted.
func (r *gormScheduleRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Schedule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("schedules: soft delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of schedules and the total count.
func (r *gormScheduleRepository) List(ctx context.Context, opts ListOptions) ([]db.Schedule, int64, error) {
	var schedules []db.Schedule
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Schedule{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("name ASC").
		Find(&schedules).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list: %w", err)
	}
	return schedules, total, nil
}

// ListActiveCustom returns every active, origin=custom schedule — loaded at
// startup and reloaded into the scheduler's cron registry.
func (r *gormScheduleRepository) ListActiveCustom(ctx context.Context) ([]db.Schedule, error) {
	var schedules []db.Schedule
	if err := r.db.WithContext(ctx).
		Where("active = ? AND origin = ?", true, db.ScheduleOriginCustom).
		Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("schedules: list active custom: %w", err)
	}
	return schedules, nil
}

// IncrementRunCount bumps a schedule's run counter by one. Called by the
// scheduler after every fire (spec.md §4.7).
func (r *gormScheduleRepository) IncrementRunCount(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Schedule{}).
		Where("id = ?", id).
		UpdateColumn("run_count", gorm.Expr("run_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("schedules: increment run count: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
