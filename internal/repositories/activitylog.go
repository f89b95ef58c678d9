package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/erfinfo/efc-backup/internal/db"
)

// gormActivityLogRepository is the GORM implementation of ActivityLogRepository.
type gormActivityLogRepository struct {
	db *gorm.DB
}

// NewActivityLogRepository returns an ActivityLogRepository backed by the
// provided *gorm.DB.
func NewActivityLogRepository(gdb *gorm.DB) ActivityLogRepository {
	return &gormActivityLogRepository{db: gdb}
}

// Append inserts a new audit entry. The log is append-only — there is no
// Update or Delete-by-id, only time-bounded purges via DeleteOlderThan.
func (r *gormActivityLogRepository) Append(ctx context.Context, entry *db.ActivityLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("activitylog: append: %w", err)
	}
	return nil
}

// List returns a paginated list of audit entries, most recent first.
func (r *gormActivityLogRepository) List(ctx context.Context, opts ListOptions) ([]db.ActivityLog, int64, error) {
	var entries []db.ActivityLog
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.ActivityLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("activitylog: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("timestamp DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("activitylog: list: %w", err)
	}
	return entries, total, nil
}

// DeleteOlderThan removes audit entries older than cutoff, as part of the
// retention sweep (spec.md §4.8).
func (r *gormActivityLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&db.ActivityLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("activitylog: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
