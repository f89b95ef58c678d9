package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/erfinfo/efc-backup/internal/db"
)

// gormBackupRepository is the GORM implementation of BackupRepository.
type gormBackupRepository struct {
	db *gorm.DB
}

// NewBackupRepository returns a BackupRepository backed by the provided *gorm.DB.
func NewBackupRepository(gdb *gorm.DB) BackupRepository {
	return &gormBackupRepository{db: gdb}
}

// Insert creates a new backup record, normally in BackupStatusPending.
func (r *gormBackupRepository) Insert(ctx context.Context, backup *db.BackupRecord) error {
	if err := r.db.WithContext(ctx).Create(backup).Error; err != nil {
		return fmt.Errorf("backups: insert: %w", err)
	}
	return nil
}

// GetByID retrieves a backup record by its UUID.
func (r *gormBackupRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupRecord, error) {
	var b db.BackupRecord
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backups: get by id: %w", err)
	}
	return &b, nil
}

// Update persists all fields of an existing backup record — used for status
// transitions (pending -> running -> completed|failed).
func (r *gormBackupRepository) Update(ctx context.Context, backup *db.BackupRecord) error {
	result := r.db.WithContext(ctx).Save(backup)
	if result.Error != nil {
		return fmt.Errorf("backups: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBackups returns a paginated, filtered list of backup records ordered
// by creation time descending (most recent first).
func (r *gormBackupRepository) ListBackups(ctx context.Context, filter BackupListFilter) ([]db.BackupRecord, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.BackupRecord{})

	if filter.ClientName != "" {
		q = q.Where("client_name = ?", filter.ClientName)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.Since != nil {
		q = q.Where("created_at >= ?", *filter.Since)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("backups: list count: %w", err)
	}

	var backups []db.BackupRecord
	if err := q.
		Limit(filter.Limit).Offset(filter.Offset).
		Order("created_at DESC").
		Find(&backups).Error; err != nil {
		return nil, 0, fmt.Errorf("backups: list: %w", err)
	}
	return backups, total, nil
}

// LatestCompletedFull finds the most recently completed full backup for a
// client — used by the Job Runner to establish the incremental reference
// timestamp (spec.md §4.6). Returns ErrNotFound if the client has no
// completed full backup yet.
func (r *gormBackupRepository) LatestCompletedFull(ctx context.Context, clientName string) (*db.BackupRecord, error) {
	var b db.BackupRecord
	err := r.db.WithContext(ctx).
		Where("client_name = ? AND kind = ? AND status = ?", clientName, db.BackupKindFull, db.BackupStatusCompleted).
		Order("completed_at DESC").
		First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backups: latest completed full: %w", err)
	}
	return &b, nil
}

// Stats aggregates the catalog for dashboard/API consumption (spec.md §6).
func (r *gormBackupRepository) Stats(ctx context.Context) (BackupStatsSummary, error) {
	summary := BackupStatsSummary{ByStatus: make(map[db.BackupStatus]int64)}

	if err := r.db.WithContext(ctx).Model(&db.BackupRecord{}).Count(&summary.Total).Error; err != nil {
		return summary, fmt.Errorf("backups: stats total: %w", err)
	}

	var rows []struct {
		Status db.BackupStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&db.BackupRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return summary, fmt.Errorf("backups: stats by status: %w", err)
	}
	for _, row := range rows {
		summary.ByStatus[row.Status] = row.Count
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if err := r.db.WithContext(ctx).Model(&db.BackupRecord{}).
		Where("created_at >= ?", since).
		Count(&summary.Last24h).Error; err != nil {
		return summary, fmt.Errorf("backups: stats last 24h: %w", err)
	}

	var totalSize *float64
	if err := r.db.WithContext(ctx).Model(&db.BackupRecord{}).
		Where("status = ?", db.BackupStatusCompleted).
		Select("sum(size_mb)").
		Scan(&totalSize).Error; err != nil {
		return summary, fmt.Errorf("backups: stats total size: %w", err)
	}
	if totalSize != nil {
		summary.TotalSizeMB = *totalSize
	}

	return summary, nil
}

// DeleteOlderThan removes catalog rows created before cutoff. Used by the
// Retention Sweeper (spec.md §4.8); returns the number of rows removed.
func (r *gormBackupRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&db.BackupRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("backups: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// InsertNetworkStats records the per-backup transfer metrics. Only called
// when at least one file was transferred (spec.md §8 scenario 2).
func (r *gormBackupRepository) InsertNetworkStats(ctx context.Context, stats *db.NetworkStats) error {
	if err := r.db.WithContext(ctx).Create(stats).Error; err != nil {
		return fmt.Errorf("backups: insert network stats: %w", err)
	}
	return nil
}

// DeleteNetworkStatsOlderThan removes network-stats rows created before
// cutoff, as part of the retention sweep.
func (r *gormBackupRepository) DeleteNetworkStatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&db.NetworkStats{})
	if result.Error != nil {
		return 0, fmt.Errorf("backups: delete network stats older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
