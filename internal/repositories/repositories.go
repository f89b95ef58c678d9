// Package repositories defines the Repository contract (spec.md §6) and its
// GORM-backed implementations. This is the engine's only window onto durable
// storage — the scheduler, job runner, and retention sweeper depend on these
// interfaces, never on *gorm.DB directly.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/erfinfo/efc-backup/internal/db"
)

// ListOptions contains common pagination and filtering options for list
// queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// BackupListFilter narrows ListBackups beyond plain pagination.
type BackupListFilter struct {
	ClientName string
	Status     db.BackupStatus
	Kind       db.BackupKind
	Since      *time.Time
	ListOptions
}

// BackupStatsSummary aggregates catalog rows for dashboard/API consumption.
type BackupStatsSummary struct {
	Total          int64
	ByStatus       map[db.BackupStatus]int64
	Last24h        int64
	TotalSizeMB    float64
}

// -----------------------------------------------------------------------------
// ClientRepository
// -----------------------------------------------------------------------------

type ClientRepository interface {
	Upsert(ctx context.Context, client *db.Client) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Client, error)
	GetByName(ctx context.Context, name string) (*db.Client, error)
	Update(ctx context.Context, client *db.Client) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Client, int64, error)
	ListActive(ctx context.Context) ([]db.Client, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

type ScheduleRepository interface {
	Create(ctx context.Context, schedule *db.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error)
	GetByName(ctx context.Context, name string) (*db.Schedule, error)
	Update(ctx context.Context, schedule *db.Schedule) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Schedule, int64, error)
	ListActiveCustom(ctx context.Context) ([]db.Schedule, error)
	IncrementRunCount(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// BackupRepository
// -----------------------------------------------------------------------------

type BackupRepository interface {
	Insert(ctx context.Context, backup *db.BackupRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.BackupRecord, error)
	Update(ctx context.Context, backup *db.BackupRecord) error
	ListBackups(ctx context.Context, filter BackupListFilter) ([]db.BackupRecord, int64, error)
	LatestCompletedFull(ctx context.Context, clientName string) (*db.BackupRecord, error)
	Stats(ctx context.Context) (BackupStatsSummary, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	InsertNetworkStats(ctx context.Context, stats *db.NetworkStats) error
	DeleteNetworkStatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ActivityLogRepository
// -----------------------------------------------------------------------------

type ActivityLogRepository interface {
	Append(ctx context.Context, entry *db.ActivityLog) error
	List(ctx context.Context, opts ListOptions) ([]db.ActivityLog, int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}
