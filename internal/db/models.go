package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models. ID uses UUID v7
// (time-ordered) for efficient B-tree indexing and natural chronological
// ordering without a separate created_at sort. CreatedAt and UpdatedAt are
// managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Clients
// -----------------------------------------------------------------------------

// OSKind enumerates the remote operating systems a Client can run.
type OSKind string

const (
	OSKindLinux   OSKind = "linux"
	OSKindWindows OSKind = "windows"
)

// BackupKind enumerates the three backup strategies a Schedule or manual
// trigger can request. Differential currently has identical semantics to
// Incremental (spec glossary) — reserved for future divergence.
type BackupKind string

const (
	BackupKindFull         BackupKind = "full"
	BackupKindIncremental  BackupKind = "incremental"
	BackupKindDifferential BackupKind = "differential"
)

// Client represents one enrolled remote host. Credentials (Username/Secret)
// are sensitive: Secret is stored encrypted at rest via EncryptedString and
// must never be surfaced in logs, metadata blobs, or API responses — callers
// should use Redacted() when building anything user- or log-facing.
type Client struct {
	softDelete
	Name               string          `gorm:"uniqueIndex;not null"`
	Host               string          `gorm:"not null"`
	Port               int             `gorm:"not null;default:22"`
	Username           string          `gorm:"not null"`
	Secret             EncryptedString `gorm:"type:text"` // password or private key material
	OS                 OSKind          `gorm:"not null"`
	Folders            string          `gorm:"type:text;default:''"` // JSON array or CSV, see driver.ParseFolders
	DefaultBackupKind  BackupKind      `gorm:"not null;default:'incremental'"`
	Active             bool            `gorm:"not null;default:true"`
	ExclusionOverrides string          `gorm:"type:text;default:''"` // JSON, optional per-client exclusion additions
	KnownHostKey       string          `gorm:"type:text;default:''"` // authorized_keys-format public key; empty disables host-key pinning
}

// Redacted returns a copy of the client with the secret replaced by a fixed
// sentinel, safe to log or expose to an operator.
func (c Client) Redacted() Client {
	if c.Secret != "" {
		c.Secret = "***REDACTED***"
	}
	return c
}

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

// ScheduleOrigin distinguishes built-in schedules (materialized at startup
// from configuration) from operator-created custom ones (persisted).
type ScheduleOrigin string

const (
	ScheduleOriginBuiltIn ScheduleOrigin = "built-in"
	ScheduleOriginCustom  ScheduleOrigin = "custom"
)

// Schedule is a named cron entry driving one or more clients through a
// backup kind. RestrictedClients, when non-empty, limits the run to those
// client names instead of all active clients.
type Schedule struct {
	softDelete
	Name              string         `gorm:"uniqueIndex;not null"`
	CronExpression    string         `gorm:"not null"`
	Kind              BackupKind     `gorm:"not null"`
	RestrictedClients string         `gorm:"type:text;default:'[]'"` // JSON array of client names
	Description       string         `gorm:"type:text;default:''"`
	Active            bool           `gorm:"not null;default:true"`
	Origin            ScheduleOrigin `gorm:"not null;default:'custom'"`
	RunCount          int64          `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Backups
// -----------------------------------------------------------------------------

// BackupStatus mirrors the state machine in spec.md §4.9.
type BackupStatus string

const (
	BackupStatusPending   BackupStatus = "pending"
	BackupStatusRunning   BackupStatus = "running"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

// BackupRecord is the durable catalog row for one backup execution.
// Invariant: in a terminal state, exactly one of CompletedAt/FailedAt is set
// and is >= StartedAt. Path is set iff Status == completed and at least one
// file was transferred.
type BackupRecord struct {
	base
	ClientName  string       `gorm:"not null;index"`
	Kind        BackupKind   `gorm:"not null"`
	Status      BackupStatus `gorm:"not null;default:'pending'"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	SizeMB      float64 `gorm:"not null;default:0"`
	FileCount   int64   `gorm:"not null;default:0"`
	ArchivePath string  `gorm:"type:text;default:''"`
	Error       string  `gorm:"type:text;default:''"`
	Metadata    string  `gorm:"type:text;default:'{}'"` // JSON, non-sensitive
}

// NetworkStats carries the per-backup transfer metrics (spec.md §3).
// Only inserted when at least one file was transferred (spec.md §8 scenario 2).
type NetworkStats struct {
	base
	BackupID       uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	BytesTransferred int64   `gorm:"not null;default:0"`
	AverageSpeedMbps float64 `gorm:"not null;default:0"`
	DurationSeconds  float64 `gorm:"not null;default:0"`
	FileCount        int64   `gorm:"not null;default:0"`
	StartedAt        time.Time `gorm:"not null"`
	CompletedAt      time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Activity log
// -----------------------------------------------------------------------------

// ActivityLog is an append-only audit trail entry.
type ActivityLog struct {
	base
	Action     string `gorm:"not null"`
	ClientName string `gorm:"default:''"`
	BackupID   string `gorm:"default:''"`
	Actor      string `gorm:"not null;default:'system'"`
	Details    string `gorm:"type:text;default:'{}'"` // JSON
	Timestamp  time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry. Keys are namespaced by
// convention (e.g. "smtp.host", "webhook.url"). Sensitive values are
// encrypted at the application layer via EncryptedString before persisting.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
