// Package retention implements spec.md §4.8: the periodic sweep that
// reclaims on-disk archives and durable-catalog rows past the retention
// horizon. It has no direct teacher analogue — arkeep's Policy carries
// keep_daily/weekly/monthly/yearly fields but the code we were given never
// implements a sweeper for them — so this package is built from spec.md
// directly, in the teacher's repository-call idiom (context-scoped calls
// through the repository interfaces, zap logging of counts freed).
package retention

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erfinfo/efc-backup/internal/db"
	"github.com/erfinfo/efc-backup/internal/repositories"
)

// archivePrefix is the naming convention spec.md §6 assigns on-disk archives
// ("efc-backup-<client>-<ts>.tar.gz" / "backup_<client>_<epoch>/"); the
// sweeper only ever deletes entries whose name begins with one of these.
const (
	linuxArchivePrefix   = "efc-backup-"
	windowsArchivePrefix = "backup_"
)

// Result summarizes one sweep pass.
type Result struct {
	ArchivesDeleted     int
	BytesFreed          int64
	CatalogRowsDeleted  int64
	NetworkStatsDeleted int64
	ActivityLogsDeleted int64
}

// Sweeper holds the dependencies a sweep needs: the archive root, the
// retention horizon, and the repositories whose old rows it prunes.
type Sweeper struct {
	ArchiveRoot   string
	RetentionDays int
	Backups       repositories.BackupRepository
	ActivityLogs  repositories.ActivityLogRepository
	Compact       func(ctx context.Context) error
	Logger        *zap.Logger

	now func() time.Time // overridable in tests; defaults to time.Now
}

// New constructs a Sweeper with spec.md §4.8's default horizon (30 days) if
// retentionDays is zero or negative.
func New(archiveRoot string, retentionDays int, backups repositories.BackupRepository, activityLogs repositories.ActivityLogRepository, compact func(ctx context.Context) error, logger *zap.Logger) *Sweeper {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		ArchiveRoot:   archiveRoot,
		RetentionDays: retentionDays,
		Backups:       backups,
		ActivityLogs:  activityLogs,
		Compact:       compact,
		Logger:        logger.Named("retention"),
	}
}

// Sweep performs one idempotent pass: deleting on-disk archive entries older
// than the cutoff and whose name matches the known prefixes, then pruning
// catalog rows, network stats, and activity-log entries older than the same
// cutoff, then compacting the catalog. Safe to call repeatedly — a second
// call immediately after the first finds nothing left to delete.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.nowFunc().Add(-time.Duration(s.RetentionDays) * 24 * time.Hour)

	result := Result{}

	deleted, bytesFreed, err := s.sweepArchives(cutoff)
	if err != nil {
		s.Logger.Warn("archive sweep encountered an error; continuing with catalog prune", zap.Error(err))
	}
	result.ArchivesDeleted = deleted
	result.BytesFreed = bytesFreed

	if s.Backups != nil {
		n, err := s.Backups.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.Logger.Warn("catalog row prune failed", zap.Error(err))
		}
		result.CatalogRowsDeleted = n

		n, err = s.Backups.DeleteNetworkStatsOlderThan(ctx, cutoff)
		if err != nil {
			s.Logger.Warn("network stats prune failed", zap.Error(err))
		}
		result.NetworkStatsDeleted = n
	}

	if s.ActivityLogs != nil {
		n, err := s.ActivityLogs.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.Logger.Warn("activity log prune failed", zap.Error(err))
		}
		result.ActivityLogsDeleted = n
	}

	if s.Compact != nil {
		if err := s.Compact(ctx); err != nil {
			s.Logger.Warn("catalog compaction failed", zap.Error(err))
		}
	}

	s.Logger.Info("retention sweep complete",
		zap.Int("archives_deleted", result.ArchivesDeleted),
		zap.Int64("bytes_freed", result.BytesFreed),
		zap.Int64("catalog_rows_deleted", result.CatalogRowsDeleted),
		zap.Int64("network_stats_deleted", result.NetworkStatsDeleted),
		zap.Int64("activity_logs_deleted", result.ActivityLogsDeleted),
	)
	return nil
}

// sweepArchives walks ArchiveRoot's immediate children (one entry per
// backup, per spec.md §6's filesystem layout) and removes any whose mtime
// predates cutoff and whose name carries a recognized archive prefix.
func (s *Sweeper) sweepArchives(cutoff time.Time) (count int, bytesFreed int64, err error) {
	if s.ArchiveRoot == "" {
		return 0, 0, nil
	}
	entries, err := os.ReadDir(s.ArchiveRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	for _, entry := range entries {
		if !isArchiveName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.Logger.Warn("stat failed during sweep, skipping entry", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(s.ArchiveRoot, entry.Name())
		size, walkErr := dirSize(path, entry.IsDir())
		if walkErr != nil {
			s.Logger.Warn("size computation failed during sweep", zap.String("path", path), zap.Error(walkErr))
		}
		if err := os.RemoveAll(path); err != nil {
			s.Logger.Warn("failed to remove aged archive", zap.String("path", path), zap.Error(err))
			continue
		}
		count++
		bytesFreed += size
	}
	return count, bytesFreed, nil
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, linuxArchivePrefix) || strings.HasPrefix(name, windowsArchivePrefix)
}

func dirSize(path string, isDir bool) (int64, error) {
	if !isDir {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func (s *Sweeper) nowFunc() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}
