// Package driver implements the per-OS backup state machines (spec.md
// §4.4/§4.5): connect, inventory, copy, and archive phases run over a
// Remote Session. Callers select a Driver by db.OSKind; both variants
// satisfy the same interface so the Job Runner never branches on OS.
package driver

import (
	"context"
	"time"
)

// Progress is called by a driver at phase boundaries. phase is a short,
// stable identifier ("connect", "inventory", "copy", "archive", ...);
// percent is 0..100 and need not be monotonic from the driver's own point of
// view — the Job Runner forwards it to the RunningJob registry, whose
// UpdateProgress clamps it to non-decreasing.
type Progress func(phase string, percent int)

// Options carries the inputs a backup run needs beyond the client's stored
// configuration.
type Options struct {
	// BackupID is the catalog row id minted by the Job Runner before the
	// driver is invoked; carried through so Windows' backup_metadata.json
	// can record the same id the caller already knows the backup by.
	BackupID string

	// SystemInfo is collected by the Job Runner via GetSystemInfo before
	// the copy phase (spec.md §4.4 step 2 / §4.5 step 2) and handed back
	// in so a driver's run doesn't have to re-query it.
	SystemInfo SystemInfo

	// Folders, when non-nil, overrides the client's configured folder
	// list entirely (spec.md §4.4 step 4 / §4.5 step 3 precedence).
	Folders []string

	// CreateImage resolves Open Question #1 (Windows only): nil means
	// "use the CREATE_SYSTEM_IMAGE environment default", non-nil is an
	// explicit per-call override. Ignored for incremental backups and
	// on Linux.
	CreateImage *bool

	// LocalDestRoot is the local filesystem root backups are written
	// under (e.g. /var/lib/efc-backup/archives).
	LocalDestRoot string

	// ExclusionOverrides are appended to the OS default exclusion set.
	ExclusionOverrides []string
}

// SystemInfo is the inventory snapshot collected at the start of a backup
// (spec.md §4.4 step 2 / §4.5 step 2).
type SystemInfo struct {
	Hostname     string
	OSDetail     string // distro+version (Linux) or caption/build (Windows)
	Architecture string
	UptimeRaw    string
	MemoryMB     int64
	DiskUsage    string            // human-readable root/system volume usage
	Volumes      []VolumeInfo      // Windows only; empty on Linux
	Extra        map[string]string // anything else worth keeping, by tool-specific key
}

// VolumeInfo describes one detected Windows volume.
type VolumeInfo struct {
	Letter   string
	Category string // system | data | network | removable
}

// Result is what a driver returns from a successful (or partially
// successful, per spec.md §4.4 step 7) backup phase sequence.
type Result struct {
	SizeMB           float64
	FileCount        int64
	ArchivePath      string // empty if nothing was transferred
	BytesTransferred int64
	DurationSeconds  float64
	Metadata         map[string]any
}

// Driver is the capability surface the Job Runner dispatches through. For
// each backup attempt the runner itself calls Connect (under the session
// retry budget), then GetSystemInfo, then PerformFullBackup or
// PerformIncrementalBackup with the collected inventory, and Disconnect
// last; the Perform* methods run the remaining phases of spec.md
// §4.4/§4.5 on the already-connected session.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	GetSystemInfo(ctx context.Context) (SystemInfo, error)
	PerformFullBackup(ctx context.Context, opts Options, progress Progress) (Result, error)
	PerformIncrementalBackup(ctx context.Context, opts Options, since time.Time, progress Progress) (Result, error)
}
