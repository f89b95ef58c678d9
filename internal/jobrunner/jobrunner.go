// Package jobrunner implements the per-backup orchestration spec.md §4.6
// describes: it accepts a (client, kind) pair, drives it through the
// correct OS driver inside the backup-level retry budget, and reconciles
// the durable catalog and the in-memory running-jobs registry at every
// transition.
package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erfinfo/efc-backup/internal/db"
	"github.com/erfinfo/efc-backup/internal/driver"
	"github.com/erfinfo/efc-backup/internal/repositories"
	"github.com/erfinfo/efc-backup/internal/retry"
	"github.com/erfinfo/efc-backup/internal/runningjobs"
)

// DriverFactory builds the right Driver variant for a client, selecting by
// OS kind (spec.md §9: "no inheritance hierarchy").
type DriverFactory func(client db.Client) (driver.Driver, error)

// StatsRecorder is the subset of internal/stats' collectors the runner
// updates; declared here to avoid jobrunner depending on Prometheus types
// directly.
type StatsRecorder interface {
	ObserveJobOutcome(status string)
	ObserveDuration(seconds float64)
	ObserveBytesTransferred(n int64)
	SetRunningJobs(n int)
}

// noopStats satisfies StatsRecorder when the caller doesn't wire metrics.
type noopStats struct{}

func (noopStats) ObserveJobOutcome(string)      {}
func (noopStats) ObserveDuration(float64)       {}
func (noopStats) ObserveBytesTransferred(int64) {}
func (noopStats) SetRunningJobs(int)            {}

// Runner dispatches individual backups and reconciles catalog + registry
// state around them.
type Runner struct {
	Clients      repositories.ClientRepository
	Backups      repositories.BackupRepository
	ActivityLogs repositories.ActivityLogRepository
	Registry     *runningjobs.Registry
	DriverFor    DriverFactory
	Stats        StatsRecorder
	Logger       *zap.Logger

	// Breakers gates the connect step per client name, so a host that is
	// consistently unreachable trips open instead of being retried on every
	// scheduled batch. Optional — nil disables breaking, connect attempts
	// still run (unwrapped) under the session budget.
	Breakers *retry.ClientBreakers

	// SessionBudget builds the budget wrapping each connect attempt
	// (spec.md §7: 5 attempts). Defaults to retry.NewSessionBudget; tests
	// override it with a zero-delay budget to avoid real backoff sleeps.
	SessionBudget func() *retry.Budget

	LocalDestRoot string
}

// ErrClientInactive is returned when a backup is requested against a
// disabled client (spec.md §4.6: "Refuses inactive clients with a fatal
// error").
var ErrClientInactive = errors.New("jobrunner: client is inactive")

func (r *Runner) stats() StatsRecorder {
	if r.Stats != nil {
		return r.Stats
	}
	return noopStats{}
}

// Run executes one backup end-to-end and returns the final catalog row.
// Once the catalog row exists, the record is returned in both outcomes, so
// callers (the Scheduler's batch runner) can inspect the terminal state
// either way. The record is nil, with a non-nil error, when the client
// could not be loaded or is inactive, or when the catalog row could not be
// inserted.
func (r *Runner) Run(ctx context.Context, clientName string, kind db.BackupKind, origin string, folderOverride []string) (*db.BackupRecord, error) {
	client, id, err := r.admit(ctx, clientName)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, id, client, kind, origin, folderOverride)
}

// RunAsync starts a backup in the background and returns its id as soon as
// it is admitted (client loaded, activity checked, id minted), before any
// remote I/O happens — spec.md §4.7's startManualBackupForClient: "returning
// the backup id immediately and exposing live progress via the RunningJob
// registry." The backup continues after ctx is cancelled by the caller
// returning, since the scheduler's own lifetime may outlive one API request.
func (r *Runner) RunAsync(ctx context.Context, clientName string, kind db.BackupKind, folderOverride []string) (uuid.UUID, error) {
	client, id, err := r.admit(ctx, clientName)
	if err != nil {
		return uuid.Nil, err
	}
	r.Registry.Register(id, client.Name, kind, "manual")
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := r.execute(bgCtx, id, client, kind, "manual", folderOverride); err != nil {
			r.log().Warn("async manual backup ended with error",
				zap.String("client", clientName), zap.Error(err))
		}
	}()
	return id, nil
}

// admit loads the client, rejects inactive ones, and mints the backup id —
// the synchronous prefix shared by Run and RunAsync.
func (r *Runner) admit(ctx context.Context, clientName string) (db.Client, uuid.UUID, error) {
	client, err := r.Clients.GetByName(ctx, clientName)
	if err != nil {
		return db.Client{}, uuid.Nil, fmt.Errorf("jobrunner: load client %q: %w", clientName, err)
	}
	if !client.Active {
		return db.Client{}, uuid.Nil, retry.New(retry.KindFatalInternal, ErrClientInactive)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return db.Client{}, uuid.Nil, fmt.Errorf("jobrunner: generate backup id: %w", err)
	}
	return *client, id, nil
}

// execute runs the already-admitted backup through to a terminal state.
func (r *Runner) execute(ctx context.Context, id uuid.UUID, client db.Client, kind db.BackupKind, origin string, folderOverride []string) (*db.BackupRecord, error) {
	clientName := client.Name
	r.Registry.Register(id, clientName, kind, origin)
	r.stats().SetRunningJobs(r.Registry.Count())
	defer func() {
		r.stats().SetRunningJobs(r.Registry.Count())
	}()

	record := &db.BackupRecord{ClientName: clientName, Kind: kind, Status: db.BackupStatusPending}
	record.ID = id
	if err := r.Backups.Insert(ctx, record); err != nil {
		r.Registry.Finish(id, true)
		return nil, fmt.Errorf("jobrunner: insert catalog row: %w", err)
	}

	now := time.Now().UTC()
	record.Status = db.BackupStatusRunning
	record.StartedAt = &now
	if err := r.Backups.Update(ctx, record); err != nil {
		r.log().Warn("catalog transition to running failed, continuing", zap.Error(err))
	}

	effectiveKind, since, promoted := r.resolveKind(ctx, clientName, kind)
	if promoted {
		record.Kind = effectiveKind
		r.log().Warn("no prior full backup found, promoting to full",
			zap.String("client", clientName), zap.String("requested_kind", string(kind)))
	}

	progress := func(phase string, percent int) {
		r.Registry.UpdateProgress(id, phase, percent)
	}

	d, err := r.DriverFor(client)
	if err != nil {
		return r.finishFailed(ctx, record, fmt.Errorf("select driver: %w", err))
	}

	result, runErr := r.dispatch(ctx, d, id, effectiveKind, since, client, folderOverride, progress)
	if runErr != nil {
		return r.finishFailed(ctx, record, runErr)
	}
	return r.finishCompleted(ctx, record, result)
}

// resolveKind implements spec.md §4.6's "locate the most recent full
// backup" rule, promoting to full when incremental/differential has no
// prior full to diff against.
func (r *Runner) resolveKind(ctx context.Context, clientName string, kind db.BackupKind) (effective db.BackupKind, since time.Time, promoted bool) {
	if kind == db.BackupKindFull {
		return db.BackupKindFull, time.Time{}, false
	}

	prior, err := r.Backups.LatestCompletedFull(ctx, clientName)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return db.BackupKindFull, time.Time{}, true
		}
		r.log().Warn("prior-full lookup failed, promoting to full", zap.Error(err))
		return db.BackupKindFull, time.Time{}, true
	}
	if prior.CompletedAt == nil {
		return db.BackupKindFull, time.Time{}, true
	}
	return kind, *prior.CompletedAt, false
}

func (r *Runner) dispatch(ctx context.Context, d driver.Driver, id uuid.UUID, kind db.BackupKind, since time.Time, client db.Client, folderOverride []string, progress driver.Progress) (driver.Result, error) {
	budget := retry.NewBackupBudget()
	var result driver.Result

	err := budget.Do(ctx, func(ctx context.Context) error {
		if err := r.connect(ctx, client.Name, d); err != nil {
			return err
		}
		defer d.Disconnect(ctx) //nolint:errcheck

		// GetSystemInfo implements spec.md §4.4 step 2 / §4.5 step 2: best
		// effort, a failure here never fails the backup itself.
		info, infoErr := d.GetSystemInfo(ctx)
		if infoErr != nil {
			r.log().Warn("system info collection failed, continuing", zap.String("client", client.Name), zap.Error(infoErr))
		}

		opts := driver.Options{
			BackupID:           id.String(),
			SystemInfo:         info,
			Folders:            folderOverride,
			LocalDestRoot:      r.LocalDestRoot,
			ExclusionOverrides: parseExclusionOverrides(client.ExclusionOverrides),
		}

		var runErr error
		if kind == db.BackupKindFull {
			result, runErr = d.PerformFullBackup(ctx, opts, progress)
		} else {
			result, runErr = d.PerformIncrementalBackup(ctx, opts, since, progress)
		}
		return runErr
	})
	return result, err
}

// connect runs d.Connect under the session budget (spec.md §7: up to 5
// attempts for individual SSH operations), gated by the client's circuit
// breaker when one is configured so a host stuck down stops being hammered
// on every scheduled batch.
func (r *Runner) connect(ctx context.Context, clientName string, d driver.Driver) error {
	newBudget := r.SessionBudget
	if newBudget == nil {
		newBudget = retry.NewSessionBudget
	}
	connectFn := func(ctx context.Context) error { return d.Connect(ctx) }

	if r.Breakers == nil {
		return newBudget().Do(ctx, connectFn)
	}
	return r.Breakers.Do(ctx, clientName, newBudget(), connectFn)
}

func parseExclusionOverrides(raw string) []string {
	if raw == "" {
		return nil
	}
	var overrides []string
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil
	}
	return overrides
}

func (r *Runner) finishCompleted(ctx context.Context, record *db.BackupRecord, result driver.Result) (*db.BackupRecord, error) {
	now := time.Now().UTC()
	record.Status = db.BackupStatusCompleted
	record.CompletedAt = &now
	record.SizeMB = result.SizeMB
	record.FileCount = result.FileCount
	record.ArchivePath = result.ArchivePath
	if meta, err := json.Marshal(result.Metadata); err == nil {
		record.Metadata = string(meta)
	}

	if err := r.Backups.Update(ctx, record); err != nil {
		r.log().Error("catalog update to completed failed; archive already written", zap.Error(err))
	}

	// addNetworkStats is invoked exactly once here, regardless of OS or
	// kind, and only when at least one file was transferred.
	if result.FileCount > 0 && record.StartedAt != nil {
		stats := &db.NetworkStats{
			BackupID:         record.ID,
			BytesTransferred: result.BytesTransferred,
			DurationSeconds:  now.Sub(*record.StartedAt).Seconds(),
			FileCount:        result.FileCount,
			StartedAt:        *record.StartedAt,
			CompletedAt:      now,
		}
		if stats.DurationSeconds > 0 {
			stats.AverageSpeedMbps = (float64(result.BytesTransferred) * 8 / 1_000_000) / stats.DurationSeconds
		}
		if err := r.Backups.InsertNetworkStats(ctx, stats); err != nil {
			r.log().Warn("network stats insert failed", zap.Error(err))
		}
	}

	r.appendActivity(ctx, "backup_completed", record)
	r.Registry.Finish(record.ID, false)

	r.stats().ObserveJobOutcome("completed")
	if record.StartedAt != nil {
		r.stats().ObserveDuration(now.Sub(*record.StartedAt).Seconds())
	}
	r.stats().ObserveBytesTransferred(result.BytesTransferred)

	return record, nil
}

func (r *Runner) finishFailed(ctx context.Context, record *db.BackupRecord, cause error) (*db.BackupRecord, error) {
	now := time.Now().UTC()
	record.Status = db.BackupStatusFailed
	record.FailedAt = &now
	record.Error = cause.Error()

	if err := r.Backups.Update(ctx, record); err != nil {
		r.log().Error("catalog update to failed failed", zap.Error(err))
	}

	r.appendActivity(ctx, "backup_failed", record)
	r.Registry.Finish(record.ID, true)
	r.stats().ObserveJobOutcome("failed")

	return record, cause
}

func (r *Runner) appendActivity(ctx context.Context, action string, record *db.BackupRecord) {
	entry := &db.ActivityLog{
		Action:     action,
		ClientName: record.ClientName,
		BackupID:   record.ID.String(),
		Actor:      "system",
		Timestamp:  time.Now().UTC(),
	}
	if err := r.ActivityLogs.Append(ctx, entry); err != nil {
		r.log().Warn("activity log append failed", zap.Error(err))
	}
}

func (r *Runner) log() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}
