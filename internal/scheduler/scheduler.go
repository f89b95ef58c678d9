// Package scheduler implements spec.md §4.7: built-in and custom cron
// schedules, each firing a batch of per-client backups through the Job
// Runner with bounded parallelism, plus a manual-trigger API used by the
// dashboard/CLI outside of any cron tick.
//
// One gocron job is registered per db.Schedule row (built-in or custom),
// tagged by schedule name so it can be removed/replaced individually —
// the same one-job-per-entity, tag-addressed shape the teacher's scheduler
// uses for policies.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erfinfo/efc-backup/internal/db"
	"github.com/erfinfo/efc-backup/internal/repositories"
)

// BackupRunner is the subset of jobrunner.Runner the Scheduler drives.
// Declared locally so this package doesn't import jobrunner's full surface.
type BackupRunner interface {
	Run(ctx context.Context, clientName string, kind db.BackupKind, origin string, folderOverride []string) (*db.BackupRecord, error)
	RunAsync(ctx context.Context, clientName string, kind db.BackupKind, folderOverride []string) (uuid.UUID, error)
}

// RetentionSweeper is invoked after a successful full-kind batch run
// (spec.md §4.7: "After a successful full-kind run, the Retention Sweeper
// is invoked."). Declared narrowly so internal/retention stays decoupled.
type RetentionSweeper interface {
	Sweep(ctx context.Context) error
}

// Notifier is invoked once per batch when any job fails, or always when
// success notifications are enabled (spec.md §4.7).
type Notifier interface {
	NotifyBatchOutcome(ctx context.Context, summary BatchSummary) error
}

// BatchSummary aggregates the outcome of one scheduled or manual batch run.
type BatchSummary struct {
	ScheduleName string
	Kind         db.BackupKind
	Origin       string
	Succeeded    []string
	Failed       map[string]string // client name -> error string
}

func (s BatchSummary) AnyFailed() bool { return len(s.Failed) > 0 }

// BuiltinConfig carries the overridable wall-clock times for the three
// built-in schedules (spec.md §4.7 / §6 env knobs).
type BuiltinConfig struct {
	DailyIncremental TimeOfDay
	WeeklyFull       TimeOfDay
	WeeklyFullDay    int // 0=Sunday
	MonthlyFull      TimeOfDay
	MonthlyFullDay   int // 1..31
	MaxParallel      int
	NotifyOnSuccess  bool
	Timezone         *time.Location
}

// DefaultBuiltinConfig returns spec.md §4.7's defaults: daily incremental
// 02:00, weekly full Sunday 03:00, monthly full day-1 04:00, 2 parallel.
func DefaultBuiltinConfig() BuiltinConfig {
	return BuiltinConfig{
		DailyIncremental: TimeOfDay{Hour: 2, Minute: 0},
		WeeklyFull:       TimeOfDay{Hour: 3, Minute: 0},
		WeeklyFullDay:    0,
		MonthlyFull:      TimeOfDay{Hour: 4, Minute: 0},
		MonthlyFullDay:   1,
		MaxParallel:      2,
		Timezone:         time.UTC,
	}
}

const (
	builtinDailyName   = "builtin-daily-incremental"
	builtinWeeklyName  = "builtin-weekly-full"
	builtinMonthlyName = "builtin-monthly-full"
)

// Scheduler owns the gocron handle and coordinates batch dispatch.
// The zero value is not usable — construct with New.
type Scheduler struct {
	cron      gocron.Scheduler
	schedules repositories.ScheduleRepository
	clients   repositories.ClientRepository
	runner    BackupRunner
	retention RetentionSweeper
	notifier  Notifier
	cfg       BuiltinConfig
	logger    *zap.Logger
}

// New constructs a Scheduler. Retention and Notifier may be nil (best effort
// is skipped silently if so — both are optional per spec.md §9).
func New(schedules repositories.ScheduleRepository, clients repositories.ClientRepository, runner BackupRunner, retention RetentionSweeper, notifier Notifier, cfg BuiltinConfig, logger *zap.Logger) (*Scheduler, error) {
	g, err := gocron.NewScheduler(gocron.WithLocation(cfg.Timezone))
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 2
	}
	return &Scheduler{
		cron:      g,
		schedules: schedules,
		clients:   clients,
		runner:    runner,
		retention: retention,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.Named("scheduler"),
	}, nil
}

// Start ensures the three built-in schedules exist, loads every active
// schedule (built-in and custom) from the repository, registers a cron
// entry for each, and starts the gocron clock. Call once at startup.
func (s *Scheduler) Start(ctx context.Context) error {
	builtins, err := s.ensureBuiltins(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: ensure built-in schedules: %w", err)
	}

	registered := 0
	for _, sched := range builtins {
		if !sched.Active {
			continue
		}
		if err := s.register(sched); err != nil {
			s.logger.Error("failed to register built-in schedule", zap.String("name", sched.Name), zap.Error(err))
			continue
		}
		registered++
	}

	custom, err := s.schedules.ListActiveCustom(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list active custom schedules: %w", err)
	}
	for i := range custom {
		if err := s.register(&custom[i]); err != nil {
			s.logger.Error("failed to register custom schedule", zap.String("name", custom[i].Name), zap.Error(err))
			continue
		}
		registered++
	}

	s.logger.Info("scheduler started", zap.Int("schedules_registered", registered))
	s.cron.Start()
	return nil
}

// Stop shuts down the underlying gocron scheduler, waiting for in-flight
// ticks' task functions to return.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// ensureBuiltins creates the three built-in schedule rows on first run and
// returns the current (possibly operator-edited) rows on subsequent starts —
// idempotent, since a later boot must not clobber an operator's disable of
// a built-in schedule.
func (s *Scheduler) ensureBuiltins(ctx context.Context) ([]*db.Schedule, error) {
	defs := []struct {
		name string
		kind db.BackupKind
		tup  CronTuple
	}{
		{builtinDailyName, db.BackupKindIncremental, CronTuple{Time: s.cfg.DailyIncremental}},
		{builtinWeeklyName, db.BackupKindFull, CronTuple{Time: s.cfg.WeeklyFull, DayOfWeek: &s.cfg.WeeklyFullDay}},
		{builtinMonthlyName, db.BackupKindFull, CronTuple{Time: s.cfg.MonthlyFull, DayOfMonth: &s.cfg.MonthlyFullDay}},
	}

	out := make([]*db.Schedule, 0, len(defs))
	for _, d := range defs {
		existing, err := s.schedules.GetByName(ctx, d.name)
		if err == nil {
			out = append(out, existing)
			continue
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("load built-in schedule %q: %w", d.name, err)
		}
		sched := &db.Schedule{
			Name:           d.name,
			CronExpression: d.tup.ToCronExpression(),
			Kind:           d.kind,
			Active:         true,
			Origin:         db.ScheduleOriginBuiltIn,
		}
		if err := s.schedules.Create(ctx, sched); err != nil {
			return nil, fmt.Errorf("create built-in schedule %q: %w", d.name, err)
		}
		out = append(out, sched)
	}
	return out, nil
}

// register installs one gocron job for a persisted schedule row, tagged by
// name. Safe to call while the scheduler is running.
func (s *Scheduler) register(sched *db.Schedule) error {
	name := sched.Name
	_, err := s.cron.NewJob(
		gocron.CronJob(sched.CronExpression, false),
		gocron.NewTask(func(scheduleName string, kind db.BackupKind) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
			defer cancel()
			if err := s.fire(ctx, scheduleName, kind); err != nil {
				s.logger.Error("scheduled batch failed", zap.String("schedule", scheduleName), zap.Error(err))
			}
		}, name, sched.Kind),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob for schedule %q (cron %q): %w", name, sched.CronExpression, err)
	}
	return nil
}

// fire re-fetches the schedule at tick time (it may have been edited since
// registration) and runs its batch.
func (s *Scheduler) fire(ctx context.Context, scheduleName string, fallbackKind db.BackupKind) error {
	sched, err := s.schedules.GetByName(ctx, scheduleName)
	if err != nil {
		return fmt.Errorf("reload schedule %q at tick time: %w", scheduleName, err)
	}
	if !sched.Active {
		s.logger.Info("skipping tick for disabled schedule", zap.String("schedule", scheduleName))
		return nil
	}

	clientNames, err := s.resolveClients(ctx, sched.RestrictedClients)
	if err != nil {
		return fmt.Errorf("resolve clients for schedule %q: %w", scheduleName, err)
	}

	summary := s.runBatch(ctx, clientNames, sched.Kind, "scheduled:"+scheduleName)

	if err := s.schedules.IncrementRunCount(ctx, sched.ID); err != nil {
		s.logger.Warn("run-count increment failed", zap.String("schedule", scheduleName), zap.Error(err))
	}

	s.notify(ctx, summary)

	if sched.Kind == db.BackupKindFull && !summary.AnyFailed() && s.retention != nil {
		if err := s.retention.Sweep(ctx); err != nil {
			s.logger.Warn("retention sweep after successful full batch failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) resolveClients(ctx context.Context, restrictedJSON string) ([]string, error) {
	restricted := decodeClientNames(restrictedJSON)
	if len(restricted) > 0 {
		return restricted, nil
	}
	active, err := s.clients.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(active))
	for _, c := range active {
		names = append(names, c.Name)
	}
	return names, nil
}

// runBatch splits clientNames into groups of cfg.MaxParallel and runs each
// group concurrently, awaiting the group before starting the next — the
// bounded-parallelism contract of spec.md §5 ("sum of in-flight jobs ...
// is ≤ MAX_PARALLEL_BACKUPS at all times").
func (s *Scheduler) runBatch(ctx context.Context, clientNames []string, kind db.BackupKind, origin string) BatchSummary {
	summary := BatchSummary{Kind: kind, Origin: origin, Failed: make(map[string]string)}

	for start := 0; start < len(clientNames); start += s.cfg.MaxParallel {
		end := start + s.cfg.MaxParallel
		if end > len(clientNames) {
			end = len(clientNames)
		}
		group := clientNames[start:end]

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, name := range group {
			wg.Add(1)
			go func(clientName string) {
				defer wg.Done()
				_, err := s.runner.Run(ctx, clientName, kind, origin, nil)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					summary.Failed[clientName] = err.Error()
				} else {
					summary.Succeeded = append(summary.Succeeded, clientName)
				}
			}(name)
		}
		wg.Wait()
	}
	return summary
}

func (s *Scheduler) notify(ctx context.Context, summary BatchSummary) {
	if s.notifier == nil {
		return
	}
	if !summary.AnyFailed() && !s.cfg.NotifyOnSuccess {
		return
	}
	if err := s.notifier.NotifyBatchOutcome(ctx, summary); err != nil {
		s.logger.Warn("notification dispatch failed", zap.Error(err))
	}
}

// StartManualBackup runs a one-shot batch identical to a scheduled run
// (spec.md §4.7), returning aggregate success/failure counts once every
// client in the batch has finished.
func (s *Scheduler) StartManualBackup(ctx context.Context, clientNames []string, kind db.BackupKind) (BatchSummary, error) {
	if len(clientNames) == 0 {
		active, err := s.clients.ListActive(ctx)
		if err != nil {
			return BatchSummary{}, fmt.Errorf("list active clients: %w", err)
		}
		for _, c := range active {
			clientNames = append(clientNames, c.Name)
		}
	}
	summary := s.runBatch(ctx, clientNames, kind, "manual")
	s.notify(ctx, summary)
	return summary, nil
}

// StartManualBackupForClient runs a single client asynchronously, returning
// the backup id immediately (spec.md §4.7).
func (s *Scheduler) StartManualBackupForClient(ctx context.Context, clientName string, kind db.BackupKind, folderOverride []string) (uuid.UUID, error) {
	return s.runner.RunAsync(ctx, clientName, kind, folderOverride)
}

// AddSchedule validates the cron expression, persists a new custom schedule,
// and registers it immediately (spec.md §4.7: "Adding a custom schedule
// persists it, then registers the cron entry.").
func (s *Scheduler) AddSchedule(ctx context.Context, name, cronExpr string, kind db.BackupKind, restrictedClients []string, description string) (*db.Schedule, error) {
	if err := ValidateCronExpression(cronExpr); err != nil {
		return nil, err
	}
	sched := &db.Schedule{
		Name:              name,
		CronExpression:    cronExpr,
		Kind:              kind,
		RestrictedClients: encodeClientNames(restrictedClients),
		Description:       description,
		Active:            true,
		Origin:            db.ScheduleOriginCustom,
	}
	if err := s.schedules.Create(ctx, sched); err != nil {
		return nil, fmt.Errorf("persist schedule %q: %w", name, err)
	}
	if err := s.register(sched); err != nil {
		return nil, fmt.Errorf("register schedule %q: %w", name, err)
	}
	return sched, nil
}

// RemoveSchedule destroys the cron entry and soft-deletes the row.
func (s *Scheduler) RemoveSchedule(ctx context.Context, id uuid.UUID) error {
	return s.removeByID(ctx, id)
}

// RenameSchedule is modeled as delete + add (spec.md §4.7).
func (s *Scheduler) RenameSchedule(ctx context.Context, oldName, newName string) error {
	old, err := s.schedules.GetByName(ctx, oldName)
	if err != nil {
		return fmt.Errorf("load schedule %q: %w", oldName, err)
	}
	restricted := decodeClientNames(old.RestrictedClients)
	if err := s.removeByID(ctx, old.ID); err != nil {
		return err
	}
	_, err = s.AddSchedule(ctx, newName, old.CronExpression, old.Kind, restricted, old.Description)
	return err
}

// removeByID destroys the gocron entry for a schedule and soft-deletes its
// catalog row. Looked up by id since gocron tags by name, which we don't
// have without an extra fetch when the caller only holds an id.
func (s *Scheduler) removeByID(ctx context.Context, id uuid.UUID) error {
	sched, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", id, err)
	}
	s.cron.RemoveByTags(sched.Name)
	if err := s.schedules.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("soft-delete schedule %s: %w", id, err)
	}
	s.logger.Info("schedule removed", zap.String("name", sched.Name))
	return nil
}
