package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/erfinfo/efc-backup/internal/db"
	"github.com/erfinfo/efc-backup/internal/driver"
	"github.com/erfinfo/efc-backup/internal/jobrunner"
	"github.com/erfinfo/efc-backup/internal/notification"
	"github.com/erfinfo/efc-backup/internal/repositories"
	"github.com/erfinfo/efc-backup/internal/retention"
	"github.com/erfinfo/efc-backup/internal/retry"
	"github.com/erfinfo/efc-backup/internal/runningjobs"
	"github.com/erfinfo/efc-backup/internal/scheduler"
	"github.com/erfinfo/efc-backup/internal/sshsession"
	"github.com/erfinfo/efc-backup/internal/stats"
)

var (
	version = "dev"
	commit  = "none"
)

// config holds the CLI flags, each backed by an environment knob spec.md
// §6 names as "recognized; names are stable."
type config struct {
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string

	backupPath         string
	maxParallelBackups int
	retentionDays      int
	timezone           string

	dailyBackupTime  string
	weeklyBackupDay  int
	weeklyBackupTime string
	monthlyDay       int
	monthlyTime      string

	useVSS            bool
	createSystemImage bool

	notifyOnSuccess bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "efc-backup-server",
		Short: "efc-backup server — centralized SSH backup orchestrator",
		Long: `efc-backup server is the central coordinator of the efc-backup system.
It connects to enrolled Windows and Linux hosts over SSH, drives scheduled
and manual backups through the job runner, and retires old archives
according to the configured retention policy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("EFC_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("EFC_DB_DSN", "./efc-backup.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("EFC_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("EFC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.PersistentFlags().StringVar(&cfg.backupPath, "backup-path", envOrDefault("BACKUP_PATH", "./data/backups"), "Local root directory archives are downloaded into")
	root.PersistentFlags().IntVar(&cfg.maxParallelBackups, "max-parallel-backups", envAsIntOrDefault("MAX_PARALLEL_BACKUPS", 2), "Maximum number of backups dispatched concurrently")
	root.PersistentFlags().IntVar(&cfg.retentionDays, "retention-days", envAsIntOrDefault("RETENTION_DAYS", 30), "Age in days beyond which archives and catalog rows are swept")
	root.PersistentFlags().StringVar(&cfg.timezone, "timezone", envOrDefault("TZ", "UTC"), "IANA timezone the scheduler's cron entries run in")

	root.PersistentFlags().StringVar(&cfg.dailyBackupTime, "daily-backup-time", envOrDefault("DAILY_BACKUP_TIME", "02:00"), "Time of day (HH:MM) the built-in daily incremental runs")
	root.PersistentFlags().IntVar(&cfg.weeklyBackupDay, "weekly-backup-day", envAsIntOrDefault("WEEKLY_BACKUP_DAY", 0), "Day of week (0=Sunday) the built-in weekly full runs")
	root.PersistentFlags().StringVar(&cfg.weeklyBackupTime, "weekly-backup-time", envOrDefault("WEEKLY_BACKUP_TIME", "03:00"), "Time of day (HH:MM) the built-in weekly full runs")
	root.PersistentFlags().IntVar(&cfg.monthlyDay, "monthly-backup-day", envAsIntOrDefault("MONTHLY_BACKUP_DAY", 1), "Day of month the built-in monthly full runs")
	root.PersistentFlags().StringVar(&cfg.monthlyTime, "monthly-backup-time", envOrDefault("MONTHLY_BACKUP_TIME", "04:00"), "Time of day (HH:MM) the built-in monthly full runs")

	root.PersistentFlags().BoolVar(&cfg.useVSS, "use-vss", envOrDefault("USE_VSS", "true") == "true", "Attempt a volume-shadow snapshot before copying Windows folders")
	root.PersistentFlags().BoolVar(&cfg.createSystemImage, "create-system-image", envOrDefault("CREATE_SYSTEM_IMAGE", "false") == "true", "Create a Windows system image on full backups, unless a client overrides it")
	root.PersistentFlags().BoolVar(&cfg.notifyOnSuccess, "notify-on-success", envOrDefault("NOTIFY_ON_SUCCESS", "false") == "true", "Send a notification even when a scheduled batch has no failures")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("efc-backup-server %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or EFC_SECRET_KEY")
	}

	loc, err := time.LoadLocation(cfg.timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.timezone, err)
	}

	logger.Info("starting efc-backup server",
		zap.String("version", version),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
		zap.String("backup_path", cfg.backupPath),
		zap.Int("max_parallel_backups", cfg.maxParallelBackups),
		zap.Int("retention_days", cfg.retentionDays),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before opening the database so EncryptedString
	// fields (client secrets, SMTP/webhook config) can encrypt/decrypt
	// transparently on read/write.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	if err := os.MkdirAll(cfg.backupPath, 0o750); err != nil {
		return fmt.Errorf("failed to create backup path %q: %w", cfg.backupPath, err)
	}

	// --- 3. Repositories ---
	clientRepo := repositories.NewClientRepository(gormDB)
	scheduleRepo := repositories.NewScheduleRepository(gormDB)
	backupRepo := repositories.NewBackupRepository(gormDB)
	activityLogRepo := repositories.NewActivityLogRepository(gormDB)
	settingsRepo := repositories.NewSettingsRepository(gormDB)

	// --- 4. Stats ---
	collectors := stats.New(prometheus.DefaultRegisterer)

	// --- 5. Job Runner ---
	runningJobs := runningjobs.New()
	breakers := retry.NewClientBreakers(logger.Named("circuitbreaker"))

	runner := &jobrunner.Runner{
		Clients:       clientRepo,
		Backups:       backupRepo,
		ActivityLogs:  activityLogRepo,
		Registry:      runningJobs,
		Stats:         collectors,
		Logger:        logger.Named("jobrunner"),
		Breakers:      breakers,
		LocalDestRoot: cfg.backupPath,
		DriverFor:     driverFactory(cfg, logger),
	}

	// --- 6. Retention Sweeper ---
	sweeper := retention.New(cfg.backupPath, cfg.retentionDays, backupRepo, activityLogRepo, func(ctx context.Context) error {
		return db.Compact(ctx, gormDB)
	}, logger.Named("retention"))

	// --- 7. Notification ---
	notifier := notification.NewService(notification.Config{
		Settings: settingsRepo,
		Logger:   logger,
	})

	// --- 8. Scheduler ---
	builtinCfg, err := buildSchedulerConfig(cfg, loc)
	if err != nil {
		return fmt.Errorf("invalid schedule configuration: %w", err)
	}

	sched, err := scheduler.New(scheduleRepo, clientRepo, runner, sweeper, notifier, builtinCfg, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down efc-backup server")

	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler shutdown error", zap.Error(err))
	}
	runningJobs.Shutdown()

	logger.Info("efc-backup server stopped")
	return nil
}

// driverFactory selects the per-OS Driver variant spec.md §9's "no
// inheritance hierarchy" note calls for, reading the Windows-only knobs
// (USE_VSS, CREATE_SYSTEM_IMAGE) from the resolved config.
func driverFactory(cfg *config, logger *zap.Logger) jobrunner.DriverFactory {
	return func(client db.Client) (driver.Driver, error) {
		// client.Secret is EncryptedString; String() redacts on purpose
		// (spec.md §3), so the real plaintext is taken via an explicit
		// conversion only at this single point where it is genuinely needed.
		creds := sshsession.Credentials{Username: client.Username, Secret: string(client.Secret)}
		switch client.OS {
		case db.OSKindWindows:
			return driver.NewWindowsDriver(client.Name, client.Host, client.Port, creds, client.Folders, client.KnownHostKey, cfg.createSystemImage, cfg.useVSS, logger.Named("driver.windows")), nil
		case db.OSKindLinux:
			return driver.NewLinuxDriver(client.Name, client.Host, client.Port, creds, client.Folders, client.KnownHostKey, logger.Named("driver.linux")), nil
		default:
			return nil, fmt.Errorf("unsupported OS kind %q for client %q", client.OS, client.Name)
		}
	}
}

// buildSchedulerConfig turns the flag/env-sourced schedule times into
// scheduler.BuiltinConfig, validating each HH:MM pair.
func buildSchedulerConfig(cfg *config, loc *time.Location) (scheduler.BuiltinConfig, error) {
	daily, err := parseTimeOfDay(cfg.dailyBackupTime)
	if err != nil {
		return scheduler.BuiltinConfig{}, fmt.Errorf("daily-backup-time: %w", err)
	}
	weekly, err := parseTimeOfDay(cfg.weeklyBackupTime)
	if err != nil {
		return scheduler.BuiltinConfig{}, fmt.Errorf("weekly-backup-time: %w", err)
	}
	monthly, err := parseTimeOfDay(cfg.monthlyTime)
	if err != nil {
		return scheduler.BuiltinConfig{}, fmt.Errorf("monthly-backup-time: %w", err)
	}

	return scheduler.BuiltinConfig{
		DailyIncremental: daily,
		WeeklyFull:       weekly,
		WeeklyFullDay:    cfg.weeklyBackupDay,
		MonthlyFull:      monthly,
		MonthlyFullDay:   cfg.monthlyDay,
		MaxParallel:      cfg.maxParallelBackups,
		NotifyOnSuccess:  cfg.notifyOnSuccess,
		Timezone:         loc,
	}, nil
}

func parseTimeOfDay(hhmm string) (scheduler.TimeOfDay, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return scheduler.TimeOfDay{}, fmt.Errorf("expected HH:MM, got %q", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return scheduler.TimeOfDay{}, fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return scheduler.TimeOfDay{}, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return scheduler.TimeOfDay{Hour: hour, Minute: minute}, nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envAsIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
