package jobrunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfinfo/efc-backup/internal/db"
	"github.com/erfinfo/efc-backup/internal/driver"
	"github.com/erfinfo/efc-backup/internal/repositories"
	"github.com/erfinfo/efc-backup/internal/retry"
	"github.com/erfinfo/efc-backup/internal/runningjobs"
	"go.uber.org/zap"
)

// -- fakes -------------------------------------------------------------

type fakeClients struct {
	byName map[string]*db.Client
}

func (f *fakeClients) Upsert(ctx context.Context, c *db.Client) error { return nil }
func (f *fakeClients) GetByID(ctx context.Context, id uuid.UUID) (*db.Client, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeClients) GetByName(ctx context.Context, name string) (*db.Client, error) {
	c, ok := f.byName[name]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return c, nil
}
func (f *fakeClients) Update(ctx context.Context, c *db.Client) error       { return nil }
func (f *fakeClients) SoftDelete(ctx context.Context, id uuid.UUID) error   { return nil }
func (f *fakeClients) List(ctx context.Context, opts repositories.ListOptions) ([]db.Client, int64, error) {
	return nil, 0, nil
}
func (f *fakeClients) ListActive(ctx context.Context) ([]db.Client, error) { return nil, nil }

type fakeBackups struct {
	inserted      []*db.BackupRecord
	updated       []*db.BackupRecord
	networkStats  []*db.NetworkStats
	latestFull    *db.BackupRecord
	latestFullErr error
}

func (f *fakeBackups) Insert(ctx context.Context, b *db.BackupRecord) error {
	f.inserted = append(f.inserted, b)
	return nil
}
func (f *fakeBackups) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupRecord, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeBackups) Update(ctx context.Context, b *db.BackupRecord) error {
	cp := *b
	f.updated = append(f.updated, &cp)
	return nil
}
func (f *fakeBackups) ListBackups(ctx context.Context, filter repositories.BackupListFilter) ([]db.BackupRecord, int64, error) {
	return nil, 0, nil
}
func (f *fakeBackups) LatestCompletedFull(ctx context.Context, clientName string) (*db.BackupRecord, error) {
	if f.latestFullErr != nil {
		return nil, f.latestFullErr
	}
	return f.latestFull, nil
}
func (f *fakeBackups) Stats(ctx context.Context) (repositories.BackupStatsSummary, error) {
	return repositories.BackupStatsSummary{}, nil
}
func (f *fakeBackups) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeBackups) InsertNetworkStats(ctx context.Context, stats *db.NetworkStats) error {
	f.networkStats = append(f.networkStats, stats)
	return nil
}
func (f *fakeBackups) DeleteNetworkStatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeActivityLogs struct {
	entries []*db.ActivityLog
}

func (f *fakeActivityLogs) Append(ctx context.Context, e *db.ActivityLog) error {
	f.entries = append(f.entries, e)
	return nil
}
func (f *fakeActivityLogs) List(ctx context.Context, opts repositories.ListOptions) ([]db.ActivityLog, int64, error) {
	return nil, 0, nil
}
func (f *fakeActivityLogs) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeDriver struct {
	connectErr error
	result     driver.Result
	runErr     error
	connected  bool
}

func (d *fakeDriver) Connect(ctx context.Context) error {
	d.connected = true
	return d.connectErr
}
func (d *fakeDriver) Disconnect(ctx context.Context) error { d.connected = false; return nil }
func (d *fakeDriver) GetSystemInfo(ctx context.Context) (driver.SystemInfo, error) {
	return driver.SystemInfo{}, nil
}
func (d *fakeDriver) PerformFullBackup(ctx context.Context, opts driver.Options, progress driver.Progress) (driver.Result, error) {
	progress("copy", 50)
	progress("done", 100)
	return d.result, d.runErr
}
func (d *fakeDriver) PerformIncrementalBackup(ctx context.Context, opts driver.Options, since time.Time, progress driver.Progress) (driver.Result, error) {
	progress("copy", 50)
	progress("done", 100)
	return d.result, d.runErr
}

func newTestRunner(t *testing.T, client *db.Client, backups *fakeBackups, d *fakeDriver) (*Runner, *fakeActivityLogs) {
	t.Helper()
	clients := &fakeClients{byName: map[string]*db.Client{client.Name: client}}
	activity := &fakeActivityLogs{}
	r := &Runner{
		Clients:       clients,
		Backups:       backups,
		ActivityLogs:  activity,
		Registry:      runningjobs.New(),
		LocalDestRoot: "/var/backups",
		DriverFor: func(c db.Client) (driver.Driver, error) {
			return d, nil
		},
	}
	return r, activity
}

func TestRunner_FullBackupSuccess(t *testing.T) {
	client := &db.Client{Name: "acme-db01", Active: true, OS: db.OSKindLinux}
	backups := &fakeBackups{}
	fd := &fakeDriver{result: driver.Result{SizeMB: 12, FileCount: 5, ArchivePath: "/var/backups/x.tar.gz", BytesTransferred: 1024}}
	r, activity := newTestRunner(t, client, backups, fd)

	record, err := r.Run(context.Background(), "acme-db01", db.BackupKindFull, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, db.BackupStatusCompleted, record.Status)
	assert.Equal(t, 12.0, record.SizeMB)
	require.Len(t, backups.networkStats, 1)
	assert.Equal(t, int64(1024), backups.networkStats[0].BytesTransferred)
	assert.Len(t, activity.entries, 1)
	assert.Equal(t, "backup_completed", activity.entries[0].Action)

	j, ok := r.Registry.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, 100, j.Progress)
}

func TestRunner_RefusesInactiveClient(t *testing.T) {
	client := &db.Client{Name: "acme-db01", Active: false, OS: db.OSKindLinux}
	backups := &fakeBackups{}
	fd := &fakeDriver{}
	r, _ := newTestRunner(t, client, backups, fd)

	_, err := r.Run(context.Background(), "acme-db01", db.BackupKindFull, "manual", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientInactive)
	assert.False(t, fd.connected)
}

func TestRunner_DriverFailureMarksBackupFailed(t *testing.T) {
	client := &db.Client{Name: "acme-db01", Active: true, OS: db.OSKindLinux}
	backups := &fakeBackups{}
	fd := &fakeDriver{runErr: errors.New("copy tool crashed")}
	r, activity := newTestRunner(t, client, backups, fd)

	record, err := r.Run(context.Background(), "acme-db01", db.BackupKindFull, "manual", nil)
	require.Error(t, err)
	require.NotNil(t, record)
	assert.Equal(t, db.BackupStatusFailed, record.Status)
	assert.NotEmpty(t, record.Error)
	assert.Equal(t, "backup_failed", activity.entries[len(activity.entries)-1].Action)

	j, ok := r.Registry.Get(record.ID)
	require.True(t, ok)
	assert.True(t, j.Failed)
}

func TestRunner_IncrementalWithNoPriorFullPromotesToFull(t *testing.T) {
	client := &db.Client{Name: "acme-db01", Active: true, OS: db.OSKindLinux}
	backups := &fakeBackups{latestFullErr: repositories.ErrNotFound}
	fd := &fakeDriver{result: driver.Result{SizeMB: 0, FileCount: 0}}
	r, _ := newTestRunner(t, client, backups, fd)

	record, err := r.Run(context.Background(), "acme-db01", db.BackupKindIncremental, "scheduled", nil)
	require.NoError(t, err)
	assert.Equal(t, db.BackupKindFull, record.Kind)
}

func TestRunner_IncrementalWithPriorFullUsesItsCompletedAt(t *testing.T) {
	completedAt := time.Now().Add(-48 * time.Hour)
	client := &db.Client{Name: "acme-db01", Active: true, OS: db.OSKindLinux}
	backups := &fakeBackups{latestFull: &db.BackupRecord{CompletedAt: &completedAt}}
	fd := &fakeDriver{result: driver.Result{FileCount: 2}}
	r, _ := newTestRunner(t, client, backups, fd)

	record, err := r.Run(context.Background(), "acme-db01", db.BackupKindIncremental, "scheduled", nil)
	require.NoError(t, err)
	assert.Equal(t, db.BackupKindIncremental, record.Kind)
}

func TestRunner_RunAsyncReturnsIDImmediatelyAndCompletes(t *testing.T) {
	client := &db.Client{Name: "acme-db01", Active: true, OS: db.OSKindLinux}
	backups := &fakeBackups{}
	fd := &fakeDriver{result: driver.Result{FileCount: 1, BytesTransferred: 512}}
	r, _ := newTestRunner(t, client, backups, fd)

	id, err := r.RunAsync(context.Background(), "acme-db01", db.BackupKindFull, nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	j, ok := r.Registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, "acme-db01", j.Client)

	require.Eventually(t, func() bool {
		j, ok := r.Registry.Get(id)
		return ok && j.Progress == 100
	}, time.Second, 5*time.Millisecond)
}

func TestRunner_RunAsyncRefusesInactiveClientSynchronously(t *testing.T) {
	client := &db.Client{Name: "acme-db01", Active: false, OS: db.OSKindLinux}
	backups := &fakeBackups{}
	fd := &fakeDriver{}
	r, _ := newTestRunner(t, client, backups, fd)

	_, err := r.RunAsync(context.Background(), "acme-db01", db.BackupKindFull, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientInactive)
}

func TestRunner_TransportErrorOnConnectTripsBreakerAfterRepeatedFailures(t *testing.T) {
	client := &db.Client{Name: "acme-db01", Active: true, OS: db.OSKindLinux}
	backups := &fakeBackups{}
	fd := &fakeDriver{connectErr: retry.New(retry.KindTransportUnreachable, errors.New("dial tcp: connection refused"))}
	r, _ := newTestRunner(t, client, backups, fd)
	r.Breakers = retry.NewClientBreakers(zap.NewNop())
	r.SessionBudget = func() *retry.Budget {
		return retry.NewBudget(1, time.Millisecond, time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		_, err := r.Run(context.Background(), "acme-db01", db.BackupKindFull, "manual", nil)
		require.Error(t, err)
	}

	assert.Equal(t, "open", r.Breakers.State("acme-db01").String())
}

func TestRunner_NoNetworkStatsWhenNothingTransferred(t *testing.T) {
	client := &db.Client{Name: "acme-db01", Active: true, OS: db.OSKindLinux}
	backups := &fakeBackups{}
	fd := &fakeDriver{result: driver.Result{SizeMB: 0, FileCount: 0, BytesTransferred: 0}}
	r, _ := newTestRunner(t, client, backups, fd)

	_, err := r.Run(context.Background(), "acme-db01", db.BackupKindFull, "manual", nil)
	require.NoError(t, err)
	assert.Empty(t, backups.networkStats)
}
