package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfinfo/efc-backup/internal/db"
	"github.com/erfinfo/efc-backup/internal/repositories"
)

// -- fakes -------------------------------------------------------------

type fakeScheduleRepo struct {
	byName   map[string]*db.Schedule
	byID     map[uuid.UUID]*db.Schedule
	runCount map[uuid.UUID]int64
}

func newFakeScheduleRepo() *fakeScheduleRepo {
	return &fakeScheduleRepo{byName: map[string]*db.Schedule{}, byID: map[uuid.UUID]*db.Schedule{}, runCount: map[uuid.UUID]int64{}}
}

func (f *fakeScheduleRepo) Create(ctx context.Context, s *db.Schedule) error {
	s.ID = uuid.Must(uuid.NewV7())
	f.byName[s.Name] = s
	f.byID[s.ID] = s
	return nil
}
func (f *fakeScheduleRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error) {
	s, ok := f.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return s, nil
}
func (f *fakeScheduleRepo) GetByName(ctx context.Context, name string) (*db.Schedule, error) {
	s, ok := f.byName[name]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return s, nil
}
func (f *fakeScheduleRepo) Update(ctx context.Context, s *db.Schedule) error {
	f.byName[s.Name] = s
	f.byID[s.ID] = s
	return nil
}
func (f *fakeScheduleRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	s, ok := f.byID[id]
	if !ok {
		return repositories.ErrNotFound
	}
	delete(f.byName, s.Name)
	delete(f.byID, id)
	return nil
}
func (f *fakeScheduleRepo) List(ctx context.Context, opts repositories.ListOptions) ([]db.Schedule, int64, error) {
	return nil, 0, nil
}
func (f *fakeScheduleRepo) ListActiveCustom(ctx context.Context) ([]db.Schedule, error) {
	var out []db.Schedule
	for _, s := range f.byName {
		if s.Origin == db.ScheduleOriginCustom && s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}
func (f *fakeScheduleRepo) IncrementRunCount(ctx context.Context, id uuid.UUID) error {
	f.runCount[id]++
	if s, ok := f.byID[id]; ok {
		s.RunCount++
	}
	return nil
}

type fakeClientRepo struct {
	active []db.Client
}

func (f *fakeClientRepo) Upsert(ctx context.Context, c *db.Client) error { return nil }
func (f *fakeClientRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Client, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeClientRepo) GetByName(ctx context.Context, name string) (*db.Client, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeClientRepo) Update(ctx context.Context, c *db.Client) error     { return nil }
func (f *fakeClientRepo) SoftDelete(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeClientRepo) List(ctx context.Context, opts repositories.ListOptions) ([]db.Client, int64, error) {
	return nil, 0, nil
}
func (f *fakeClientRepo) ListActive(ctx context.Context) ([]db.Client, error) { return f.active, nil }

type fakeRunner struct {
	failFor map[string]error
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, clientName string, kind db.BackupKind, origin string, folderOverride []string) (*db.BackupRecord, error) {
	f.calls = append(f.calls, clientName)
	if err, ok := f.failFor[clientName]; ok {
		return &db.BackupRecord{ClientName: clientName, Status: db.BackupStatusFailed}, err
	}
	return &db.BackupRecord{ClientName: clientName, Status: db.BackupStatusCompleted}, nil
}
func (f *fakeRunner) RunAsync(ctx context.Context, clientName string, kind db.BackupKind, folderOverride []string) (uuid.UUID, error) {
	return uuid.Must(uuid.NewV7()), nil
}

type fakeSweeper struct {
	called bool
	err    error
}

func (f *fakeSweeper) Sweep(ctx context.Context) error {
	f.called = true
	return f.err
}

type fakeNotifier struct {
	summaries []BatchSummary
}

func (f *fakeNotifier) NotifyBatchOutcome(ctx context.Context, summary BatchSummary) error {
	f.summaries = append(f.summaries, summary)
	return nil
}

func newTestScheduler(t *testing.T, clients []db.Client, runner *fakeRunner, sweeper RetentionSweeper, notifier Notifier) (*Scheduler, *fakeScheduleRepo) {
	t.Helper()
	repo := newFakeScheduleRepo()
	clientRepo := &fakeClientRepo{active: clients}
	cfg := DefaultBuiltinConfig()
	cfg.MaxParallel = 2
	s, err := New(repo, clientRepo, runner, sweeper, notifier, cfg, nil)
	require.NoError(t, err)
	return s, repo
}

func TestScheduler_EnsureBuiltinsCreatesThreeOnFirstRun(t *testing.T) {
	s, repo := newTestScheduler(t, nil, &fakeRunner{}, nil, nil)
	builtins, err := s.ensureBuiltins(context.Background())
	require.NoError(t, err)
	assert.Len(t, builtins, 3)
	assert.Len(t, repo.byName, 3)
}

func TestScheduler_EnsureBuiltinsIsIdempotent(t *testing.T) {
	s, repo := newTestScheduler(t, nil, &fakeRunner{}, nil, nil)
	ctx := context.Background()
	_, err := s.ensureBuiltins(ctx)
	require.NoError(t, err)

	repo.byName[builtinDailyName].Active = false // simulate an operator disabling it
	second, err := s.ensureBuiltins(ctx)
	require.NoError(t, err)
	assert.Len(t, second, 3)
	for _, b := range second {
		if b.Name == builtinDailyName {
			assert.False(t, b.Active, "a prior disable must survive a re-run of ensureBuiltins")
		}
	}
}

func TestScheduler_RunBatchSplitsIntoGroupsOfMaxParallel(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestScheduler(t, nil, runner, nil, nil)
	s.cfg.MaxParallel = 2

	names := []string{"a", "b", "c", "d", "e"}
	summary := s.runBatch(context.Background(), names, db.BackupKindFull, "manual")

	assert.Len(t, summary.Succeeded, 5)
	assert.Empty(t, summary.Failed)
	assert.ElementsMatch(t, names, runner.calls)
}

func TestScheduler_RunBatchRecordsPerClientFailures(t *testing.T) {
	runner := &fakeRunner{failFor: map[string]error{"b": errors.New("ssh unreachable")}}
	s, _ := newTestScheduler(t, nil, runner, nil, nil)

	summary := s.runBatch(context.Background(), []string{"a", "b", "c"}, db.BackupKindFull, "manual")
	assert.ElementsMatch(t, []string{"a", "c"}, summary.Succeeded)
	require.Contains(t, summary.Failed, "b")
	assert.True(t, summary.AnyFailed())
}

func TestScheduler_FireInvokesRetentionOnlyAfterSuccessfulFullBatch(t *testing.T) {
	runner := &fakeRunner{}
	sweeper := &fakeSweeper{}
	s, repo := newTestScheduler(t, []db.Client{{Name: "acme"}}, runner, sweeper, nil)
	ctx := context.Background()

	sched := &db.Schedule{Name: "nightly-full", CronExpression: "0 3 * * *", Kind: db.BackupKindFull, Active: true, Origin: db.ScheduleOriginCustom}
	require.NoError(t, repo.Create(ctx, sched))

	require.NoError(t, s.fire(ctx, "nightly-full", db.BackupKindFull))
	assert.True(t, sweeper.called)
}

func TestScheduler_FireSkipsRetentionOnFailure(t *testing.T) {
	runner := &fakeRunner{failFor: map[string]error{"acme": errors.New("boom")}}
	sweeper := &fakeSweeper{}
	s, repo := newTestScheduler(t, []db.Client{{Name: "acme"}}, runner, sweeper, nil)
	ctx := context.Background()

	sched := &db.Schedule{Name: "nightly-full", CronExpression: "0 3 * * *", Kind: db.BackupKindFull, Active: true, Origin: db.ScheduleOriginCustom}
	require.NoError(t, repo.Create(ctx, sched))

	require.NoError(t, s.fire(ctx, "nightly-full", db.BackupKindFull))
	assert.False(t, sweeper.called)
}

func TestScheduler_FireSkipsRetentionForIncrementalBatch(t *testing.T) {
	runner := &fakeRunner{}
	sweeper := &fakeSweeper{}
	s, repo := newTestScheduler(t, []db.Client{{Name: "acme"}}, runner, sweeper, nil)
	ctx := context.Background()

	sched := &db.Schedule{Name: "nightly-incr", CronExpression: "0 2 * * *", Kind: db.BackupKindIncremental, Active: true, Origin: db.ScheduleOriginCustom}
	require.NoError(t, repo.Create(ctx, sched))

	require.NoError(t, s.fire(ctx, "nightly-incr", db.BackupKindIncremental))
	assert.False(t, sweeper.called)
}

func TestScheduler_FireIncrementsRunCount(t *testing.T) {
	s, repo := newTestScheduler(t, []db.Client{{Name: "acme"}}, &fakeRunner{}, nil, nil)
	ctx := context.Background()
	sched := &db.Schedule{Name: "custom-1", CronExpression: "0 2 * * *", Kind: db.BackupKindFull, Active: true, Origin: db.ScheduleOriginCustom}
	require.NoError(t, repo.Create(ctx, sched))

	require.NoError(t, s.fire(ctx, "custom-1", db.BackupKindFull))
	assert.Equal(t, int64(1), repo.runCount[sched.ID])
}

func TestScheduler_FireSkipsDisabledSchedule(t *testing.T) {
	runner := &fakeRunner{}
	s, repo := newTestScheduler(t, []db.Client{{Name: "acme"}}, runner, nil, nil)
	ctx := context.Background()
	sched := &db.Schedule{Name: "disabled-1", CronExpression: "0 2 * * *", Kind: db.BackupKindFull, Active: false, Origin: db.ScheduleOriginCustom}
	require.NoError(t, repo.Create(ctx, sched))

	require.NoError(t, s.fire(ctx, "disabled-1", db.BackupKindFull))
	assert.Empty(t, runner.calls)
}

func TestScheduler_NotifyOnlyFiresOnFailureByDefault(t *testing.T) {
	runner := &fakeRunner{}
	notifier := &fakeNotifier{}
	s, repo := newTestScheduler(t, []db.Client{{Name: "acme"}}, runner, nil, notifier)
	ctx := context.Background()
	sched := &db.Schedule{Name: "custom-2", CronExpression: "0 2 * * *", Kind: db.BackupKindFull, Active: true, Origin: db.ScheduleOriginCustom}
	require.NoError(t, repo.Create(ctx, sched))

	require.NoError(t, s.fire(ctx, "custom-2", db.BackupKindFull))
	assert.Empty(t, notifier.summaries, "no notification expected on an all-success batch when NotifyOnSuccess is false")
}

func TestScheduler_NotifyFiresOnFailureRegardlessOfFlag(t *testing.T) {
	runner := &fakeRunner{failFor: map[string]error{"acme": errors.New("boom")}}
	notifier := &fakeNotifier{}
	s, repo := newTestScheduler(t, []db.Client{{Name: "acme"}}, runner, nil, notifier)
	ctx := context.Background()
	sched := &db.Schedule{Name: "custom-3", CronExpression: "0 2 * * *", Kind: db.BackupKindFull, Active: true, Origin: db.ScheduleOriginCustom}
	require.NoError(t, repo.Create(ctx, sched))

	require.NoError(t, s.fire(ctx, "custom-3", db.BackupKindFull))
	require.Len(t, notifier.summaries, 1)
	assert.True(t, notifier.summaries[0].AnyFailed())
}

func TestScheduler_ResolveClientsHonorsRestrictedList(t *testing.T) {
	s, _ := newTestScheduler(t, []db.Client{{Name: "a"}, {Name: "b"}}, &fakeRunner{}, nil, nil)
	names, err := s.resolveClients(context.Background(), `["b"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
}

func TestScheduler_ResolveClientsFallsBackToAllActive(t *testing.T) {
	s, _ := newTestScheduler(t, []db.Client{{Name: "a"}, {Name: "b"}}, &fakeRunner{}, nil, nil)
	names, err := s.resolveClients(context.Background(), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestScheduler_AddScheduleRejectsMalformedCron(t *testing.T) {
	s, _ := newTestScheduler(t, nil, &fakeRunner{}, nil, nil)
	_, err := s.AddSchedule(context.Background(), "bad", "not-a-cron", db.BackupKindFull, nil, "")
	require.Error(t, err)
}

func TestScheduler_AddThenRemoveSchedule(t *testing.T) {
	s, repo := newTestScheduler(t, nil, &fakeRunner{}, nil, nil)
	ctx := context.Background()

	sched, err := s.AddSchedule(ctx, "weekend-full", "0 3 * * 6", db.BackupKindFull, nil, "weekend full backup")
	require.NoError(t, err)
	require.Contains(t, repo.byName, "weekend-full")

	require.NoError(t, s.RemoveSchedule(ctx, sched.ID))
	assert.NotContains(t, repo.byName, "weekend-full")
}

func TestScheduler_RenameScheduleIsDeleteThenAdd(t *testing.T) {
	s, repo := newTestScheduler(t, nil, &fakeRunner{}, nil, nil)
	ctx := context.Background()

	_, err := s.AddSchedule(ctx, "old-name", "0 3 * * *", db.BackupKindFull, []string{"acme"}, "desc")
	require.NoError(t, err)

	require.NoError(t, s.RenameSchedule(ctx, "old-name", "new-name"))
	assert.NotContains(t, repo.byName, "old-name")
	require.Contains(t, repo.byName, "new-name")
	assert.Equal(t, []string{"acme"}, decodeClientNames(repo.byName["new-name"].RestrictedClients))
}

func TestScheduler_StartManualBackupDefaultsToAllActiveClients(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestScheduler(t, []db.Client{{Name: "a"}, {Name: "b"}}, runner, nil, nil)

	summary, err := s.StartManualBackup(context.Background(), nil, db.BackupKindFull)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, summary.Succeeded)
}

func TestScheduler_StartManualBackupForClientReturnsIDFromRunner(t *testing.T) {
	s, _ := newTestScheduler(t, nil, &fakeRunner{}, nil, nil)
	id, err := s.StartManualBackupForClient(context.Background(), "acme", db.BackupKindFull, nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
}

func TestDecodeEncodeClientNames_RoundTrip(t *testing.T) {
	names := []string{"a", "b", "c"}
	assert.Equal(t, names, decodeClientNames(encodeClientNames(names)))
	assert.Nil(t, decodeClientNames(""))
	assert.Equal(t, "[]", encodeClientNames(nil))
}
