package driver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfinfo/efc-backup/internal/sshsession"
)

// fakeSession is a minimal remoteSession double: it matches commands by
// substring and returns a canned result, recording every command it saw.
type fakeSession struct {
	commands  []string
	responses []fakeResponse
	downloadN int64
	closed    bool
}

type fakeResponse struct {
	match  string
	result sshsession.CommandResult
	err    error
}

func (f *fakeSession) Connect(ctx context.Context, host string, port int, creds sshsession.Credentials, opts sshsession.Options) error {
	return nil
}

func (f *fakeSession) Run(ctx context.Context, cmd string, timeout time.Duration) (sshsession.CommandResult, error) {
	f.commands = append(f.commands, cmd)
	for _, r := range f.responses {
		if strings.Contains(cmd, r.match) {
			return r.result, r.err
		}
	}
	return sshsession.CommandResult{ExitCode: 0}, nil
}

func (f *fakeSession) DownloadFile(ctx context.Context, remotePath, localPath string) (int64, error) {
	return f.downloadN, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func newLinuxDriverWithFake(fake *fakeSession) *LinuxDriver {
	return &LinuxDriver{
		ClientName: "acme-db01",
		Host:       "10.0.0.5",
		Port:       22,
		session:    fake,
	}
}

func TestLinuxDriver_FullBackupHappyPath(t *testing.T) {
	fake := &fakeSession{
		responses: []fakeResponse{
			{match: "command -v rsync", result: sshsession.CommandResult{ExitCode: 0}},
			{match: "test -d", result: sshsession.CommandResult{ExitCode: 0}},
			{match: "rsync -a --stats", result: sshsession.CommandResult{
				ExitCode: 0,
				Stdout:   "Number of files transferred: 42\nTotal bytes received: 10,240\n",
			}},
		},
		downloadN: 5 * 1024 * 1024,
	}
	d := newLinuxDriverWithFake(fake)
	d.FoldersConfig = `[{"path":"/home","enabled":true}]`

	var phases []string
	result, err := d.PerformFullBackup(context.Background(), Options{LocalDestRoot: "/var/backups"}, func(phase string, pct int) {
		phases = append(phases, phase)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.FileCount)
	assert.Equal(t, int64(10240), result.BytesTransferred)
	assert.NotEmpty(t, result.ArchivePath)
	assert.Greater(t, result.SizeMB, 0.0)
	assert.Contains(t, phases, "done")
	assert.Contains(t, result.ArchivePath, "efc-backup-acme-db01-")
}

func TestLinuxDriver_ResultMetadataCarriesSystemInfo(t *testing.T) {
	fake := &fakeSession{
		responses: []fakeResponse{
			{match: "command -v rsync", result: sshsession.CommandResult{ExitCode: 0}},
			{match: "test -d", result: sshsession.CommandResult{ExitCode: 0}},
			{match: "rsync -a --stats", result: sshsession.CommandResult{
				ExitCode: 0,
				Stdout:   "Number of files transferred: 1\nTotal bytes received: 100\n",
			}},
		},
	}
	d := newLinuxDriverWithFake(fake)
	d.FoldersConfig = `[{"path":"/home","enabled":true}]`

	info := SystemInfo{Hostname: "acme-db01", OSDetail: "Ubuntu 22.04"}
	result, err := d.PerformFullBackup(context.Background(), Options{LocalDestRoot: "/var/backups", SystemInfo: info}, func(string, int) {})
	require.NoError(t, err)
	assert.Equal(t, info, result.Metadata["system_info"])
}

func TestLinuxDriver_IncrementalWithNoChangesSkipsArchive(t *testing.T) {
	fake := &fakeSession{
		responses: []fakeResponse{
			{match: "command -v rsync", result: sshsession.CommandResult{ExitCode: 0}},
			{match: "test -d", result: sshsession.CommandResult{ExitCode: 0}},
			{match: "rsync -a --stats --files-from", result: sshsession.CommandResult{
				ExitCode: 0,
				Stdout:   "Number of files transferred: 0\nTotal bytes received: 0\n",
			}},
		},
	}
	d := newLinuxDriverWithFake(fake)
	d.FoldersConfig = `[{"path":"/home","enabled":true}]`

	result, err := d.PerformIncrementalBackup(context.Background(), Options{LocalDestRoot: "/var/backups"}, time.Now().Add(-24*time.Hour), func(string, int) {})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.FileCount)
	assert.Empty(t, result.ArchivePath)
	assert.Equal(t, 0.0, result.SizeMB)
}

func TestLinuxDriver_MissingFolderIsSkippedNotFatal(t *testing.T) {
	fake := &fakeSession{
		responses: []fakeResponse{
			{match: "command -v rsync", result: sshsession.CommandResult{ExitCode: 0}},
			{match: "test -d", result: sshsession.CommandResult{ExitCode: 1}},
		},
	}
	d := newLinuxDriverWithFake(fake)
	d.FoldersConfig = `[{"path":"/does/not/exist","enabled":true}]`

	result, err := d.PerformFullBackup(context.Background(), Options{LocalDestRoot: "/var/backups"}, func(string, int) {})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.FileCount)
}

func TestLinuxDriver_FallsBackToCopyWhenRsyncMissing(t *testing.T) {
	fake := &fakeSession{
		responses: []fakeResponse{
			{match: "command -v rsync", result: sshsession.CommandResult{ExitCode: 1}},
			{match: "apt-get", result: sshsession.CommandResult{ExitCode: 1}, err: assertErr{}},
			{match: "yum install", result: sshsession.CommandResult{ExitCode: 1}, err: assertErr{}},
			{match: "apk add", result: sshsession.CommandResult{ExitCode: 1}, err: assertErr{}},
			{match: "test -d", result: sshsession.CommandResult{ExitCode: 0}},
		},
	}
	d := newLinuxDriverWithFake(fake)
	d.FoldersConfig = `[{"path":"/home","enabled":true}]`

	_, err := d.PerformFullBackup(context.Background(), Options{LocalDestRoot: "/var/backups"}, func(string, int) {})
	require.NoError(t, err)
	assert.False(t, d.haveRsync)

	found := false
	for _, c := range fake.commands {
		if strings.HasPrefix(c, "cp -r") {
			found = true
		}
	}
	assert.True(t, found, "expected a plain cp -r fallback command")
}

func TestParseRsyncStats(t *testing.T) {
	files, bytes := parseRsyncStats("Number of files transferred: 1,234\nTotal bytes received: 5,678,900\n")
	assert.Equal(t, int64(1234), files)
	assert.Equal(t, int64(5678900), bytes)
}

func TestSanitize_StripsPathSeparators(t *testing.T) {
	assert.Equal(t, "var_www", sanitize("/var/www"))
	assert.Equal(t, "acme_db01", sanitize("acme db01"))
}

// assertErr is a trivial non-nil error implementation for fake responses
// that must simulate command failure.
type assertErr struct{}

func (assertErr) Error() string { return "simulated failure" }
