package driver

import (
	"context"
	"time"

	"github.com/erfinfo/efc-backup/internal/sshsession"
)

// remoteSession is the subset of *sshsession.Session the drivers need. It
// exists so tests can substitute a fake without standing up a real SSH
// server; *sshsession.Session satisfies it structurally.
type remoteSession interface {
	Connect(ctx context.Context, host string, port int, creds sshsession.Credentials, opts sshsession.Options) error
	Run(ctx context.Context, cmd string, timeout time.Duration) (sshsession.CommandResult, error)
	DownloadFile(ctx context.Context, remotePath, localPath string) (int64, error)
	Close() error
}

// runTimeout is the default per-command deadline (spec.md §5: "SSH
// operations default to 30s per command").
const runTimeout = 30 * time.Second
