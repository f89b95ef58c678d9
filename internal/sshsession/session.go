// Package sshsession implements the Remote Session contract (spec.md §4.2):
// a small connect/run/downloadFile/close surface over SSH and SFTP, with
// every failure classified into a retry.Kind so callers never have to sniff
// error strings.
package sshsession

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/erfinfo/efc-backup/internal/retry"
)

// Credentials authenticates a Session. Secret is tried first as a PEM
// private key; if it fails to parse, it is used as a password instead —
// the same two-method fallback purpleidea/mgmt's remote package builds for
// its SSH struct, collapsed to the single secret field this spec's Client
// model stores.
type Credentials struct {
	Username string
	Secret   string
}

// Options configures a Session beyond host/credentials.
type Options struct {
	// AcceptableExitCodes, when non-empty, are exit codes Run treats as
	// success rather than KindRemoteCommandFailed. Windows tools like
	// robocopy use a bitmask where several low codes are non-fatal
	// (spec.md §4.5: codes 0-7 are acceptable).
	AcceptableExitCodes []int

	// KeepAlive is the interval between keepalive probes sent while a
	// Session is connected; 0 disables keepalives. Default 30s.
	KeepAlive time.Duration

	// DialTimeout bounds the initial TCP+handshake; default 15s.
	DialTimeout time.Duration

	// KnownHostKey, when non-empty, is an authorized_keys-format public key
	// Connect pins the host to via ssh.FixedHostKey. Empty falls back to
	// ssh.InsecureIgnoreHostKey (spec §4.4: "operator-configurable, not
	// hardcoded" — logged as a warning when it happens).
	KnownHostKey string
}

// Session is one SSH connection to a remote host, offering the command
// execution and file-download primitives backup drivers need. A Session is
// not safe for concurrent use by multiple goroutines.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client

	host string
	port int

	acceptableExit map[int]bool
	keepAliveStop  chan struct{}

	// Logger receives the host-key-verification warning Connect emits when
	// a client has no pinned host key configured. Optional — nil disables
	// logging, Connect still proceeds with InsecureIgnoreHostKey.
	Logger *zap.Logger
}

// New returns an unconnected Session; call Connect before use.
func New() *Session {
	return &Session{}
}

// Connect dials host:port and authenticates with creds. On success, a
// background keepalive loop starts per opts.KeepAlive (default 30s).
func (s *Session) Connect(ctx context.Context, host string, port int, creds Credentials, opts Options) error {
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 15 * time.Second
	}
	keepAlive := opts.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30 * time.Second
	}

	s.acceptableExit = map[int]bool{0: true}
	for _, c := range opts.AcceptableExitCodes {
		s.acceptableExit[c] = true
	}

	auth, err := authMethods(creds.Secret)
	if err != nil {
		return retry.New(retry.KindAuthenticationFailed, fmt.Errorf("no usable auth method: %w", err))
	}

	hostKeyCallback, err := buildHostKeyCallback(opts.KnownHostKey)
	if err != nil {
		return retry.New(retry.KindConfigInvalid, fmt.Errorf("known host key: %w", err))
	}
	if opts.KnownHostKey == "" && s.Logger != nil {
		s.Logger.Warn("no known host key configured, skipping host key verification", zap.String("host", host))
	}

	config := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := dialContext(dialCtx, addr, config)
	if err != nil {
		return classifyDialError(err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return retry.New(retry.KindTransportUnreachable, fmt.Errorf("sftp handshake: %w", err))
	}

	s.client = client
	s.sftp = sftpClient
	s.host = host
	s.port = port

	if keepAlive > 0 {
		s.keepAliveStop = make(chan struct{})
		go s.keepAliveLoop(keepAlive)
	}
	return nil
}

func (s *Session) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _, _ = s.client.SendRequest("keepalive@efc-backup", true, nil)
		case <-s.keepAliveStop:
			return
		}
	}
}

// CommandResult carries the outcome of Run.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes cmd on the remote host in a fresh session, bounded by
// timeout. A non-acceptable exit code is returned as a *retry.Error with
// Kind KindRemoteCommandFailed carrying ExitCode/Stderr.
func (s *Session) Run(ctx context.Context, cmd string, timeout time.Duration) (CommandResult, error) {
	if s.client == nil {
		return CommandResult{}, retry.New(retry.KindFatalInternal, fmt.Errorf("session not connected"))
	}

	session, err := s.client.NewSession()
	if err != nil {
		return CommandResult{}, retry.New(retry.KindTransportUnreachable, fmt.Errorf("new session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL) //nolint:errcheck
		return CommandResult{}, retry.New(retry.KindCancelled, ctx.Err())
	case <-timer.C:
		session.Signal(ssh.SIGKILL) //nolint:errcheck
		return CommandResult{}, retry.New(retry.KindRemoteCommandFailed, fmt.Errorf("command timed out after %s: %s", timeout, cmd))
	case runErr := <-done:
		result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if runErr == nil {
			result.ExitCode = 0
			return result, nil
		}

		var exitErr *ssh.ExitError
		if ok := asExitError(runErr, &exitErr); ok {
			result.ExitCode = exitErr.ExitStatus()
			if s.acceptableExit[result.ExitCode] {
				return result, nil
			}
			return result, retry.NewRemoteCommandFailed(result.ExitCode, result.Stderr, fmt.Errorf("command exited non-zero: %s", cmd))
		}
		return result, retry.New(retry.KindRemoteCommandFailed, fmt.Errorf("command failed: %s: %w", cmd, runErr))
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// DownloadFile copies remotePath to localPath via SFTP, returning the
// number of bytes copied.
func (s *Session) DownloadFile(ctx context.Context, remotePath, localPath string) (int64, error) {
	if s.sftp == nil {
		return 0, retry.New(retry.KindFatalInternal, fmt.Errorf("session not connected"))
	}
	return downloadFile(ctx, s.sftp, remotePath, localPath)
}

// Close tears down the sftp and ssh connections and stops the keepalive
// loop. Close is idempotent.
func (s *Session) Close() error {
	if s.keepAliveStop != nil {
		close(s.keepAliveStop)
		s.keepAliveStop = nil
	}
	var err error
	if s.sftp != nil {
		err = s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		if cerr := s.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.client = nil
	}
	return err
}
