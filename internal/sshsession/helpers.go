package sshsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/erfinfo/efc-backup/internal/retry"
)

// authMethods builds the ordered list of ssh.AuthMethod to try for a given
// secret: a PEM private key first, falling back to password auth if the
// secret doesn't parse as a key. At least one method is always returned
// when secret is non-empty.
func authMethods(secret string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if signer, err := ssh.ParsePrivateKey([]byte(secret)); err == nil {
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if secret != "" {
		methods = append(methods, ssh.Password(secret))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("empty credential secret")
	}
	return methods, nil
}

// buildHostKeyCallback resolves spec.md §4.4's host-key-verification policy:
// pin to knownHostKey (an authorized_keys-format public key) via
// ssh.FixedHostKey when one is configured, otherwise fall back to
// ssh.InsecureIgnoreHostKey.
func buildHostKeyCallback(knownHostKey string) (ssh.HostKeyCallback, error) {
	if knownHostKey == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // operator-configurable fallback, not hardcoded
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(knownHostKey))
	if err != nil {
		return nil, fmt.Errorf("parse known host key: %w", err)
	}
	return ssh.FixedHostKey(pub), nil
}

// dialContext dials addr honoring ctx cancellation, since ssh.Dial itself
// has no context parameter.
func dialContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// classifyDialError maps a raw dial/handshake error to the retry.Kind spec.md
// §7 requires, distinguishing unreachable hosts from authentication and
// host-key failures so the caller's retry budget only retries what's
// actually transient.
func classifyDialError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "host key mismatch"), strings.Contains(msg, "knownhosts"):
		return retry.New(retry.KindHostKeyMismatch, err)
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "ssh: handshake failed"):
		return retry.New(retry.KindAuthenticationFailed, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return retry.New(retry.KindTransportUnreachable, err)
		}
		return retry.New(retry.KindTransportUnreachable, err)
	}
}

// downloadFile copies remotePath to localPath over an existing sftp.Client.
// Extracted as a free function (rather than a Session method) so it can be
// exercised in tests against a client built from an in-process SFTP server,
// without needing a live TCP SSH connection.
func downloadFile(ctx context.Context, client *sftp.Client, remotePath, localPath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, retry.New(retry.KindCancelled, err)
	}

	src, err := client.Open(remotePath)
	if err != nil {
		return 0, retry.New(retry.KindRemoteToolMissing, fmt.Errorf("open remote file %s: %w", remotePath, err))
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return 0, retry.New(retry.KindLocalIOFailure, fmt.Errorf("create local file %s: %w", localPath, err))
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		if strings.Contains(err.Error(), "no space left") {
			return n, retry.New(retry.KindRemoteOutOfSpace, err)
		}
		return n, retry.New(retry.KindLocalIOFailure, fmt.Errorf("copy %s: %w", remotePath, err))
	}
	return n, nil
}
