package driver

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erfinfo/efc-backup/internal/db"
	"github.com/erfinfo/efc-backup/internal/exclusion"
	"github.com/erfinfo/efc-backup/internal/retry"
	"github.com/erfinfo/efc-backup/internal/sshsession"
)

// configFiles is the curated list spec.md §4.4 step 6 names.
var configFiles = []string{"/etc/passwd", "/etc/group", "/etc/fstab", "/etc/hosts", "/etc/crontab"}

// LinuxDriver implements Driver for SSH-reachable Linux hosts (spec.md §4.4).
type LinuxDriver struct {
	ClientName    string
	Host          string
	Port          int
	Creds         sshsession.Credentials
	FoldersConfig string // client.Folders, JSON array or CSV (spec.md §4.4 step 4)

	// KnownHostKey pins the SSH host key (spec.md §4.4) when configured;
	// empty falls back to ssh.InsecureIgnoreHostKey.
	KnownHostKey string

	session remoteSession
	logger  *zap.Logger

	haveRsync bool
}

// NewLinuxDriver returns a LinuxDriver ready to Connect.
func NewLinuxDriver(clientName, host string, port int, creds sshsession.Credentials, foldersConfig, knownHostKey string, logger *zap.Logger) *LinuxDriver {
	session := sshsession.New()
	session.Logger = logger
	return &LinuxDriver{
		ClientName:    clientName,
		Host:          host,
		Port:          port,
		Creds:         creds,
		FoldersConfig: foldersConfig,
		KnownHostKey:  knownHostKey,
		session:       session,
		logger:        logger,
	}
}

func (d *LinuxDriver) Connect(ctx context.Context) error {
	return d.session.Connect(ctx, d.Host, d.Port, d.Creds, sshsession.Options{KnownHostKey: d.KnownHostKey})
}

func (d *LinuxDriver) Disconnect(ctx context.Context) error {
	return d.session.Close()
}

// GetSystemInfo implements spec.md §4.4 step 2.
func (d *LinuxDriver) GetSystemInfo(ctx context.Context) (SystemInfo, error) {
	info := SystemInfo{Extra: map[string]string{}}

	if res, err := d.session.Run(ctx, "hostname", runTimeout); err == nil {
		info.Hostname = strings.TrimSpace(res.Stdout)
	}
	if res, err := d.session.Run(ctx, "cat /etc/os-release 2>/dev/null || uname -a", runTimeout); err == nil {
		info.OSDetail = strings.TrimSpace(res.Stdout)
	}
	if res, err := d.session.Run(ctx, "uname -m", runTimeout); err == nil {
		info.Architecture = strings.TrimSpace(res.Stdout)
	}
	if res, err := d.session.Run(ctx, "uptime -p 2>/dev/null || uptime", runTimeout); err == nil {
		info.UptimeRaw = strings.TrimSpace(res.Stdout)
	}
	if res, err := d.session.Run(ctx, "df -h / | tail -1", runTimeout); err == nil {
		info.DiskUsage = strings.TrimSpace(res.Stdout)
	}
	if res, err := d.session.Run(ctx, "grep MemTotal /proc/meminfo", runTimeout); err == nil {
		info.MemoryMB = parseMemTotalKB(res.Stdout) / 1024
	}
	return info, nil
}

var memTotalRe = regexp.MustCompile(`(\d+)\s*kB`)

func parseMemTotalKB(s string) int64 {
	m := memTotalRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	v, _ := strconv.ParseInt(m[1], 10, 64)
	return v
}

func (d *LinuxDriver) PerformFullBackup(ctx context.Context, opts Options, progress Progress) (Result, error) {
	return d.run(ctx, opts, true, time.Time{}, progress)
}

func (d *LinuxDriver) PerformIncrementalBackup(ctx context.Context, opts Options, since time.Time, progress Progress) (Result, error) {
	return d.run(ctx, opts, false, since, progress)
}

func (d *LinuxDriver) run(ctx context.Context, opts Options, full bool, since time.Time, progress Progress) (Result, error) {
	remoteWorkDir := fmt.Sprintf("/tmp/efc_backup_%s_%d", sanitize(d.ClientName), time.Now().UnixNano())
	progress("prepare", 5)

	if err := d.ensureCopyTool(ctx); err != nil {
		return Result{}, err
	}
	progress("prepare", 10)

	folders, err := ParseFolders(opts.Folders, d.FoldersConfig, false)
	if err != nil {
		return Result{}, retry.New(retry.KindConfigInvalid, err)
	}

	excl := exclusion.ForOS(db.OSKindLinux, opts.ExclusionOverrides)

	var totalFiles int64
	var totalBytes int64
	progress("copy", 15)

	for i, folder := range folders {
		res, err := d.session.Run(ctx, fmt.Sprintf("test -d %q", folder), runTimeout)
		if err != nil || res.ExitCode != 0 {
			d.logf("skipping missing folder", folder)
			continue
		}

		dest := path.Join(remoteWorkDir, sanitize(folder))
		if _, err := d.session.Run(ctx, fmt.Sprintf("mkdir -p %q", dest), runTimeout); err != nil {
			return Result{}, err
		}

		var out sshsession.CommandResult
		if full {
			out, err = d.copyTree(ctx, folder, dest, excl)
		} else {
			out, err = d.copyChanged(ctx, folder, dest, excl, since)
		}
		if err != nil {
			return Result{}, err
		}

		files, bytes := parseRsyncStats(out.Stdout)
		totalFiles += files
		totalBytes += bytes

		progress("copy", 15+int(float64(i+1)/float64(len(folders))*50))
	}

	progress("configs", 70)
	if err := d.copyConfigFiles(ctx, remoteWorkDir); err != nil {
		d.logf("config file copy had errors", err.Error())
	}
	if err := d.dumpPackageList(ctx, remoteWorkDir); err != nil {
		d.logf("package list dump had errors", err.Error())
	}

	result := Result{FileCount: totalFiles, BytesTransferred: totalBytes, Metadata: map[string]any{
		"client":      d.ClientName,
		"kind":        backupKindLabel(full),
		"system_info": opts.SystemInfo,
	}}

	if totalFiles > 0 {
		progress("archive", 80)
		archivePath, sizeMB, err := d.archiveAndDownload(ctx, remoteWorkDir, opts.LocalDestRoot)
		if err != nil {
			return Result{}, err
		}
		result.ArchivePath = archivePath
		result.SizeMB = sizeMB
	}

	progress("cleanup", 95)
	if _, err := d.session.Run(ctx, fmt.Sprintf("rm -rf %q", remoteWorkDir), runTimeout); err != nil {
		d.logf("remote cleanup failed", err.Error())
	}

	progress("done", 100)
	return result, nil
}

func backupKindLabel(full bool) string {
	if full {
		return "full"
	}
	return "incremental"
}

// ensureCopyTool implements spec.md §4.4 step 3: verify rsync is present,
// try to install it via the host's package manager, and fall back to a
// plain recursive copy if install fails.
func (d *LinuxDriver) ensureCopyTool(ctx context.Context) error {
	res, err := d.session.Run(ctx, "command -v rsync", runTimeout)
	if err == nil && res.ExitCode == 0 {
		d.haveRsync = true
		return nil
	}

	installCmds := []string{
		"apt-get update -qq && apt-get install -y rsync",
		"yum install -y rsync",
		"apk add --no-cache rsync",
	}
	for _, cmd := range installCmds {
		if res, err := d.session.Run(ctx, cmd, 2*time.Minute); err == nil && res.ExitCode == 0 {
			d.haveRsync = true
			return nil
		}
	}

	d.logf("rsync unavailable, falling back to plain copy", d.ClientName)
	d.haveRsync = false
	return nil
}

func (d *LinuxDriver) copyTree(ctx context.Context, src, dest string, excl exclusion.Set) (sshsession.CommandResult, error) {
	if d.haveRsync {
		args := append([]string{"-a", "--stats"}, excl.LinuxCopyArgs()...)
		args = append(args, src+"/", dest+"/")
		return d.session.Run(ctx, "rsync "+strings.Join(quoteAll(args), " "), 20*time.Minute)
	}
	return d.session.Run(ctx, fmt.Sprintf("cp -r %q/. %q/", src, dest), 20*time.Minute)
}

func (d *LinuxDriver) copyChanged(ctx context.Context, src, dest string, excl exclusion.Set, since time.Time) (sshsession.CommandResult, error) {
	manifest := fmt.Sprintf("/tmp/efc_manifest_%d.txt", time.Now().UnixNano())
	findArgs := append([]string{"find", src, "-type", "f", "-newermt", fmt.Sprintf("@%d", since.Unix())}, excl.FindFragments()...)
	findCmd := strings.Join(quoteAll(findArgs), " ") + fmt.Sprintf(" > %q", manifest)
	if _, err := d.session.Run(ctx, findCmd, 5*time.Minute); err != nil {
		return sshsession.CommandResult{}, err
	}
	defer d.session.Run(ctx, fmt.Sprintf("rm -f %q", manifest), runTimeout) //nolint:errcheck

	if !d.haveRsync {
		return d.session.Run(ctx, fmt.Sprintf("cp -r %q/. %q/", src, dest), 20*time.Minute)
	}

	cmd := fmt.Sprintf("rsync -a --stats --files-from=%q %q %q", manifest, src, dest)
	return d.session.Run(ctx, cmd, 20*time.Minute)
}

func (d *LinuxDriver) copyConfigFiles(ctx context.Context, workDir string) error {
	dest := path.Join(workDir, "configs")
	if _, err := d.session.Run(ctx, fmt.Sprintf("mkdir -p %q", dest), runTimeout); err != nil {
		return err
	}
	for _, f := range configFiles {
		cmd := fmt.Sprintf("cp %q %q 2>/dev/null || true", f, dest)
		if _, err := d.session.Run(ctx, cmd, runTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (d *LinuxDriver) dumpPackageList(ctx context.Context, workDir string) error {
	dest := path.Join(workDir, "packages.txt")
	cmd := fmt.Sprintf("(dpkg -l 2>/dev/null || rpm -qa 2>/dev/null) > %q", dest)
	_, err := d.session.Run(ctx, cmd, runTimeout)
	return err
}

// archiveAndDownload implements spec.md §4.4 step 7.
func (d *LinuxDriver) archiveAndDownload(ctx context.Context, workDir, localDestRoot string) (string, float64, error) {
	remoteArchive := workDir + ".tar.gz"
	cmd := fmt.Sprintf("tar -czf %q -C %q .", remoteArchive, workDir)
	if _, err := d.session.Run(ctx, cmd, 10*time.Minute); err != nil {
		return "", 0, err
	}
	defer d.session.Run(ctx, fmt.Sprintf("rm -f %q", remoteArchive), runTimeout) //nolint:errcheck

	localName := fmt.Sprintf("efc-backup-%s-%s.tar.gz", sanitize(d.ClientName), time.Now().UTC().Format("20060102_150405"))
	localPath := path.Join(localDestRoot, localName)

	n, err := d.session.DownloadFile(ctx, remoteArchive, localPath)
	if err != nil {
		return "", 0, err
	}
	return localPath, float64(n) / (1024 * 1024), nil
}

var rsyncFilesRe = regexp.MustCompile(`Number of (?:regular )?files transferred: ([\d,]+)`)
var rsyncBytesRe = regexp.MustCompile(`Total bytes received: ([\d,]+)`)

func parseRsyncStats(output string) (files, bytes int64) {
	if m := rsyncFilesRe.FindStringSubmatch(output); m != nil {
		files, _ = strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	}
	if m := rsyncBytesRe.FindStringSubmatch(output); m != nil {
		bytes, _ = strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	}
	return files, bytes
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "-") || strings.HasPrefix(a, "!") {
			out[i] = a
			continue
		}
		out[i] = fmt.Sprintf("%q", a)
	}
	return out
}

func sanitize(s string) string {
	replacer := strings.NewReplacer("/", "_", " ", "_", ":", "_", "\\", "_")
	return strings.Trim(replacer.Replace(s), "_")
}

func (d *LinuxDriver) logf(msg, detail string) {
	if d.logger != nil {
		d.logger.Warn(msg, zap.String("client", d.ClientName), zap.String("detail", detail))
	}
}
