package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erfinfo/efc-backup/internal/db"
	"github.com/erfinfo/efc-backup/internal/exclusion"
	"github.com/erfinfo/efc-backup/internal/sshsession"
)

// windowsAcceptableExit is the 0-7 robocopy success range spec.md §4.5 step
// 5 names.
var windowsAcceptableExit = []int{0, 1, 2, 3, 4, 5, 6, 7}

// registryHives is the curated export list spec.md §4.5 step 6 names.
var registryHives = []struct {
	Name string
	Key  string
}{
	{"machine_software.reg", `HKLM\SOFTWARE`},
	{"machine_system.reg", `HKLM\SYSTEM`},
	{"user_software.reg", `HKCU\SOFTWARE`},
}

// WindowsDriver implements Driver for SSH-reachable Windows hosts (OpenSSH
// for Windows running PowerShell), per spec.md §4.5.
type WindowsDriver struct {
	ClientName    string
	Host          string
	Port          int
	Creds         sshsession.Credentials
	FoldersConfig string

	// CreateSystemImageEnvDefault resolves Open Question #1: used only
	// when a call's Options.CreateImage is nil.
	CreateSystemImageEnvDefault bool

	// UseVSS gates the volume-shadow-copy step (spec.md §4.5 step 4, the
	// USE_VSS environment knob from spec.md §6). The step is always
	// best-effort — failure never fails the backup — but when USE_VSS is
	// off it is skipped outright rather than attempted and logged.
	UseVSS bool

	// KnownHostKey pins the SSH host key (spec.md §4.4) when configured;
	// empty falls back to ssh.InsecureIgnoreHostKey.
	KnownHostKey string

	session remoteSession
	logger  *zap.Logger
}

// NewWindowsDriver returns a WindowsDriver ready to Connect.
func NewWindowsDriver(clientName, host string, port int, creds sshsession.Credentials, foldersConfig, knownHostKey string, createImageDefault, useVSS bool, logger *zap.Logger) *WindowsDriver {
	session := sshsession.New()
	session.Logger = logger
	return &WindowsDriver{
		ClientName:                  clientName,
		Host:                        host,
		Port:                        port,
		Creds:                       creds,
		FoldersConfig:               foldersConfig,
		KnownHostKey:                knownHostKey,
		CreateSystemImageEnvDefault: createImageDefault,
		UseVSS:                      useVSS,
		session:                     session,
		logger:                      logger,
	}
}

func (d *WindowsDriver) Connect(ctx context.Context) error {
	return d.session.Connect(ctx, d.Host, d.Port, d.Creds, sshsession.Options{
		AcceptableExitCodes: windowsAcceptableExit,
		KnownHostKey:        d.KnownHostKey,
	})
}

func (d *WindowsDriver) Disconnect(ctx context.Context) error {
	return d.session.Close()
}

// GetSystemInfo implements spec.md §4.5 step 2, preferring the modern
// Get-CimInstance shell cmdlets and falling back to the legacy systeminfo
// tool if the shell command fails.
func (d *WindowsDriver) GetSystemInfo(ctx context.Context) (SystemInfo, error) {
	info := SystemInfo{Extra: map[string]string{}}

	caption, err := d.run1(ctx, `(Get-CimInstance Win32_OperatingSystem).Caption`)
	if err != nil {
		caption, _ = d.run1(ctx, "systeminfo | findstr /B /C:\"OS Name\"")
	}
	info.OSDetail = caption

	if arch, err := d.run1(ctx, `(Get-CimInstance Win32_OperatingSystem).OSArchitecture`); err == nil {
		info.Architecture = arch
	}
	if mem, err := d.run1(ctx, `(Get-CimInstance Win32_ComputerSystem).TotalPhysicalMemory`); err == nil {
		if v, perr := strconv.ParseInt(strings.TrimSpace(mem), 10, 64); perr == nil {
			info.MemoryMB = v / (1024 * 1024)
		}
	}
	if host, err := d.run1(ctx, "hostname"); err == nil {
		info.Hostname = host
	}
	if uptime, err := d.run1(ctx, `(Get-Date) - (Get-CimInstance Win32_OperatingSystem).LastBootUpTime`); err == nil {
		info.UptimeRaw = uptime
	}

	info.Volumes = d.detectVolumes(ctx)
	return info, nil
}

func (d *WindowsDriver) run1(ctx context.Context, psCmd string) (string, error) {
	res, err := d.session.Run(ctx, fmt.Sprintf("powershell -NoProfile -Command \"%s\"", psCmd), runTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (d *WindowsDriver) detectVolumes(ctx context.Context) []VolumeInfo {
	out, err := d.run1(ctx, `Get-Volume | Select-Object DriveLetter,DriveType | ConvertTo-Json -Compress`)
	if err != nil || out == "" {
		// minimal safe default: assume C: exists and is the system volume.
		return []VolumeInfo{{Letter: "C", Category: "system"}}
	}

	var raw []struct {
		DriveLetter string
		DriveType   string
	}
	// Get-Volume returns a single object (not an array) when there's only
	// one volume; normalize both shapes.
	if strings.HasPrefix(strings.TrimSpace(out), "[") {
		if err := json.Unmarshal([]byte(out), &raw); err != nil {
			return []VolumeInfo{{Letter: "C", Category: "system"}}
		}
	} else {
		var single struct {
			DriveLetter string
			DriveType   string
		}
		if err := json.Unmarshal([]byte(out), &single); err != nil {
			return []VolumeInfo{{Letter: "C", Category: "system"}}
		}
		raw = append(raw, single)
	}

	volumes := make([]VolumeInfo, 0, len(raw))
	for _, v := range raw {
		if v.DriveLetter == "" {
			continue
		}
		volumes = append(volumes, VolumeInfo{Letter: v.DriveLetter, Category: categorizeVolume(v.DriveLetter, v.DriveType)})
	}
	if len(volumes) == 0 {
		volumes = append(volumes, VolumeInfo{Letter: "C", Category: "system"})
	}
	return volumes
}

func categorizeVolume(letter, driveType string) string {
	switch {
	case letter == "C":
		return "system"
	case strings.EqualFold(driveType, "Network"):
		return "network"
	case strings.EqualFold(driveType, "Removable"):
		return "removable"
	default:
		return "data"
	}
}

func (d *WindowsDriver) PerformFullBackup(ctx context.Context, opts Options, progress Progress) (Result, error) {
	return d.run(ctx, opts, true, time.Time{}, progress)
}

func (d *WindowsDriver) PerformIncrementalBackup(ctx context.Context, opts Options, since time.Time, progress Progress) (Result, error) {
	return d.run(ctx, opts, false, since, progress)
}

func (d *WindowsDriver) run(ctx context.Context, opts Options, full bool, since time.Time, progress Progress) (Result, error) {
	remoteWorkDir := fmt.Sprintf(`C:\Windows\Temp\efc_backup_%s_%d`, sanitize(d.ClientName), time.Now().UnixNano())
	progress("prepare", 5)
	if _, err := d.session.Run(ctx, fmt.Sprintf(`powershell -NoProfile -Command "New-Item -ItemType Directory -Force -Path '%s'"`, remoteWorkDir), runTimeout); err != nil {
		return Result{}, err
	}

	folders, err := ParseFolders(opts.Folders, d.FoldersConfig, true)
	if err != nil {
		return Result{}, err
	}
	folders = d.validatePaths(ctx, folders)
	progress("prepare", 15)

	var shadowID string
	if d.UseVSS {
		if sid, err := d.createShadowCopy(ctx); err != nil {
			d.logf("vss snapshot failed, continuing without it", err.Error())
		} else {
			shadowID = sid
		}
	}
	progress("snapshot", 25)

	excl := exclusion.ForOS(db.OSKindWindows, opts.ExclusionOverrides)
	var totalFiles, totalBytes int64
	folderResults := make(map[string]string, len(folders))

	for i, folder := range folders {
		dest := path.Join(remoteWorkDir, sanitize(folder))
		out, err := d.copyFolder(ctx, folder, dest, excl, full, since)
		if err != nil {
			folderResults[folder] = "failed"
			d.logf("folder copy failed", folder+": "+err.Error())
			continue
		}
		folderResults[folder] = "ok"
		files, bytes := parseRobocopyStats(out.Stdout)
		totalFiles += files
		totalBytes += bytes
		progress("copy", 25+int(float64(i+1)/float64(len(folders))*45))
	}

	progress("registry", 75)
	if err := d.exportRegistryHives(ctx, remoteWorkDir); err != nil {
		d.logf("registry export had errors", err.Error())
	}

	imageCreated := false
	if full {
		createImage := d.CreateSystemImageEnvDefault
		if opts.CreateImage != nil {
			createImage = *opts.CreateImage
		}
		if createImage {
			if err := d.createSystemImage(ctx, opts.LocalDestRoot); err != nil {
				d.logf("system image creation failed", err.Error())
			} else {
				imageCreated = true
			}
		}
	}

	progress("metadata", 80)
	if err := d.writeJSONFile(ctx, remoteWorkDir, "system_info.json", opts.SystemInfo); err != nil {
		d.logf("system info write failed", err.Error())
	}

	// backup_metadata.json's shape is spec.md §6's filesystem-layout
	// contract: backupId, clientName, clientHost, timestamp, type,
	// folders, systemInfo, shadowId, imageCreated.
	metadata := map[string]any{
		"backupId":      opts.BackupID,
		"clientName":    d.ClientName,
		"clientHost":    d.Host,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"type":          backupKindLabel(full),
		"folders":       folders,
		"systemInfo":    opts.SystemInfo,
		"shadowId":      shadowID,
		"imageCreated":  imageCreated,
		"folderResults": folderResults,
	}
	progress("metadata", 85)
	if err := d.writeJSONFile(ctx, remoteWorkDir, "backup_metadata.json", metadata); err != nil {
		d.logf("metadata write failed", err.Error())
	}

	progress("download", 90)
	localDir := path.Join(opts.LocalDestRoot, fmt.Sprintf("backup_%s_%d", sanitize(d.ClientName), time.Now().UnixMilli()))
	downloadedBytes, downloadedFiles, err := d.downloadTree(ctx, remoteWorkDir, localDir)
	if err != nil {
		return Result{}, err
	}
	if totalBytes == 0 {
		totalBytes = downloadedBytes
	}
	if totalFiles == 0 {
		totalFiles = downloadedFiles
	}

	progress("cleanup", 97)
	if _, err := d.session.Run(ctx, fmt.Sprintf(`powershell -NoProfile -Command "Remove-Item -Recurse -Force '%s'"`, remoteWorkDir), runTimeout); err != nil {
		d.logf("remote cleanup failed", err.Error())
	}

	progress("done", 100)
	return Result{
		FileCount:        totalFiles,
		BytesTransferred: totalBytes,
		SizeMB:           float64(downloadedBytes) / (1024 * 1024),
		ArchivePath:      localDir,
		Metadata:         metadata,
	}, nil
}

func (d *WindowsDriver) validatePaths(ctx context.Context, paths []string) []string {
	var valid []string
	for _, p := range paths {
		out, err := d.run1(ctx, fmt.Sprintf(`Test-Path -Path '%s'`, p))
		if err == nil && strings.EqualFold(strings.TrimSpace(out), "true") {
			valid = append(valid, p)
		} else {
			d.logf("dropping unvalidated path", p)
		}
	}
	return valid
}

func (d *WindowsDriver) createShadowCopy(ctx context.Context) (string, error) {
	out, err := d.run1(ctx, `(wmic shadowcopy call create Volume='C:\' | Select-String 'ShadowID').ToString()`)
	if err != nil {
		return "", err
	}
	re := regexp.MustCompile(`ShadowID\s*=\s*"([^"]+)"`)
	m := re.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("could not parse shadow copy id from: %s", out)
	}
	return m[1], nil
}

func (d *WindowsDriver) copyFolder(ctx context.Context, src, dest string, excl exclusion.Set, full bool, since time.Time) (sshsession.CommandResult, error) {
	args := append([]string{"robocopy", src, dest, "/MIR"}, excl.WindowsCopyArgs()...)
	if !full {
		days := int(time.Since(since).Hours()/24) + 1
		args = append(args, fmt.Sprintf("/MAXAGE:%d", days))
	}
	cmd := strings.Join(args, " ")
	return d.session.Run(ctx, cmd, 20*time.Minute)
}

func (d *WindowsDriver) exportRegistryHives(ctx context.Context, workDir string) error {
	dest := path.Join(workDir, "registry")
	if _, err := d.session.Run(ctx, fmt.Sprintf(`powershell -NoProfile -Command "New-Item -ItemType Directory -Force -Path '%s'"`, dest), runTimeout); err != nil {
		return err
	}
	var firstErr error
	for _, hive := range registryHives {
		target := path.Join(dest, hive.Name)
		cmd := fmt.Sprintf(`reg export "%s" "%s" /y`, hive.Key, target)
		if _, err := d.session.Run(ctx, cmd, runTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *WindowsDriver) createSystemImage(ctx context.Context, localDestRoot string) error {
	cmd := fmt.Sprintf(`wbadmin start backup -backupTarget:%s -include:C: -quiet`, localDestRoot)
	_, err := d.session.Run(ctx, cmd, 30*time.Minute)
	return err
}

// writeJSONFile marshals data and writes it to name under workDir on the
// remote host via Set-Content.
func (d *WindowsDriver) writeJSONFile(ctx context.Context, workDir, name string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	escaped := strings.ReplaceAll(string(b), `"`, `\"`)
	cmd := fmt.Sprintf(`powershell -NoProfile -Command "Set-Content -Path '%s' -Value \"%s\""`, path.Join(workDir, name), escaped)
	_, err = d.session.Run(ctx, cmd, runTimeout)
	return err
}

// downloadTree lists every file under remoteDir and downloads each one into
// localDir, preserving relative structure, since the Remote Session only
// exposes single-file transfer.
func (d *WindowsDriver) downloadTree(ctx context.Context, remoteDir, localDir string) (int64, int64, error) {
	listing, err := d.run1(ctx, fmt.Sprintf(`Get-ChildItem -Path '%s' -Recurse -File | ForEach-Object { $_.FullName.Substring(%d) + "|" + $_.Length }`, remoteDir, len(remoteDir)+1))
	if err != nil {
		return 0, 0, err
	}
	if strings.TrimSpace(listing) == "" {
		return 0, 0, nil
	}

	var totalBytes, totalFiles int64
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 2 {
			continue
		}
		rel := parts[0]
		remotePath := path.Join(remoteDir, rel)
		localPath := path.Join(localDir, strings.ReplaceAll(rel, `\`, "/"))

		n, err := d.session.DownloadFile(ctx, remotePath, localPath)
		if err != nil {
			d.logf("download failed for file", remotePath)
			continue
		}
		totalBytes += n
		totalFiles++
	}
	return totalBytes, totalFiles, nil
}

var robocopyFilesRe = regexp.MustCompile(`Files\s*:\s*(\d+)`)
var robocopyBytesRe = regexp.MustCompile(`Bytes\s*:\s*(\d+)`)

func parseRobocopyStats(output string) (files, bytes int64) {
	if m := robocopyFilesRe.FindStringSubmatch(output); m != nil {
		files, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := robocopyBytesRe.FindStringSubmatch(output); m != nil {
		bytes, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return files, bytes
}

func (d *WindowsDriver) logf(msg, detail string) {
	if d.logger != nil {
		d.logger.Warn(msg, zap.String("client", d.ClientName), zap.String("detail", detail))
	}
}
