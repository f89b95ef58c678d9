// Package exclusion is a pure producer of OS-specific exclusion rule sets
// (spec.md §4.3). It has no I/O and no dependency on the rest of the engine
// — callers serialize a Set into whatever argv or find-expression form the
// target OS's copy tool expects, or query it directly via ShouldExclude.
package exclusion

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/erfinfo/efc-backup/internal/db"
)

// globalExtensions are skipped on every OS regardless of other rules —
// large media container formats that dominate backup size without being
// worth protecting via incremental snapshotting.
var globalExtensions = []string{"*.iso", "*.vmdk", "*.vdi", "*.vhd", "*.vhdx", "*.mp4", "*.mkv", "*.avi"}

// globalMaxFileSizeBytes caps any single file eligible for copy.
const globalMaxFileSizeBytes int64 = 2 * 1024 * 1024 * 1024 // 2 GiB

// linuxDirPatterns are directory-tree exclusions for Linux clients.
var linuxDirPatterns = []string{
	"/tmp", "/var/tmp", "/var/cache", "/proc", "/sys", "/dev", "/run",
	".cache", ".local/share/Trash",
}

// linuxNamePatterns are filename/extension globs excluded on Linux.
var linuxNamePatterns = []string{"*.tmp", "*.log", "*.swap", "*.swp", "core.*"}

// windowsDirPatterns are directory-tree exclusions for Windows clients,
// matched by the tool against the last path segment (basename) only.
var windowsDirPatterns = []string{
	"Temp", "TEMP", "tmp",
	"Temporary Internet Files", "INetCache", "Cache", "Code Cache", "GPUCache",
	"$Recycle.Bin", "System Volume Information",
}

// windowsNamePatterns are filename globs excluded on Windows, plus the three
// well-known paging/hibernation artifacts.
var windowsNamePatterns = []string{"*.tmp", "*.log", "pagefile.sys", "hiberfil.sys", "swapfile.sys"}

// Set is an OS-specific collection of exclusion rules plus a size cap. All
// fields are populated; Set values are immutable once returned by ForOS.
type Set struct {
	OS              db.OSKind
	DirPatterns     []string // directory-tree exclusions
	NamePatterns    []string // filename/extension globs
	MaxFileSizeByte int64
}

// ForOS returns the default exclusion Set for the given OS, plus any
// caller-supplied per-client overrides appended to the name-pattern list.
// Global exclusions (media extensions, 2 GiB cap) are always included.
func ForOS(os db.OSKind, overrides []string) Set {
	var s Set
	s.OS = os
	s.MaxFileSizeByte = globalMaxFileSizeBytes

	switch os {
	case db.OSKindWindows:
		s.DirPatterns = append(append([]string{}, windowsDirPatterns...))
		s.NamePatterns = append(append([]string{}, windowsNamePatterns...), globalExtensions...)
	default: // db.OSKindLinux and any unrecognized value fall back to Linux rules
		s.DirPatterns = append(append([]string{}, linuxDirPatterns...))
		s.NamePatterns = append(append([]string{}, linuxNamePatterns...), globalExtensions...)
	}

	s.NamePatterns = append(s.NamePatterns, overrides...)
	return s
}

// -----------------------------------------------------------------------------
// Serializers
// -----------------------------------------------------------------------------

// WindowsCopyArgs renders the Set as arguments for the Windows copy tool
// (robocopy-style): directory patterns become basenames (the tool matches on
// the last path segment), extension/name globs are joined into a single
// /XF clause, and the byte cap becomes /MAX:<n>.
func (s Set) WindowsCopyArgs() []string {
	args := make([]string, 0, 4)

	if len(s.DirPatterns) > 0 {
		dirs := make([]string, len(s.DirPatterns))
		for i, p := range s.DirPatterns {
			dirs[i] = filepath.Base(p)
		}
		args = append(args, "/XD")
		args = append(args, dirs...)
	}

	if len(s.NamePatterns) > 0 {
		args = append(args, "/XF")
		args = append(args, strings.Join(s.NamePatterns, " "))
	}

	args = append(args, fmt.Sprintf("/MAX:%d", s.MaxFileSizeByte))
	return args
}

// LinuxCopyArgs renders the Set as arguments for the Linux copy tool
// (rsync-style): one --exclude=<pattern> per directory and name pattern,
// plus --max-size=<N>M.
func (s Set) LinuxCopyArgs() []string {
	args := make([]string, 0, len(s.DirPatterns)+len(s.NamePatterns)+1)
	for _, p := range s.DirPatterns {
		args = append(args, "--exclude="+p)
	}
	for _, p := range s.NamePatterns {
		args = append(args, "--exclude="+p)
	}
	args = append(args, fmt.Sprintf("--max-size=%dM", s.MaxFileSizeByte/(1024*1024)))
	return args
}

// FindFragments renders the Set as negated find(1) clauses used to enumerate
// changed files during an incremental Linux backup (spec.md §4.4 step 5):
// one -path clause per directory pattern (matching it as whole path
// segments) and one -name clause per name pattern, each negated with its own
// ! so find ANDs them (there is no parenthesized group), plus a -size clause
// for the cap.
func (s Set) FindFragments() []string {
	args := make([]string, 0, len(s.DirPatterns)+len(s.NamePatterns)+1)
	for _, p := range s.DirPatterns {
		args = append(args, "!", "-path", fmt.Sprintf("*/%s/*", strings.Trim(p, "/")))
	}
	for _, p := range s.NamePatterns {
		args = append(args, "!", "-name", p)
	}
	maxSizeKB := s.MaxFileSizeByte / 1024
	args = append(args, "-size", fmt.Sprintf("-%dk", maxSizeKB))
	return args
}

// -----------------------------------------------------------------------------
// Oracle
// -----------------------------------------------------------------------------

// ShouldExclude reports whether path matches any rule in the Set. Directory
// patterns match when they equal one or more whole segments of path (with
// either / or \ as separator), never part of a segment; name patterns match
// against the last path component only (basename), the same scoping the
// Windows tool applies per spec.md §4.3.
//
// ShouldExclude is deterministic for a given (path, Set) pair and agrees
// with the argument forms produced by WindowsCopyArgs/LinuxCopyArgs/
// FindFragments for the same Set — this is the property spec.md §8
// invariant 5 requires.
func ShouldExclude(path string, s Set) bool {
	cleaned := strings.ReplaceAll(path, `\`, "/")
	padded := "/" + strings.Trim(cleaned, "/") + "/"
	for _, p := range s.DirPatterns {
		seg := strings.Trim(strings.ReplaceAll(p, `\`, "/"), "/")
		if strings.Contains(padded, "/"+seg+"/") {
			return true
		}
	}

	base := filepath.Base(cleaned)
	for _, p := range s.NamePatterns {
		if globMatch(p, base) {
			return true
		}
	}
	return false
}

// globMatch reports whether name matches the shell-style glob pattern
// (supporting only '*' and '?', the subset spec.md's name patterns use).
// The pattern is escaped to a regular expression via regexp.QuoteMeta and
// then the two wildcard metacharacters are reinserted, so that literal
// regex metacharacters in the pattern itself (e.g. "core.*" containing a
// literal dot) are never misinterpreted.
func globMatch(pattern, name string) bool {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		// A pattern that fails to compile can never match — fail closed on
		// the side of "not excluded" so a malformed override never silently
		// drops files from the backup.
		return false
	}
	return re.MatchString(name)
}
