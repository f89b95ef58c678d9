package driver

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FolderEntry is one element of the client's configured-folders JSON form.
type FolderEntry struct {
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`
}

var (
	defaultLinuxFolders   = []string{"/home", "/etc", "/var/www", "/opt"}
	defaultWindowsFolders = []string{`C:\Users`, `C:\ProgramData`}
)

// ParseFolders resolves the folder set for a backup, honoring the
// precedence spec.md §4.4 step 4 / §4.5 step 3 define:
//  1. an explicit caller override (opts.Folders)
//  2. the client's stored configuration — a JSON array of {path,enabled}
//     objects, or a comma-separated string of bare paths
//  3. a per-OS default set
//
// Disabled entries in the JSON form are dropped. ParseFolders round-trips:
// FormatFolders(entries) fed back through ParseFolders with no override
// yields the same enabled-path set.
func ParseFolders(override []string, storedConfig string, isWindows bool) ([]string, error) {
	if len(override) > 0 {
		return override, nil
	}

	storedConfig = strings.TrimSpace(storedConfig)
	if storedConfig == "" {
		if isWindows {
			return defaultWindowsFolders, nil
		}
		return defaultLinuxFolders, nil
	}

	if strings.HasPrefix(storedConfig, "[") {
		var entries []FolderEntry
		if err := json.Unmarshal([]byte(storedConfig), &entries); err != nil {
			return nil, fmt.Errorf("driver: parse folder config as JSON: %w", err)
		}
		var paths []string
		for _, e := range entries {
			if e.Enabled && strings.TrimSpace(e.Path) != "" {
				paths = append(paths, e.Path)
			}
		}
		if len(paths) == 0 {
			if isWindows {
				return defaultWindowsFolders, nil
			}
			return defaultLinuxFolders, nil
		}
		return paths, nil
	}

	var paths []string
	for _, p := range strings.Split(storedConfig, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		if isWindows {
			return defaultWindowsFolders, nil
		}
		return defaultLinuxFolders, nil
	}
	return paths, nil
}

// FormatFolders renders a slice of enabled paths back into the JSON array
// form ParseFolders accepts — used by the API layer when persisting an
// operator's folder-list edit.
func FormatFolders(paths []string) (string, error) {
	entries := make([]FolderEntry, len(paths))
	for i, p := range paths {
		entries[i] = FolderEntry{Path: p, Enabled: true}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("driver: format folder config: %w", err)
	}
	return string(b), nil
}
