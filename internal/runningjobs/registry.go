// Package runningjobs tracks in-flight backups for dashboard visibility,
// independently of the durable catalog (spec.md §3, §9). Entries are
// removed automatically a short time after a job reaches a terminal state.
package runningjobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erfinfo/efc-backup/internal/db"
)

// successLinger and failureLinger are the windows spec.md §3 prescribes
// before a terminal RunningJob entry is removed, so the dashboard has time
// to observe the final state.
const (
	successLinger = 10 * time.Second
	failureLinger = 5 * time.Minute
)

// Job is a snapshot of one backup's live state.
type Job struct {
	BackupID uuid.UUID
	Client   string
	Kind     db.BackupKind
	Started  time.Time
	Phase    string
	Progress int // 0..100, monotonic non-decreasing except on failure-reset
	Origin   string
	Failed   bool
}

// Registry is a mutex-guarded map from backup id to Job. Construct it with
// New; the zero value's maps are nil, so Register on it panics.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Job
	timers  map[uuid.UUID]*time.Timer
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[uuid.UUID]*Job),
		timers:  make(map[uuid.UUID]*time.Timer),
	}
}

// Register creates a new Job entry when a Job Runner accepts a backup.
func (r *Registry) Register(backupID uuid.UUID, client string, kind db.BackupKind, origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[backupID] = &Job{
		BackupID: backupID,
		Client:   client,
		Kind:     kind,
		Started:  time.Now().UTC(),
		Origin:   origin,
	}
}

// UpdateProgress sets phase/percent on an existing entry, clamping percent
// to be non-decreasing within the job (spec.md §8 invariant 7). No-op if
// the backup id isn't registered (e.g. it already lingered out).
func (r *Registry) UpdateProgress(backupID uuid.UUID, phase string, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.entries[backupID]
	if !ok {
		return
	}
	j.Phase = phase
	if percent > j.Progress {
		j.Progress = percent
	}
}

// Finish marks a job terminal and schedules its removal: successLinger
// after a success, failureLinger after a failure.
func (r *Registry) Finish(backupID uuid.UUID, failed bool) {
	r.mu.Lock()
	j, ok := r.entries[backupID]
	if !ok {
		r.mu.Unlock()
		return
	}
	j.Failed = failed
	if !failed {
		j.Progress = 100
	}

	linger := successLinger
	if failed {
		linger = failureLinger
	}
	timer := time.AfterFunc(linger, func() {
		r.mu.Lock()
		delete(r.entries, backupID)
		delete(r.timers, backupID)
		r.mu.Unlock()
	})
	r.timers[backupID] = timer
	r.mu.Unlock()
}

// Get returns a copy of the Job for backupID, if present.
func (r *Registry) Get(backupID uuid.UUID) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.entries[backupID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Snapshot returns a copy of every currently tracked Job, safe for a reader
// to range over without holding the registry's lock.
func (r *Registry) Snapshot() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.entries))
	for _, j := range r.entries {
		out = append(out, *j)
	}
	return out
}

// Count reports how many jobs are currently tracked (running or lingering).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Shutdown cancels every pending linger timer and fires its cleanup
// immediately, so the registry empties without delaying process exit
// (spec.md §9: linger timers "MUST NOT delay shutdown beyond a grace
// window").
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.entries = make(map[uuid.UUID]*Job)
}
