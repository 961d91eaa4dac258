package runner

import (
	"sync"
	"time"

	"github.com/efc-ti/efc-backup/pkg/metrics"
	"github.com/efc-ti/efc-backup/pkg/types"
)

const (
	// successLinger keeps a finished job visible to the dashboard briefly.
	successLinger = 10 * time.Second

	// failureLinger keeps failed jobs visible long enough to be noticed.
	failureLinger = 5 * time.Minute
)

// Registry tracks running backups in memory for dashboard visibility.
// Entries linger after completion (10s on success, 5min on failure) so the
// final state can be observed, then expire via timers cancellable at
// shutdown.
type Registry struct {
	mu     sync.Mutex
	jobs   map[string]*types.RunningJob
	timers map[string]*time.Timer
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:   make(map[string]*types.RunningJob),
		timers: make(map[string]*time.Timer),
	}
}

// Add registers a new running job.
func (r *Registry) Add(job *types.RunningJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.jobs[job.BackupID] = job
	metrics.RunningJobs.Set(float64(countRunning(r.jobs)))
}

// Update applies fn to the job under the registry lock. Progress is clamped
// to be non-decreasing unless the job is marked failed.
func (r *Registry) Update(backupID string, fn func(job *types.RunningJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[backupID]
	if !ok {
		return
	}
	prev := job.Progress
	fn(job)
	if !job.Failed && job.Progress < prev {
		job.Progress = prev
	}
	if job.Progress > 100 {
		job.Progress = 100
	}
}

// Reset returns a job to the first phase after a failed attempt; this is the
// one sanctioned decrease in progress.
func (r *Registry) Reset(backupID, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[backupID]
	if !ok {
		return
	}
	job.Phase = phase
	job.Progress = 0
}

// Get returns a snapshot of one job.
func (r *Registry) Get(backupID string) (types.RunningJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[backupID]
	if !ok {
		return types.RunningJob{}, false
	}
	return *job, true
}

// List returns a snapshot of all tracked jobs.
func (r *Registry) List() []types.RunningJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.RunningJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	return out
}

// Finish marks the job terminal and schedules its removal.
func (r *Registry) Finish(backupID string, failed bool, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[backupID]
	if !ok || r.closed {
		return
	}
	job.Failed = failed
	job.Error = errText
	if !failed {
		job.Progress = 100
	}

	linger := successLinger
	if failed {
		linger = failureLinger
	}
	r.timers[backupID] = time.AfterFunc(linger, func() {
		r.remove(backupID)
	})
	// Lingering terminal jobs are visible but no longer running.
	metrics.RunningJobs.Set(float64(countRunning(r.jobs)))
}

func (r *Registry) remove(backupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, backupID)
	delete(r.timers, backupID)
	metrics.RunningJobs.Set(float64(countRunning(r.jobs)))
}

// Close cancels all linger timers and drops every entry. It must not delay
// shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.jobs = make(map[string]*types.RunningJob)
	metrics.RunningJobs.Set(0)
}

func countRunning(jobs map[string]*types.RunningJob) int {
	n := 0
	for _, j := range jobs {
		if !j.Failed && j.Progress < 100 {
			n++
		}
	}
	return n
}
