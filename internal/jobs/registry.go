package jobs

import (
	"sync"
	"time"
)

// Registry tracks accepted jobs in memory for status reporting. Durable state
// lives in each job's working directory (artifacts + manifest); the registry
// only answers "what jobs does this process know about".
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Add registers a job.
func (r *Registry) Add(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

// Update applies fn to the job under the registry lock. Returns false when the
// job is unknown.
func (r *Registry) Update(id string, fn func(*Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false
	}
	fn(job)
	return true
}

// JobView is a race-free snapshot of a job's reportable fields. Per-segment
// progress is not included here; readers get it from the manifest.
type JobView struct {
	ID           string
	Status       JobStatus
	WorkDir      string
	SegmentCount int
	Error        string
	Result       *Result
	CreatedAt    string
	StartedAt    string
	CompletedAt  string
}

// View returns a snapshot of one job.
func (r *Registry) View(id string) (JobView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return JobView{}, false
	}
	view := JobView{
		ID:           job.ID,
		Status:       job.Status,
		WorkDir:      job.WorkDir,
		SegmentCount: len(job.Segments),
		Error:        job.Error,
		Result:       job.Result,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339Nano),
	}
	if job.StartedAt != nil {
		view.StartedAt = job.StartedAt.Format(time.RFC3339Nano)
	}
	if job.CompletedAt != nil {
		view.CompletedAt = job.CompletedAt.Format(time.RFC3339Nano)
	}
	return view, true
}
