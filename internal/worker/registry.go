package worker

import "sync"

// Registry tracks running jobs so they can be cancelled externally. Each
// running job registers a cancel function keyed by job ID.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]func()
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]func())}
}

// Register records the cancel function for a running job.
func (r *Registry) Register(jobID string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = cancel
}

// Remove drops a finished job from the registry.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// Cancel invokes the cancel function for a running job. It reports
// whether the job was registered.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.jobs[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether the job is currently registered.
func (r *Registry) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[jobID]
	return ok
}
