package transcode

import "sync"

// registry tracks the handles of in-flight encodes. Entries are dropped the
// moment a job goes terminal, so membership doubles as the "still running"
// check.
type registry struct {
	mu      sync.Mutex
	entries map[string]Handle
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]Handle)}
}

// register stores the handle for a job. A second registration for the same
// job replaces the first.
func (r *registry) register(jobID string, handle Handle) {
	r.mu.Lock()
	r.entries[jobID] = handle
	r.mu.Unlock()
}

// unregister drops the job if present.
func (r *registry) unregister(jobID string) {
	r.mu.Lock()
	delete(r.entries, jobID)
	r.mu.Unlock()
}

func (r *registry) get(jobID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.entries[jobID]
	return handle, ok
}

// remove drops the job and returns its handle. Only one caller can win the
// removal, so a repeated stop observes the entry gone.
func (r *registry) remove(jobID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.entries[jobID]
	if ok {
		delete(r.entries, jobID)
	}
	return handle, ok
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *registry) handles() map[string]Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Handle, len(r.entries))
	for id, handle := range r.entries {
		out[id] = handle
	}
	return out
}
