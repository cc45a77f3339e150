package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/cuongbtq/jobster/job"
)

// Result is what a handler reports back. Jobs listed in FailedJobIDs are
// failed; every other job of the batch succeeded.
type Result struct {
	FailedJobIDs []string
}

// Failed builds a Result failing the given jobs
func Failed(jobs ...*job.Job) Result {
	return Result{FailedJobIDs: job.IDs(jobs)}
}

// Handler processes a claimed batch. Returning an error or panicking fails
// the whole batch.
type Handler func(ctx context.Context, jobs []*job.Job) (Result, error)

// Registry maps job names to their single handler
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds the handler for name. Only one handler per name is allowed.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return &DuplicateListenerError{JobName: name}
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler for name
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered job names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes every handler
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string]Handler)
}
