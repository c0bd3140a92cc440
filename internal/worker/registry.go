package worker

import (
	"sync"

	hcerrors "github.com/faaskit/hostchannel/pkg/errors"
)

// FunctionRegistry maps function ids to their metadata, input queue, and
// (if the worker rejected the load) the recorded load error.
type FunctionRegistry struct {
	mu                       sync.RWMutex
	order                    []string
	metadata                 map[string]*FunctionMetadata
	queues                   map[string]*unboundedQueue
	loadErrors               map[string]error
	managedDependencyEnabled map[string]bool
}

// NewFunctionRegistry returns an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		metadata:                 make(map[string]*FunctionMetadata),
		queues:                   make(map[string]*unboundedQueue),
		loadErrors:               make(map[string]error),
		managedDependencyEnabled: make(map[string]bool),
	}
}

// SetupInvocationBuffers installs an empty input queue for each function.
// Idempotent per function id: re-entry closes and replaces any existing
// queue, so callers must not re-setup a function with in-flight work.
func (r *FunctionRegistry) SetupInvocationBuffers(fns []*FunctionMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fn := range fns {
		if old, ok := r.queues[fn.FunctionID]; ok {
			old.Close()
		} else {
			r.order = append(r.order, fn.FunctionID)
		}
		r.metadata[fn.FunctionID] = fn
		r.queues[fn.FunctionID] = newUnboundedQueue()
		delete(r.loadErrors, fn.FunctionID)
		delete(r.managedDependencyEnabled, fn.FunctionID)
	}
}

// OrderedIDs returns function ids in registration order, for
// SendFunctionLoadRequests.
func (r *FunctionRegistry) OrderedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Metadata returns the function's descriptor.
func (r *FunctionRegistry) Metadata(functionID string) (*FunctionMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.metadata[functionID]
	return fn, ok
}

// Queue returns the function's input queue.
func (r *FunctionRegistry) Queue(functionID string) (*unboundedQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[functionID]
	return q, ok
}

// Enqueue appends ctx to the function's input queue.
func (r *FunctionRegistry) Enqueue(functionID string, ctx *ScriptInvocationContext) error {
	q, ok := r.Queue(functionID)
	if !ok {
		return hcerrors.ErrFunctionNotRegistered
	}
	q.Push(ctx)
	return nil
}

// SetLoadError records that the worker failed to load functionID.
func (r *FunctionRegistry) SetLoadError(functionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadErrors[functionID] = err
}

// LoadError reports the recorded load error, if any.
func (r *FunctionRegistry) LoadError(functionID string) (error, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	err, ok := r.loadErrors[functionID]
	return err, ok
}

// SetManagedDependencyEnabled records whether the worker downloaded managed
// dependencies while loading functionID, as reported on its
// FunctionLoadResponse.
func (r *FunctionRegistry) SetManagedDependencyEnabled(functionID string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managedDependencyEnabled[functionID] = enabled
}

// ManagedDependencyEnabled reports whether functionID's load response
// indicated managed dependencies were downloaded.
func (r *FunctionRegistry) ManagedDependencyEnabled(functionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managedDependencyEnabled[functionID]
}

// CloseAll closes every input queue, unblocking any dispatcher waiting on
// Pop; used on dispose.
func (r *FunctionRegistry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.queues {
		q.Close()
	}
}

// QueueDepths returns the current backlog per function, for
// introspection.
func (r *FunctionRegistry) QueueDepths() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.queues))
	for id, q := range r.queues {
		out[id] = q.Len()
	}
	return out
}
