// Package worker implements the host-side control channel for one
// out-of-process language worker: startup handshake, function
// registration, bounded-parallelism invocation dispatch, and response
// correlation over a long-lived bidirectional stream.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/faaskit/hostchannel/pkg/logging"
)

// BindingDirection classifies a function parameter binding.
type BindingDirection int

const (
	BindingIn BindingDirection = iota
	BindingOut
	BindingInOut
)

// Binding describes one named, directional parameter of a function.
type Binding struct {
	Name      string
	Direction BindingDirection
	Type      string
	DataType  string
}

// FunctionMetadata is the read-only description of one registrable
// function.
type FunctionMetadata struct {
	FunctionID string
	Name       string
	EntryPoint string
	ScriptFile string
	Directory  string
	IsProxy    bool
	Bindings   []Binding
}

// Result is the outcome delivered to a ScriptInvocationContext's
// ResultSource.
type Result struct {
	Outputs     map[string]any
	ReturnValue any
	Err         error
	Cancelled   bool
}

// ResultSource is a result promise completable exactly once.
type ResultSource struct {
	once sync.Once
	ch   chan Result
}

// NewResultSource returns an empty, uncompleted promise.
func NewResultSource() *ResultSource {
	return &ResultSource{ch: make(chan Result, 1)}
}

// Complete resolves the promise. It reports whether this call was the one
// that completed it; later calls are no-ops.
func (r *ResultSource) Complete(res Result) bool {
	completed := false
	r.once.Do(func() {
		completed = true
		r.ch <- res
	})
	return completed
}

// Wait blocks until the promise completes or ctx is done.
func (r *ResultSource) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-r.ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// ScriptInvocationContext is the per-invocation bag handed to a function's
// input queue.
type ScriptInvocationContext struct {
	InvocationID    string
	Function        *FunctionMetadata
	Inputs          map[string]any
	TriggerMetadata map[string]any
	Result          *ResultSource
	Logger          *logging.Logger

	ctx context.Context

	// SentAt is set by the dispatcher when the InvocationRequest is
	// written to the transport; used only to compute invocation latency.
	SentAt time.Time
}

// NewScriptInvocationContext builds a context whose cancellation follows
// ctx and whose logger is scoped to the invocation.
func NewScriptInvocationContext(ctx context.Context, invocationID string, fn *FunctionMetadata, inputs, trigger map[string]any, logger *logging.Logger) *ScriptInvocationContext {
	return &ScriptInvocationContext{
		InvocationID:    invocationID,
		Function:        fn,
		Inputs:          inputs,
		TriggerMetadata: trigger,
		Result:          NewResultSource(),
		Logger:          logger.WithInvocation(invocationID),
		ctx:             ctx,
	}
}

// Cancelled reports whether the context's cancellation token has already
// fired.
func (c *ScriptInvocationContext) Cancelled() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// Context returns the invocation's cancellation context, used to scope the
// dispatch span a dispatcher starts around building and sending the wire
// request.
func (c *ScriptInvocationContext) Context() context.Context {
	return c.ctx
}

// Capabilities is an append/overwrite-only key-value map populated at
// handshake time.
type Capabilities struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewCapabilities returns an empty capability set.
func NewCapabilities() *Capabilities {
	return &Capabilities{m: make(map[string]string)}
}

// Merge adds or overwrites entries; empty values are ignored, keys are
// never removed.
func (c *Capabilities) Merge(kv map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range kv {
		if v == "" {
			continue
		}
		c.m[k] = v
	}
}

// Get returns a capability's value.
func (c *Capabilities) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

// Has reports whether key is set to a non-empty value.
func (c *Capabilities) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Snapshot returns a copy of the current capability set, for
// introspection.
func (c *Capabilities) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// ChannelState enumerates the worker lifecycle.
type ChannelState int

const (
	StateDefault ChannelState = iota
	StateInitializing
	StateInitialized
	StateReloading
	StateDisposed
	// StateFailed is a terminal state reached when startup fails outright;
	// distinct from Disposed because failure was never requested by the
	// caller.
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateReloading:
		return "reloading"
	case StateDisposed:
		return "disposed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WorkerErrorEvent is published whenever the channel or transport hits an
// error not attributable to a single invocation.
type WorkerErrorEvent struct {
	Language string
	WorkerID string
	Err      error
}

// HostRestartEvent signals that a watched script file changed and the
// worker process should be restarted.
type HostRestartEvent struct {
	WorkerID string
}

// FileEvent is a raw file-change notification from the file watcher,
// before extension filtering and debounce.
type FileEvent struct {
	WorkerID string
	Path     string
}
