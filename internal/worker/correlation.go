package worker

import "sync"

// CorrelationTable is a concurrent map from invocation id to the
// originating context. The dispatcher is the sole inserter for a given
// id; entries are removed by the response handler, by the dispatcher when
// the send fails, and by Drain.
type CorrelationTable struct {
	m sync.Map // string -> *ScriptInvocationContext
}

// Insert records ctx under its invocation id.
func (t *CorrelationTable) Insert(ctx *ScriptInvocationContext) {
	t.m.Store(ctx.InvocationID, ctx)
}

// Peek returns the context for id without removing it.
func (t *CorrelationTable) Peek(id string) (*ScriptInvocationContext, bool) {
	v, ok := t.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*ScriptInvocationContext), true
}

// Remove atomically removes and returns the context for id, if present.
func (t *CorrelationTable) Remove(id string) (*ScriptInvocationContext, bool) {
	v, ok := t.m.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*ScriptInvocationContext), true
}

// Len returns the number of in-flight invocations.
func (t *CorrelationTable) Len() int {
	n := 0
	t.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Drain removes and returns every currently tracked context, used on
// dispose and on transport failure.
func (t *CorrelationTable) Drain() []*ScriptInvocationContext {
	var out []*ScriptInvocationContext
	t.m.Range(func(k, v any) bool {
		out = append(out, v.(*ScriptInvocationContext))
		t.m.Delete(k)
		return true
	})
	return out
}
