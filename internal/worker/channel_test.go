package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/faaskit/hostchannel/internal/eventbus"
	"github.com/faaskit/hostchannel/internal/observability"
	"github.com/faaskit/hostchannel/internal/rpc"
	hcerrors "github.com/faaskit/hostchannel/pkg/errors"
	"github.com/faaskit/hostchannel/pkg/logging"
)

type fakeTransport struct {
	bus      eventbus.Bus
	workerID string

	mu     sync.Mutex
	sent   []*rpc.StreamingMessage
	failed bool
}

func newFakeTransport(bus eventbus.Bus, workerID string) *fakeTransport {
	return &fakeTransport{bus: bus, workerID: workerID}
}

func (t *fakeTransport) Send(msg *rpc.StreamingMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed {
		return hcerrors.ErrTransportFailed
	}
	if msg.WorkerID == "" {
		msg.WorkerID = t.workerID
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) messages() []*rpc.StreamingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*rpc.StreamingMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) countInvocationRequests() int {
	n := 0
	for _, m := range t.messages() {
		if m.InvocationRequest != nil {
			n++
		}
	}
	return n
}

func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	t.failed = true
	t.mu.Unlock()
	t.bus.Publish(WorkerErrorEvent{WorkerID: t.workerID, Err: err})
}

func (t *fakeTransport) deliver(msg *rpc.StreamingMessage) {
	if msg.WorkerID == "" {
		msg.WorkerID = t.workerID
	}
	t.bus.Publish(InboundEvent{WorkerID: t.workerID, Message: msg})
}

type fakeProcess struct {
	killed atomic.Bool
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	return nil
}

func testChannel(t *testing.T, cfg Config) (*Channel, *fakeTransport, *fakeProcess) {
	t.Helper()
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-1"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = time.Second
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = time.Second
	}
	if cfg.ReloadTimeout == 0 {
		cfg.ReloadTimeout = time.Second
	}
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = 20 * time.Millisecond
	}

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	transport := newFakeTransport(bus, cfg.WorkerID)
	proc := &fakeProcess{}
	spawn := func(context.Context) (Process, error) { return proc, nil }

	logger := logging.New(nil)
	metrics := observability.NewMetrics()

	ch := New(cfg, transport, bus, spawn, logger, metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ch.Dispose(ctx)
	})
	return ch, transport, proc
}

func startAndInit(t *testing.T, ch *Channel, transport *fakeTransport, caps map[string]string) {
	t.Helper()
	done := ch.StartWorkerProcessAsync(context.Background())
	transport.deliver(&rpc.StreamingMessage{StartStream: &rpc.StartStream{WorkerID: ch.workerID}})

	waitInitRequest(t, transport)
	transport.deliver(&rpc.StreamingMessage{WorkerInitResponse: &rpc.WorkerInitResponse{
		Result:       &rpc.StatusResult{Success: true},
		Capabilities: caps,
	}})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("startup failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for startup to complete")
	}
}

func waitInitRequest(t *testing.T, transport *fakeTransport) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		for _, m := range transport.messages() {
			if m.WorkerInitRequest != nil {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for WorkerInitRequest")
		case <-time.After(time.Millisecond):
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestHappyPath(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{})
	startAndInit(t, ch, transport, map[string]string{"TypedDataCollectionSupported": "1"})

	ch.SetupFunctionInvocationBuffers([]*FunctionMetadata{{FunctionID: "F1", Name: "F1"}})
	if err := ch.SendFunctionLoadRequests(); err != nil {
		t.Fatalf("SendFunctionLoadRequests: %v", err)
	}
	transport.deliver(&rpc.StreamingMessage{FunctionLoadResponse: &rpc.FunctionLoadResponse{
		FunctionID: "F1",
		Result:     &rpc.StatusResult{Success: true},
	}})

	ic, err := ch.Invoke(context.Background(), "F1", "I1", map[string]any{"in": "hello"}, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	waitFor(t, time.Second, func() bool { return transport.countInvocationRequests() == 1 })

	transport.deliver(&rpc.StreamingMessage{InvocationResponse: &rpc.InvocationResponse{
		InvocationID: "I1",
		Result:       &rpc.StatusResult{Success: true},
		OutputData: []*rpc.ParameterBinding{
			{Name: "out", Data: &rpc.TypedData{Kind: rpc.TypedString, StringVal: "hello"}},
		},
	}})

	res, err := ic.Result.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("unexpected invocation error: %v", res.Err)
	}
	if res.Outputs["out"] != "hello" {
		t.Fatalf("outputs = %+v, want out=hello", res.Outputs)
	}
}

func TestStartTimeout(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{StartupTimeout: 30 * time.Millisecond})

	errEvents := ch.bus.Subscribe(func(e eventbus.Event) bool {
		_, ok := e.(WorkerErrorEvent)
		return ok
	})
	defer errEvents.Unsubscribe()

	done := ch.StartWorkerProcessAsync(context.Background())

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected startup failure on timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for startup failure")
	}

	select {
	case <-errEvents.C():
	case <-time.After(time.Second):
		t.Fatal("expected WorkerErrorEvent after start timeout")
	}

	if ch.State() != StateFailed {
		t.Fatalf("state = %v, want failed", ch.State())
	}
	_ = transport
}

func TestFunctionLoadRequestCarriesIsProxy(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{})
	startAndInit(t, ch, transport, nil)

	ch.SetupFunctionInvocationBuffers([]*FunctionMetadata{{FunctionID: "F1", Name: "F1", IsProxy: true}})
	if err := ch.SendFunctionLoadRequests(); err != nil {
		t.Fatalf("SendFunctionLoadRequests: %v", err)
	}

	var req *rpc.FunctionLoadRequest
	for _, m := range transport.messages() {
		if m.FunctionLoadRequest != nil {
			req = m.FunctionLoadRequest
		}
	}
	if req == nil {
		t.Fatal("expected a FunctionLoadRequest to have been sent")
	}
	if !req.Metadata.IsProxy {
		t.Fatalf("Metadata.IsProxy = false, want true")
	}
}

func TestFunctionLoadResponseRecordsManagedDependencyEnabled(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{})
	startAndInit(t, ch, transport, nil)

	ch.SetupFunctionInvocationBuffers([]*FunctionMetadata{{FunctionID: "F1", Name: "F1"}})
	if err := ch.SendFunctionLoadRequests(); err != nil {
		t.Fatalf("SendFunctionLoadRequests: %v", err)
	}
	transport.deliver(&rpc.StreamingMessage{FunctionLoadResponse: &rpc.FunctionLoadResponse{
		FunctionID:               "F1",
		Result:                   &rpc.StatusResult{Success: true},
		ManagedDependencyEnabled: true,
	}})

	waitFor(t, time.Second, func() bool { return ch.registry.ManagedDependencyEnabled("F1") })

	snap := ch.Snapshot()
	if !snap.ManagedDependencyEnabled["F1"] {
		t.Fatalf("Snapshot().ManagedDependencyEnabled[F1] = false, want true")
	}
}

func TestLoadFailureThenInvoke(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{})
	startAndInit(t, ch, transport, nil)

	ch.SetupFunctionInvocationBuffers([]*FunctionMetadata{{FunctionID: "F2", Name: "F2"}})
	if err := ch.SendFunctionLoadRequests(); err != nil {
		t.Fatalf("SendFunctionLoadRequests: %v", err)
	}
	transport.deliver(&rpc.StreamingMessage{FunctionLoadResponse: &rpc.FunctionLoadResponse{
		FunctionID: "F2",
		Result: &rpc.StatusResult{
			Success:   false,
			Exception: &rpc.RpcException{Message: "syntax error"},
		},
	}})

	// Give the load-response handler a chance to record the error and
	// attach the dispatcher before enqueueing.
	waitFor(t, time.Second, func() bool {
		_, ok := ch.registry.LoadError("F2")
		return ok
	})

	ic, err := ch.Invoke(context.Background(), "F2", "I2", nil, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	res, err := ic.Result.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Err == nil {
		t.Fatal("expected invocation to fail with the load error")
	}
	if !strings.Contains(res.Err.Error(), "syntax error") {
		t.Fatalf("error = %v, want it to mention the load error", res.Err)
	}
	if transport.countInvocationRequests() != 0 {
		t.Fatalf("expected no InvocationRequest for a function with a load error, got %d", transport.countInvocationRequests())
	}
}

func TestConcurrentInvocationsRespectParallelism(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{Parallelism: 6})
	startAndInit(t, ch, transport, nil)

	ch.SetupFunctionInvocationBuffers([]*FunctionMetadata{{FunctionID: "F1", Name: "F1"}})
	if err := ch.SendFunctionLoadRequests(); err != nil {
		t.Fatalf("SendFunctionLoadRequests: %v", err)
	}
	transport.deliver(&rpc.StreamingMessage{FunctionLoadResponse: &rpc.FunctionLoadResponse{
		FunctionID: "F1",
		Result:     &rpc.StatusResult{Success: true},
	}})

	const total = 20
	ics := make([]*ScriptInvocationContext, total)
	for i := 0; i < total; i++ {
		ic, err := ch.Invoke(context.Background(), "F1", fmt.Sprintf("I%d", i), nil, nil)
		if err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
		ics[i] = ic
	}

	// The worker holds every response, so outstanding requests should
	// saturate at the parallelism bound and never exceed it.
	waitFor(t, time.Second, func() bool { return transport.countInvocationRequests() == DefaultParallelism })
	time.Sleep(20 * time.Millisecond)
	if got := transport.countInvocationRequests(); got != DefaultParallelism {
		t.Fatalf("outstanding requests = %d, want exactly %d", got, DefaultParallelism)
	}

	// Answer them all; the remaining 14 should trickle through respecting
	// the same bound, never issuing more than DefaultParallelism at once.
	answered := make(map[string]bool, total)
	for len(answered) < total {
		outstanding := 0
		var toAnswer []string
		for _, m := range transport.messages() {
			if m.InvocationRequest == nil {
				continue
			}
			id := m.InvocationRequest.InvocationID
			if answered[id] {
				continue
			}
			outstanding++
			toAnswer = append(toAnswer, id)
		}
		if outstanding > DefaultParallelism {
			t.Fatalf("outstanding invocation requests exceeded parallelism bound: %d", outstanding)
		}
		for _, id := range toAnswer {
			transport.deliver(&rpc.StreamingMessage{InvocationResponse: &rpc.InvocationResponse{
				InvocationID: id,
				Result:       &rpc.StatusResult{Success: true},
			}})
			answered[id] = true
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, ic := range ics {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		res, err := ic.Result.Wait(ctx)
		cancel()
		if err != nil {
			t.Fatalf("invocation %s never completed: %v", ic.InvocationID, err)
		}
		if res.Err != nil {
			t.Fatalf("invocation %s failed: %v", ic.InvocationID, res.Err)
		}
	}
}

func TestLogRouting(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{})
	startAndInit(t, ch, transport, nil)

	ch.SetupFunctionInvocationBuffers([]*FunctionMetadata{{FunctionID: "F1", Name: "F1"}})
	_ = ch.SendFunctionLoadRequests()
	transport.deliver(&rpc.StreamingMessage{FunctionLoadResponse: &rpc.FunctionLoadResponse{
		FunctionID: "F1",
		Result:     &rpc.StatusResult{Success: true},
	}})

	ic, err := ch.Invoke(context.Background(), "F1", "I3", nil, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	waitFor(t, time.Second, func() bool { return transport.countInvocationRequests() == 1 })

	// Routed through the invocation: exercised via correlation.Peek, no
	// observable side effect besides not panicking.
	transport.deliver(&rpc.StreamingMessage{RpcLog: &rpc.RpcLog{
		InvocationID: "I3",
		Level:        rpc.LogWarning,
		Message:      "hi",
	}})

	// Routed through the channel logger: empty invocation id.
	transport.deliver(&rpc.StreamingMessage{RpcLog: &rpc.RpcLog{
		Level:   rpc.LogInformation,
		Message: "channel-level",
	}})

	transport.deliver(&rpc.StreamingMessage{InvocationResponse: &rpc.InvocationResponse{
		InvocationID: "I3",
		Result:       &rpc.StatusResult{Success: true},
	}})
	if _, err := ic.Result.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestEnvironmentReload(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{})
	startAndInit(t, ch, transport, nil)

	result, err := ch.SendFunctionEnvironmentReloadRequest(context.Background(), map[string]string{"FOO": "bar"})
	if err != nil {
		t.Fatalf("SendFunctionEnvironmentReloadRequest: %v", err)
	}
	if ch.State() != StateReloading {
		t.Fatalf("state = %v, want reloading", ch.State())
	}

	waitFor(t, time.Second, func() bool {
		for _, m := range transport.messages() {
			if m.FunctionEnvironmentReloadRequest != nil {
				return true
			}
		}
		return false
	})

	transport.deliver(&rpc.StreamingMessage{FunctionEnvironmentReloadResponse: &rpc.FunctionEnvironmentReloadResponse{
		Result: &rpc.StatusResult{Success: true},
	}})

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("expected reload to succeed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reload result")
	}

	if ch.State() != StateInitialized {
		t.Fatalf("state = %v, want initialized after reload", ch.State())
	}

	ch.SetupFunctionInvocationBuffers([]*FunctionMetadata{{FunctionID: "F1", Name: "F1"}})
	_ = ch.SendFunctionLoadRequests()
	transport.deliver(&rpc.StreamingMessage{FunctionLoadResponse: &rpc.FunctionLoadResponse{
		FunctionID: "F1",
		Result:     &rpc.StatusResult{Success: true},
	}})
	ic, err := ch.Invoke(context.Background(), "F1", "I4", nil, nil)
	if err != nil {
		t.Fatalf("Invoke after reload: %v", err)
	}
	waitFor(t, time.Second, func() bool { return transport.countInvocationRequests() == 1 })
	transport.deliver(&rpc.StreamingMessage{InvocationResponse: &rpc.InvocationResponse{
		InvocationID: "I4",
		Result:       &rpc.StatusResult{Success: true},
	}})
	if _, err := ic.Result.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestTransportFailureFailsInFlightInvocations(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{})
	startAndInit(t, ch, transport, nil)

	ch.SetupFunctionInvocationBuffers([]*FunctionMetadata{{FunctionID: "F1", Name: "F1"}})
	_ = ch.SendFunctionLoadRequests()
	transport.deliver(&rpc.StreamingMessage{FunctionLoadResponse: &rpc.FunctionLoadResponse{
		FunctionID: "F1",
		Result:     &rpc.StatusResult{Success: true},
	}})

	ic, err := ch.Invoke(context.Background(), "F1", "I5", nil, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	waitFor(t, time.Second, func() bool { return ch.correlation.Len() == 1 })

	transport.fail(errors.New("connection reset"))

	res, err := ic.Result.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !errors.Is(res.Err, hcerrors.ErrTransportFailed) {
		t.Fatalf("err = %v, want ErrTransportFailed", res.Err)
	}
}

func TestCapabilitiesAppendOverwriteOnly(t *testing.T) {
	caps := NewCapabilities()
	caps.Merge(map[string]string{"A": "1", "B": "2"})
	caps.Merge(map[string]string{"B": "3", "C": ""})

	if v, _ := caps.Get("A"); v != "1" {
		t.Fatalf("A = %q, want 1", v)
	}
	if v, _ := caps.Get("B"); v != "3" {
		t.Fatalf("B = %q, want 3 (overwrite allowed)", v)
	}
	if caps.Has("C") {
		t.Fatal("empty value must not be recorded as a capability")
	}
}

func TestNoDoubleCompleteOnDuplicateResponse(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{})
	startAndInit(t, ch, transport, nil)

	ch.SetupFunctionInvocationBuffers([]*FunctionMetadata{{FunctionID: "F1", Name: "F1"}})
	_ = ch.SendFunctionLoadRequests()
	transport.deliver(&rpc.StreamingMessage{FunctionLoadResponse: &rpc.FunctionLoadResponse{
		FunctionID: "F1",
		Result:     &rpc.StatusResult{Success: true},
	}})

	ic, err := ch.Invoke(context.Background(), "F1", "I6", nil, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	waitFor(t, time.Second, func() bool { return transport.countInvocationRequests() == 1 })

	resp := &rpc.StreamingMessage{InvocationResponse: &rpc.InvocationResponse{
		InvocationID: "I6",
		Result:       &rpc.StatusResult{Success: true},
	}}
	transport.deliver(resp)
	transport.deliver(resp)

	if _, err := ic.Result.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	// A ResultSource can only be completed once; the second Complete call
	// must report false, and the duplicate response must have been
	// dropped by the correlation table lookup rather than panicking.
	if ic.Result.Complete(Result{}) {
		t.Fatal("expected Complete to report false for an already-completed promise")
	}
}

func TestAtMostOneDispatcherPerFunction(t *testing.T) {
	ch, transport, _ := testChannel(t, Config{})
	startAndInit(t, ch, transport, nil)

	ch.SetupFunctionInvocationBuffers([]*FunctionMetadata{{FunctionID: "F1", Name: "F1"}})
	_ = ch.SendFunctionLoadRequests()

	// Two FunctionLoadResponses for the same id (a duplicate delivery)
	// must still only ever attach one consumer.
	for i := 0; i < 2; i++ {
		transport.deliver(&rpc.StreamingMessage{FunctionLoadResponse: &rpc.FunctionLoadResponse{
			FunctionID: "F1",
			Result:     &rpc.StatusResult{Success: true},
		}})
	}
	waitFor(t, time.Second, func() bool {
		ch.dispatchersMu.Lock()
		defer ch.dispatchersMu.Unlock()
		return len(ch.dispatchers) == 1
	})
	time.Sleep(20 * time.Millisecond)
	ch.dispatchersMu.Lock()
	n := len(ch.dispatchers)
	ch.dispatchersMu.Unlock()
	if n != 1 {
		t.Fatalf("dispatchers attached = %d, want 1", n)
	}
}
