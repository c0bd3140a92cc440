package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/faaskit/hostchannel/internal/eventbus"
	"github.com/faaskit/hostchannel/internal/observability"
	"github.com/faaskit/hostchannel/internal/rpc"
	"github.com/faaskit/hostchannel/internal/worker/converter"
	hcerrors "github.com/faaskit/hostchannel/pkg/errors"
	"github.com/faaskit/hostchannel/pkg/logging"
)

// Config is the fixed configuration a Channel is constructed with.
type Config struct {
	WorkerID       string
	HostVersion    string
	Language       string
	Extensions     []string
	ScriptRoot     string
	StartupTimeout time.Duration
	InitTimeout    time.Duration
	ReloadTimeout  time.Duration
	Parallelism    int
	DebounceWindow time.Duration
}

// Spawn launches the worker's operating-system process. It is an
// external collaborator: the channel owns the returned handle but not the
// policy that decides how or when to (re)start it.
type Spawn func(ctx context.Context) (Process, error)

// Channel is the host-side control channel for one worker process: the
// state machine, dispatcher set, correlation table, and demultiplexer
// described by this package all compose here.
type Channel struct {
	cfg       Config
	workerID  string
	bus       eventbus.Bus
	transport Transport
	demux     *Demultiplexer
	debouncer *fileWatchDebouncer
	spawn     Spawn
	logger    *logging.Logger
	metrics   *observability.Metrics

	registry     *FunctionRegistry
	correlation  *CorrelationTable
	capabilities *Capabilities

	mu          sync.RWMutex
	state       ChannelState
	process     Process
	startedAt   time.Time

	dispatchersMu sync.Mutex
	dispatchers   map[string]*dispatcher

	errSub eventbus.Subscription

	disposeOnce sync.Once
}

// New constructs a Channel wired to transport and bus but not yet
// started; callers must call StartWorkerProcessAsync.
func New(cfg Config, transport Transport, bus eventbus.Bus, spawn Spawn, logger *logging.Logger, metrics *observability.Metrics) *Channel {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	c := &Channel{
		cfg:          cfg,
		workerID:     cfg.WorkerID,
		bus:          bus,
		transport:    transport,
		spawn:        spawn,
		logger:       logger.WithWorker(cfg.WorkerID),
		metrics:      metrics,
		registry:     NewFunctionRegistry(),
		correlation:  &CorrelationTable{},
		capabilities: NewCapabilities(),
		dispatchers:  make(map[string]*dispatcher),
		state:        StateDefault,
	}
	c.demux = NewDemultiplexer(cfg.WorkerID, bus)
	c.debouncer = newFileWatchDebouncer(cfg.WorkerID, cfg.Extensions, cfg.DebounceWindow, bus)

	c.demux.Continuous(rpc.ContentFunctionLoadResponse, c.onFunctionLoadResponse)
	c.demux.Continuous(rpc.ContentInvocationResponse, c.onInvocationResponse)
	c.demux.Continuous(rpc.ContentRpcLog, c.onRPCLog)

	c.errSub = bus.Subscribe(func(e eventbus.Event) bool {
		we, ok := e.(WorkerErrorEvent)
		return ok && we.WorkerID == cfg.WorkerID
	})
	go c.pumpTransportErrors()

	return c
}

// pumpTransportErrors implements the strengthened transport-failure
// behavior: rather than abandoning in-flight invocations the way the
// reference channel does, every correlation-table entry is failed with a
// distinguished error so callers observe a definite outcome instead of
// hanging forever.
func (c *Channel) pumpTransportErrors() {
	for range c.errSub.C() {
		for _, ic := range c.correlation.Drain() {
			ic.Result.Complete(Result{Err: hcerrors.ErrTransportFailed})
		}
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// StartWorkerProcessAsync runs the startup handshake: arm the StartStream
// waiter, launch the process, then on StartStream arm the init-response
// waiter and send WorkerInitRequest. The returned channel receives nil on
// a successful handshake or the failure otherwise.
func (c *Channel) StartWorkerProcessAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)

	op, opCtx := observability.StartOperation(ctx, c.metrics, "worker.startup")
	start := time.Now()

	startWait := c.demux.OneShot(rpc.ContentStartStream, c.cfg.StartupTimeout)

	proc, err := c.spawn(ctx)
	if err != nil {
		op.End(err)
		done <- err
		c.setState(StateFailed)
		return done
	}
	c.mu.Lock()
	c.process = proc
	c.startedAt = start
	c.mu.Unlock()
	c.setState(StateInitializing)

	go func() {
		res := <-startWait
		if res.err != nil {
			c.fail(opCtx, op, done, res.err)
			return
		}

		initWait := c.demux.OneShot(rpc.ContentWorkerInitResponse, c.cfg.InitTimeout)
		if err := c.transport.Send(&rpc.StreamingMessage{
			WorkerID:          c.workerID,
			WorkerInitRequest: &rpc.WorkerInitRequest{HostVersion: c.cfg.HostVersion},
		}); err != nil {
			c.fail(opCtx, op, done, err)
			return
		}

		initRes := <-initWait
		if initRes.err != nil {
			c.fail(opCtx, op, done, initRes.err)
			return
		}
		initResp := initRes.msg.WorkerInitResponse
		if initResp == nil || initResp.Result == nil || !initResp.Result.Success {
			c.fail(opCtx, op, done, fmt.Errorf("worker init failed: %s", exceptionMessage(initResp)))
			return
		}

		c.capabilities.Merge(initResp.Capabilities)
		c.setState(StateInitialized)
		if c.metrics != nil {
			c.metrics.StartupLatency.Observe(time.Since(start).Seconds())
		}
		op.End(nil)
		done <- nil
	}()

	return done
}

func exceptionMessage(resp *rpc.WorkerInitResponse) string {
	if resp == nil || resp.Result == nil || resp.Result.Exception == nil {
		return "unknown error"
	}
	return resp.Result.Exception.Message
}

func (c *Channel) fail(ctx context.Context, op *observability.Operation, done chan<- error, err error) {
	c.setState(StateFailed)
	c.bus.Publish(WorkerErrorEvent{Language: c.cfg.Language, WorkerID: c.workerID, Err: err})
	op.End(err)
	done <- err
}

// SetupFunctionInvocationBuffers installs an input queue per function.
func (c *Channel) SetupFunctionInvocationBuffers(fns []*FunctionMetadata) {
	c.registry.SetupInvocationBuffers(fns)
}

// SendFunctionLoadRequests writes one FunctionLoadRequest per registered
// function, in registration order, without waiting for the responses.
func (c *Channel) SendFunctionLoadRequests() error {
	for _, id := range c.registry.OrderedIDs() {
		fn, ok := c.registry.Metadata(id)
		if !ok {
			continue
		}
		req := &rpc.FunctionLoadRequest{
			FunctionID: fn.FunctionID,
			Metadata:   translateMetadata(fn),
		}
		if err := c.transport.Send(&rpc.StreamingMessage{
			WorkerID:            c.workerID,
			FunctionLoadRequest: req,
		}); err != nil {
			return err
		}
	}
	return nil
}

func translateMetadata(fn *FunctionMetadata) *rpc.RpcFunctionMetadata {
	bindings := make([]*rpc.BindingInfo, 0, len(fn.Bindings))
	for _, b := range fn.Bindings {
		bindings = append(bindings, &rpc.BindingInfo{
			Name:      b.Name,
			Direction: rpc.BindingDirection(b.Direction),
			Type:      b.Type,
			DataType:  b.DataType,
		})
	}
	return &rpc.RpcFunctionMetadata{
		Name:       fn.Name,
		FunctionID: fn.FunctionID,
		Directory:  fn.Directory,
		ScriptFile: fn.ScriptFile,
		EntryPoint: fn.EntryPoint,
		IsProxy:    fn.IsProxy,
		Bindings:   bindings,
	}
}

// onFunctionLoadResponse records a load failure (if any) and attaches the
// per-function dispatcher exactly once, regardless of outcome.
func (c *Channel) onFunctionLoadResponse(msg *rpc.StreamingMessage) {
	resp := msg.FunctionLoadResponse
	if resp == nil {
		return
	}
	functionID := resp.FunctionID
	c.registry.SetManagedDependencyEnabled(functionID, resp.ManagedDependencyEnabled)

	if resp.Result == nil || !resp.Result.Success {
		err := fmt.Errorf("function load failed: %s", loadExceptionMessage(resp))
		c.registry.SetLoadError(functionID, err)
		fn, _ := c.registry.Metadata(functionID)
		name := ""
		if fn != nil {
			name = fn.Name
		}
		c.logger.WithFunction(functionID, name).WithError(err).Error("function load failed")
	}

	c.attachDispatcher(functionID)
}

func loadExceptionMessage(resp *rpc.FunctionLoadResponse) string {
	if resp == nil || resp.Result == nil || resp.Result.Exception == nil {
		return "unknown error"
	}
	return resp.Result.Exception.Message
}

func (c *Channel) attachDispatcher(functionID string) {
	c.dispatchersMu.Lock()
	defer c.dispatchersMu.Unlock()
	if _, exists := c.dispatchers[functionID]; exists {
		return
	}
	queue, ok := c.registry.Queue(functionID)
	if !ok {
		return
	}
	c.dispatchers[functionID] = startDispatcher(c, functionID, queue, c.cfg.Parallelism)
}

// Invoke enqueues a new invocation and returns its context; the caller
// waits on ctx.Result.
func (c *Channel) Invoke(ctx context.Context, functionID, invocationID string, inputs, trigger map[string]any) (*ScriptInvocationContext, error) {
	fn, ok := c.registry.Metadata(functionID)
	if !ok {
		return nil, hcerrors.ErrFunctionNotRegistered
	}
	ic := NewScriptInvocationContext(ctx, invocationID, fn, inputs, trigger, c.logger)
	if err := c.registry.Enqueue(functionID, ic); err != nil {
		return nil, err
	}
	return ic, nil
}

func (c *Channel) buildInvocationRequest(ic *ScriptInvocationContext) (*rpc.InvocationRequest, error) {
	caps := c.capabilities.Has

	inputData := make([]*rpc.ParameterBinding, 0, len(ic.Inputs))
	for name, v := range ic.Inputs {
		td, err := converter.ToWire(v, caps)
		if err != nil {
			return nil, err
		}
		inputData = append(inputData, &rpc.ParameterBinding{Name: name, Data: td})
	}

	trigger := make(map[string]*rpc.TypedData, len(ic.TriggerMetadata))
	for name, v := range ic.TriggerMetadata {
		td, err := converter.ToWire(v, caps)
		if err != nil {
			return nil, err
		}
		trigger[name] = td
	}

	ic.SentAt = time.Now()
	return &rpc.InvocationRequest{
		InvocationID:    ic.InvocationID,
		FunctionID:      ic.Function.FunctionID,
		InputData:       inputData,
		TriggerMetadata: trigger,
	}, nil
}

func (c *Channel) observeQueueDepth(functionID string) {
	if c.metrics == nil {
		return
	}
	q, ok := c.registry.Queue(functionID)
	if !ok {
		return
	}
	c.metrics.QueueDepth.WithLabelValues(functionID).Set(float64(q.Len()))
	c.metrics.CorrelationInFlight.Set(float64(c.correlation.Len()))
}

// onInvocationResponse removes the correlation entry and completes the
// context's result promise; a response with no matching entry is a
// duplicate or arrived after dispose and is dropped silently.
func (c *Channel) onInvocationResponse(msg *rpc.StreamingMessage) {
	resp := msg.InvocationResponse
	if resp == nil {
		return
	}
	ic, ok := c.correlation.Remove(resp.InvocationID)
	if !ok {
		return
	}

	status := "ok"
	defer func() {
		if c.metrics != nil && ic.Function != nil {
			c.metrics.InvocationDuration.WithLabelValues(ic.Function.FunctionID, status).Observe(time.Since(ic.SentAt).Seconds())
			c.metrics.CorrelationInFlight.Set(float64(c.correlation.Len()))
		}
	}()

	if resp.Result == nil || !resp.Result.Success {
		status = "error"
		ic.Result.Complete(Result{Err: invocationError(resp)})
		return
	}

	outputs := make(map[string]any, len(resp.OutputData))
	for _, ob := range resp.OutputData {
		v, err := converter.FromWire(ob.Data)
		if err != nil {
			status = "error"
			ic.Result.Complete(Result{Err: err})
			return
		}
		outputs[ob.Name] = v
	}

	var ret any
	if resp.ReturnValue != nil {
		v, err := converter.FromWire(resp.ReturnValue)
		if err != nil {
			status = "error"
			ic.Result.Complete(Result{Err: err})
			return
		}
		ret = v
	}

	ic.Result.Complete(Result{Outputs: outputs, ReturnValue: ret})
}

func invocationError(resp *rpc.InvocationResponse) error {
	if resp.Result == nil || resp.Result.Exception == nil {
		return fmt.Errorf("invocation failed: unknown error")
	}
	exc := resp.Result.Exception
	if exc.StackTrace != "" {
		return fmt.Errorf("invocation failed: %s\n%s", exc.Message, exc.StackTrace)
	}
	return fmt.Errorf("invocation failed: %s", exc.Message)
}

// onRPCLog routes a worker log line through the invocation's logger when
// one is correlated, or the channel logger otherwise. A log never fails
// an invocation.
func (c *Channel) onRPCLog(msg *rpc.StreamingMessage) {
	rl := msg.RpcLog
	if rl == nil {
		return
	}

	logger := c.logger
	if rl.InvocationID != "" {
		if ic, ok := c.correlation.Peek(rl.InvocationID); ok {
			logger = ic.Logger
		}
	}

	fields := []any{"category", rl.Category}
	if rl.Exception != nil {
		fields = append(fields, "exception", rl.Exception.Message)
	}

	switch {
	case rl.Level >= rpc.LogError:
		logger.Error(rl.Message, fields...)
	case rl.Level == rpc.LogWarning:
		logger.Warn(rl.Message, fields...)
	case rl.Level == rpc.LogDebug || rl.Level == rpc.LogTrace:
		logger.Debug(rl.Message, fields...)
	default:
		logger.Info(rl.Message, fields...)
	}
}

// SendFunctionEnvironmentReloadRequest sends env (or, when env is nil, a
// snapshot of the process environment), transitions Initialized ->
// Reloading, and returns a promise resolving to true on success.
func (c *Channel) SendFunctionEnvironmentReloadRequest(ctx context.Context, env map[string]string) (<-chan bool, error) {
	if c.State() != StateInitialized {
		return nil, hcerrors.ErrWrongState
	}
	if env == nil {
		env = make(map[string]string)
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
	}

	reloadWait := c.demux.OneShot(rpc.ContentFunctionEnvironmentReloadResponse, c.cfg.ReloadTimeout)
	c.setState(StateReloading)

	if err := c.transport.Send(&rpc.StreamingMessage{
		WorkerID: c.workerID,
		FunctionEnvironmentReloadRequest: &rpc.FunctionEnvironmentReloadRequest{
			EnvironmentVariables: env,
		},
	}); err != nil {
		c.setState(StateInitialized)
		return nil, err
	}

	result := make(chan bool, 1)
	go func() {
		res := <-reloadWait
		ok := false
		var reloadErr error
		if res.err == nil && res.msg.FunctionEnvironmentReloadResponse != nil {
			resp := res.msg.FunctionEnvironmentReloadResponse
			if resp.Result != nil && resp.Result.Success {
				ok = true
				c.capabilities.Merge(resp.Capabilities)
			} else if resp.Result != nil && resp.Result.Exception != nil {
				reloadErr = fmt.Errorf("reload failed: %s", resp.Result.Exception.Message)
			}
		} else if res.err != nil {
			reloadErr = res.err
		}

		if c.metrics != nil {
			status := "ok"
			if !ok {
				status = "error"
			}
			c.metrics.ReloadTotal.WithLabelValues(status).Inc()
		}
		if reloadErr != nil {
			c.logger.WithError(reloadErr).Warn("environment reload failed")
		}

		c.setState(StateInitialized)
		result <- ok
	}()

	return result, nil
}

// Stats is a point-in-time introspection snapshot, grounded on the kind of
// admin/status endpoint a host exposes for operational visibility.
type Stats struct {
	WorkerID                 string
	State                    string
	Capabilities             map[string]string
	QueueDepths              map[string]int
	CorrelationInFlight      int
	LoadErrors               map[string]string
	ManagedDependencyEnabled map[string]bool
}

// Snapshot returns a Stats value describing the channel right now.
func (c *Channel) Snapshot() Stats {
	loadErrors := map[string]string{}
	managedDeps := map[string]bool{}
	for _, id := range c.registry.OrderedIDs() {
		if err, ok := c.registry.LoadError(id); ok {
			loadErrors[id] = err.Error()
		}
		managedDeps[id] = c.registry.ManagedDependencyEnabled(id)
	}
	return Stats{
		WorkerID:                 c.workerID,
		State:                    c.State().String(),
		Capabilities:             c.capabilities.Snapshot(),
		QueueDepths:              c.registry.QueueDepths(),
		CorrelationInFlight:      c.correlation.Len(),
		ManagedDependencyEnabled: managedDeps,
		LoadErrors:               loadErrors,
	}
}

// Dispose tears down subscriptions, abandons in-flight invocations
// (their promises are deliberately left uncompleted, unlike a transport
// failure, where pumpTransportErrors completes them), and
// cascades to the worker process handle. Draining the dispatchers' running
// handle goroutines is bounded by ctx: once it fires, Dispose stops waiting
// and kills the worker process anyway, so a slow or wedged invocation can
// never block shutdown past ctx's deadline.
func (c *Channel) Dispose(ctx context.Context) {
	c.disposeOnce.Do(func() {
		c.setState(StateDisposed)

		c.correlation.Drain()
		c.registry.CloseAll()

		c.dispatchersMu.Lock()
		dispatchers := make([]*dispatcher, 0, len(c.dispatchers))
		for _, d := range c.dispatchers {
			dispatchers = append(dispatchers, d)
		}
		c.dispatchersMu.Unlock()
		for _, d := range dispatchers {
			d.stop(ctx)
		}

		c.demux.Dispose()
		c.debouncer.close()
		c.errSub.Unsubscribe()

		c.mu.RLock()
		proc := c.process
		c.mu.RUnlock()
		if proc != nil {
			_ = proc.Kill()
		}
		_ = c.transport.Close()
	})
}
