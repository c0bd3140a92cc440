package worker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faaskit/hostchannel/internal/eventbus"
	"github.com/faaskit/hostchannel/internal/observability"
	"github.com/faaskit/hostchannel/internal/rpc"
	hcerrors "github.com/faaskit/hostchannel/pkg/errors"
	"github.com/faaskit/hostchannel/pkg/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Transport carries the single long-lived bidirectional stream to the
// worker.
type Transport interface {
	Send(msg *rpc.StreamingMessage) error
	Close() error
}

// serverTransport is the real Transport. The worker process, once
// launched, dials back to this listener and opens the one EventStream
// call it uses for its whole lifetime; opening a fresh call per message
// was the reference implementation's defect (see the design notes this
// repo resolves), so Send here only ever writes onto that one stream.
type serverTransport struct {
	lis      net.Listener
	server   *grpc.Server
	bus      eventbus.Bus
	workerID string
	logger   *logging.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	stream rpc.FunctionRpc_EventStreamServer

	sendMu    sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// ListenTransport starts a gRPC server on addr for the worker process to
// dial in to and open EventStream, and returns without waiting for it;
// Send does the waiting. metrics may be nil, in which case the stream is
// served without the tracing/metrics interceptor.
func ListenTransport(addr, workerID string, bus eventbus.Bus, logger *logging.Logger, metrics *observability.Metrics) (Transport, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	t := &serverTransport{
		lis:      lis,
		bus:      bus,
		workerID: workerID,
		logger:   logger,
		ready:    make(chan struct{}),
	}
	var opts []grpc.ServerOption
	if metrics != nil {
		opts = append(opts, grpc.StreamInterceptor(observability.StreamServerInterceptor(metrics, workerID)))
	}
	t.server = grpc.NewServer(opts...)
	rpc.RegisterFunctionRpcServer(t.server, t)

	go func() {
		if err := t.server.Serve(lis); err != nil {
			t.logger.WithError(err).Debug("grpc server stopped")
		}
	}()

	return t, nil
}

// EventStream implements rpc.FunctionRpcServer. Only the first caller
// (the worker process this channel spawned) is accepted; the receive
// loop republishes every inbound message onto the Event Bus tagged with
// the worker id.
func (t *serverTransport) EventStream(stream rpc.FunctionRpc_EventStreamServer) error {
	t.mu.Lock()
	if t.stream != nil {
		t.mu.Unlock()
		return status.Error(codes.AlreadyExists, "worker already connected")
	}
	t.stream = stream
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })

	for {
		msg, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.WithError(err).Warn("worker stream receive failed")
			}
			t.fail(err)
			return err
		}
		t.bus.Publish(InboundEvent{WorkerID: t.workerID, Message: msg})
	}
}

// Send serializes and writes msg on the outbound half, blocking until the
// worker's stream has connected (for at most 30 seconds, after which it
// returns ErrNotConnected). Concurrent callers are serialized by
// sendMu, so the transport is logically single-writer.
func (t *serverTransport) Send(msg *rpc.StreamingMessage) error {
	select {
	case <-t.ready:
	case <-time.After(30 * time.Second):
		return hcerrors.ErrNotConnected
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if t.closed.Load() {
		return hcerrors.ErrTransportFailed
	}
	if msg.WorkerID == "" {
		msg.WorkerID = t.workerID
	}

	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()

	if err := stream.Send(msg); err != nil {
		t.fail(err)
		return hcerrors.ErrTransportFailed
	}
	return nil
}

// fail is idempotent: the first I/O error on either half tears down the
// transport and reports it, further calls are no-ops.
func (t *serverTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.bus.Publish(WorkerErrorEvent{WorkerID: t.workerID, Err: err})
	})
}

func (t *serverTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
	})
	t.server.Stop()
	return nil
}
