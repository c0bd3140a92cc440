package worker

import (
	"context"
	"sync"

	"github.com/faaskit/hostchannel/internal/observability"
	"github.com/faaskit/hostchannel/internal/rpc"
)

// DefaultParallelism is the per-function bounded-parallelism degree.
const DefaultParallelism = 6

// dispatcher attaches a bounded-parallelism consumer to one function's
// input queue, grounded on the semaphore-channel worker pool pattern:
// a fixed number of permits guard concurrent handling while the queue
// itself stays unbounded and FIFO.
type dispatcher struct {
	channel     *Channel
	functionID  string
	queue       *unboundedQueue
	parallelism int
	wg          sync.WaitGroup
}

func startDispatcher(ch *Channel, functionID string, queue *unboundedQueue, parallelism int) *dispatcher {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	d := &dispatcher{channel: ch, functionID: functionID, queue: queue, parallelism: parallelism}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	sem := make(chan struct{}, d.parallelism)
	for {
		ctx, ok := d.queue.Pop()
		if !ok {
			return
		}
		sem <- struct{}{}
		d.wg.Add(1)
		go func(ic *ScriptInvocationContext) {
			defer func() {
				<-sem
				d.wg.Done()
			}()
			d.handle(ic)
		}(ctx)
	}
}

// handle implements the per-invocation decision tree: load errors and
// pre-send cancellation short-circuit locally, everything else becomes an
// InvocationRequest recorded in the correlation table before it is
// written to the transport.
func (d *dispatcher) handle(ic *ScriptInvocationContext) {
	if loadErr, failed := d.channel.registry.LoadError(d.functionID); failed {
		ic.Result.Complete(Result{Err: loadErr})
		return
	}
	if ic.Cancelled() {
		ic.Result.Complete(Result{Cancelled: true})
		return
	}

	op, _ := observability.StartInvocationOperation(ic.Context(), d.channel.metrics, d.functionID, ic.InvocationID)

	req, err := d.channel.buildInvocationRequest(ic)
	if err != nil {
		op.End(err)
		ic.Result.Complete(Result{Err: err})
		return
	}

	d.channel.correlation.Insert(ic)
	d.channel.observeQueueDepth(d.functionID)

	if err := d.channel.transport.Send(&rpc.StreamingMessage{
		WorkerID:          d.channel.workerID,
		InvocationRequest: req,
	}); err != nil {
		op.End(err)
		d.channel.correlation.Remove(ic.InvocationID)
		ic.Result.Complete(Result{Err: err})
		return
	}
	op.End(nil)
}

// stop closes the input queue and waits for every in-flight handle
// goroutine to finish, but only up to ctx's deadline. Past that deadline it
// returns anyway, leaving whatever handle goroutines are still running to
// finish on their own in the background: they hold no reference back to
// the dispatcher once wg.Done() is deferred, so this is a bounded wait, not
// a forced cancellation of work already sent to the worker process.
func (d *dispatcher) stop(ctx context.Context) {
	d.queue.Close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
