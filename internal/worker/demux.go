package worker

import (
	"sync"
	"time"

	"github.com/faaskit/hostchannel/internal/eventbus"
	"github.com/faaskit/hostchannel/internal/rpc"
	hcerrors "github.com/faaskit/hostchannel/pkg/errors"
)

// oneshotResult is delivered exactly once to a OneShot caller.
type oneshotResult struct {
	msg *rpc.StreamingMessage
	err error
}

type waiter struct {
	once  sync.Once
	ch    chan oneshotResult
	timer *time.Timer
}

func (w *waiter) fire(msg *rpc.StreamingMessage) {
	w.once.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- oneshotResult{msg: msg}
	})
}

func (w *waiter) expire() {
	w.once.Do(func() {
		w.ch <- oneshotResult{err: hcerrors.ErrTimeout}
	})
}

// Demultiplexer turns the heterogeneous Event Bus stream into a
// filterable, multiply-subscribable stream of messages for one worker,
// supporting one-shot timed waits and continuous handlers.
type Demultiplexer struct {
	workerID string
	sub      eventbus.Subscription

	mu         sync.Mutex
	oneshot    map[rpc.ContentCase][]*waiter
	continuous map[rpc.ContentCase][]func(*rpc.StreamingMessage)
	closed     bool
}

// NewDemultiplexer subscribes to bus for InboundEvents addressed to
// workerID and starts the dispatch pump. The subscription is critical:
// this is the sole consumer of a worker's InboundEvents, so an ordinary
// bounded subscription that drops under load would silently strand an
// InvocationResponse and leak its correlation-table entry forever.
func NewDemultiplexer(workerID string, bus eventbus.Bus) *Demultiplexer {
	d := &Demultiplexer{
		workerID:   workerID,
		oneshot:    make(map[rpc.ContentCase][]*waiter),
		continuous: make(map[rpc.ContentCase][]func(*rpc.StreamingMessage)),
	}
	d.sub = bus.SubscribeCritical(func(e eventbus.Event) bool {
		ie, ok := e.(InboundEvent)
		return ok && ie.WorkerID == workerID
	})
	go d.pump()
	return d
}

func (d *Demultiplexer) pump() {
	for evt := range d.sub.C() {
		ie := evt.(InboundEvent)
		d.dispatch(ie.Message)
	}
}

func (d *Demultiplexer) dispatch(msg *rpc.StreamingMessage) {
	c := msg.Case()

	d.mu.Lock()
	var fired *waiter
	if waiters := d.oneshot[c]; len(waiters) > 0 {
		fired = waiters[0]
		d.oneshot[c] = waiters[1:]
	}
	handlers := append([]func(*rpc.StreamingMessage){}, d.continuous[c]...)
	d.mu.Unlock()

	if fired != nil {
		fired.fire(msg)
	}
	for _, h := range handlers {
		if h != nil {
			h(msg)
		}
	}
}

// OneShot arms a single-fire, timed subscription for content case c. The
// returned channel receives exactly one oneshotResult: the message if one
// arrives within timeout, otherwise a timeout error.
func (d *Demultiplexer) OneShot(c rpc.ContentCase, timeout time.Duration) <-chan oneshotResult {
	w := &waiter{ch: make(chan oneshotResult, 1)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		w.ch <- oneshotResult{err: hcerrors.ErrClosed}
		return w.ch
	}
	d.oneshot[c] = append(d.oneshot[c], w)
	d.mu.Unlock()

	w.timer = time.AfterFunc(timeout, func() {
		d.removeWaiter(c, w)
		w.expire()
	})
	return w.ch
}

func (d *Demultiplexer) removeWaiter(c rpc.ContentCase, target *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiters := d.oneshot[c]
	for i, w := range waiters {
		if w == target {
			d.oneshot[c] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// Continuous registers handler for every message of content case c until
// the returned cancel func is called or the demultiplexer is disposed.
// handler must not block.
func (d *Demultiplexer) Continuous(c rpc.ContentCase, handler func(*rpc.StreamingMessage)) (cancel func()) {
	d.mu.Lock()
	d.continuous[c] = append(d.continuous[c], handler)
	idx := len(d.continuous[c]) - 1
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		handlers := d.continuous[c]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Dispose releases the bus subscription and expires every pending
// one-shot waiter.
func (d *Demultiplexer) Dispose() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.oneshot
	d.oneshot = nil
	d.continuous = nil
	d.mu.Unlock()

	d.sub.Unsubscribe()
	for _, waiters := range pending {
		for _, w := range waiters {
			w.expire()
		}
	}
}
