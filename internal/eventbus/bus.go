// Package eventbus provides a small process-wide publish/subscribe
// mechanism used to fan worker-channel events (inbound stream messages,
// transport failures, file-watch ticks) out to the components that need
// them without wiring each producer directly to each consumer.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Event is any value published on the bus. Concrete event types live in
// the worker package; the bus itself is payload-agnostic.
type Event any

// Bus is a minimal pub/sub interface: publish a value, subscribe with a
// predicate, unsubscribe by handle.
type Bus interface {
	Publish(evt Event)
	Subscribe(filter func(Event) bool) Subscription
	// SubscribeCritical registers a subscriber that Publish never drops
	// events for. Use it only for a consumer whose delivery loop is
	// short and side-effect free, since Publish backs its queue with
	// unbounded memory rather than a fixed buffer: a permanently stuck
	// critical subscriber leaks instead of losing events.
	SubscribeCritical(filter func(Event) bool) Subscription
	Close()
}

// Subscription is a live registration on a Bus. Reading from C delivers
// matching events in publish order; Unsubscribe stops delivery and closes
// C once any in-flight publish has drained.
type Subscription interface {
	C() <-chan Event
	Unsubscribe()
}

const subscriberBuffer = 64

type subscriber struct {
	id       uint64
	filter   func(Event) bool
	ch       chan Event
	bus      *bus
	critical bool

	// backlog/qcond back a critical subscriber only: Publish appends to
	// backlog (never blocking, never dropping) and pumpCritical drains it
	// into ch on its own goroutine, the same unbounded-queue-plus-cond
	// split internal/worker/queue.go uses to decouple a dispatcher's
	// producer from its consumer.
	qmu     sync.Mutex
	qcond   *sync.Cond
	backlog []Event
	closed  bool
}

func (s *subscriber) C() <-chan Event { return s.ch }

func (s *subscriber) Unsubscribe() {
	s.bus.remove(s.id)
}

func (s *subscriber) enqueue(evt Event) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed {
		return
	}
	s.backlog = append(s.backlog, evt)
	s.qcond.Signal()
}

// pumpCritical delivers backlog to ch in FIFO order, blocking on the send
// rather than dropping, until the subscription is closed and the backlog
// has fully drained.
func (s *subscriber) pumpCritical() {
	for {
		s.qmu.Lock()
		for len(s.backlog) == 0 && !s.closed {
			s.qcond.Wait()
		}
		if len(s.backlog) == 0 {
			s.qmu.Unlock()
			close(s.ch)
			return
		}
		evt := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.qmu.Unlock()
		s.ch <- evt
	}
}

type bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// New returns an in-process Bus.
func New() Bus {
	return &bus{subs: make(map[uint64]*subscriber)}
}

func (b *bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(evt) {
			continue
		}
		if s.critical {
			s.enqueue(evt)
			continue
		}
		// A slow or dead ordinary subscriber must never block the
		// publisher; a full buffer drops the event rather than
		// stalling the stream receive loop that calls Publish.
		select {
		case s.ch <- evt:
		default:
		}
	}
}

func (b *bus) Subscribe(filter func(Event) bool) Subscription {
	return b.subscribe(filter, false)
}

// SubscribeCritical is for a subscriber on the correlation-critical path
// (the demultiplexer routing InvocationResponses back to their callers)
// where a dropped event means a permanently leaked correlation entry and a
// caller hanging on its ResultSource, not just a missed log line.
func (b *bus) SubscribeCritical(filter func(Event) bool) Subscription {
	return b.subscribe(filter, true)
}

func (b *bus) subscribe(filter func(Event) bool, critical bool) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := atomic.AddUint64(&b.nextID, 1)
	s := &subscriber{id: id, filter: filter, bus: b, critical: critical}
	if critical {
		s.ch = make(chan Event)
		s.qcond = sync.NewCond(&s.qmu)
		go s.pumpCritical()
	} else {
		s.ch = make(chan Event, subscriberBuffer)
	}
	b.subs[id] = s
	return s
}

func (b *bus) remove(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	closeSubscriber(s)
}

func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		closeSubscriber(s)
	}
}

// closeSubscriber stops delivery to s. An ordinary subscriber's channel is
// closed directly; a critical subscriber's pumpCritical goroutine owns
// closing ch, so this only signals it to drain and exit.
func closeSubscriber(s *subscriber) {
	if !s.critical {
		close(s.ch)
		return
	}
	s.qmu.Lock()
	s.closed = true
	s.qcond.Broadcast()
	s.qmu.Unlock()
}
