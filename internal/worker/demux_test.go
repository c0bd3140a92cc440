package worker

import (
	"testing"
	"time"

	"github.com/faaskit/hostchannel/internal/eventbus"
	"github.com/faaskit/hostchannel/internal/rpc"
)

func TestOneShotFiresOnMatchingMessage(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	d := NewDemultiplexer("w1", bus)
	defer d.Dispose()

	wait := d.OneShot(rpc.ContentStartStream, time.Second)
	bus.Publish(InboundEvent{WorkerID: "w1", Message: &rpc.StreamingMessage{StartStream: &rpc.StartStream{WorkerID: "w1"}}})

	select {
	case res := <-wait:
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		if res.msg.Case() != rpc.ContentStartStream {
			t.Fatalf("case = %v, want StartStream", res.msg.Case())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for one-shot to fire")
	}
}

func TestOneShotTimesOutWithoutMatch(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	d := NewDemultiplexer("w1", bus)
	defer d.Dispose()

	wait := d.OneShot(rpc.ContentStartStream, 20*time.Millisecond)
	select {
	case res := <-wait:
		if res.err == nil {
			t.Fatal("expected timeout error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for one-shot to expire")
	}
}

func TestOneShotIgnoresOtherWorkers(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	d := NewDemultiplexer("w1", bus)
	defer d.Dispose()

	wait := d.OneShot(rpc.ContentStartStream, 30*time.Millisecond)
	bus.Publish(InboundEvent{WorkerID: "w2", Message: &rpc.StreamingMessage{StartStream: &rpc.StartStream{WorkerID: "w2"}}})

	select {
	case res := <-wait:
		if res.err == nil {
			t.Fatal("expected timeout: message was addressed to a different worker")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for one-shot to expire")
	}
}

func TestContinuousFiresForEveryMatchingMessage(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	d := NewDemultiplexer("w1", bus)
	defer d.Dispose()

	received := make(chan string, 10)
	d.Continuous(rpc.ContentRpcLog, func(m *rpc.StreamingMessage) {
		received <- m.RpcLog.Message
	})

	bus.Publish(InboundEvent{WorkerID: "w1", Message: &rpc.StreamingMessage{RpcLog: &rpc.RpcLog{Message: "one"}}})
	bus.Publish(InboundEvent{WorkerID: "w1", Message: &rpc.StreamingMessage{RpcLog: &rpc.RpcLog{Message: "two"}}})

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestContinuousCancelDoesNotPanicSubsequentDispatch(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	d := NewDemultiplexer("w1", bus)
	defer d.Dispose()

	received := make(chan string, 10)
	cancel := d.Continuous(rpc.ContentRpcLog, func(m *rpc.StreamingMessage) {
		received <- m.RpcLog.Message
	})
	d.Continuous(rpc.ContentRpcLog, func(m *rpc.StreamingMessage) {
		received <- "second:" + m.RpcLog.Message
	})
	cancel()

	bus.Publish(InboundEvent{WorkerID: "w1", Message: &rpc.StreamingMessage{RpcLog: &rpc.RpcLog{Message: "after-cancel"}}})

	select {
	case got := <-received:
		if got != "second:after-cancel" {
			t.Fatalf("got %q, want the surviving handler's output", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the surviving handler to fire")
	}
}

func TestDisposeExpiresPendingOneShots(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	d := NewDemultiplexer("w1", bus)

	wait := d.OneShot(rpc.ContentWorkerInitResponse, time.Second)
	d.Dispose()

	select {
	case res := <-wait:
		if res.err == nil {
			t.Fatal("expected disposed one-shot to resolve with an error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disposed one-shot to resolve")
	}
}
