package worker

import "github.com/faaskit/hostchannel/internal/rpc"

// InboundEvent republishes one message read off the transport, tagged with
// the worker it came from so multiple channels can share one Event Bus.
type InboundEvent struct {
	WorkerID string
	Message  *rpc.StreamingMessage
}
