package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name, chosen to read the
// way a generated stub's constant would.
const ServiceName = "functionrpc.FunctionRpc"

// FunctionRpcServer is implemented by the process that accepts the
// EventStream call. In this topology the host channel listens and plays
// the server role; the worker process dials in and plays the client,
// opening the stream once and sending StartStream as its first message.
type FunctionRpcServer interface {
	EventStream(FunctionRpc_EventStreamServer) error
}

// FunctionRpc_EventStreamServer is the server-side handle for the single
// bidirectional streaming method.
type FunctionRpc_EventStreamServer interface {
	Send(*StreamingMessage) error
	Recv() (*StreamingMessage, error)
	grpc.ServerStream
}

type functionRpcEventStreamServer struct {
	grpc.ServerStream
}

func (x *functionRpcEventStreamServer) Send(m *StreamingMessage) error {
	return x.ServerStream.SendMsg(m)
}

func (x *functionRpcEventStreamServer) Recv() (*StreamingMessage, error) {
	m := new(StreamingMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _FunctionRpc_EventStream_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(FunctionRpcServer).EventStream(&functionRpcEventStreamServer{ServerStream: stream})
}

// ServiceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit for a service with one bidirectional streaming RPC.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FunctionRpcServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "EventStream",
			Handler:       _FunctionRpc_EventStream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "hostchannel/rpc/functionrpc.proto",
}

// RegisterFunctionRpcServer registers srv on s under the FunctionRpc
// service name.
func RegisterFunctionRpcServer(s grpc.ServiceRegistrar, srv FunctionRpcServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FunctionRpcClient is the client-side handle used by whichever process
// dials in and opens the single long-lived bidirectional stream; in this
// repository that is the worker process, not the host.
type FunctionRpcClient interface {
	EventStream(ctx context.Context, opts ...grpc.CallOption) (FunctionRpc_EventStreamClient, error)
}

type functionRpcClient struct {
	cc grpc.ClientConnInterface
}

// NewFunctionRpcClient wraps an established connection.
func NewFunctionRpcClient(cc grpc.ClientConnInterface) FunctionRpcClient {
	return &functionRpcClient{cc: cc}
}

func (c *functionRpcClient) EventStream(ctx context.Context, opts ...grpc.CallOption) (FunctionRpc_EventStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/EventStream", opts...)
	if err != nil {
		return nil, err
	}
	return &functionRpcEventStreamClient{ClientStream: stream}, nil
}

// FunctionRpc_EventStreamClient is the client-side handle for the
// bidirectional streaming method.
type FunctionRpc_EventStreamClient interface {
	Send(*StreamingMessage) error
	Recv() (*StreamingMessage, error)
	grpc.ClientStream
}

type functionRpcEventStreamClient struct {
	grpc.ClientStream
}

func (x *functionRpcEventStreamClient) Send(m *StreamingMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *functionRpcEventStreamClient) Recv() (*StreamingMessage, error) {
	m := new(StreamingMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
