// Package rpc defines the wire messages and gRPC service binding for the
// bidirectional stream between a worker channel and an out-of-process
// language worker. There is no .proto source: the service descriptor and
// message envelope are hand-authored the way generated stubs would look,
// paired with a JSON codec so the stream carries plain structs instead of
// compiled protobuf types.
package rpc

import "encoding/json"

// ContentCase identifies which field of a StreamingMessage is populated,
// mirroring the oneof case a generated stub would expose through a type
// switch.
type ContentCase int

const (
	ContentUnknown ContentCase = iota
	ContentStartStream
	ContentWorkerInitRequest
	ContentWorkerInitResponse
	ContentFunctionLoadRequest
	ContentFunctionLoadResponse
	ContentInvocationRequest
	ContentInvocationResponse
	ContentFunctionEnvironmentReloadRequest
	ContentFunctionEnvironmentReloadResponse
	ContentRpcLog
)

func (c ContentCase) String() string {
	switch c {
	case ContentStartStream:
		return "StartStream"
	case ContentWorkerInitRequest:
		return "WorkerInitRequest"
	case ContentWorkerInitResponse:
		return "WorkerInitResponse"
	case ContentFunctionLoadRequest:
		return "FunctionLoadRequest"
	case ContentFunctionLoadResponse:
		return "FunctionLoadResponse"
	case ContentInvocationRequest:
		return "InvocationRequest"
	case ContentInvocationResponse:
		return "InvocationResponse"
	case ContentFunctionEnvironmentReloadRequest:
		return "FunctionEnvironmentReloadRequest"
	case ContentFunctionEnvironmentReloadResponse:
		return "FunctionEnvironmentReloadResponse"
	case ContentRpcLog:
		return "RpcLog"
	default:
		return "Unknown"
	}
}

// StreamingMessage is the single envelope type exchanged over the
// FunctionRpc/EventStream call. Exactly one content field should be set;
// Case reports which one.
type StreamingMessage struct {
	WorkerID string `json:"workerId,omitempty"`

	StartStream                       *StartStream                       `json:"startStream,omitempty"`
	WorkerInitRequest                 *WorkerInitRequest                 `json:"workerInitRequest,omitempty"`
	WorkerInitResponse                *WorkerInitResponse                `json:"workerInitResponse,omitempty"`
	FunctionLoadRequest                *FunctionLoadRequest               `json:"functionLoadRequest,omitempty"`
	FunctionLoadResponse               *FunctionLoadResponse              `json:"functionLoadResponse,omitempty"`
	InvocationRequest                  *InvocationRequest                 `json:"invocationRequest,omitempty"`
	InvocationResponse                 *InvocationResponse                `json:"invocationResponse,omitempty"`
	FunctionEnvironmentReloadRequest   *FunctionEnvironmentReloadRequest  `json:"functionEnvironmentReloadRequest,omitempty"`
	FunctionEnvironmentReloadResponse  *FunctionEnvironmentReloadResponse `json:"functionEnvironmentReloadResponse,omitempty"`
	RpcLog                              *RpcLog                            `json:"rpcLog,omitempty"`
}

// Case reports which content field is populated.
func (m *StreamingMessage) Case() ContentCase {
	switch {
	case m == nil:
		return ContentUnknown
	case m.StartStream != nil:
		return ContentStartStream
	case m.WorkerInitRequest != nil:
		return ContentWorkerInitRequest
	case m.WorkerInitResponse != nil:
		return ContentWorkerInitResponse
	case m.FunctionLoadRequest != nil:
		return ContentFunctionLoadRequest
	case m.FunctionLoadResponse != nil:
		return ContentFunctionLoadResponse
	case m.InvocationRequest != nil:
		return ContentInvocationRequest
	case m.InvocationResponse != nil:
		return ContentInvocationResponse
	case m.FunctionEnvironmentReloadRequest != nil:
		return ContentFunctionEnvironmentReloadRequest
	case m.FunctionEnvironmentReloadResponse != nil:
		return ContentFunctionEnvironmentReloadResponse
	case m.RpcLog != nil:
		return ContentRpcLog
	default:
		return ContentUnknown
	}
}

// StartStream opens the logical session and identifies the worker.
type StartStream struct {
	WorkerID string `json:"workerId"`
}

// StatusResult carries success/failure for any request/response pair.
type StatusResult struct {
	Success   bool           `json:"success"`
	Exception *RpcException  `json:"exception,omitempty"`
}

// RpcException describes a failure surfaced by the worker.
type RpcException struct {
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// WorkerInitRequest is sent once per channel, immediately after StartStream.
type WorkerInitRequest struct {
	HostVersion string `json:"hostVersion"`
}

// WorkerInitResponse answers a WorkerInitRequest with the worker's declared
// capabilities.
type WorkerInitResponse struct {
	Result        *StatusResult     `json:"result"`
	WorkerVersion string            `json:"workerVersion,omitempty"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
}

// BindingDirection classifies a function parameter binding.
type BindingDirection int

const (
	BindingIn BindingDirection = iota
	BindingOut
	BindingInOut
)

func (d BindingDirection) String() string {
	switch d {
	case BindingIn:
		return "in"
	case BindingOut:
		return "out"
	case BindingInOut:
		return "inout"
	default:
		return "unknown"
	}
}

// BindingInfo describes one parameter of a function signature.
type BindingInfo struct {
	Name      string           `json:"name"`
	Direction BindingDirection `json:"direction"`
	Type      string           `json:"type"`
	DataType  string           `json:"dataType,omitempty"`
}

// RpcFunctionMetadata describes a function to be loaded.
type RpcFunctionMetadata struct {
	Name       string         `json:"name"`
	FunctionID string         `json:"functionId"`
	Directory  string         `json:"directory,omitempty"`
	ScriptFile string         `json:"scriptFile,omitempty"`
	EntryPoint string         `json:"entryPoint,omitempty"`
	IsProxy    bool           `json:"is-proxy,omitempty"`
	Bindings   []*BindingInfo `json:"bindings,omitempty"`
}

// FunctionLoadRequest asks the worker to load one function definition.
type FunctionLoadRequest struct {
	FunctionID string               `json:"functionId"`
	Metadata   *RpcFunctionMetadata `json:"metadata"`
}

// FunctionLoadResponse answers a FunctionLoadRequest.
type FunctionLoadResponse struct {
	FunctionID               string        `json:"functionId"`
	Result                   *StatusResult `json:"result"`
	ManagedDependencyEnabled bool          `json:"managedDependencyEnabled,omitempty"`
}

// ParameterBinding carries one named value in or out of an invocation.
type ParameterBinding struct {
	Name string     `json:"name"`
	Data *TypedData `json:"data"`
}

// InvocationRequest dispatches one invocation of a previously loaded
// function.
type InvocationRequest struct {
	InvocationID    string                `json:"invocationId"`
	FunctionID      string                `json:"functionId"`
	InputData       []*ParameterBinding   `json:"inputData,omitempty"`
	TriggerMetadata map[string]*TypedData `json:"triggerMetadata,omitempty"`
}

// InvocationResponse answers an InvocationRequest.
type InvocationResponse struct {
	InvocationID string              `json:"invocationId"`
	Result       *StatusResult       `json:"result"`
	OutputData   []*ParameterBinding `json:"outputData,omitempty"`
	ReturnValue  *TypedData          `json:"returnValue,omitempty"`
}

// FunctionEnvironmentReloadRequest asks the worker to reload its environment
// in place, without a process restart.
type FunctionEnvironmentReloadRequest struct {
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
}

// FunctionEnvironmentReloadResponse answers a reload request, optionally
// with a refreshed capability set.
type FunctionEnvironmentReloadResponse struct {
	Result       *StatusResult     `json:"result"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// RpcLogLevel is the severity a worker attaches to a forwarded log record.
type RpcLogLevel int

const (
	LogTrace RpcLogLevel = iota
	LogDebug
	LogInformation
	LogWarning
	LogError
	LogCritical
)

// RpcLog is a log record forwarded by the worker, routed to the host's
// structured logger keyed by invocation.
type RpcLog struct {
	InvocationID string        `json:"invocationId,omitempty"`
	Category     string        `json:"category,omitempty"`
	Message      string        `json:"message"`
	Level        RpcLogLevel   `json:"level"`
	Exception    *RpcException `json:"exception,omitempty"`
}

// TypedDataKind selects which field of TypedData holds the value.
type TypedDataKind int

const (
	TypedNone TypedDataKind = iota
	TypedString
	TypedBytes
	TypedInt
	TypedDouble
	TypedJSON
	TypedHTTP
	TypedCollectionBytes
	TypedCollectionString
	TypedCollectionDouble
	TypedCollectionInt
)

// TypedData is a tagged union carrying one value across the wire, along
// the lines of the "TypedData" concept shared by every language-worker
// protocol: a small closed set of primitive kinds, a JSON escape hatch,
// and an HTTP-shaped case for trigger/binding metadata.
type TypedData struct {
	Kind TypedDataKind `json:"kind"`

	StringVal string  `json:"stringVal,omitempty"`
	BytesVal  []byte  `json:"bytesVal,omitempty"`
	IntVal    int64   `json:"intVal,omitempty"`
	DoubleVal float64 `json:"doubleVal,omitempty"`

	// JSONVal holds canonical JSON produced by the value converter via
	// structpb/protojson, used for anything with no dedicated kind.
	JSONVal json.RawMessage `json:"jsonVal,omitempty"`

	HTTPVal *RpcHTTP `json:"httpVal,omitempty"`

	CollectionBytes  [][]byte  `json:"collectionBytes,omitempty"`
	CollectionString []string  `json:"collectionString,omitempty"`
	CollectionDouble []float64 `json:"collectionDouble,omitempty"`
	CollectionInt    []int64   `json:"collectionInt,omitempty"`
}

// RpcHTTP is the HTTP-shaped TypedData case used for HTTP trigger metadata
// and binding results.
type RpcHTTP struct {
	Method           string              `json:"method,omitempty"`
	URL              string              `json:"url,omitempty"`
	Headers          map[string]string   `json:"headers,omitempty"`
	Query            map[string]string   `json:"query,omitempty"`
	Params           map[string]string   `json:"params,omitempty"`
	ClaimsIdentities []map[string]string `json:"identities,omitempty"`
	StatusCode       string              `json:"statusCode,omitempty"`
	Body             *TypedData          `json:"body,omitempty"`
	RawBody          []byte              `json:"rawBody,omitempty"`
}
