// Package converter implements the stateless object <-> TypedData mapping
// at the wire boundary. It is deliberately free of channel state: every
// function takes exactly the inputs it needs (a value, a capability
// lookup) and returns a wire value or a Go value.
package converter

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/faaskit/hostchannel/internal/rpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Capability names consulted by the converter.
const (
	CapRawHTTPBodyBytes           = "RawHttpBodyBytes"
	CapTypedDataCollectionSupport = "TypedDataCollectionSupported"
)

// CapabilityLookup reports whether a capability is set, matching
// worker.Capabilities.Has without importing the worker package (which
// would create a cycle back into converter).
type CapabilityLookup func(name string) bool

// HTTPRequest is the domain shape converted to/from the wire Http case.
type HTTPRequest struct {
	Method           string
	URL              string
	Headers          map[string]string
	Query            map[string]string
	Params           map[string]string
	ClaimsIdentities []map[string]string
	ContentType      string
	Body             []byte
}

// ToWire converts a Go value to its TypedData representation. caps may be
// nil, in which case collection and raw-body capabilities are treated as
// absent.
func ToWire(v any, caps CapabilityLookup) (*rpc.TypedData, error) {
	if caps == nil {
		caps = func(string) bool { return false }
	}
	if v == nil {
		return &rpc.TypedData{Kind: rpc.TypedNone}, nil
	}

	switch val := v.(type) {
	case []byte:
		return &rpc.TypedData{Kind: rpc.TypedBytes, BytesVal: val}, nil
	case string:
		return &rpc.TypedData{Kind: rpc.TypedString, StringVal: val}, nil
	case int:
		return &rpc.TypedData{Kind: rpc.TypedInt, IntVal: int64(val)}, nil
	case int64:
		return &rpc.TypedData{Kind: rpc.TypedInt, IntVal: val}, nil
	case float64:
		return &rpc.TypedData{Kind: rpc.TypedDouble, DoubleVal: val}, nil
	case *HTTPRequest:
		return httpToWire(val, caps)
	case [][]byte:
		if caps(CapTypedDataCollectionSupport) {
			return &rpc.TypedData{Kind: rpc.TypedCollectionBytes, CollectionBytes: val}, nil
		}
	case []string:
		if caps(CapTypedDataCollectionSupport) {
			return &rpc.TypedData{Kind: rpc.TypedCollectionString, CollectionString: val}, nil
		}
	case []float64:
		if caps(CapTypedDataCollectionSupport) {
			return &rpc.TypedData{Kind: rpc.TypedCollectionDouble, CollectionDouble: val}, nil
		}
	case []int64:
		if caps(CapTypedDataCollectionSupport) {
			return &rpc.TypedData{Kind: rpc.TypedCollectionInt, CollectionInt: val}, nil
		}
	}

	return jsonToWire(v)
}

// jsonToWire serializes v through structpb/protojson so the wire payload
// is canonical JSON; on serialization failure it falls back to a string
// representation rather than erroring, per the converter's contract.
func jsonToWire(v any) (*rpc.TypedData, error) {
	structVal, err := structpb.NewValue(v)
	if err != nil {
		// structpb only accepts the generic JSON shapes (map[string]any,
		// []any, scalars); typed slices, maps and structs are first
		// normalized through encoding/json.
		var generic any
		b, jerr := json.Marshal(v)
		if jerr == nil {
			jerr = json.Unmarshal(b, &generic)
		}
		if jerr == nil {
			structVal, err = structpb.NewValue(generic)
		}
	}
	if err != nil {
		return &rpc.TypedData{Kind: rpc.TypedString, StringVal: fmt.Sprintf("%v", v)}, nil
	}
	raw, err := protojson.Marshal(structVal)
	if err != nil {
		return &rpc.TypedData{Kind: rpc.TypedString, StringVal: fmt.Sprintf("%v", v)}, nil
	}
	return &rpc.TypedData{Kind: rpc.TypedJSON, JSONVal: raw}, nil
}

func httpToWire(req *HTTPRequest, caps CapabilityLookup) (*rpc.TypedData, error) {
	headers := lowerKeys(req.Headers)
	body, err := httpBodyToWire(req.ContentType, req.Body)
	if err != nil {
		return nil, err
	}
	wire := &rpc.RpcHTTP{
		Method:           req.Method,
		URL:              req.URL,
		Headers:          headers,
		Query:            req.Query,
		Params:           req.Params,
		ClaimsIdentities: req.ClaimsIdentities,
		Body:             body,
	}
	if caps(CapRawHTTPBodyBytes) {
		wire.RawBody = req.Body
	}
	return &rpc.TypedData{Kind: rpc.TypedHTTP, HTTPVal: wire}, nil
}

func httpBodyToWire(contentType string, body []byte) (*rpc.TypedData, error) {
	if len(body) == 0 {
		return &rpc.TypedData{Kind: rpc.TypedNone}, nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return &rpc.TypedData{Kind: rpc.TypedString, StringVal: string(body)}, nil
		}
		return jsonToWire(v)
	case mediaType == "application/octet-stream" || strings.HasPrefix(mediaType, "multipart/"):
		return &rpc.TypedData{Kind: rpc.TypedBytes, BytesVal: body}, nil
	default:
		return &rpc.TypedData{Kind: rpc.TypedString, StringVal: string(body)}, nil
	}
}

func lowerKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// FromWire converts a TypedData back to a Go value.
func FromWire(td *rpc.TypedData) (any, error) {
	if td == nil {
		return nil, nil
	}
	switch td.Kind {
	case rpc.TypedNone:
		return nil, nil
	case rpc.TypedBytes:
		return td.BytesVal, nil
	case rpc.TypedString:
		return td.StringVal, nil
	case rpc.TypedInt:
		return td.IntVal, nil
	case rpc.TypedDouble:
		return td.DoubleVal, nil
	case rpc.TypedJSON:
		return jsonFromWire(td.JSONVal)
	case rpc.TypedHTTP:
		return httpFromWire(td.HTTPVal)
	case rpc.TypedCollectionBytes:
		return td.CollectionBytes, nil
	case rpc.TypedCollectionString:
		return td.CollectionString, nil
	case rpc.TypedCollectionDouble:
		return td.CollectionDouble, nil
	case rpc.TypedCollectionInt:
		return td.CollectionInt, nil
	default:
		return nil, fmt.Errorf("converter: unknown typed data kind %d", td.Kind)
	}
}

// jsonFromWire parses canonical JSON via structpb so dates and other
// ambiguous scalars are never coerced away from their wire representation.
func jsonFromWire(raw []byte) (any, error) {
	structVal := &structpb.Value{}
	if err := protojson.Unmarshal(raw, structVal); err != nil {
		return nil, fmt.Errorf("converter: parse json value: %w", err)
	}
	return structVal.AsInterface(), nil
}

func httpFromWire(h *rpc.RpcHTTP) (*HTTPRequest, error) {
	if h == nil {
		return nil, nil
	}
	var body []byte
	if h.RawBody != nil {
		body = h.RawBody
	} else if h.Body != nil {
		v, err := FromWire(h.Body)
		if err != nil {
			return nil, err
		}
		switch b := v.(type) {
		case []byte:
			body = b
		case string:
			body = []byte(b)
		}
	}
	return &HTTPRequest{
		Method:           h.Method,
		URL:              h.URL,
		Headers:          h.Headers,
		Query:            h.Query,
		Params:           h.Params,
		ClaimsIdentities: h.ClaimsIdentities,
		Body:             body,
	}, nil
}
