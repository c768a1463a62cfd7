// Package message defines the RPC message structure exchanged between client and server.
//
// RPCMessage is the "envelope" for every RPC call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP.
package message

import (
	"encoding/json"
	"strings"

	"mini-rpc/rpcerr"
)

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  IsRequest is true, ServiceMethod is set, Payload holds the
//     serialized positional args, KWArgs optionally holds named args, Error is
//     empty.
//   - On response: IsRequest is false, Payload holds the serialized reply,
//     Error is non-empty if the call failed. Exactly one of Payload / Error
//     is meaningful on a response — the wire form still carries both fields
//     (Error simply empty) since IsRequest, not field presence, is the
//     discriminator the serializer contract requires.
//
// Meta carries an opaque, user-propagated value (e.g. tracing context) that
// round-trips unchanged between request and the matching response.
type RPCMessage struct {
	IsRequest     bool              // Discriminates request vs. response on the wire.
	ServiceMethod string            // Format: "ServiceName.MethodName", e.g., "Arith.Add"
	Error         string            // Non-empty if the server-side handler returned an error
	Payload       []byte            // Serialized positional args (request) or reply (response) as JSON bytes
	KWArgs        map[string][]byte `json:",omitempty"` // Serialized keyword args, request-only
	Meta          []byte            `json:",omitempty"` // Opaque, user-propagated context; echoed back on the response
}

// NewRequest builds a well-formed request envelope.
func NewRequest(serviceMethod string, payload []byte, kwArgs map[string][]byte, meta []byte) *RPCMessage {
	return &RPCMessage{
		IsRequest:     true,
		ServiceMethod: serviceMethod,
		Payload:       payload,
		KWArgs:        kwArgs,
		Meta:          meta,
	}
}

// NewResponse builds a well-formed response envelope carrying a value.
func NewResponse(serviceMethod string, payload []byte, meta []byte) *RPCMessage {
	return &RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
		Meta:          meta,
	}
}

// NewErrorResponse builds a response envelope carrying an error description.
func NewErrorResponse(serviceMethod string, err error, meta []byte) *RPCMessage {
	return &RPCMessage{
		ServiceMethod: serviceMethod,
		Error:         err.Error(),
		Meta:          meta,
	}
}

// Validate enforces the data-model invariant that a request's service and
// method names are both non-empty.
func (m *RPCMessage) Validate() error {
	if !m.IsRequest {
		return nil
	}
	parts := strings.SplitN(m.ServiceMethod, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return rpcerr.New(rpcerr.KindRequestValidateError, "service and method name must both be non-empty: "+m.ServiceMethod)
	}
	return nil
}

// ServiceName splits "Service.Method" and returns the service half.
func (m *RPCMessage) ServiceName() string {
	parts := strings.SplitN(m.ServiceMethod, ".", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[0]
}

// MethodName splits "Service.Method" and returns the method half.
func (m *RPCMessage) MethodName() string {
	parts := strings.SplitN(m.ServiceMethod, ".", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// MarshalArg is a convenience helper used by callers building positional args.
func MarshalArg(v any) ([]byte, error) {
	return json.Marshal(v)
}
