// Package rpcerr defines the disjoint error kinds produced by the RPC framework.
//
// A kind is a small comparable value usable with errors.Is; Error additionally
// carries a human message, matching the framework's "kind + message survive
// the wire" contract (a reconstructed typed exception on the caller side is
// not required).
package rpcerr

import "fmt"

// Kind identifies one of the disjoint error families named by the framework.
type Kind string

const (
	// StubSideError family (client-only).
	KindFilteredError Kind = "FilteredError"

	// TransportError family.
	KindInvalidPacket        Kind = "InvalidPacketError"
	KindSocketAlreadyClosed  Kind = "SocketAlreadyClosedError"

	// SerializerError family.
	KindSerializationError   Kind = "SerializationError"
	KindDeserializationError Kind = "DeserializationError"

	// RemoteError family.
	KindNoRemoteServer          Kind = "NoRemoteServerError"
	KindConcurrencyError        Kind = "ConcurrencyError"
	KindLookupMethodError       Kind = "LookupMethodError"
	KindSubmitTaskToProcessPool Kind = "SubmitTaskToProcessPoolError"
	KindMethodExecutionError    Kind = "MethodExecutionError"
	KindRequestValidateError    Kind = "RequestValidateError"
	KindInvalidResponseError    Kind = "InvalidResponseError"

	// ConnectionError family.
	KindConnectionWriteTimeout    Kind = "ConnectionWriteTimeout"
	KindConnectionReadTimeout     Kind = "ConnectionReadTimeout"
	KindConnectionAbortError      Kind = "ConnectionAbortError"
	KindMaxPendingWritesReached   Kind = "MaxPendingWritesReachedError"
	KindMaxPendingReadsReached    Kind = "MaxPendingReadsReachedError"

	// ConnectionPoolError family.
	KindNoAvailableConnection     Kind = "NoAvailableConnectionError"
	KindConnectionPoolClosed      Kind = "ConnectionPoolAlreadyClosedError"
	KindCreateConnectionError     Kind = "CreateConnectionError"
)

// Error is a wire-safe error carrying a kind tag and a message.
// It satisfies the error interface and is comparable via errors.Is on Kind.
type Error struct {
	Kind    Kind
	Message string
	// Wrapped holds the original error's message when Error wraps another
	// error (e.g. a method panic or an underlying socket error). It is not
	// an error value itself so that Error remains trivially serializable.
	Wrapped string
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Message: err.Error(), Wrapped: err.Error()}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is allows errors.Is(err, rpcerr.New(KindX, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}
