package lwm2m

import (
	"fmt"

	"github.com/matrix-org/go-coap/v2/message/codes"
)

// Kind classifies an error the core surfaces, per the error design in
// SPEC_FULL.md / spec.md §7.
type Kind int

const (
	// KindInvalidArgument covers malformed paths, wrong content format,
	// and invalid Execute arguments.
	KindInvalidArgument Kind = iota
	// KindNotFound covers missing object/instance/resource.
	KindNotFound
	// KindUnauthorized covers ACL check failures.
	KindUnauthorized
	// KindMethodNotAllowed covers unimplemented or role-forbidden operations.
	KindMethodNotAllowed
	// KindConflict covers duplicate registration, resolved by eviction.
	KindConflict
	// KindTimeout covers no reply within the CoAP retransmit window.
	KindTimeout
	// KindTransport covers CoAP/DTLS failures.
	KindTransport
	// KindCodec covers TLV parse failures.
	KindCodec
	// KindOutOfMemory covers allocation failure in a reply path.
	KindOutOfMemory
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindCodec:
		return "codec"
	case KindOutOfMemory:
		return "out_of_memory"
	default:
		return "unknown"
	}
}

// Error is the error type returned by core operations. It carries enough
// information for a handler to convert it to a CoAP response code without
// unwinding to the caller, per spec.md §7's propagation policy.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, v...)}
}

// CoAPCode maps an error Kind to the CoAP response code it should produce
// on the wire, per spec.md §6/§7. Kinds with no direct mapping fall back
// to 5.00 Internal Server Error.
func (k Kind) CoAPCode() codes.Code {
	switch k {
	case KindInvalidArgument:
		return codes.BadRequest
	case KindNotFound:
		return codes.NotFound
	case KindUnauthorized:
		return codes.Unauthorized
	case KindMethodNotAllowed:
		return codes.MethodNotAllowed
	case KindConflict:
		return codes.BadRequest
	case KindTimeout:
		return codes.GatewayTimeout
	case KindTransport:
		return codes.InternalServerError
	case KindCodec:
		return codes.BadRequest
	case KindOutOfMemory:
		return codes.InternalServerError
	default:
		return codes.InternalServerError
	}
}

// ResponseCode converts an error (of any type) into a CoAP response code,
// defaulting unclassified errors to 5.00 Internal Server Error so that no
// handler ever unwinds a raw error to the transport layer.
func ResponseCode(err error) codes.Code {
	if err == nil {
		return codes.Content
	}
	if e, ok := err.(*Error); ok {
		return e.Kind.CoAPCode()
	}
	return codes.InternalServerError
}
