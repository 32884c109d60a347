package janode

import (
	"strconv"

	"github.com/janode-go/janode/internal/txn"
)

// Kind classifies the error taxonomy from spec.md §7.
type Kind int

const (
	// KindValidation covers malformed caller arguments.
	KindValidation Kind = iota
	// KindLifecycle covers operations on a destroyed/closed/in-progress object.
	KindLifecycle
	// KindTransport covers connect/send failures and abrupt transport closure.
	KindTransport
	// KindProtocol covers a server-returned `error` response.
	KindProtocol
	// KindTimeout covers keepalive misses, ping misses, and transaction timeouts.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindLifecycle:
		return "lifecycle"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced to callers of every public
// operation. Protocol errors preserve the server's {code, reason} pair and
// render as "<code> <reason>" per spec.md §8's round-trip law.
type Error struct {
	Kind    Kind
	Message string

	// Code and Reason are populated only for KindProtocol errors.
	Code   int
	Reason string

	// Err wraps an underlying cause (e.g. a transport I/O error), if any.
	Err error
}

func (e *Error) Error() string {
	if e.Kind == KindProtocol {
		return strconv.Itoa(e.Code) + " " + e.Reason
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// protocolError builds the KindProtocol error for an inbound `janus:"error"`
// response.
func protocolError(code int, reason string) *Error {
	return &Error{Kind: KindProtocol, Code: code, Reason: reason, Message: reason}
}

func timeoutError(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

func lifecycleError(message string) *Error {
	return &Error{Kind: KindLifecycle, Message: message}
}

func validationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func transportError(message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, Err: cause}
}

// asTransactionError normalizes an error handed to a transaction's onError
// continuation into the exported *Error type, recognizing the txn
// package's own timeout sentinel.
func asTransactionError(err error) error {
	if te, ok := err.(*txn.TimeoutError); ok {
		return timeoutError(te.Message)
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return transportError("transaction failed", err)
}
