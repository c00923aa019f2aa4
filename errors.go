package capnweb

import "fmt"

// ErrorKind is a stable, wire-visible error taxonomy. Values are exchanged
// literally as the second element of an ["error", kind, message, stack?]
// expression, so the string values here are part of the wire contract.
type ErrorKind string

const (
	// KindBadRequest covers malformed frames/expressions/plans, type
	// mismatches, duplicate result indices, forward references, out-of-range
	// captures, cycle-creating dependencies, property type errors, and
	// non-integer numbers where an integer is required.
	KindBadRequest ErrorKind = "BadRequest"
	// KindNotFound covers unknown capabilities, missing methods, missing
	// property path segments, and unknown IDs in resolve/reject/release.
	KindNotFound ErrorKind = "NotFound"
	// KindCapRevoked means the capability existed but was disposed before
	// the call ran.
	KindCapRevoked ErrorKind = "CapRevoked"
	// KindPermissionDenied is reserved for embedder-imposed policy.
	KindPermissionDenied ErrorKind = "PermissionDenied"
	// KindCanceled covers task cancellation, session abort, and upstream
	// rejection with Canceled.
	KindCanceled ErrorKind = "Canceled"
	// KindInternal covers invariant violations and allocator exhaustion.
	KindInternal ErrorKind = "Internal"
)

// RpcError is the error type that flows through the wire, the evaluator, the
// scheduler, and the plan runner. Rejections propagate unchanged: no
// intermediate stage re-wraps an RpcError it is merely forwarding.
type RpcError struct {
	Kind    ErrorKind
	Message string
	// Stack is the optional trace carried by the wire "error" expression.
	Stack string
}

func (e *RpcError) Error() string {
	if e == nil {
		return "<nil RpcError>"
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newRpcError(kind ErrorKind, format string, args ...any) *RpcError {
	return &RpcError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func errBadRequest(format string, args ...any) *RpcError {
	return newRpcError(KindBadRequest, format, args...)
}

func errNotFound(format string, args ...any) *RpcError {
	return newRpcError(KindNotFound, format, args...)
}

func errCapRevoked(format string, args ...any) *RpcError {
	return newRpcError(KindCapRevoked, format, args...)
}

func errCanceled(format string, args ...any) *RpcError {
	return newRpcError(KindCanceled, format, args...)
}

func errInternal(format string, args ...any) *RpcError {
	return newRpcError(KindInternal, format, args...)
}

// AsRpcError unwraps err to an *RpcError if it is one, otherwise wraps it as
// an Internal error. Used at boundaries where a capability implementation
// may return a plain error.
func AsRpcError(err error) *RpcError {
	if err == nil {
		return nil
	}
	if rerr, ok := err.(*RpcError); ok {
		return rerr
	}
	return errInternal("%s", err.Error())
}
