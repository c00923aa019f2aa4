package capnweb

// Value is the closure described in §3: null (nil), bool, number
// (float64), string, ordered sequence ([]Value), mapping
// (map[string]Value), Date, ErrorValue, or Stub. It is the terminal,
// fully-resolved form that expressions evaluate to. A pending result is not
// a Value case: it is held as a *Promise in the import and export tables.
type Value = any

// Date is a value carrying milliseconds since the Unix epoch, wire-tagged
// as ["date", ms].
type Date float64

// ErrorValue is a value-domain error: the terminal form of a rejection once
// it has been carried across the wire as ["error", kind, message, stack?].
type ErrorValue struct {
	Kind    string
	Message string
	Stack   string
}

func (e ErrorValue) Error() string { return e.Kind + ": " + e.Message }

// toRpcError converts a wire-carried ErrorValue back into the internal
// error type so rejections can propagate through Go's error-returning
// call paths without being re-wrapped.
func (e ErrorValue) toRpcError() *RpcError {
	return &RpcError{Kind: ErrorKind(e.Kind), Message: e.Message, Stack: e.Stack}
}

func rpcErrorToValue(err *RpcError) ErrorValue {
	return ErrorValue{Kind: string(err.Kind), Message: err.Message, Stack: err.Stack}
}

// Stub is an opaque local reference to a capability: the value-domain
// counterpart of an export/import table entry whose content is a live
// RpcTarget rather than data.
type Stub struct {
	Target RpcTarget
}

// orderedSequence marks a []Value that must always be wire-encoded as an
// array, even when it happens to contain exactly one element that looks
// like a tagged form (i.e. the EscapedArray case in §3/§4.2).
type orderedSequence struct {
	items []Value
}
