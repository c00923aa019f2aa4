package capnweb

import (
	"encoding/json"
	"fmt"
)

// Expr is the expression domain of §3: a superset of Value that additionally
// contains unresolved references (Import, Pipeline, Remap, Export, Promise)
// plus the typed literal forms (Date, Error, EscapedArray) that need a tag
// to distinguish them from plain JSON on the wire.
type Expr interface {
	isExpr()
}

// Literal wraps a plain value that requires no special handling. ParseExpr
// produces it for the JSON scalars null, bool, number and string; JSON
// arrays and objects parse to ArrayExpr / ObjectExpr instead.
type Literal struct{ Value Value }

// ArrayExpr is a plain JSON array of sub-expressions. It is pending iff any
// element is pending once evaluated.
type ArrayExpr struct{ Items []Expr }

// ObjectExpr is a plain JSON object of sub-expressions.
type ObjectExpr struct{ Fields map[string]Expr }

// EscapedArrayExpr is the literal ordered-sequence form, required because
// tagged forms also use array syntax: a value array whose first element
// happens to collide with a tag string is wrapped as [[...]] on the wire.
type EscapedArrayExpr struct{ Items []Expr }

// DateExpr is ["date", millis].
type DateExpr struct{ Millis float64 }

// ErrorExpr is ["error", kind, message, stack?].
type ErrorExpr struct {
	Kind    string
	Message string
	Stack   string
	HasStack bool
}

// PropertyKey is one element of a property path: either a field name or a
// non-negative sequence index.
type PropertyKey struct {
	IsIndex bool
	Name    string
	Index   int
}

// ImportExpr is ["import", id, path?, args?]: reference an import,
// optionally invoking a method at path with args.
type ImportExpr struct {
	ID   ImportID
	Path []PropertyKey
	Args Expr // nil if absent
}

// PipelineExpr is ["pipeline", id, path?, args?]: behaves identically to
// ImportExpr but denotes the form used when the referenced id is expected
// to still be pending.
type PipelineExpr struct {
	ID   ImportID
	Path []PropertyKey
	Args Expr
}

// CaptureRef is one entry of a Remap's capture list: a reference to an
// import or export closed over by the per-element instructions.
type CaptureRef struct {
	IsExport bool
	Import   ImportID
	Export   ExportID
}

// RemapExpr is ["remap", id, path, captures, instructions]: apply
// instructions to each element of the array-valued target named by id/path,
// closing over captures plus the per-element value.
type RemapExpr struct {
	ID           ImportID
	Path         []PropertyKey
	Captures     []CaptureRef
	Instructions []Expr
}

// ExportExpr is ["export", id]: the wire representation of a capability the
// sender exposes.
type ExportExpr struct{ ID ExportID }

// PromiseExpr is ["promise", id]: the wire representation of a future the
// sender exposes.
type PromiseExpr struct{ ID ExportID }

func (Literal) isExpr()          {}
func (ArrayExpr) isExpr()        {}
func (ObjectExpr) isExpr()       {}
func (EscapedArrayExpr) isExpr() {}
func (DateExpr) isExpr()         {}
func (ErrorExpr) isExpr()        {}
func (ImportExpr) isExpr()       {}
func (PipelineExpr) isExpr()     {}
func (RemapExpr) isExpr()        {}
func (ExportExpr) isExpr()       {}
func (PromiseExpr) isExpr()      {}

// ParseExpr parses one expression from its JSON representation, per the
// wire grammar in §4.2.
func ParseExpr(raw any) (Expr, *RpcError) {
	switch v := raw.(type) {
	case nil:
		return Literal{Value: nil}, nil
	case bool:
		return Literal{Value: v}, nil
	case float64:
		return Literal{Value: v}, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, errBadRequest("non-numeric JSON number literal: %v", err)
		}
		return Literal{Value: f}, nil
	case string:
		return Literal{Value: v}, nil
	case map[string]any:
		fields := make(map[string]Expr, len(v))
		for k, val := range v {
			e, rerr := ParseExpr(val)
			if rerr != nil {
				return nil, rerr
			}
			fields[k] = e
		}
		return ObjectExpr{Fields: fields}, nil
	case []any:
		return parseArrayExpr(v)
	default:
		return nil, errBadRequest("unsupported JSON value type %T", raw)
	}
}

func parseArrayExpr(arr []any) (Expr, *RpcError) {
	if len(arr) == 0 {
		return ArrayExpr{}, nil
	}

	if tag, ok := arr[0].(string); ok {
		if expr, rerr, handled := parseTaggedArray(tag, arr); handled {
			return expr, rerr
		}
		// Unknown tag: fall through and treat as a plain array.
	}

	// Escaped ordered sequence: [[...]]. A length-1 array whose sole
	// element is itself an array represents a literal sequence, not a
	// nested one-element array. If that inner array's own first element
	// is a reserved tag, the inner array is one tagged sub-expression
	// (e.g. a Pipeline reference passed as the sole argument) rather than
	// a list of raw items; otherwise the inner array's own elements are
	// the sequence's items.
	if len(arr) == 1 {
		if inner, ok := arr[0].([]any); ok {
			if tag, ok := firstTag(inner); ok && isReservedTag(tag) {
				e, rerr := ParseExpr(inner)
				if rerr != nil {
					return nil, rerr
				}
				return EscapedArrayExpr{Items: []Expr{e}}, nil
			}
			items := make([]Expr, 0, len(inner))
			for _, el := range inner {
				e, rerr := ParseExpr(el)
				if rerr != nil {
					return nil, rerr
				}
				items = append(items, e)
			}
			return EscapedArrayExpr{Items: items}, nil
		}
	}

	items := make([]Expr, 0, len(arr))
	for _, el := range arr {
		e, rerr := ParseExpr(el)
		if rerr != nil {
			return nil, rerr
		}
		items = append(items, e)
	}
	return ArrayExpr{Items: items}, nil
}

func firstTag(arr []any) (string, bool) {
	if len(arr) == 0 {
		return "", false
	}
	tag, ok := arr[0].(string)
	return tag, ok
}

func isReservedTag(tag string) bool {
	switch tag {
	case "date", "error", "import", "pipeline", "remap", "export", "promise":
		return true
	default:
		return false
	}
}

func parseTaggedArray(tag string, arr []any) (Expr, *RpcError, bool) {
	switch tag {
	case "date":
		if len(arr) != 2 {
			return nil, errBadRequest("date expression needs exactly 2 elements"), true
		}
		ms, ok := asFloat64(arr[1])
		if !ok {
			return nil, errBadRequest("date expression millis must be numeric"), true
		}
		return DateExpr{Millis: ms}, nil, true

	case "error":
		if len(arr) < 3 || len(arr) > 4 {
			return nil, errBadRequest("error expression needs 3 or 4 elements"), true
		}
		kind, ok := arr[1].(string)
		if !ok {
			return nil, errBadRequest("error expression kind must be a string"), true
		}
		msg, ok := arr[2].(string)
		if !ok {
			return nil, errBadRequest("error expression message must be a string"), true
		}
		e := ErrorExpr{Kind: kind, Message: msg}
		if len(arr) == 4 {
			stack, ok := arr[3].(string)
			if !ok {
				return nil, errBadRequest("error expression stack must be a string"), true
			}
			e.Stack, e.HasStack = stack, true
		}
		return e, nil, true

	case "import":
		expr, rerr := parseImportLike(arr, func(id ImportID, path []PropertyKey, args Expr) Expr {
			return ImportExpr{ID: id, Path: path, Args: args}
		})
		return expr, rerr, true

	case "pipeline":
		expr, rerr := parseImportLike(arr, func(id ImportID, path []PropertyKey, args Expr) Expr {
			return PipelineExpr{ID: id, Path: path, Args: args}
		})
		return expr, rerr, true

	case "remap":
		expr, rerr := parseRemap(arr)
		return expr, rerr, true

	case "export":
		if len(arr) != 2 {
			return nil, errBadRequest("export expression needs exactly 2 elements"), true
		}
		id, ok := asInt64(arr[1])
		if !ok {
			return nil, errBadRequest("export id must be integral"), true
		}
		return ExportExpr{ID: ExportID(id)}, nil, true

	case "promise":
		if len(arr) != 2 {
			return nil, errBadRequest("promise expression needs exactly 2 elements"), true
		}
		id, ok := asInt64(arr[1])
		if !ok {
			return nil, errBadRequest("promise id must be integral"), true
		}
		return PromiseExpr{ID: ExportID(id)}, nil, true

	default:
		return nil, nil, false
	}
}

func parseImportLike(arr []any, build func(ImportID, []PropertyKey, Expr) Expr) (Expr, *RpcError) {
	if len(arr) < 2 || len(arr) > 4 {
		return nil, errBadRequest("import/pipeline expression needs 2-4 elements")
	}
	id, ok := asInt64(arr[1])
	if !ok {
		return nil, errBadRequest("import/pipeline id must be integral")
	}

	var path []PropertyKey
	if len(arr) >= 3 && arr[2] != nil {
		p, rerr := parsePropertyPath(arr[2])
		if rerr != nil {
			return nil, rerr
		}
		path = p
	}

	var args Expr
	if len(arr) == 4 {
		a, rerr := ParseExpr(arr[3])
		if rerr != nil {
			return nil, rerr
		}
		args = a
	}

	return build(ImportID(id), path, args), nil
}

func parseRemap(arr []any) (Expr, *RpcError) {
	if len(arr) != 5 {
		return nil, errBadRequest("remap expression needs exactly 5 elements")
	}
	id, ok := asInt64(arr[1])
	if !ok {
		return nil, errBadRequest("remap id must be integral")
	}

	var path []PropertyKey
	if arr[2] != nil {
		p, rerr := parsePropertyPath(arr[2])
		if rerr != nil {
			return nil, rerr
		}
		path = p
	}

	rawCaptures, ok := arr[3].([]any)
	if !ok {
		return nil, errBadRequest("remap captures must be an array")
	}
	captures := make([]CaptureRef, 0, len(rawCaptures))
	for _, rc := range rawCaptures {
		capArr, ok := rc.([]any)
		if !ok || len(capArr) != 2 {
			return nil, errBadRequest("remap capture must be [kind, id]")
		}
		kind, ok := capArr[0].(string)
		if !ok {
			return nil, errBadRequest("remap capture kind must be a string")
		}
		idVal, ok := asInt64(capArr[1])
		if !ok {
			return nil, errBadRequest("remap capture id must be integral")
		}
		switch kind {
		case "import":
			captures = append(captures, CaptureRef{Import: ImportID(idVal)})
		case "export":
			captures = append(captures, CaptureRef{IsExport: true, Export: ExportID(idVal)})
		default:
			return nil, errBadRequest("unknown remap capture kind %q", kind)
		}
	}

	rawInstr, ok := arr[4].([]any)
	if !ok {
		return nil, errBadRequest("remap instructions must be an array")
	}
	instructions := make([]Expr, 0, len(rawInstr))
	for _, ri := range rawInstr {
		e, rerr := ParseExpr(ri)
		if rerr != nil {
			return nil, rerr
		}
		instructions = append(instructions, e)
	}

	return RemapExpr{ID: ImportID(id), Path: path, Captures: captures, Instructions: instructions}, nil
}

func parsePropertyPath(raw any) ([]PropertyKey, *RpcError) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, errBadRequest("property path must be an array")
	}
	path := make([]PropertyKey, 0, len(arr))
	for _, el := range arr {
		switch v := el.(type) {
		case string:
			path = append(path, PropertyKey{Name: v})
		case float64:
			if v < 0 || v != float64(int64(v)) {
				return nil, errBadRequest("property path index must be a non-negative integer")
			}
			path = append(path, PropertyKey{IsIndex: true, Index: int(v)})
		default:
			return nil, errBadRequest("property path element must be a string or integer")
		}
	}
	return path, nil
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	f, ok := asFloat64(v)
	if !ok || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// ToWire converts an expression back to its plain JSON representation
// (nested []any/map[string]any/scalars), ready for json.Marshal.
func (e Literal) ToWire() any { return valueToWire(e.Value) }

func toWire(e Expr) (any, *RpcError) {
	switch v := e.(type) {
	case Literal:
		return valueToWire(v.Value), nil
	case ArrayExpr:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			w, rerr := toWire(item)
			if rerr != nil {
				return nil, rerr
			}
			out[i] = w
		}
		return out, nil
	case ObjectExpr:
		out := make(map[string]any, len(v.Fields))
		for k, item := range v.Fields {
			w, rerr := toWire(item)
			if rerr != nil {
				return nil, rerr
			}
			out[k] = w
		}
		return out, nil
	case EscapedArrayExpr:
		inner := make([]any, len(v.Items))
		for i, item := range v.Items {
			w, rerr := toWire(item)
			if rerr != nil {
				return nil, rerr
			}
			inner[i] = w
		}
		return []any{inner}, nil
	case DateExpr:
		return []any{"date", v.Millis}, nil
	case ErrorExpr:
		if v.HasStack {
			return []any{"error", v.Kind, v.Message, v.Stack}, nil
		}
		return []any{"error", v.Kind, v.Message}, nil
	case ImportExpr:
		return importLikeToWire("import", v.ID, v.Path, v.Args)
	case PipelineExpr:
		return importLikeToWire("pipeline", v.ID, v.Path, v.Args)
	case RemapExpr:
		return remapToWire(v)
	case ExportExpr:
		return []any{"export", int64(v.ID)}, nil
	case PromiseExpr:
		return []any{"promise", int64(v.ID)}, nil
	default:
		return nil, errInternal("unknown expression type %T", e)
	}
}

func importLikeToWire(tag string, id ImportID, path []PropertyKey, args Expr) (any, *RpcError) {
	out := []any{tag, int64(id)}
	if path == nil && args == nil {
		return out, nil
	}
	out = append(out, propertyPathToWire(path))
	if args != nil {
		w, rerr := toWire(args)
		if rerr != nil {
			return nil, rerr
		}
		out = append(out, w)
	}
	return out, nil
}

func remapToWire(v RemapExpr) (any, *RpcError) {
	captures := make([]any, len(v.Captures))
	for i, c := range v.Captures {
		if c.IsExport {
			captures[i] = []any{"export", int64(c.Export)}
		} else {
			captures[i] = []any{"import", int64(c.Import)}
		}
	}
	instructions := make([]any, len(v.Instructions))
	for i, instr := range v.Instructions {
		w, rerr := toWire(instr)
		if rerr != nil {
			return nil, rerr
		}
		instructions[i] = w
	}
	var path any
	if v.Path != nil {
		path = propertyPathToWire(v.Path)
	}
	return []any{"remap", int64(v.ID), path, captures, instructions}, nil
}

func propertyPathToWire(path []PropertyKey) []any {
	out := make([]any, len(path))
	for i, k := range path {
		if k.IsIndex {
			out[i] = k.Index
		} else {
			out[i] = k.Name
		}
	}
	return out
}

func valueToWire(v Value) any {
	switch x := v.(type) {
	case nil, bool, float64, string:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case []Value:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = valueToWire(item)
		}
		return out
	case orderedSequence:
		out := make([]any, len(x.items))
		for i, item := range x.items {
			out[i] = valueToWire(item)
		}
		return []any{out}
	case map[string]Value:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = valueToWire(item)
		}
		return out
	case Date:
		return []any{"date", float64(x)}
	case ErrorValue:
		if x.Stack != "" {
			return []any{"error", x.Kind, x.Message, x.Stack}
		}
		return []any{"error", x.Kind, x.Message}
	default:
		return fmt.Sprintf("%v", x)
	}
}
