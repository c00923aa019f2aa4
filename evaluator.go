package capnweb

import (
	"sync"
	"sync/atomic"
)

// remapElementImportID is the reserved import slot the evaluator binds to
// the current element while running a Remap's per-element instructions. It
// never appears on the wire; it exists only to let those instructions
// address "the current element" through the same Import/Pipeline machinery
// used everywhere else.
const remapElementImportID ImportID = ImportID(-(1 << 61))

// Evaluator resolves Expr values against a session's tables, following
// Import/Pipeline references (waiting on the PipelineScheduler when they are
// not yet settled) and invoking capability methods through Dispatch.
type Evaluator struct {
	imports   *ImportTable
	exports   *ExportTable
	scheduler *PipelineScheduler
	registry  *CapabilityRegistry
	// main is the session's main interface, addressed directly by id 0
	// and used as the implicit receiver when a pipelined method call's
	// navigated path lands on non-capability data rather than a Stub —
	// the common case of calling a top-level RPC method whose arguments
	// happen to be built from an earlier call's plain result.
	main RpcTarget
}

// NewEvaluator builds an Evaluator bound to one session's bookkeeping.
func NewEvaluator(imports *ImportTable, exports *ExportTable, scheduler *PipelineScheduler, registry *CapabilityRegistry, main RpcTarget) *Evaluator {
	return &Evaluator{imports: imports, exports: exports, scheduler: scheduler, registry: registry, main: main}
}

// Evaluate resolves e to a terminal Value, invoking cb exactly once with
// either the value or the error that settled it. from names the import this
// evaluation is running on behalf of (MainImportID if none), used only for
// cycle detection in pipelined Call ops.
func (ev *Evaluator) Evaluate(e Expr, from ImportID, cb func(Value, *RpcError)) {
	switch v := e.(type) {
	case Literal:
		cb(v.Value, nil)

	case DateExpr:
		cb(Date(v.Millis), nil)

	case ErrorExpr:
		ev.Errorf(v, cb)

	case ArrayExpr:
		ev.evaluateSequence(v.Items, from, func(items []Value, err *RpcError) {
			if err != nil {
				cb(nil, err)
				return
			}
			cb(items, nil)
		})

	case EscapedArrayExpr:
		ev.evaluateSequence(v.Items, from, func(items []Value, err *RpcError) {
			if err != nil {
				cb(nil, err)
				return
			}
			cb(orderedSequence{items: items}, nil)
		})

	case ObjectExpr:
		ev.evaluateObject(v.Fields, from, cb)

	case ImportExpr:
		ev.resolveImportLike(v.ID, v.Path, v.Args, from, cb)

	case PipelineExpr:
		ev.resolveImportLike(v.ID, v.Path, v.Args, from, cb)

	case ExportExpr:
		ev.resolveExport(v.ID, cb)

	case PromiseExpr:
		ev.resolveExport(ExportID(v.ID), cb)

	case RemapExpr:
		ev.evaluateRemap(v, from, cb)

	default:
		cb(nil, errInternal("evaluator: unhandled expression type %T", e))
	}
}

func (ev *Evaluator) Errorf(v ErrorExpr, cb func(Value, *RpcError)) {
	ev2 := ErrorValue{Kind: v.Kind, Message: v.Message}
	if v.HasStack {
		ev2.Stack = v.Stack
	}
	cb(ev2, nil)
}

func (ev *Evaluator) evaluateSequence(items []Expr, from ImportID, cb func([]Value, *RpcError)) {
	if len(items) == 0 {
		cb(nil, nil)
		return
	}

	results := make([]Value, len(items))
	var pending atomic.Int32
	pending.Store(int32(len(items)))
	var firstErr atomic.Pointer[RpcError]

	for i, item := range items {
		i, item := i, item
		ev.Evaluate(item, from, func(v Value, err *RpcError) {
			if err != nil {
				firstErr.CompareAndSwap(nil, err)
			} else {
				results[i] = v
			}
			if pending.Add(-1) == 0 {
				if e := firstErr.Load(); e != nil {
					cb(nil, e)
				} else {
					cb(results, nil)
				}
			}
		})
	}
}

func (ev *Evaluator) evaluateObject(fields map[string]Expr, from ImportID, cb func(Value, *RpcError)) {
	if len(fields) == 0 {
		cb(map[string]Value{}, nil)
		return
	}

	results := make(map[string]Value, len(fields))
	var mu atomicMapGuard
	var pending atomic.Int32
	pending.Store(int32(len(fields)))
	var firstErr atomic.Pointer[RpcError]

	for k, item := range fields {
		k, item := k, item
		ev.Evaluate(item, from, func(v Value, err *RpcError) {
			if err != nil {
				firstErr.CompareAndSwap(nil, err)
			} else {
				mu.set(results, k, v)
			}
			if pending.Add(-1) == 0 {
				if e := firstErr.Load(); e != nil {
					cb(nil, e)
				} else {
					cb(results, nil)
				}
			}
		})
	}
}

// atomicMapGuard serializes writes into a shared map from concurrent
// evaluation callbacks; reads happen only after all writers have finished.
type atomicMapGuard struct {
	mu sync.Mutex
}

func (g *atomicMapGuard) set(m map[string]Value, k string, v Value) {
	g.mu.Lock()
	m[k] = v
	g.mu.Unlock()
}

func (ev *Evaluator) resolveImportLike(id ImportID, path []PropertyKey, args Expr, from ImportID, cb func(Value, *RpcError)) {
	if id.IsMain() {
		ev.applyPathAndCall(Stub{Target: ev.main}, nil, path, args, from, cb)
		return
	}

	entry, ok := ev.imports.Get(id)
	if !ok {
		cb(nil, errNotFound("no such import %s", id))
		return
	}

	settled, v, err := entry.Promise.Settled()
	if settled {
		ev.applyPathAndCall(v, err, path, args, from, cb)
		return
	}

	if aerr := ev.scheduler.Await(id, from, func(v Value, err *RpcError) {
		ev.applyPathAndCall(v, err, path, args, from, cb)
	}); aerr != nil {
		cb(nil, aerr)
		return
	}
	entry.Promise.OnSettle(func(v Value, err *RpcError) {
		ev.scheduler.Settle(id, v, err)
	})
}

func (ev *Evaluator) applyPathAndCall(v Value, err *RpcError, path []PropertyKey, args Expr, from ImportID, cb func(Value, *RpcError)) {
	if err != nil {
		cb(nil, err)
		return
	}

	if args == nil {
		result, perr := applyPath(v, path)
		cb(result, perr)
		return
	}

	if len(path) == 0 {
		cb(nil, errBadRequest("method call requires a non-empty property path"))
		return
	}
	receiverPath, method := path[:len(path)-1], path[len(path)-1]
	if method.IsIndex {
		cb(nil, errBadRequest("method name must be a property, not an index"))
		return
	}

	receiver, perr := applyPath(v, receiverPath)
	if perr != nil {
		cb(nil, perr)
		return
	}
	stub, ok := asStub(receiver)
	if !ok {
		// The navigated path landed on plain data rather than a
		// capability: treat the call as addressed to the session's main
		// interface, the common shape for a pipelined top-level RPC call
		// built from an earlier result's field.
		if ev.main == nil {
			cb(nil, errBadRequest("cannot call method %q on non-capability value", method.Name))
			return
		}
		stub = Stub{Target: ev.main}
	}

	ev.Evaluate(args, from, func(argsVal Value, aerr *RpcError) {
		if aerr != nil {
			cb(nil, aerr)
			return
		}
		var argsSlice []Value
		if argsVal == nil {
			argsSlice = nil
		} else if slice, ok := toValueSlice(argsVal); ok {
			argsSlice = slice
		} else {
			cb(nil, errBadRequest("call arguments must be an array"))
			return
		}
		result, cerr := stub.Target.Dispatch(method.Name, argsSlice)
		cb(result, AsRpcError(cerr))
	})
}

func asStub(v Value) (Stub, bool) {
	switch s := v.(type) {
	case Stub:
		return s, true
	case *Stub:
		return *s, true
	default:
		return Stub{}, false
	}
}

func (ev *Evaluator) resolveExport(id ExportID, cb func(Value, *RpcError)) {
	entry, ok := ev.exports.Get(id)
	if !ok {
		cb(nil, errNotFound("no such export %s", id))
		return
	}
	if entry.Promise != nil {
		entry.Promise.OnSettle(cb)
		return
	}
	if entry.Target == nil {
		cb(nil, errInternal("export %s has neither target nor promise", id))
		return
	}
	cb(Stub{Target: entry.Target}, nil)
}

func (ev *Evaluator) evaluateRemap(v RemapExpr, from ImportID, cb func(Value, *RpcError)) {
	ev.resolveImportLike(v.ID, v.Path, nil, from, func(target Value, err *RpcError) {
		if err != nil {
			cb(nil, err)
			return
		}
		items, ok := toValueSlice(target)
		if !ok {
			cb(nil, errBadRequest("remap target is not an array"))
			return
		}

		captured := make(map[ImportID]*ImportEntry, len(v.Captures))
		capturedExports := make(map[ExportID]*ExportEntry, len(v.Captures))
		for _, c := range v.Captures {
			if c.IsExport {
				if e, ok := ev.exports.Get(c.Export); ok {
					capturedExports[c.Export] = e
				}
			} else {
				if e, ok := ev.imports.Get(c.Import); ok {
					captured[c.Import] = e
				}
			}
		}

		out := make([]Value, len(items))
		var pending atomic.Int32
		pending.Store(int32(len(items)))
		if len(items) == 0 {
			cb(out, nil)
			return
		}
		var firstErr atomic.Pointer[RpcError]

		for i, item := range items {
			i, item := i, item
			elemTable := NewImportTable()
			elemPromise := elemTable.Insert(remapElementImportID)
			elemPromise.Resolve(item)
			elemEval := &Evaluator{imports: elemTable, exports: ev.exports, scheduler: NewPipelineScheduler(), registry: ev.registry, main: ev.main}
			for id, e := range captured {
				elemEval.imports.entries[id] = e
			}

			runInstructions(elemEval, v.Instructions, from, func(results []Value, ierr *RpcError) {
				if ierr != nil {
					firstErr.CompareAndSwap(nil, ierr)
				} else if len(results) > 0 {
					out[i] = results[len(results)-1]
				}
				if pending.Add(-1) == 0 {
					if e := firstErr.Load(); e != nil {
						cb(nil, e)
					} else {
						cb(out, nil)
					}
				}
			})
		}
	})
}

func runInstructions(ev *Evaluator, instrs []Expr, from ImportID, cb func([]Value, *RpcError)) {
	ev.evaluateSequence(instrs, from, cb)
}

func toValueSlice(v Value) ([]Value, bool) {
	switch x := v.(type) {
	case []Value:
		return x, true
	case orderedSequence:
		return x.items, true
	default:
		return nil, false
	}
}

func applyPath(v Value, path []PropertyKey) (Value, *RpcError) {
	current := v
	for _, key := range path {
		if key.IsIndex {
			arr, ok := toValueSlice(current)
			if !ok {
				return nil, errBadRequest("cannot index non-array value with %d", key.Index)
			}
			if key.Index < 0 || key.Index >= len(arr) {
				return nil, errNotFound("array index %d out of bounds", key.Index)
			}
			current = arr[key.Index]
			continue
		}
		obj, ok := current.(map[string]Value)
		if !ok {
			return nil, errBadRequest("cannot access property %q on non-object value", key.Name)
		}
		next, ok := obj[key.Name]
		if !ok {
			return nil, errNotFound("no such property %q", key.Name)
		}
		current = next
	}
	return current, nil
}
