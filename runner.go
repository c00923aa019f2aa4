package capnweb

// PlanRunner executes a validated Plan against a set of captured
// capabilities/values and a single invocation's parameters, producing the
// Result source's value without emitting any intermediate wire messages —
// the whole point of a Plan is that the pipelining it describes has
// already been decided, so running it is a single local pass.
type PlanRunner struct {
	plan   *Plan
	params Value
}

// NewPlanRunner builds a runner for plan, to be invoked with params as the
// Param-source root.
func NewPlanRunner(plan *Plan, params Value) *PlanRunner {
	return &PlanRunner{plan: plan, params: params}
}

// Execute runs the plan's ops in order and returns the Result source's
// value. captures supplies one Value per entry in plan.Captures, typically
// Stub values for capabilities the plan was built to close over.
func (r *PlanRunner) Execute(captures []Value) (Value, *RpcError) {
	if len(captures) != len(r.plan.Captures) {
		return nil, errBadRequest("plan: expected %d captures, got %d", len(r.plan.Captures), len(captures))
	}

	results := make([]Value, len(r.plan.Ops))
	for i, op := range r.plan.Ops {
		v, err := r.executeOp(op, captures, results[:i])
		if err != nil {
			return nil, err
		}
		results[i] = v
	}

	return r.resolveSource(r.plan.Result, captures, results)
}

func (r *PlanRunner) executeOp(op Op, captures, results []Value) (Value, *RpcError) {
	switch op.Kind {
	case OpCall:
		receiver, err := r.resolveSource(op.Receiver, captures, results)
		if err != nil {
			return nil, err
		}
		stub, ok := asStub(receiver)
		if !ok {
			return nil, errBadRequest("plan: call receiver is not a capability")
		}

		args := make([]Value, len(op.Args))
		for i, s := range op.Args {
			v, err := r.resolveSource(s, captures, results)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}

		v, cerr := stub.Target.Dispatch(op.Method, args)
		if cerr != nil {
			return nil, AsRpcError(cerr)
		}
		return v, nil

	case OpObject:
		out := make(map[string]Value, len(op.Fields))
		for k, s := range op.Fields {
			v, err := r.resolveSource(s, captures, results)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil

	case OpArray:
		out := make([]Value, len(op.Items))
		for i, s := range op.Items {
			v, err := r.resolveSource(s, captures, results)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	default:
		return nil, errInternal("plan: unknown op kind %d", op.Kind)
	}
}

func (r *PlanRunner) resolveSource(s Source, captures, results []Value) (Value, *RpcError) {
	switch s.Kind {
	case SourceCapture:
		if s.Index < 0 || s.Index >= len(captures) {
			return nil, errInternal("plan: capture index %d out of range at run time", s.Index)
		}
		return captures[s.Index], nil

	case SourceResult:
		if s.Index < 0 || s.Index >= len(results) {
			return nil, errInternal("plan: result index %d not available at run time", s.Index)
		}
		return results[s.Index], nil

	case SourceParam:
		return applyPath(r.params, s.Path)

	case SourceByValue:
		return s.Value, nil

	default:
		return nil, errInternal("plan: unknown source kind %d", s.Kind)
	}
}
