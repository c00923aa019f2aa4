package capnweb

import (
	"fmt"
	"log"
	"sync"
)

// RpcTarget is the interface server-side capabilities implement to accept
// incoming method calls. args are the already-evaluated call arguments (any
// Import/Pipeline references inside them have already been resolved to
// terminal Values).
type RpcTarget interface {
	Dispatch(method string, args []Value) (Value, error)
}

// BaseRpcTarget is a convenient RpcTarget built from named method handlers,
// the same shape the original naive session used, generalized to the
// Value-typed Dispatch signature.
type BaseRpcTarget struct {
	mu      sync.RWMutex
	methods map[string]func([]Value) (Value, error)
}

// NewBaseRpcTarget returns an empty BaseRpcTarget.
func NewBaseRpcTarget() *BaseRpcTarget {
	return &BaseRpcTarget{methods: make(map[string]func([]Value) (Value, error))}
}

// Method registers a handler for the given method name.
func (t *BaseRpcTarget) Method(name string, handler func([]Value) (Value, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[name] = handler
}

// Dispatch implements RpcTarget.
func (t *BaseRpcTarget) Dispatch(method string, args []Value) (Value, error) {
	t.mu.RLock()
	handler, ok := t.methods[method]
	t.mu.RUnlock()
	if !ok {
		return nil, errNotFound("method not found: %s", method)
	}
	return handler(args)
}

// Sender writes one outgoing Message to the peer. Implementations are
// provided by the transport (WebSocket frame, HTTP batch line buffer).
type Sender interface {
	Send(Message) error
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(Message) error

func (f SenderFunc) Send(m Message) error { return f(m) }

// Session is one Cap'n Web connection's worth of bookkeeping: one
// ImportTable and one ExportTable (see tables.go; there is no separate
// mirrored pair for the outbound direction), the expression evaluator, the
// pipeline scheduler, and the capability registry, all wired to a single
// main RpcTarget and an outgoing Sender.
//
// HandleMessage does not serialize concurrent calls: its lock covers only
// the aborted check, and a push whose expression waits on a pending import
// returns before that expression settles. The transports in server.go feed
// each Session's messages one at a time, with one Session per WebSocket
// connection or HTTP batch request.
type Session struct {
	mu sync.Mutex

	ids       *IDAllocator
	imports   *ImportTable
	exports   *ExportTable
	scheduler *PipelineScheduler
	registry  *CapabilityRegistry
	evaluator *Evaluator

	main   RpcTarget
	sender Sender

	// nextPushResult is the next positive id a Push message's result will
	// be filed under. Both peers count pushes in the same order, so the
	// sender can reference a still-pending push's result (e.g. in a
	// subsequent push's pipeline expression) without waiting to be told
	// what id the receiver chose.
	nextPushResult int64

	aborted  bool
	abortErr *RpcError
}

// NewSession creates a Session exposing main as the session's main
// interface (ExportID 0) and writing outgoing messages through sender.
func NewSession(main RpcTarget, sender Sender) *Session {
	imports := NewImportTable()
	exports := NewExportTable()
	scheduler := NewPipelineScheduler()
	registry := NewCapabilityRegistry()

	s := &Session{
		ids:            NewIDAllocator(),
		imports:        imports,
		exports:        exports,
		scheduler:      scheduler,
		registry:       registry,
		evaluator:      NewEvaluator(imports, exports, scheduler, registry, main),
		main:           main,
		sender:         sender,
		nextPushResult: 1,
	}
	exports.ExportStub(MainExportID, main, nil)
	registry.Bind(MainExportID, main)
	return s
}

// HandleMessage dispatches one inbound wire Message.
func (s *Session) HandleMessage(msg Message) error {
	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()
	if aborted {
		return fmt.Errorf("capnweb: session aborted")
	}

	switch m := msg.(type) {
	case PushMessage:
		return s.handlePush(m)
	case PullMessage:
		return s.handlePull(m)
	case ResolveMessage:
		return s.handleResolve(m)
	case RejectMessage:
		return s.handleReject(m)
	case ReleaseMessage:
		return s.handleRelease(m)
	case AbortMessage:
		return s.handleAbort(m)
	default:
		return fmt.Errorf("capnweb: unknown message type %T", msg)
	}
}

// handlePush evaluates the pushed expression and files its (possibly
// pending) result under a freshly allocated import id, per §3's "push
// creates an import entry". Filing push results as imports — the same
// table and scheduler that Pipeline/Import references in later messages
// resolve against — is what lets one push's expression pipeline off an
// earlier, still-pending push's result without blocking.
func (s *Session) handlePush(m PushMessage) error {
	s.mu.Lock()
	id := ImportID(s.nextPushResult)
	s.nextPushResult++
	s.mu.Unlock()

	p := s.imports.Insert(id)

	s.evaluator.Evaluate(m.Expr, id, func(v Value, err *RpcError) {
		if err != nil {
			p.Reject(err)
		} else {
			p.Resolve(v)
		}
	})
	return nil
}

func (s *Session) handlePull(m PullMessage) error {
	entry, ok := s.imports.Get(m.ID)
	if !ok {
		return s.sendReject(m.ID, errNotFound("no such import %d", int64(m.ID)))
	}

	settled, v, rerr := entry.Promise.Settled()
	if settled {
		if rerr != nil {
			return s.sendReject(m.ID, rerr)
		}
		return s.sendResolve(m.ID, v)
	}

	entry.Promise.OnSettle(func(v Value, err *RpcError) {
		if err != nil {
			if serr := s.sendReject(m.ID, err); serr != nil {
				log.Printf("capnweb: failed to send reject for %s: %v", m.ID, serr)
			}
			return
		}
		if serr := s.sendResolve(m.ID, v); serr != nil {
			log.Printf("capnweb: failed to send resolve for %s: %v", m.ID, serr)
		}
	})
	return nil
}

func (s *Session) handleResolve(m ResolveMessage) error {
	entry, ok := s.imports.Get(m.ID)
	if !ok {
		return errNotFound("resolve references unknown import %s", m.ID)
	}
	s.evaluator.Evaluate(m.Value, m.ID, func(v Value, err *RpcError) {
		if err != nil {
			entry.Promise.Reject(err)
			s.scheduler.Settle(m.ID, nil, err)
			return
		}
		entry.Promise.Resolve(v)
		s.scheduler.Settle(m.ID, v, nil)
	})
	return nil
}

func (s *Session) handleReject(m RejectMessage) error {
	entry, ok := s.imports.Get(m.ID)
	if !ok {
		return errNotFound("reject references unknown import %s", m.ID)
	}
	s.evaluator.Evaluate(m.Error, m.ID, func(v Value, _ *RpcError) {
		var rerr *RpcError
		if ev, ok := v.(ErrorValue); ok {
			rerr = ev.toRpcError()
		} else {
			rerr = errInternal("malformed rejection payload")
		}
		entry.Promise.Reject(rerr)
		s.scheduler.Settle(m.ID, nil, rerr)
	})
	return nil
}

// handleRelease drops refs from whichever table m.ID names. Push-result
// import ids are always positive (nextPushResult counts up from 1);
// capability export ids are always negative (IDAllocator counts down from
// -1); a release naming MainExportID (0) is treated like any other
// non-positive id and goes to the export table. The two spaces never
// collide, so the sign alone picks the table.
func (s *Session) handleRelease(m ReleaseMessage) error {
	if int64(m.ID) > 0 {
		s.imports.Release(m.ID, m.RefCount)
	} else {
		s.exports.Release(ExportID(m.ID), m.RefCount)
	}
	return nil
}

func (s *Session) handleAbort(m AbortMessage) error {
	var rerr *RpcError
	s.evaluator.Evaluate(m.Error, MainImportID, func(v Value, _ *RpcError) {
		if ev, ok := v.(ErrorValue); ok {
			rerr = ev.toRpcError()
		} else {
			rerr = errCanceled("session aborted")
		}
	})
	if rerr == nil {
		rerr = errCanceled("session aborted")
	}

	s.mu.Lock()
	s.aborted = true
	s.abortErr = rerr
	s.mu.Unlock()

	s.imports.RejectAll(rerr)
	s.exports.RejectAll(rerr)
	return nil
}

func (s *Session) sendResolve(id ImportID, v Value) error {
	e, rerr := s.exprFromValue(v)
	if rerr != nil {
		return s.sendReject(id, rerr)
	}
	return s.sender.Send(ResolveMessage{ID: id, Value: e})
}

func (s *Session) sendReject(id ImportID, err *RpcError) error {
	return s.sender.Send(RejectMessage{ID: id, Error: ValueToErrorExpr(err)})
}

// Abort ends the session locally, notifying the peer and rejecting all
// outstanding promises on this side.
func (s *Session) Abort(err *RpcError) error {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return nil
	}
	s.aborted = true
	s.abortErr = err
	s.mu.Unlock()

	s.imports.RejectAll(err)
	s.exports.RejectAll(err)
	return s.sender.Send(AbortMessage{Error: ValueToErrorExpr(err)})
}

// exprFromValue converts a terminal Value back into the Expr form needed to
// build an outgoing wire message, recursively exporting any capability it
// finds along the way.
func (s *Session) exprFromValue(v Value) (Expr, *RpcError) {
	switch x := v.(type) {
	case Date:
		return DateExpr{Millis: float64(x)}, nil

	case ErrorValue:
		e := ErrorExpr{Kind: x.Kind, Message: x.Message}
		if x.Stack != "" {
			e.Stack, e.HasStack = x.Stack, true
		}
		return e, nil

	case Stub:
		return s.exportCapability(x.Target), nil

	case []Value:
		items := make([]Expr, len(x))
		for i, item := range x {
			e, rerr := s.exprFromValue(item)
			if rerr != nil {
				return nil, rerr
			}
			items[i] = e
		}
		return ArrayExpr{Items: items}, nil

	case orderedSequence:
		items := make([]Expr, len(x.items))
		for i, item := range x.items {
			e, rerr := s.exprFromValue(item)
			if rerr != nil {
				return nil, rerr
			}
			items[i] = e
		}
		return EscapedArrayExpr{Items: items}, nil

	case map[string]Value:
		fields := make(map[string]Expr, len(x))
		for k, item := range x {
			e, rerr := s.exprFromValue(item)
			if rerr != nil {
				return nil, rerr
			}
			fields[k] = e
		}
		return ObjectExpr{Fields: fields}, nil

	default:
		return Literal{Value: v}, nil
	}
}

// exportCapability allocates (or reuses) the ExportID for target and
// returns its wire expression.
func (s *Session) exportCapability(target RpcTarget) Expr {
	if id, ok := s.registry.Register(target); ok {
		s.exports.AddExport(id)
		return ExportExpr{ID: id}
	}
	id := s.ids.AllocateExport()
	s.exports.ExportStub(id, target, func() { s.registry.Unbind(id) })
	s.registry.Bind(id, target)
	return ExportExpr{ID: id}
}
