package capnweb

import "sync"

// Promise is the pending half of a resolved-later value: a single-settle,
// multi-waiter future used for both imports and exports while the peer (or
// a local capability call) is still working. Waiters are notified in the
// order they subscribed, matching the FIFO continuation ordering in §6.
type Promise struct {
	mu       sync.Mutex
	settled  bool
	value    Value
	err      *RpcError
	waiters  []func(Value, *RpcError)
}

// NewPromise returns an unsettled Promise.
func NewPromise() *Promise {
	return &Promise{}
}

// Resolve settles the promise successfully. A second call is a no-op: once
// settled, a promise's outcome never changes.
func (p *Promise) Resolve(v Value) {
	p.settle(v, nil)
}

// Reject settles the promise with an error.
func (p *Promise) Reject(err *RpcError) {
	p.settle(nil, err)
}

func (p *Promise) settle(v Value, err *RpcError) {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	p.value, p.err = v, err
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w(v, err)
	}
}

// OnSettle registers fn to run once the promise settles. If it has already
// settled, fn runs synchronously before OnSettle returns. Otherwise fn is
// queued and runs, in subscription order, from whichever goroutine calls
// Resolve/Reject.
func (p *Promise) OnSettle(fn func(Value, *RpcError)) {
	p.mu.Lock()
	if p.settled {
		v, err := p.value, p.err
		p.mu.Unlock()
		fn(v, err)
		return
	}
	p.waiters = append(p.waiters, fn)
	p.mu.Unlock()
}

// Settled reports whether the promise has settled yet, and if so its
// outcome.
func (p *Promise) Settled() (settled bool, v Value, err *RpcError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled, p.value, p.err
}

// ImportEntry is one row of an ImportTable: a reference the peer has handed
// us, either already resolved to a value/stub or still pending behind a
// Promise.
type ImportEntry struct {
	RefCount int
	Promise  *Promise
}

// ImportTable is the local side's bookkeeping for references the remote
// peer has exported to us. Entries are refcounted: a Release message
// decrements, and the entry is dropped once the count reaches zero.
type ImportTable struct {
	mu      sync.Mutex
	entries map[ImportID]*ImportEntry
}

// NewImportTable returns an empty ImportTable.
func NewImportTable() *ImportTable {
	return &ImportTable{entries: make(map[ImportID]*ImportEntry)}
}

// Insert adds a new entry with refcount 1, returning its Promise. If id is
// already present, its refcount is incremented instead and the existing
// Promise is returned.
func (t *ImportTable) Insert(id ImportID) *Promise {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.RefCount++
		return e.Promise
	}
	e := &ImportEntry{RefCount: 1, Promise: NewPromise()}
	t.entries[id] = e
	return e.Promise
}

// Get returns the entry for id, if present.
func (t *ImportTable) Get(id ImportID) (*ImportEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// AddRef increments id's refcount. It is a no-op if id is not present.
func (t *ImportTable) AddRef(id ImportID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.RefCount++
	}
}

// RejectAll settles every still-pending entry's Promise with err. Used when
// a session aborts: every outstanding import must stop waiting.
func (t *ImportTable) RejectAll(err *RpcError) {
	t.mu.Lock()
	promises := make([]*Promise, 0, len(t.entries))
	for _, e := range t.entries {
		promises = append(promises, e.Promise)
	}
	t.mu.Unlock()

	for _, p := range promises {
		p.Reject(err)
	}
}

// Release decrements id's refcount by n and removes the entry once it
// reaches zero, returning true iff the entry was removed. Releasing an
// unknown id is treated as an idempotent success, per the Open Question
// decision recorded in SPEC_FULL.md.
func (t *ImportTable) Release(id ImportID, n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.RefCount -= n
	if e.RefCount <= 0 {
		delete(t.entries, id)
		return true
	}
	return false
}

// ExportEntry is one row of an ExportTable: a capability or value the local
// side has handed to the peer.
type ExportEntry struct {
	RefCount int
	Target   RpcTarget // non-nil for a stub export
	Promise  *Promise  // non-nil while the export is still pending
	Disposer func()    // called once, when the entry is finally dropped
}

// ExportTable is the local side's bookkeeping for references it has handed
// to the remote peer.
type ExportTable struct {
	mu      sync.Mutex
	entries map[ExportID]*ExportEntry
}

// NewExportTable returns an empty ExportTable.
func NewExportTable() *ExportTable {
	return &ExportTable{entries: make(map[ExportID]*ExportEntry)}
}

// ExportStub registers target as the capability behind id with refcount 1.
func (t *ExportTable) ExportStub(id ExportID, target RpcTarget, disposer func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &ExportEntry{RefCount: 1, Target: target, Disposer: disposer}
}

// ExportPromise registers a not-yet-settled export and returns its Promise.
func (t *ExportTable) ExportPromise(id ExportID) *Promise {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := NewPromise()
	t.entries[id] = &ExportEntry{RefCount: 1, Promise: p}
	return p
}

// Resolve settles a pending export's Promise to v. It is a no-op if id has
// no pending promise.
func (t *ExportTable) Resolve(id ExportID, v Value) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if ok && e.Promise != nil {
		e.Promise.Resolve(v)
	}
}

// Reject settles a pending export's Promise with err.
func (t *ExportTable) Reject(id ExportID, err *RpcError) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if ok && e.Promise != nil {
		e.Promise.Reject(err)
	}
}

// Get returns the entry for id, if present.
func (t *ExportTable) Get(id ExportID) (*ExportEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// AddExport increments id's refcount, registering a fresh zero-refcount
// entry first if none exists yet.
func (t *ExportTable) AddExport(id ExportID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &ExportEntry{}
		t.entries[id] = e
	}
	e.RefCount++
}

// RejectAll settles every still-pending export's Promise with err.
func (t *ExportTable) RejectAll(err *RpcError) {
	t.mu.Lock()
	promises := make([]*Promise, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Promise != nil {
			promises = append(promises, e.Promise)
		}
	}
	t.mu.Unlock()

	for _, p := range promises {
		p.Reject(err)
	}
}

// Release decrements id's refcount by n, removing the entry and invoking
// its Disposer once the count reaches zero. Returns true iff the entry was
// removed.
func (t *ExportTable) Release(id ExportID, n int) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	e.RefCount -= n
	removed := e.RefCount <= 0
	if removed {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if removed && e.Disposer != nil {
		e.Disposer()
	}
	return removed
}
