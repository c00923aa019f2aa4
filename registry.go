package capnweb

import (
	"log"
	"sync"
)

// RegistrableCapability is implemented optionally by an RpcTarget that
// wants to observe its own export/import/release lifecycle — e.g. to start
// or stop background work tied to how many peers currently hold a
// reference.
type RegistrableCapability interface {
	OnExport()
	OnImport()
	OnRelease()
}

// CapabilityRegistry deduplicates repeated exports of the same RpcTarget
// within one session: exporting the same Go value twice reuses the
// existing ExportID and bumps its refcount instead of minting a new one,
// mirroring the pointer-identity dedup the peer would otherwise have no way
// to observe.
type CapabilityRegistry struct {
	mu          sync.Mutex
	byTarget    map[RpcTarget]ExportID
	byExportID  map[ExportID]RpcTarget
}

// NewCapabilityRegistry returns an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{
		byTarget:   make(map[RpcTarget]ExportID),
		byExportID: make(map[ExportID]RpcTarget),
	}
}

// Register returns the ExportID previously assigned to target, if any, and
// whether one was found. Callers use this before allocating a new ID so
// that re-exporting the same capability reuses its existing wire identity.
func (r *CapabilityRegistry) Register(target RpcTarget) (ExportID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTarget[target]
	return id, ok
}

// Bind associates target with id, newly allocated by the caller, and fires
// OnExport if target implements RegistrableCapability.
func (r *CapabilityRegistry) Bind(id ExportID, target RpcTarget) {
	r.mu.Lock()
	r.byTarget[target] = id
	r.byExportID[id] = target
	r.mu.Unlock()

	if rc, ok := target.(RegistrableCapability); ok {
		rc.OnExport()
	}
	log.Printf("capnweb: export %s bound to %T", id, target)
}

// Lookup returns the RpcTarget bound to id, if any.
func (r *CapabilityRegistry) Lookup(id ExportID) (RpcTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byExportID[id]
	return t, ok
}

// Unbind removes id's binding and fires OnRelease on the target, if it
// implements RegistrableCapability. Safe to call on an id with no binding.
func (r *CapabilityRegistry) Unbind(id ExportID) {
	r.mu.Lock()
	target, ok := r.byExportID[id]
	if ok {
		delete(r.byExportID, id)
		delete(r.byTarget, target)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if rc, ok := target.(RegistrableCapability); ok {
		rc.OnRelease()
	}
	log.Printf("capnweb: export %s unbound from %T", id, target)
}

// NoteImport fires OnImport on target if it implements
// RegistrableCapability. Session and Evaluator do not call it; a stub
// round trip through the wire does not fire OnImport on its own.
func NoteImport(target RpcTarget) {
	if rc, ok := target.(RegistrableCapability); ok {
		rc.OnImport()
	}
}
