package capnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleTarget struct {
	*BaseRpcTarget
	exports  int
	imports  int
	releases int
}

func (l *lifecycleTarget) OnExport()  { l.exports++ }
func (l *lifecycleTarget) OnImport()  { l.imports++ }
func (l *lifecycleTarget) OnRelease() { l.releases++ }

func TestCapabilityRegistryBindAndLookup(t *testing.T) {
	r := NewCapabilityRegistry()
	target := &lifecycleTarget{BaseRpcTarget: NewBaseRpcTarget()}

	_, found := r.Register(target)
	assert.False(t, found)

	r.Bind(-1, target)
	assert.Equal(t, 1, target.exports)

	got, ok := r.Lookup(-1)
	require.True(t, ok)
	assert.Equal(t, target, got)

	id, found := r.Register(target)
	assert.True(t, found)
	assert.Equal(t, ExportID(-1), id)
}

func TestCapabilityRegistryUnbindFiresOnRelease(t *testing.T) {
	r := NewCapabilityRegistry()
	target := &lifecycleTarget{BaseRpcTarget: NewBaseRpcTarget()}
	r.Bind(-1, target)

	r.Unbind(-1)
	assert.Equal(t, 1, target.releases)

	_, ok := r.Lookup(-1)
	assert.False(t, ok)
}

func TestCapabilityRegistryUnbindUnknownIsNoop(t *testing.T) {
	r := NewCapabilityRegistry()
	assert.NotPanics(t, func() { r.Unbind(42) })
}

func TestNoteImportFiresOnImport(t *testing.T) {
	target := &lifecycleTarget{BaseRpcTarget: NewBaseRpcTarget()}
	NoteImport(target)
	assert.Equal(t, 1, target.imports)
}
