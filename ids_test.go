package capnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDAllocatorStartsAfterMain(t *testing.T) {
	a := NewIDAllocator()
	assert.Equal(t, ImportID(1), a.AllocateImport())
	assert.Equal(t, ImportID(2), a.AllocateImport())
	assert.Equal(t, ExportID(-1), a.AllocateExport())
	assert.Equal(t, ExportID(-2), a.AllocateExport())
}

func TestIDAllocatorConcurrentUnique(t *testing.T) {
	a := NewIDAllocator()
	const n = 1000
	seen := make(chan ImportID, n)
	for i := 0; i < n; i++ {
		go func() { seen <- a.AllocateImport() }()
	}

	unique := make(map[ImportID]bool, n)
	for i := 0; i < n; i++ {
		id := <-seen
		require.False(t, unique[id], "import id %s allocated twice", id)
		unique[id] = true
	}
	assert.Len(t, unique, n)
}

func TestImportExportConversion(t *testing.T) {
	imp := ImportID(42)
	assert.Equal(t, ExportID(-42), imp.ToExportID())
	assert.Equal(t, imp, imp.ToExportID().ToImportID())
}

func TestMainIDs(t *testing.T) {
	assert.True(t, MainImportID.IsMain())
	assert.True(t, MainExportID.IsMain())
	assert.False(t, ImportID(1).IsMain())
}
