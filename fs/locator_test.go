package fs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/flash"
	"github.com/iqyx/sffs/layout"
)

// The flash scans and the in-RAM index answer the same questions; these
// tests pin them against each other.

func mountScratch(t *testing.T) *Filesystem {
	mem, err := flash.NewMemory(32768, 256, 4096)
	require.NoError(t, err)
	require.NoError(t, Format(mem, "scan"))

	fsys := New()
	require.NoError(t, fsys.Mount(mem))
	t.Cleanup(func() { fsys.Free() })
	return fsys
}

func TestFindPageScanMatchesIndex(t *testing.T) {
	fsys := mountScratch(t)

	f, err := fsys.OpenID(7, sffs.ModeOverwrite)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 600))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	for block := uint16(0); block < 3; block++ {
		ref, item, err := fsys.findPageScan(7, block)
		require.NoErrorf(t, err, "block %d", block)
		assert.Equal(t, layout.PageUsed, item.State)

		indexRef, ok := fsys.idx.lookup(7, block)
		require.True(t, ok)
		assert.Equal(t, indexRef, ref, "scan and index disagree on block %d", block)
	}

	_, _, err = fsys.findPageScan(7, 3)
	assert.True(t, errors.Is(err, sffs.ErrNotFound), "block past the end must not resolve")
	_, _, err = fsys.findPageScan(99, 0)
	assert.True(t, errors.Is(err, sffs.ErrNotFound))
}

func TestFindErasedPageScanMatchesIndex(t *testing.T) {
	fsys := mountScratch(t)

	scanRef, err := fsys.findErasedPageScan()
	require.NoError(t, err)
	indexRef, ok := fsys.idx.findErased()
	require.True(t, ok)
	assert.Equal(t, indexRef, scanRef)

	// Both prefer the partially used sector 0 (it holds the master page)
	// over the erased ones.
	assert.EqualValues(t, 0, scanRef.sector)
	assert.EqualValues(t, 1, scanRef.item)
}

func TestFindPageScanFallsBackToMoving(t *testing.T) {
	fsys := mountScratch(t)

	f, err := fsys.OpenID(3, sffs.ModeOverwrite)
	require.NoError(t, err)
	_, err = f.Write([]byte("content"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ref, _, err := fsys.findPageScan(3, 0)
	require.NoError(t, err)

	// Demote the committed copy by hand and verify the scan falls back to
	// the MOVING copy.
	require.NoError(t, fsys.programItemState(ref, layout.PageMoving))
	movedRef, item, err := fsys.findPageScan(3, 0)
	require.NoError(t, err)
	assert.Equal(t, ref, movedRef)
	assert.Equal(t, layout.PageMoving, item.State)
}
