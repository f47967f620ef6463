package fs_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/fs"
	"github.com/iqyx/sffs/layout"
	sffstest "github.com/iqyx/sffs/testing"
)

func TestMountRequiresFormat(t *testing.T) {
	mem := sffstest.CreateMemory(t, 1<<20)

	fsys := fs.New()
	err := fsys.Mount(mem)
	assert.ErrorIs(t, err, sffs.ErrCorrupted, "mounting an unformatted device must fail")
}

func TestFormatAndMount(t *testing.T) {
	fsys, _ := sffstest.CreateFilesystem(t, 1<<20)

	assert.Equal(t, "test", fsys.Label())
	assert.EqualValues(t, 256, fsys.Geometry().SectorCount)
	assert.EqualValues(t, 15, fsys.Geometry().DataPagesPerSector)

	// A fresh filesystem exposes no user files.
	_, err := fsys.FileSize(42)
	assert.ErrorIs(t, err, sffs.ErrNotFound)

	assert.NoError(t, fsys.Check())
}

func TestMountTwiceFails(t *testing.T) {
	fsys, mem := sffstest.CreateFilesystem(t, 1<<20)
	assert.ErrorIs(t, fsys.Mount(mem), sffs.ErrAlreadyMounted)
}

func TestFormatLeavesEveryPageButMasterErased(t *testing.T) {
	fsys, _ := sffstest.CreateFilesystem(t, 1<<20)

	records, err := fsys.Inventory()
	require.NoError(t, err)
	require.EqualValues(t, fsys.Geometry().TotalDataPages(), len(records))

	for _, record := range records {
		if record.Sector == 0 && record.Item == 0 {
			// The master page.
			assert.Equal(t, layout.PageUsed.String(), record.State)
			assert.EqualValues(t, sffs.MasterFileID, record.FileID)
			continue
		}
		assert.Equalf(t, layout.PageErased.String(), record.State,
			"page %d/%d is not erased after format", record.Sector, record.Item)
	}
}

func TestFormatRejectsLongLabel(t *testing.T) {
	mem := sffstest.CreateMemory(t, 1<<20)
	err := fs.Format(mem, "much-too-long-label")
	assert.ErrorIs(t, err, sffs.ErrInvalidArgument)
}

func TestLabelSurvivesRemount(t *testing.T) {
	mem := sffstest.CreateMemory(t, 1<<20)
	require.NoError(t, fs.Format(mem, "flash0"))

	fsys := fs.New()
	require.NoError(t, fsys.Mount(mem))
	assert.Equal(t, "flash0", fsys.Label())
	require.NoError(t, fsys.Free())
}

func TestFreeAndRemount(t *testing.T) {
	fsys, mem := sffstest.CreateFilesystem(t, 1<<20)
	data := sffstest.PatternBytes(1, 1000)
	sffstest.WriteFile(t, fsys, 7, data)

	fsys = sffstest.Remount(t, fsys, mem)
	assert.Equal(t, data, sffstest.ReadAll(t, fsys, 7))
	assert.NoError(t, fsys.Check())
}

func TestFreeWhenNotMounted(t *testing.T) {
	fsys := fs.New()
	assert.ErrorIs(t, fsys.Free(), sffs.ErrNotMounted)
}

func TestCacheClearIsHarmless(t *testing.T) {
	fsys, _ := sffstest.CreateFilesystem(t, 1<<20)
	data := sffstest.PatternBytes(2, 600)
	sffstest.WriteFile(t, fsys, 3, data)

	fsys.CacheClear()
	assert.Equal(t, data, sffstest.ReadAll(t, fsys, 3))

	// Also fine on an unmounted filesystem.
	fs.New().CacheClear()
}

func TestDebugPrint(t *testing.T) {
	fsys, _ := sffstest.CreateFilesystem(t, 32768)

	var out bytes.Buffer
	fsys.DebugPrint(&out)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.EqualValues(t, fsys.Geometry().SectorCount, len(lines))

	// Sector 0 holds the master page, everything else is erased.
	assert.True(t, strings.HasPrefix(lines[0], "0000 [U]: [U] [ ]"), "got %q", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0001 [ ]: [ ]"), "got %q", lines[1])
}

func TestHeaderRepairAfterInterruptedReclaim(t *testing.T) {
	fsys, mem := sffstest.CreateFilesystem(t, 32768)
	require.NoError(t, fsys.Free())

	// Emulate a power cut between a reclamation's sector erase and the
	// fresh header program: the last sector reads back all 0xFF.
	require.NoError(t, mem.SectorErase(7*4096))

	fsys = fs.New()
	require.NoError(t, fsys.Mount(mem), "mount must repair the headerless sector")
	t.Cleanup(func() { fsys.Free() })
	assert.NoError(t, fsys.Check())
}

func TestMountRepairsDuplicateUsed(t *testing.T) {
	fsys, mem := sffstest.CreateFilesystem(t, 32768)
	data := sffstest.PatternBytes(3, 100)
	sffstest.WriteFile(t, fsys, 5, data)
	require.NoError(t, fsys.Free())

	// Forge the crash window between committing a new copy and retiring
	// the old one: write a second USED item for (5, 0) by hand.
	geo := fsys.Geometry()
	item := layout.Item{FileID: 5, Block: 0, State: layout.PageUsed, Size: 100, Reserved: 0xFF}
	buffer := make([]byte, layout.ItemSize)
	require.NoError(t, layout.EncodeItem(buffer, item))
	require.NoError(t, mem.PageWrite(geo.ItemAddr(1, 3), buffer))
	require.NoError(t, mem.PageWrite(geo.SectorBase(1)+layout.HeaderStateOffset,
		[]byte{uint8(layout.SectorUsed)}))

	fsys = fs.New()
	require.NoError(t, fsys.Mount(mem))
	t.Cleanup(func() { fsys.Free() })

	// The duplicate must have been demoted and the invariants restored.
	assert.NoError(t, fsys.Check())
	size, err := fsys.FileSize(5)
	require.NoError(t, err)
	assert.EqualValues(t, 100, size)
}
