package layout_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/layout"
)

func standardInfo() sffs.FlashInfo {
	return sffs.FlashInfo{
		Capacity:   1 << 20,
		PageSize:   256,
		SectorSize: 4096,
		BlockSize:  65536,
	}
}

func TestGeometryStandard(t *testing.T) {
	geo, err := layout.NewGeometry(standardInfo())
	require.NoError(t, err)

	// (4096 - 8) / (8 + 256) = 15 data pages, metadata in the first page.
	assert.EqualValues(t, 15, geo.DataPagesPerSector)
	assert.EqualValues(t, 1, geo.FirstDataPage)
	assert.EqualValues(t, 256, geo.SectorCount)
	assert.EqualValues(t, 256*15, geo.TotalDataPages())
}

func TestGeometryAddresses(t *testing.T) {
	geo, err := layout.NewGeometry(standardInfo())
	require.NoError(t, err)

	assert.EqualValues(t, 3*4096, geo.SectorBase(3))
	assert.EqualValues(t, 3*4096+8, geo.ItemAddr(3, 0))
	assert.EqualValues(t, 3*4096+8+7*8, geo.ItemAddr(3, 7))
	assert.EqualValues(t, 3*4096+256, geo.DataPageAddr(3, 0))
	assert.EqualValues(t, 3*4096+256+14*256, geo.DataPageAddr(3, 14))
	assert.EqualValues(t, 3*15+14, geo.PageIndex(3, 14))
}

func TestGeometryRejectsBadShapes(t *testing.T) {
	info := standardInfo()
	info.SectorSize = 4000
	_, err := layout.NewGeometry(info)
	assert.Error(t, err, "sector size not a multiple of page size must fail")

	info = standardInfo()
	info.Capacity = 1<<20 + 100
	_, err = layout.NewGeometry(info)
	assert.Error(t, err, "capacity not a multiple of sector size must fail")

	info = standardInfo()
	info.SectorSize = info.PageSize
	_, err = layout.NewGeometry(info)
	assert.Error(t, err, "a sector too small for any data page must fail")
}
