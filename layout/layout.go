// Package layout implements the on-flash container format: geometry
// arithmetic, the sector metadata header and item codec, and the sector and
// page state machines with their bit-clearing transition rules.
package layout

import (
	"fmt"

	"github.com/iqyx/sffs"
)

// Geometry holds everything derived from the device geometry at mount time.
// Data pages occupy the tail of each sector; the metadata header and the
// packed item table occupy the head.
type Geometry struct {
	PageSize    uint32
	SectorSize  uint32
	SectorCount uint32

	// DataPagesPerSector is the number of data pages that fit in a sector
	// after the header and one metadata item per data page.
	DataPagesPerSector uint32
	// FirstDataPage is the page index within a sector of the first data
	// page.
	FirstDataPage uint32
}

// NewGeometry derives the filesystem layout from the device geometry.
func NewGeometry(info sffs.FlashInfo) (Geometry, error) {
	if info.PageSize == 0 || info.SectorSize%info.PageSize != 0 {
		return Geometry{}, sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"sector size %d is not a multiple of page size %d",
			info.SectorSize,
			info.PageSize))
	}
	if info.SectorSize == 0 || info.Capacity%info.SectorSize != 0 {
		return Geometry{}, sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"capacity %d is not a multiple of sector size %d",
			info.Capacity,
			info.SectorSize))
	}

	dataPages := (info.SectorSize - HeaderSize) / (ItemSize + info.PageSize)

	// The header and the item table must fit in the pages the data pages
	// leave free.
	firstDataPage := info.SectorSize/info.PageSize - dataPages
	for dataPages > 0 && HeaderSize+dataPages*ItemSize > firstDataPage*info.PageSize {
		dataPages--
		firstDataPage++
	}
	if dataPages == 0 {
		return Geometry{}, sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"sector size %d can't hold a single %d B data page plus metadata",
			info.SectorSize,
			info.PageSize))
	}

	return Geometry{
		PageSize:           info.PageSize,
		SectorSize:         info.SectorSize,
		SectorCount:        info.Capacity / info.SectorSize,
		DataPagesPerSector: dataPages,
		FirstDataPage:      firstDataPage,
	}, nil
}

// SectorBase returns the byte address of the start of a sector.
func (geo Geometry) SectorBase(sector uint32) uint32 {
	return sector * geo.SectorSize
}

// ItemAddr returns the byte address of metadata item `item` of `sector`.
func (geo Geometry) ItemAddr(sector, item uint32) uint32 {
	return geo.SectorBase(sector) + HeaderSize + item*ItemSize
}

// DataPageAddr returns the byte address of data page `item` of `sector`.
func (geo Geometry) DataPageAddr(sector, item uint32) uint32 {
	return geo.SectorBase(sector) + (geo.FirstDataPage+item)*geo.PageSize
}

// TotalDataPages returns the number of data pages on the whole device.
func (geo Geometry) TotalDataPages() uint32 {
	return geo.SectorCount * geo.DataPagesPerSector
}

// PageIndex flattens a (sector, item) pair into a device-wide page ordinal,
// usable as a bitmap index.
func (geo Geometry) PageIndex(sector, item uint32) uint32 {
	return sector*geo.DataPagesPerSector + item
}
