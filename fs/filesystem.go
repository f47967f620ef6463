// Package fs implements the log-structured filesystem core: mounting,
// formatting, the copy-on-write file operations and sector reclamation.
package fs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/cache"
	"github.com/iqyx/sffs/layout"
)

// readCacheSlots is the size of the page read cache in pages.
const readCacheSlots = 16

// Filesystem is a mounted SFFS instance. It owns the flash device
// exclusively for its lifetime and is single-threaded: no operation may be
// issued while another one is in progress.
type Filesystem struct {
	dev   sffs.FlashDevice
	geo   layout.Geometry
	cache *cache.Cache
	idx   *index
	label string
	log   logrus.FieldLogger

	mounted bool
}

// New creates an unmounted filesystem. Call Mount before anything else.
func New() *Filesystem {
	return &Filesystem{log: logrus.StandardLogger()}
}

// SetLogger replaces the logger, which defaults to the logrus standard
// logger. The core only ever logs at debug level.
func (fs *Filesystem) SetLogger(log logrus.FieldLogger) {
	fs.log = log
}

// Geometry returns the layout derived at mount time.
func (fs *Filesystem) Geometry() layout.Geometry {
	return fs.geo
}

// Label returns the filesystem label read from the master page.
func (fs *Filesystem) Label() string {
	return fs.label
}

////////////////////////////////////////////////////////////////////////////////
// Low-level metadata access

// cachedRead reads an arbitrary byte range through the page read cache.
func (fs *Filesystem) cachedRead(addr uint32, buffer []byte) error {
	for len(buffer) > 0 {
		pageBase := addr - addr%fs.geo.PageSize
		page := make([]byte, fs.geo.PageSize)
		if !fs.cache.Get(pageBase, page) {
			if err := fs.dev.PageRead(pageBase, page); err != nil {
				return err
			}
			fs.cache.Put(pageBase, page)
		}

		chunk := copy(buffer, page[addr-pageBase:])
		addr += uint32(chunk)
		buffer = buffer[chunk:]
	}
	return nil
}

// program writes to flash and drops the stale cache entries. The range must
// lie within one page.
func (fs *Filesystem) program(addr uint32, data []byte) error {
	fs.cache.Invalidate(addr, uint32(len(data)))
	return fs.dev.PageWrite(addr, data)
}

func (fs *Filesystem) readHeader(sector uint32) (layout.Header, error) {
	buffer := make([]byte, layout.HeaderSize)
	if err := fs.cachedRead(fs.geo.SectorBase(sector), buffer); err != nil {
		return layout.Header{}, err
	}
	header, err := layout.DecodeHeader(buffer)
	if err != nil {
		return layout.Header{}, err
	}
	if err := layout.CheckHeader(fs.geo, header); err != nil {
		return layout.Header{}, err
	}
	return header, nil
}

func (fs *Filesystem) readItem(ref pageRef) (layout.Item, error) {
	buffer := make([]byte, layout.ItemSize)
	if err := fs.cachedRead(fs.geo.ItemAddr(ref.sector, ref.item), buffer); err != nil {
		return layout.Item{}, err
	}
	return layout.DecodeItem(buffer)
}

// programItemState advances an item's state byte. The transition must only
// clear bits; anything else means the caller's state machine went wrong.
func (fs *Filesystem) programItemState(ref pageRef, to layout.PageState) error {
	item, err := fs.readItem(ref)
	if err != nil {
		return err
	}
	if item.State == to {
		return nil
	}
	if !layout.CanProgram(uint8(item.State), uint8(to)) {
		return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"item %d/%d can't go %v -> %v without an erase",
			ref.sector, ref.item, item.State, to))
	}
	addr := fs.geo.ItemAddr(ref.sector, ref.item) + layout.ItemStateOffset
	return fs.program(addr, []byte{uint8(to)})
}

// claimItem programs the file ID, block and size of a free item in a
// single operation. The state byte is programmed with its current value,
// which leaves it untouched; the claim only becomes visible to readers
// when commitItem programs the state to USED.
func (fs *Filesystem) claimItem(ref pageRef, fileID sffs.FileID, block uint16, size uint16) error {
	current, err := fs.readItem(ref)
	if err != nil {
		return err
	}
	if !current.Free() {
		return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"item %d/%d is not free, state %v file %d",
			ref.sector, ref.item, current.State, current.FileID))
	}

	buffer := make([]byte, layout.ItemSize)
	item := layout.Item{
		FileID:   fileID,
		Block:    block,
		State:    current.State,
		Size:     size,
		Reserved: current.Reserved,
	}
	if err := layout.EncodeItem(buffer, item); err != nil {
		return err
	}
	return fs.program(fs.geo.ItemAddr(ref.sector, ref.item), buffer)
}

func (fs *Filesystem) commitItem(ref pageRef) error {
	return fs.programItemState(ref, layout.PageUsed)
}

// updateSectorState reprograms the sector header state byte so it matches
// the item census again.
func (fs *Filesystem) updateSectorState(sector uint32) error {
	desired := headerStateFor(fs.idx.counts[sector], fs.geo.DataPagesPerSector)
	current := fs.idx.headers[sector]
	if desired == current {
		return nil
	}
	if !layout.CanProgram(uint8(current), uint8(desired)) {
		return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"sector %d header can't go %v -> %v without an erase",
			sector, current, desired))
	}
	addr := fs.geo.SectorBase(sector) + layout.HeaderStateOffset
	if err := fs.program(addr, []byte{uint8(desired)}); err != nil {
		return err
	}
	fs.idx.headers[sector] = desired
	return nil
}

// writeSectorHeader writes a complete fresh header. Only legal on a fully
// erased sector.
func (fs *Filesystem) writeSectorHeader(sector uint32, state layout.SectorState) error {
	header := layout.Header{
		Magic:             layout.MetadataMagic,
		State:             state,
		MetadataPageCount: uint8(fs.geo.FirstDataPage),
		MetadataItemCount: metadataItemCount(fs.geo),
		Reserved:          0xFF,
	}
	buffer := make([]byte, layout.HeaderSize)
	if err := layout.EncodeHeader(buffer, header); err != nil {
		return err
	}
	return fs.program(fs.geo.SectorBase(sector), buffer)
}

// metadataItemCount clamps the item count to the u8 header field; large
// sector geometries simply saturate the informational field.
func metadataItemCount(geo layout.Geometry) uint8 {
	if geo.DataPagesPerSector > 0xFF {
		return 0xFF
	}
	return uint8(geo.DataPagesPerSector)
}

////////////////////////////////////////////////////////////////////////////////
// Mount / unmount

// Mount reads the device geometry, rebuilds the in-RAM metadata index by
// scanning every sector, repairs the leftovers of interrupted writes and
// validates the master page.
func (fs *Filesystem) Mount(dev sffs.FlashDevice) error {
	if fs.mounted {
		return sffs.ErrAlreadyMounted
	}
	if err := layout.VerifyStateCodes(); err != nil {
		return err
	}

	info, err := dev.GetInfo()
	if err != nil {
		return sffs.ErrIOFailed.Wrap(err)
	}
	geo, err := layout.NewGeometry(info)
	if err != nil {
		return err
	}

	fs.dev = dev
	fs.geo = geo
	fs.cache = cache.New(geo.PageSize, readCacheSlots)
	fs.idx = newIndex(geo)

	if err := fs.scanAndRepair(); err != nil {
		fs.dev = nil
		fs.idx = nil
		return err
	}

	if err := fs.readMasterPage(); err != nil {
		fs.dev = nil
		fs.idx = nil
		return err
	}

	fs.mounted = true
	fs.log.WithFields(logrus.Fields{
		"label":        fs.label,
		"sectors":      geo.SectorCount,
		"pages/sector": geo.DataPagesPerSector,
		"page_size":    geo.PageSize,
	}).Debug("sffs: mounted")
	return nil
}

// scanAndRepair walks every metadata item on the device, restores the
// invariants an interrupted write may have left violated and builds the
// in-RAM index from the repaired state.
func (fs *Filesystem) scanAndRepair() error {
	geo := fs.geo
	erasedHeader := bytes.Repeat([]byte{0xFF}, layout.HeaderSize)

	items := make([][]layout.Item, geo.SectorCount)
	usedSeen := make(map[pageKey]bool)

	// A device where every single header reads as erased was never
	// formatted; rewriting headers would only hide that.
	allErased := true
	for sector := uint32(0); sector < geo.SectorCount; sector++ {
		headerBuf := make([]byte, layout.HeaderSize)
		if err := fs.cachedRead(geo.SectorBase(sector), headerBuf); err != nil {
			return err
		}
		if !bytes.Equal(headerBuf, erasedHeader) {
			allErased = false
			break
		}
	}
	if allErased {
		return sffs.ErrCorrupted.WithMessage("device not formatted")
	}

	for sector := uint32(0); sector < geo.SectorCount; sector++ {
		headerBuf := make([]byte, layout.HeaderSize)
		if err := fs.cachedRead(geo.SectorBase(sector), headerBuf); err != nil {
			return err
		}

		if bytes.Equal(headerBuf, erasedHeader) {
			// A reclamation erased this sector but a power cut hit before
			// the fresh header was programmed. Finish the job.
			fs.log.WithField("sector", sector).Debug("sffs: rewriting erased sector header")
			if err := fs.writeSectorHeader(sector, layout.SectorErased); err != nil {
				return err
			}
			fs.idx.headers[sector] = layout.SectorErased
		} else {
			header, err := layout.DecodeHeader(headerBuf)
			if err != nil {
				return err
			}
			if err := layout.CheckHeader(geo, header); err != nil {
				return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
					"sector %d: %s", sector, err.Error()))
			}
			switch header.State {
			case layout.SectorErased, layout.SectorUsed, layout.SectorFull, layout.SectorDirty:
			default:
				return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
					"sector %d header state %v", sector, header.State))
			}
			fs.idx.headers[sector] = header.State
		}

		items[sector] = make([]layout.Item, geo.DataPagesPerSector)
		for i := uint32(0); i < geo.DataPagesPerSector; i++ {
			ref := pageRef{sector, i}
			item, err := fs.readItem(ref)
			if err != nil {
				return err
			}

			// Repair in scan order. The first USED copy of a (file, block)
			// pair is canonical; everything behind it is a leftover of an
			// interrupted copy-on-write sequence.
			switch {
			case item.State == layout.PageReserved:
				// An abandoned claim aged by a previous mount; retire it.
				if err := fs.programItemState(ref, layout.PageOld); err != nil {
					return err
				}
				item.State = layout.PageOld

			case item.Abandoned():
				// A writer claimed this page but never committed. Mark it
				// reserved so the allocator stays away; the next mount
				// retires it.
				if err := fs.programItemState(ref, layout.PageReserved); err != nil {
					return err
				}
				item.State = layout.PageReserved

			case item.State == layout.PageUsed:
				key := makeKey(item.FileID, item.Block)
				if usedSeen[key] {
					if err := fs.programItemState(ref, layout.PageOld); err != nil {
						return err
					}
					item.State = layout.PageOld
				} else {
					usedSeen[key] = true
				}

			case item.State == layout.PageMoving, item.State == layout.PageOld:
			case item.State == layout.PageErased || item.State == 0xFF:
			default:
				return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
					"item %d/%d state 0x%02x", sector, i, uint8(item.State)))
			}

			items[sector][i] = item
		}
	}

	// Second pass: MOVING copies shadowed by a committed USED sibling are
	// stale and can be retired now that every USED item is known.
	for sector := range items {
		for i, item := range items[sector] {
			ref := pageRef{uint32(sector), uint32(i)}
			if item.State == layout.PageMoving && usedSeen[makeKey(item.FileID, item.Block)] {
				if err := fs.programItemState(ref, layout.PageOld); err != nil {
					return err
				}
				item.State = layout.PageOld
				items[sector][i] = item
			}
			fs.idx.note(ref, item)
		}
	}

	// Headers drift when a power cut lands between an item program and the
	// header update; bring them back in line with the census.
	for sector := uint32(0); sector < geo.SectorCount; sector++ {
		if err := fs.updateSectorState(sector); err != nil {
			return err
		}
	}
	return nil
}

// readMasterPage validates the master page written by Format and loads the
// filesystem label from it.
func (fs *Filesystem) readMasterPage() error {
	ref, ok := fs.idx.lookup(sffs.MasterFileID, 0)
	if !ok {
		return sffs.ErrCorrupted.WithMessage("no master page, device not formatted")
	}

	buffer := make([]byte, layout.MasterPageSize)
	if err := fs.cachedRead(fs.geo.DataPageAddr(ref.sector, ref.item), buffer); err != nil {
		return err
	}
	master, err := layout.DecodeMasterPage(buffer)
	if err != nil {
		return err
	}
	if err := layout.CheckMasterPage(fs.geo, master); err != nil {
		return err
	}

	fs.label = string(bytes.TrimRight(master.Label[:], "\x00"))
	return nil
}

// Free unmounts the filesystem and releases all in-RAM resources. The
// device is left exactly as the last completed operation put it.
func (fs *Filesystem) Free() error {
	if !fs.mounted {
		return sffs.ErrNotMounted
	}
	fs.mounted = false
	fs.dev = nil
	fs.idx = nil
	fs.cache = nil
	fs.label = ""
	return nil
}

// CacheClear drops every page from the read cache. Safe to call at any
// time; never fails.
func (fs *Filesystem) CacheClear() {
	if fs.cache != nil {
		fs.cache.Clear()
	}
}

////////////////////////////////////////////////////////////////////////////////
// Format

// Format creates a fresh filesystem on the device: every sector is erased
// and given an initialized metadata region, and the master page is written
// as file 0, block 0. The device must not be mounted while formatting.
func Format(dev sffs.FlashDevice, label string) error {
	info, err := dev.GetInfo()
	if err != nil {
		return sffs.ErrIOFailed.Wrap(err)
	}
	geo, err := layout.NewGeometry(info)
	if err != nil {
		return err
	}
	if len(label) > 8 {
		return sffs.ErrInvalidArgument.WithMessage("label must be at most 8 bytes")
	}

	if err := dev.ChipErase(); err != nil {
		return err
	}

	// Build one metadata image (header plus the full item table) and
	// program it page by page into every sector.
	metadata := make([]byte, layout.HeaderSize+geo.DataPagesPerSector*layout.ItemSize)
	header := layout.Header{
		Magic:             layout.MetadataMagic,
		State:             layout.SectorErased,
		MetadataPageCount: uint8(geo.FirstDataPage),
		MetadataItemCount: metadataItemCount(geo),
		Reserved:          0xFF,
	}
	if err := layout.EncodeHeader(metadata, header); err != nil {
		return err
	}
	erasedItem := layout.Item{
		FileID:   sffs.InvalidFileID,
		Block:    0xFFFF,
		State:    layout.PageErased,
		Size:     0xFFFF,
		Reserved: 0xFF,
	}
	for i := uint32(0); i < geo.DataPagesPerSector; i++ {
		off := layout.HeaderSize + i*layout.ItemSize
		if err := layout.EncodeItem(metadata[off:], erasedItem); err != nil {
			return err
		}
	}

	for sector := uint32(0); sector < geo.SectorCount; sector++ {
		base := geo.SectorBase(sector)
		for off := uint32(0); off < uint32(len(metadata)); off += geo.PageSize {
			end := off + geo.PageSize
			if end > uint32(len(metadata)) {
				end = uint32(len(metadata))
			}
			if err := dev.PageWrite(base+off, metadata[off:end]); err != nil {
				return err
			}
		}
	}

	// The master page goes into the very first data page as file 0,
	// block 0: geometry echo plus label, validated on every mount.
	master := layout.MasterPage{
		Magic:       layout.MasterMagic,
		PageSize:    geo.PageSize,
		SectorSize:  geo.SectorSize,
		SectorCount: geo.SectorCount,
	}
	copy(master.Label[:], label)

	masterBuf := make([]byte, layout.MasterPageSize)
	if err := layout.EncodeMasterPage(masterBuf, master); err != nil {
		return err
	}
	if err := dev.PageWrite(geo.DataPageAddr(0, 0), masterBuf); err != nil {
		return err
	}

	masterItem := layout.Item{
		FileID:   sffs.MasterFileID,
		Block:    0,
		State:    layout.PageUsed,
		Size:     layout.MasterPageSize,
		Reserved: 0xFF,
	}
	itemBuf := make([]byte, layout.ItemSize)
	if err := layout.EncodeItem(itemBuf, masterItem); err != nil {
		return err
	}
	if err := dev.PageWrite(geo.ItemAddr(0, 0), itemBuf); err != nil {
		return err
	}
	if err := dev.PageWrite(geo.SectorBase(0)+layout.HeaderStateOffset,
		[]byte{uint8(layout.SectorUsed)}); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"label":    label,
		"sectors":  geo.SectorCount,
		"capacity": info.Capacity,
	}).Debug("sffs: formatted")
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Introspection

// DebugPrint writes a map of the whole device to `w`, one line per sector:
// the sector state letter followed by one bracketed letter per data page.
// Read errors show up as '?' cells; the function itself never fails.
func (fs *Filesystem) DebugPrint(w io.Writer) {
	if !fs.mounted {
		return
	}
	for sector := uint32(0); sector < fs.geo.SectorCount; sector++ {
		sectorState := byte('?')
		if header, err := fs.readHeader(sector); err == nil {
			switch header.State {
			case layout.SectorErased:
				sectorState = ' '
			case layout.SectorUsed:
				sectorState = 'U'
			case layout.SectorFull:
				sectorState = 'F'
			case layout.SectorDirty:
				sectorState = 'D'
			}
		}
		fmt.Fprintf(w, "%04d [%c]: ", sector, sectorState)

		for i := uint32(0); i < fs.geo.DataPagesPerSector; i++ {
			pageState := byte('?')
			if item, err := fs.readItem(pageRef{sector, i}); err == nil {
				switch item.State {
				case layout.PageErased, 0xFF:
					pageState = ' '
				case layout.PageUsed:
					pageState = 'U'
				case layout.PageMoving:
					pageState = 'M'
				case layout.PageReserved:
					pageState = 'R'
				case layout.PageOld:
					pageState = 'O'
				}
			}
			fmt.Fprintf(w, "[%c] ", pageState)
		}
		fmt.Fprintln(w)
	}
}

// ItemRecord is one row of the metadata inventory, one per data page.
type ItemRecord struct {
	Sector   uint32 `csv:"sector"`
	Item     uint32 `csv:"item"`
	FileID   uint16 `csv:"file_id"`
	Block    uint16 `csv:"block"`
	State    string `csv:"state"`
	Size     uint16 `csv:"size"`
	DataAddr uint32 `csv:"data_addr"`
}

// Inventory scans the on-flash metadata and returns one record per data
// page, in (sector, item) order.
func (fs *Filesystem) Inventory() ([]ItemRecord, error) {
	if !fs.mounted {
		return nil, sffs.ErrNotMounted
	}
	records := make([]ItemRecord, 0, fs.geo.TotalDataPages())
	err := fs.scanMetadata(func(sector uint32, header layout.Header, items []layout.Item) error {
		for i, item := range items {
			state := item.State
			if state == 0xFF {
				state = layout.PageErased
			}
			records = append(records, ItemRecord{
				Sector:   sector,
				Item:     uint32(i),
				FileID:   uint16(item.FileID),
				Block:    item.Block,
				State:    state.String(),
				Size:     item.Size,
				DataAddr: fs.geo.DataPageAddr(sector, uint32(i)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
