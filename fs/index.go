package fs

import (
	"github.com/boljen/go-bitmap"
	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/layout"
)

// pageRef locates a metadata item and its data page on the device.
type pageRef struct {
	sector uint32
	item   uint32
}

// pageKey packs (file_id, block) into one map key.
type pageKey uint32

func makeKey(fileID sffs.FileID, block uint16) pageKey {
	return pageKey(uint32(fileID)<<16 | uint32(block))
}

func (k pageKey) fileID() sffs.FileID {
	return sffs.FileID(k >> 16)
}

func (k pageKey) block() uint16 {
	return uint16(k & 0xFFFF)
}

// sectorCounts is the per-sector census of item states the sector header
// state is derived from. Claimed-but-uncommitted items still read as erased
// and are counted as such.
type sectorCounts struct {
	erased   uint32
	reserved uint32
	used     uint32
	moving   uint32
	old      uint32
}

// headerStateFor derives the sector header state from the item census.
func headerStateFor(counts sectorCounts, dataPagesPerSector uint32) layout.SectorState {
	live := counts.reserved + counts.used + counts.moving + counts.old
	switch {
	case counts.erased == dataPagesPerSector:
		return layout.SectorErased
	case counts.erased > 0 && live > 0:
		return layout.SectorUsed
	case counts.old == 0:
		return layout.SectorFull
	default:
		return layout.SectorDirty
	}
}

// index is the in-RAM mirror of the on-flash metadata, rebuilt by scanning
// every item at mount. It is a pure cache: losing it and rescanning always
// reproduces the same answers.
type index struct {
	geo layout.Geometry

	// used and moving map (file_id, block) to the item holding that state.
	// A key present in `used` may transiently also appear in `moving`
	// while a copy-on-write update is in flight.
	used   map[pageKey]pageRef
	moving map[pageKey]pageRef

	// free marks data pages that are genuinely allocatable: erased state
	// and no file ID programmed.
	free      bitmap.Bitmap
	freeCount uint32

	// sizes caches item.Size for every entry of `used` and `moving`.
	sizes map[pageRef]uint16

	counts  []sectorCounts
	headers []layout.SectorState
}

func newIndex(geo layout.Geometry) *index {
	return &index{
		geo:     geo,
		used:    make(map[pageKey]pageRef),
		moving:  make(map[pageKey]pageRef),
		free:    bitmap.New(int(geo.TotalDataPages())),
		sizes:   make(map[pageRef]uint16),
		counts:  make([]sectorCounts, geo.SectorCount),
		headers: make([]layout.SectorState, geo.SectorCount),
	}
}

func (idx *index) setFree(ref pageRef, isFree bool) {
	bit := int(idx.geo.PageIndex(ref.sector, ref.item))
	if idx.free.Get(bit) == isFree {
		return
	}
	idx.free.Set(bit, isFree)
	if isFree {
		idx.freeCount++
	} else {
		idx.freeCount--
	}
}

// note registers an item during the mount scan. Repairs happen before this
// is called, so the item states are already consistent.
func (idx *index) note(ref pageRef, item layout.Item) {
	counts := &idx.counts[ref.sector]
	switch item.State {
	case layout.PageUsed:
		counts.used++
		idx.used[makeKey(item.FileID, item.Block)] = ref
		idx.sizes[ref] = item.Size
	case layout.PageMoving:
		counts.moving++
		idx.moving[makeKey(item.FileID, item.Block)] = ref
		idx.sizes[ref] = item.Size
	case layout.PageReserved:
		counts.reserved++
	case layout.PageOld:
		counts.old++
	default:
		// Erased state byte; the page is only allocatable when nothing
		// claimed it.
		counts.erased++
		if item.Free() {
			idx.setFree(ref, true)
		}
	}
}

// lookup returns the canonical item for (file_id, block): the USED copy if
// one exists, else an in-flight MOVING copy.
func (idx *index) lookup(fileID sffs.FileID, block uint16) (pageRef, bool) {
	key := makeKey(fileID, block)
	if ref, ok := idx.used[key]; ok {
		return ref, true
	}
	if ref, ok := idx.moving[key]; ok {
		return ref, true
	}
	return pageRef{}, false
}

// findErased returns the first allocatable page, preferring sectors already
// in use over erased ones so partial sectors fill up first.
func (idx *index) findErased() (pageRef, bool) {
	if idx.freeCount == 0 {
		return pageRef{}, false
	}
	for _, wantState := range []layout.SectorState{layout.SectorUsed, layout.SectorErased} {
		for sector := uint32(0); sector < idx.geo.SectorCount; sector++ {
			if idx.headers[sector] != wantState {
				continue
			}
			for item := uint32(0); item < idx.geo.DataPagesPerSector; item++ {
				if idx.free.Get(int(idx.geo.PageIndex(sector, item))) {
					return pageRef{sector, item}, true
				}
			}
		}
	}
	return pageRef{}, false
}

// claim marks a page as no longer allocatable. The item state byte is still
// erased on flash; the census does not change yet.
func (idx *index) claim(ref pageRef) {
	idx.setFree(ref, false)
}

// commit registers a freshly committed USED item.
func (idx *index) commit(ref pageRef, fileID sffs.FileID, block uint16, size uint16) {
	idx.counts[ref.sector].erased--
	idx.counts[ref.sector].used++
	idx.used[makeKey(fileID, block)] = ref
	idx.sizes[ref] = size
}

// demoteToMoving moves a USED entry aside while its replacement is written.
func (idx *index) demoteToMoving(ref pageRef, fileID sffs.FileID, block uint16) {
	key := makeKey(fileID, block)
	delete(idx.used, key)
	idx.moving[key] = ref
	idx.counts[ref.sector].used--
	idx.counts[ref.sector].moving++
}

// demoteToOld retires an entry in any live state.
func (idx *index) demoteToOld(ref pageRef, fileID sffs.FileID, block uint16) {
	key := makeKey(fileID, block)
	counts := &idx.counts[ref.sector]
	if cur, ok := idx.used[key]; ok && cur == ref {
		delete(idx.used, key)
		counts.used--
	} else if cur, ok := idx.moving[key]; ok && cur == ref {
		delete(idx.moving, key)
		counts.moving--
	}
	delete(idx.sizes, ref)
	counts.old++
}

// sectorErased resets a sector after reclamation wiped it.
func (idx *index) sectorErased(sector uint32) {
	idx.counts[sector] = sectorCounts{erased: idx.geo.DataPagesPerSector}
	idx.headers[sector] = layout.SectorErased
	for item := uint32(0); item < idx.geo.DataPagesPerSector; item++ {
		idx.setFree(pageRef{sector, item}, true)
	}
}

// fileBlocks returns every (block, ref) pair holding live content for the
// file, excluding MOVING copies shadowed by a USED sibling.
func (idx *index) fileBlocks(fileID sffs.FileID) map[uint16]pageRef {
	blocks := make(map[uint16]pageRef)
	for key, ref := range idx.used {
		if key.fileID() == fileID {
			blocks[key.block()] = ref
		}
	}
	for key, ref := range idx.moving {
		if key.fileID() != fileID {
			continue
		}
		if _, shadowed := idx.used[key]; !shadowed {
			blocks[key.block()] = ref
		}
	}
	return blocks
}

// fileSize sums item sizes over the file's live blocks.
func (idx *index) fileSize(fileID sffs.FileID) (uint32, bool) {
	blocks := idx.fileBlocks(fileID)
	if len(blocks) == 0 {
		return 0, false
	}
	var total uint32
	for _, ref := range blocks {
		total += uint32(idx.sizes[ref])
	}
	return total, true
}

// victim picks the sector to reclaim: a dirty sector with the most OLD and
// RESERVED items together, ties broken by the lowest index.
func (idx *index) victim() (uint32, bool) {
	var best uint32
	var bestOld uint32
	found := false
	for sector := uint32(0); sector < idx.geo.SectorCount; sector++ {
		if idx.headers[sector] != layout.SectorDirty {
			continue
		}
		old := idx.counts[sector].old + idx.counts[sector].reserved
		if !found || old > bestOld {
			best = sector
			bestOld = old
			found = true
		}
	}
	return best, found
}
