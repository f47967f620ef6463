package fs

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/layout"
)

// reservePages returns the number of erased pages held back from user
// writes: one sector's worth. Reclamation needs that many free pages in
// the worst case to move a victim's live pages out, so user writes must
// never eat into it.
func (fs *Filesystem) reservePages() uint32 {
	return fs.geo.DataPagesPerSector
}

// allocatePage picks an erased page for a new block copy. User writes
// trigger reclamation when the free pool runs low and are refused once
// only the reclamation reserve is left; internal copies issued by
// reclamation itself bypass the reserve, they give the pages back with
// interest when the victim is erased.
func (fs *Filesystem) allocatePage(forUser bool) (pageRef, error) {
	if forUser {
		for fs.idx.freeCount <= fs.reservePages() {
			reclaimed, err := fs.reclaimOnce()
			if err != nil {
				return pageRef{}, err
			}
			if !reclaimed {
				break
			}
		}
		if fs.idx.freeCount <= fs.reservePages() {
			return pageRef{}, sffs.ErrNoSpace
		}
	} else if fs.idx.freeCount == 0 {
		return pageRef{}, sffs.ErrNoSpace
	}

	ref, ok := fs.idx.findErased()
	if !ok {
		return pageRef{}, sffs.ErrNoSpace
	}
	return ref, nil
}

// Reclaim runs one reclamation pass by hand. It reports whether a sector
// was actually reclaimed; callers that just want space can rely on the
// write path doing this on demand.
func (fs *Filesystem) Reclaim() (bool, error) {
	if !fs.mounted {
		return false, sffs.ErrNotMounted
	}
	return fs.reclaimOnce()
}

// reclaimOnce picks the dirtiest sector, copies its live pages elsewhere
// through the regular copy-on-write path, then erases it and writes a
// fresh header. Every step is either a monotonic program or the single
// atomic erase, so a power cut at any point leaves a state the next mount
// repairs.
func (fs *Filesystem) reclaimOnce() (bool, error) {
	victim, ok := fs.idx.victim()
	if !ok {
		return false, nil
	}

	moved := 0
	for i := uint32(0); i < fs.geo.DataPagesPerSector; i++ {
		ref := pageRef{victim, i}
		item, err := fs.readItem(ref)
		if err != nil {
			return false, err
		}
		if !item.Readable() {
			continue
		}

		image := make([]byte, fs.geo.PageSize)
		addr := fs.geo.DataPageAddr(ref.sector, ref.item)
		if err := fs.cachedRead(addr, image[:item.Size]); err != nil {
			return false, err
		}

		// The copy targets a non-victim sector by construction: dirty
		// sectors have no erased pages to allocate from.
		if err := fs.writeBlock(item.FileID, item.Block, image, item.Size, false); err != nil {
			return false, err
		}
		moved++
	}

	counts := fs.idx.counts[victim]
	if counts.used+counts.moving != 0 {
		return false, sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"sector %d still holds live pages after reclamation", victim))
	}

	base := fs.geo.SectorBase(victim)
	fs.cache.Invalidate(base, fs.geo.SectorSize)
	if err := fs.dev.SectorErase(base); err != nil {
		return false, err
	}
	if err := fs.writeSectorHeader(victim, layout.SectorErased); err != nil {
		return false, err
	}
	fs.idx.sectorErased(victim)

	fs.log.WithFields(logrus.Fields{
		"sector": victim,
		"moved":  moved,
	}).Debug("sffs: reclaimed sector")
	return true, nil
}
